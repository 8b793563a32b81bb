package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/api/handlers"
	"github.com/BaSui01/airouter/internal/metrics"
	"github.com/BaSui01/airouter/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteJSON(w, http.StatusInternalServerError, api.OpenAIError{
						Error: api.OpenAIErrorBody{
							Message: "internal server error",
							Type:    "api_error",
						},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDPattern 约束入站 x-request-id：超出该字符集或长度的值
// 一律换成新 UUID，防止日志注入。
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// RequestID 回显合法的入站请求 ID，否则铸造新的；同时写入响应头与
// 请求上下文。
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("x-request-id")
			if !requestIDPattern.MatchString(id) {
				id = uuid.NewString()
			}
			w.Header().Set("x-request-id", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			id, _ := types.RequestID(r.Context())
			logger.Info("request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("vendor", rw.Header().Get("x-ai-router-provider")),
				zap.String("model", rw.Header().Get("x-ai-router-model")),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// MetricsMiddleware 记录 HTTP 请求指标。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, r.URL.Path, rw.StatusCode, time.Since(start))
		})
	}
}

// Auth 校验入站路由令牌：Authorization: Bearer 或 x-api-key，两者
// 等效。比较的是两个密钥的固定长度摘要，杜绝长度泄露与时间侧信道。
func Auth(routerKey string, logger *zap.Logger) Middleware {
	expected := sha256.Sum256([]byte(routerKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := bearerOrAPIKey(r)
			digest := sha256.Sum256([]byte(supplied))
			if supplied == "" || subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
				err := types.NewError(types.ErrUnauthorized, "invalid or missing API key")
				if strings.HasPrefix(r.URL.Path, "/v1/messages") {
					handlers.WriteAnthropicError(w, err, logger)
				} else {
					handlers.WriteOpenAIError(w, err, logger)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerOrAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}
