package handlers

import (
	"encoding/json"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/types"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteOpenAIError 以 OpenAI 错误包裹写出结构化错误。
// 所有 OpenAI 形态的路径（chat、images、embeddings、queue）共用。
func WriteOpenAIError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	logAPIError(logger, err, status)
	WriteJSON(w, status, api.OpenAIError{
		Error: api.OpenAIErrorBody{
			Message: err.Message,
			Type:    openAIErrorType(err.Code, status),
			Code:    errorCodeSlug(err.Code),
		},
	})
}

// WriteAnthropicError 以 Anthropic 错误包裹写出结构化错误，
// 仅用于 /v1/messages 路径。
func WriteAnthropicError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	logAPIError(logger, err, status)
	WriteJSON(w, status, api.AnthropicError{
		Type: "error",
		Error: api.AnthropicErrorBody{
			Type:    anthropicErrorType(err.Code, status),
			Message: err.Message,
		},
	})
}

func logAPIError(logger *zap.Logger, err *types.Error, status int) {
	if logger == nil {
		return
	}
	logger.Error("API error",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
		zap.String("provider", err.Provider),
		zap.Error(err.Cause),
	)
}

// =============================================================================
// 🔄 错误码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrInvalidRequest, types.ErrToolValidation:
		return http.StatusBadRequest
	case types.ErrAuthentication, types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrModelNotFound:
		return http.StatusNotFound
	case types.ErrRateLimit, types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrQuotaExceeded:
		return http.StatusPaymentRequired
	case types.ErrContextTooLong:
		return http.StatusRequestEntityTooLarge
	case types.ErrContentFiltered:
		return http.StatusUnprocessableEntity
	case types.ErrQueueTimeout:
		return http.StatusRequestTimeout
	case types.ErrRequestCancelled:
		return 499

	// 5xx 服务端错误
	case types.ErrTimeout, types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrModelOverloaded, types.ErrServiceUnavailable, types.ErrProviderUnavailable,
		types.ErrAllProvidersExhausted, types.ErrRoutingUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrQueueFull:
		// 队列满是暂时性拥塞，503 比 500 更准确
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// openAIErrorType 将内部错误码映射为 OpenAI 的 error.type 词汇。
func openAIErrorType(code types.ErrorCode, status int) string {
	switch code {
	case types.ErrInvalidRequest, types.ErrModelNotFound, types.ErrContextTooLong, types.ErrToolValidation:
		return "invalid_request_error"
	case types.ErrAuthentication, types.ErrUnauthorized, types.ErrForbidden:
		return "authentication_error"
	case types.ErrRateLimit, types.ErrRateLimited, types.ErrQuotaExceeded:
		return "rate_limit_error"
	}
	if status >= 400 && status < 500 {
		return "invalid_request_error"
	}
	return "api_error"
}

// anthropicErrorType 将内部错误码映射为 Anthropic 的 error.type 词汇。
func anthropicErrorType(code types.ErrorCode, status int) string {
	switch code {
	case types.ErrInvalidRequest, types.ErrToolValidation, types.ErrContextTooLong:
		return "invalid_request_error"
	case types.ErrAuthentication, types.ErrUnauthorized:
		return "authentication_error"
	case types.ErrForbidden:
		return "permission_error"
	case types.ErrModelNotFound:
		return "not_found_error"
	case types.ErrRateLimit, types.ErrRateLimited, types.ErrQuotaExceeded:
		return "rate_limit_error"
	case types.ErrModelOverloaded, types.ErrServiceUnavailable, types.ErrAllProvidersExhausted, types.ErrQueueFull:
		return "overloaded_error"
	}
	if status >= 400 && status < 500 {
		return "invalid_request_error"
	}
	return "api_error"
}

// errorCodeSlug 把内部错误码转成稳定的小写 code 字段。
func errorCodeSlug(code types.ErrorCode) string {
	switch code {
	case types.ErrQueueTimeout:
		return "queue_timeout"
	case types.ErrQueueFull:
		return "queue_full"
	case types.ErrRequestCancelled:
		return "request_cancelled"
	case types.ErrAllProvidersExhausted:
		return "all_providers_exhausted"
	case "":
		return ""
	default:
		return string(code)
	}
}

// =============================================================================
// 🛡️ 请求解析辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体。限制 1 MB 防滥用；未知字段被忽略，
// 与 OpenAI 的宽松入参语义一致。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *types.Error {
	if r.Body == nil {
		return types.NewError(types.ErrInvalidRequest, "request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
	}
	return nil
}

// ValidateContentType 验证 Content-Type
// 使用 mime.ParseMediaType 进行宽松解析，正确处理大小写变体
// （如 "application/json; charset=UTF-8"）和额外参数。
func ValidateContentType(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// setRouteHeaders 在每个路由成功响应上记录实际命中的 vendor 与
// vendor 侧模型名。
func setRouteHeaders(w http.ResponseWriter, vendor, vendorModel string) {
	w.Header().Set("x-ai-router-provider", vendor)
	w.Header().Set("x-ai-router-model", vendorModel)
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush 透传底层 Flusher，流式响应需要。
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
