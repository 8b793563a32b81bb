// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 路由核心的 Prometheus 指标收集器。
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	routerRequestsTotal *prometheus.CounterVec
	routerFallbackTotal *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	queueDepth          prometheus.Gauge

	logger *zap.Logger
}

// BreakerStateValue 把熔断器状态编码为 Prometheus gauge 数值。
// closed=0, open=1, halfOpen=2.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "halfOpen":
		return 2
	default:
		return 0
	}
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.routerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_requests_total",
			Help:      "Total number of routed vendor attempts",
		},
		[]string{"vendor", "model", "outcome"},
	)

	c.routerFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallback_total",
			Help:      "Total number of fallback transitions between vendors",
		},
		[]string{"from_vendor", "to_vendor"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_breaker_state",
			Help:      "Circuit breaker state per vendor (0=closed, 1=open, 2=halfOpen)",
		},
		[]string{"vendor"},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_queue_depth",
			Help:      "Current number of jobs held by the deferred-retry queue",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRouterAttempt 记录一次 vendor 尝试的结果（success/rate_limited/server_error/client_error）。
func (c *Collector) RecordRouterAttempt(vendor, model, outcome string) {
	c.routerRequestsTotal.WithLabelValues(vendor, model, outcome).Inc()
}

// RecordFallback 记录一次故障转移事件。
func (c *Collector) RecordFallback(fromVendor, toVendor string) {
	c.routerFallbackTotal.WithLabelValues(fromVendor, toVendor).Inc()
}

// SetBreakerState 更新某 vendor 熔断器状态 gauge。
func (c *Collector) SetBreakerState(vendor, state string) {
	c.breakerState.WithLabelValues(vendor).Set(BreakerStateValue(state))
}

// SetQueueDepth 更新队列当前深度。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
