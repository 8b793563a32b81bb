package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/internal/router"
)

// =============================================================================
// 📈 供应商状态 Handler
// =============================================================================

// StatusHandler 处理 GET /v1/providers/status：逐 vendor 的熔断器
// 状态、限流快照与当前队列深度。不鉴权，供监控面板直接拉取。
type StatusHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(rt *router.Router, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{router: rt, logger: logger}
}

// statusResponse 是状态端点的响应体。
type statusResponse struct {
	Providers []router.VendorStatus `json:"providers"`
	QueueSize int                   `json:"queue_size"`
	Timestamp time.Time             `json:"timestamp"`
}

// HandleStatus 处理状态请求。
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, statusResponse{
		Providers: h.router.Status(),
		QueueSize: h.router.QueueSize(),
		Timestamp: time.Now(),
	})
}
