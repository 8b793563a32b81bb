package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 处理 GET /health 存活探针。
type HealthHandler struct {
	service string
	version string
	logger  *zap.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(service, version string, logger *zap.Logger) *HealthHandler {
	if service == "" {
		service = "airouter"
	}
	if version == "" {
		version = "dev"
	}
	return &HealthHandler{
		service: service,
		version: version,
		logger:  logger,
	}
}

// HandleHealth 返回存活状态。
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   h.service,
		Version:   h.version,
	})
}
