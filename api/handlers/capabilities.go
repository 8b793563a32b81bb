package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/internal/router"
)

// =============================================================================
// 🖼️ 图像与向量接口 Handler
// =============================================================================

// ImagesHandler 处理 OpenAI 形态的 /v1/images/generations。
type ImagesHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewImagesHandler 创建图像处理器
func NewImagesHandler(rt *router.Router, logger *zap.Logger) *ImagesHandler {
	return &ImagesHandler{router: rt, logger: logger}
}

// HandleGenerations 处理图像生成请求。
func (h *ImagesHandler) HandleGenerations(w http.ResponseWriter, r *http.Request) {
	var wire api.ImageGenerationRequest
	if derr := DecodeJSONBody(w, r, &wire); derr != nil {
		WriteOpenAIError(w, derr, h.logger)
		return
	}
	if verr := wire.Validate(); verr != nil {
		WriteOpenAIError(w, verr, h.logger)
		return
	}

	outcome, rerr := h.router.ExecuteImage(r.Context(), wire.ToLLM())
	if rerr != nil {
		WriteOpenAIError(w, rerr, h.logger)
		return
	}
	if outcome.Queued != nil {
		writeQueuedJob(w, outcome.Queued)
		return
	}

	res := outcome.Result
	setRouteHeaders(w, res.Vendor, res.VendorModel)
	WriteJSON(w, http.StatusOK, res.Response)
}

// EmbeddingsHandler 处理 OpenAI 形态的 /v1/embeddings。
type EmbeddingsHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewEmbeddingsHandler 创建向量处理器
func NewEmbeddingsHandler(rt *router.Router, logger *zap.Logger) *EmbeddingsHandler {
	return &EmbeddingsHandler{router: rt, logger: logger}
}

// HandleEmbeddings 处理向量请求。
func (h *EmbeddingsHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var wire api.EmbeddingsRequest
	if derr := DecodeJSONBody(w, r, &wire); derr != nil {
		WriteOpenAIError(w, derr, h.logger)
		return
	}
	if verr := wire.Validate(); verr != nil {
		WriteOpenAIError(w, verr, h.logger)
		return
	}

	outcome, rerr := h.router.ExecuteEmbeddings(r.Context(), wire.ToLLM())
	if rerr != nil {
		WriteOpenAIError(w, rerr, h.logger)
		return
	}
	if outcome.Queued != nil {
		writeQueuedJob(w, outcome.Queued)
		return
	}

	res := outcome.Result
	setRouteHeaders(w, res.Vendor, res.VendorModel)
	WriteJSON(w, http.StatusOK, res.Response)
}
