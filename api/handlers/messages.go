package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/internal/router"
	translate "github.com/BaSui01/airouter/internal/translate/anthropic"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// =============================================================================
// 📨 Anthropic 原生接口 Handler
// =============================================================================

// MessagesHandler 处理 Anthropic 形态的 /v1/messages：入站请求翻译成
// 内部中间格式走同一条回退链，出站再翻译回 Anthropic 报文，
// Anthropic SDK 客户端无需改代码即可使用整个回退管线。
type MessagesHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewMessagesHandler 创建 Anthropic 原生接口处理器
func NewMessagesHandler(rt *router.Router, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{
		router: rt,
		logger: logger,
	}
}

// HandleMessages 处理 /v1/messages 请求。
func (h *MessagesHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteAnthropicError(w, types.NewError(types.ErrInvalidRequest, "unreadable request body").WithCause(err), h.logger)
		return
	}

	req, perr := translate.ParseRequest(body)
	if perr != nil {
		WriteAnthropicError(w, perr, h.logger)
		return
	}

	if req.Stream {
		h.handleStream(w, r, req)
		return
	}

	outcome, rerr := h.router.ExecuteChat(r.Context(), req)
	if rerr != nil {
		WriteAnthropicError(w, rerr, h.logger)
		return
	}
	if outcome.Queued != nil {
		writeQueuedJob(w, outcome.Queued)
		return
	}

	res := outcome.Result
	setRouteHeaders(w, res.Vendor, res.VendorModel)
	WriteJSON(w, http.StatusOK, translate.BuildResponse(res.Response, req.RequestedModel))
}

func (h *MessagesHandler) handleStream(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest) {
	outcome, rerr := h.router.ExecuteChatStream(r.Context(), req)
	if rerr != nil {
		WriteAnthropicError(w, rerr, h.logger)
		return
	}
	if outcome.Queued != nil {
		writeQueuedJob(w, outcome.Queued)
		return
	}

	flusher, _ := w.(http.Flusher)
	var flush func()
	if flusher != nil {
		flush = flusher.Flush
	}

	if outcome.Fallback != nil {
		res := outcome.Fallback
		setRouteHeaders(w, res.Vendor, res.VendorModel)
		writeSSEHeaders(w)
		enc := translate.NewStreamEncoder(w, flush, req.RequestedModel)
		for _, chunk := range replayChunks(res.Response) {
			if err := enc.Write(chunk); err != nil {
				return
			}
		}
		_ = enc.Finish()
		return
	}

	stream := outcome.Stream
	setRouteHeaders(w, stream.Vendor, stream.VendorModel)
	writeSSEHeaders(w)
	enc := translate.NewStreamEncoder(w, flush, req.RequestedModel)

	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			h.logger.Warn("messages stream terminated by upstream error",
				zap.String("vendor", stream.Vendor),
				zap.String("code", string(chunk.Err.Code)),
				zap.String("message", chunk.Err.Message),
			)
			break
		}
		if err := enc.Write(chunk); err != nil {
			return
		}
	}
	_ = enc.Finish()
}
