package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/internal/router"
	"github.com/BaSui01/airouter/llm"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler 处理 OpenAI 形态的 /v1/chat/completions。
type ChatHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(rt *router.Router, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		router: rt,
		logger: logger,
	}
}

// HandleChatCompletions 处理聊天补全请求：校验入参、交给 Router 走
// 回退链，按 stream 标志选择一元 JSON 或 SSE 输出；链耗尽时由队列
// 接管，短等待内联阻塞、长等待返回 202 轮询句柄。
func (h *ChatHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire api.ChatCompletionRequest
	if derr := DecodeJSONBody(w, r, &wire); derr != nil {
		WriteOpenAIError(w, derr, h.logger)
		return
	}
	if verr := wire.Validate(); verr != nil {
		WriteOpenAIError(w, verr, h.logger)
		return
	}

	req := wire.ToLLM()
	if req.Stream {
		h.handleStream(w, r, req)
		return
	}

	outcome, rerr := h.router.ExecuteChat(r.Context(), req)
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
	WriteJSON(w, http.StatusOK, api.ChatResponseFromLLM(res.Response))
}

func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest) {
	outcome, rerr := h.router.ExecuteChatStream(r.Context(), req)
	if rerr != nil {
		WriteOpenAIError(w, rerr, h.logger)
		return
	}
	if outcome.Queued != nil {
		writeQueuedJob(w, outcome.Queued)
		return
	}

	if outcome.Fallback != nil {
		// 同步队列路径拿到的是一元结果：以单个 chunk 回放给
		// 等待 SSE 的客户端。
		res := outcome.Fallback
		setRouteHeaders(w, res.Vendor, res.VendorModel)
		writeSSEHeaders(w)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range replayChunks(res.Response) {
			writeSSEData(w, flusher, api.ChunkFromLLM(chunk, req.RequestedModel))
		}
		writeSSEDone(w, flusher)
		return
	}

	stream := outcome.Stream
	setRouteHeaders(w, stream.Vendor, stream.VendorModel)
	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			h.logger.Warn("stream terminated by upstream error",
				zap.String("vendor", stream.Vendor),
				zap.String("code", string(chunk.Err.Code)),
				zap.String("message", chunk.Err.Message),
			)
			writeSSEData(w, flusher, api.OpenAIError{Error: api.OpenAIErrorBody{
				Message: chunk.Err.Message,
				Type:    "api_error",
				Code:    errorCodeSlug(chunk.Err.Code),
			}})
			break
		}
		writeSSEData(w, flusher, api.ChunkFromLLM(chunk, req.RequestedModel))
	}
	writeSSEDone(w, flusher)
}

// replayChunks 把一个完整的一元响应拆成「内容 + 结束原因」的最小
// chunk 序列。
func replayChunks(resp *llm.ChatResponse) []llm.StreamChunk {
	content, finish := "", "stop"
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
	}
	usage := resp.Usage
	return []llm.StreamChunk{
		{
			ID:    resp.ID,
			Delta: llm.Message{Role: llm.RoleAssistant, Content: content},
		},
		{
			ID:           resp.ID,
			FinishReason: finish,
			Usage:        &usage,
		},
	}
}

// =============================================================================
// 📡 SSE 输出辅助
// =============================================================================

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSEData(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// writeQueuedJob 返回 202 与轮询句柄。
func writeQueuedJob(w http.ResponseWriter, q *queue.Outcome) {
	WriteJSON(w, http.StatusAccepted, api.QueuedJob{
		ID:              q.JobID,
		Object:          "queue.job",
		Status:          "pending",
		EstimatedWaitMs: q.EstimatedWait.Milliseconds(),
		PollURL:         "/v1/queue/" + q.JobID,
	})
}
