package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/internal/catalog"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// =============================================================================
// ⏳ 异步任务轮询 Handler
// =============================================================================

// QueueHandler 处理 GET /v1/queue/{id}：200 完成、202 等待、
// 408 超时、404 未知、错误则透传原始状态。
type QueueHandler struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueHandler 创建轮询处理器
func NewQueueHandler(q *queue.Queue, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger}
}

// HandlePoll 处理轮询请求。
func (h *QueueHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteOpenAIError(w, types.NewError(types.ErrInvalidRequest, "job id is required"), h.logger)
		return
	}

	res, ok := h.queue.Poll(r.Context(), jobID)
	if !ok {
		WriteOpenAIError(w, types.NewError(types.ErrModelNotFound, "unknown job id").
			WithHTTPStatus(http.StatusNotFound), h.logger)
		return
	}

	switch res.Status {
	case queue.StatusPending, queue.StatusProcessing:
		WriteJSON(w, http.StatusAccepted, api.QueuedJob{
			ID:      jobID,
			Object:  "queue.job",
			Status:  "pending",
			PollURL: "/v1/queue/" + jobID,
		})
	case queue.StatusExpired:
		WriteOpenAIError(w, types.NewError(types.ErrQueueTimeout, "queue_timeout").
			WithHTTPStatus(http.StatusRequestTimeout), h.logger)
	case queue.StatusError:
		jerr := res.Err
		if jerr == nil {
			jerr = types.NewError(types.ErrInternalError, "job failed")
		}
		WriteOpenAIError(w, jerr, h.logger)
	case queue.StatusDone:
		h.writeResult(w, res.Result)
	default:
		WriteOpenAIError(w, types.NewError(types.ErrInternalError, "unexpected job state"), h.logger)
	}
}

// writeResult 把排队完成的结果还原为各自的线缆格式。聊天结果存的是
// 内部响应结构，需要转成 OpenAI 报文；图像与向量结果本身就是线缆
// 格式，原样透传。
func (h *QueueHandler) writeResult(w http.ResponseWriter, res *queue.Result) {
	if res == nil {
		WriteOpenAIError(w, types.NewError(types.ErrInternalError, "job finished without result"), h.logger)
		return
	}
	setRouteHeaders(w, res.Vendor, res.Model)

	if catalog.Capability(res.Capability) == catalog.CapabilityChat || res.Capability == "" {
		var resp llm.ChatResponse
		if err := json.Unmarshal(res.Body, &resp); err != nil {
			WriteOpenAIError(w, types.NewError(types.ErrInternalError, "corrupt stored result").WithCause(err), h.logger)
			return
		}
		WriteJSON(w, http.StatusOK, api.ChatResponseFromLLM(&resp))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}
