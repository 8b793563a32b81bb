package router

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/internal/catalog"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/internal/ratelimit"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// ChatResult is a completed unary chat request: which vendor served
// it, under which vendor-side model name, and the translated response.
// Response.Model always carries the client's requested name.
type ChatResult struct {
	Vendor         string
	VendorModel    string
	RequestedModel string
	Response       *llm.ChatResponse
}

// StreamResult is a live streaming chat request.
type StreamResult struct {
	Vendor         string
	VendorModel    string
	RequestedModel string
	Chunks         <-chan llm.StreamChunk
	Meta           *llm.ResponseMeta
}

// ImageResult and EmbeddingsResult mirror ChatResult for the other two
// capabilities.
type ImageResult struct {
	Vendor         string
	VendorModel    string
	RequestedModel string
	Response       *llm.ImageResponse
}

type EmbeddingsResult struct {
	Vendor         string
	VendorModel    string
	RequestedModel string
	Response       *llm.EmbeddingsResponse
}

// ChatOutcome is ExecuteChat's result: exactly one field is set.
// Queued means the chain was exhausted and the job was parked for
// polling; Result covers both the direct path and the sync-queued
// path, which blocks until a vendor recovers.
type ChatOutcome struct {
	Result *ChatResult
	Queued *queue.Outcome
}

// StreamOutcome is ExecuteChatStream's result: Stream on the direct
// path; Fallback when the chain was exhausted and the sync-queued
// retry succeeded (the deferred attempt runs unary, the handler
// replays it as a single SSE chunk); Queued when the job was parked.
type StreamOutcome struct {
	Stream   *StreamResult
	Fallback *ChatResult
	Queued   *queue.Outcome
}

type ImageOutcome struct {
	Result *ImageResult
	Queued *queue.Outcome
}

type EmbeddingsOutcome struct {
	Result *EmbeddingsResult
	Queued *queue.Outcome
}

// ExecuteChat routes one unary chat request through the fallback
// chain, deferring to the queue when every candidate is unavailable.
func (r *Router) ExecuteChat(ctx context.Context, req *llm.ChatRequest) (*ChatOutcome, *types.Error) {
	result, cand, rerr := r.runChat(ctx, req)
	if rerr == nil {
		return &ChatOutcome{Result: &ChatResult{
			Vendor:         cand.Vendor,
			VendorModel:    cand.Model,
			RequestedModel: req.RequestedModel,
			Response:       result,
		}}, nil
	}
	if rerr.Code != types.ErrAllProvidersExhausted {
		return nil, rerr
	}

	outcome, qerr := r.enqueue(ctx, catalog.CapabilityChat, req.RequestedModel, rerr, chatBody(req))
	if qerr != nil {
		return nil, qerr
	}
	if outcome.Mode == queue.ModeAsync {
		return &ChatOutcome{Queued: outcome}, nil
	}
	chatRes, perr := chatResultFromQueue(outcome, req.RequestedModel)
	if perr != nil {
		return nil, perr
	}
	return &ChatOutcome{Result: chatRes}, nil
}

// ExecuteChatStream is ExecuteChat's streaming variant. The deferred
// path (both sync and async) re-runs the request unary, because a live
// vendor stream cannot be parked in a queue.
func (r *Router) ExecuteChatStream(ctx context.Context, req *llm.ChatRequest) (*StreamOutcome, *types.Error) {
	res, cand, rerr := r.run(ctx, req.RequestedModel, catalog.CapabilityChat, nil,
		func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
			vreq := *req
			vreq.Model = vendorModel
			ch, meta, err := prov.Stream(ctx, &vreq)
			if err != nil {
				return nil, nil, asTypesError(err, vendor)
			}
			return &StreamResult{Chunks: ch, Meta: meta}, meta, nil
		})
	if rerr == nil {
		sr := res.(*StreamResult)
		sr.Vendor = cand.Vendor
		sr.VendorModel = cand.Model
		sr.RequestedModel = req.RequestedModel
		return &StreamOutcome{Stream: sr}, nil
	}
	if rerr.Code != types.ErrAllProvidersExhausted {
		return nil, rerr
	}

	outcome, qerr := r.enqueue(ctx, catalog.CapabilityChat, req.RequestedModel, rerr, chatBody(req))
	if qerr != nil {
		return nil, qerr
	}
	if outcome.Mode == queue.ModeAsync {
		return &StreamOutcome{Queued: outcome}, nil
	}
	chatRes, perr := chatResultFromQueue(outcome, req.RequestedModel)
	if perr != nil {
		return nil, perr
	}
	return &StreamOutcome{Fallback: chatRes}, nil
}

// ExecuteImage routes an image generation request. Only vendors whose
// adapter implements llm.ImageGenerator appear in the chain.
func (r *Router) ExecuteImage(ctx context.Context, req *llm.ImageRequest) (*ImageOutcome, *types.Error) {
	res, cand, rerr := r.run(ctx, req.RequestedModel, catalog.CapabilityImages,
		func(p llm.Provider) bool { _, ok := p.(llm.ImageGenerator); return ok },
		func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
			vreq := *req
			vreq.Model = vendorModel
			resp, err := prov.(llm.ImageGenerator).GenerateImage(ctx, &vreq)
			if err != nil {
				return nil, nil, asTypesError(err, vendor)
			}
			return resp, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
		})
	if rerr == nil {
		return &ImageOutcome{Result: &ImageResult{
			Vendor:         cand.Vendor,
			VendorModel:    cand.Model,
			RequestedModel: req.RequestedModel,
			Response:       res.(*llm.ImageResponse),
		}}, nil
	}
	if rerr.Code != types.ErrAllProvidersExhausted {
		return nil, rerr
	}

	body, _ := json.Marshal(req)
	outcome, qerr := r.enqueue(ctx, catalog.CapabilityImages, req.RequestedModel, rerr, body)
	if qerr != nil {
		return nil, qerr
	}
	if outcome.Mode == queue.ModeAsync {
		return &ImageOutcome{Queued: outcome}, nil
	}
	var resp llm.ImageResponse
	if err := json.Unmarshal(outcome.Result.Body, &resp); err != nil {
		return nil, types.NewError(types.ErrInternalError, "corrupt queued image result").WithCause(err)
	}
	return &ImageOutcome{Result: &ImageResult{
		Vendor:         outcome.Result.Vendor,
		VendorModel:    outcome.Result.Model,
		RequestedModel: req.RequestedModel,
		Response:       &resp,
	}}, nil
}

// ExecuteEmbeddings routes an embeddings request.
func (r *Router) ExecuteEmbeddings(ctx context.Context, req *llm.EmbeddingsRequest) (*EmbeddingsOutcome, *types.Error) {
	res, cand, rerr := r.run(ctx, req.RequestedModel, catalog.CapabilityEmbeddings,
		func(p llm.Provider) bool { _, ok := p.(llm.Embedder); return ok },
		func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
			vreq := *req
			vreq.Model = vendorModel
			resp, err := prov.(llm.Embedder).Embeddings(ctx, &vreq)
			if err != nil {
				return nil, nil, asTypesError(err, vendor)
			}
			return resp, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
		})
	if rerr == nil {
		out := res.(*llm.EmbeddingsResponse)
		out.Model = req.RequestedModel
		return &EmbeddingsOutcome{Result: &EmbeddingsResult{
			Vendor:         cand.Vendor,
			VendorModel:    cand.Model,
			RequestedModel: req.RequestedModel,
			Response:       out,
		}}, nil
	}
	if rerr.Code != types.ErrAllProvidersExhausted {
		return nil, rerr
	}

	body, _ := json.Marshal(req)
	outcome, qerr := r.enqueue(ctx, catalog.CapabilityEmbeddings, req.RequestedModel, rerr, body)
	if qerr != nil {
		return nil, qerr
	}
	if outcome.Mode == queue.ModeAsync {
		return &EmbeddingsOutcome{Queued: outcome}, nil
	}
	var resp llm.EmbeddingsResponse
	if err := json.Unmarshal(outcome.Result.Body, &resp); err != nil {
		return nil, types.NewError(types.ErrInternalError, "corrupt queued embeddings result").WithCause(err)
	}
	return &EmbeddingsOutcome{Result: &EmbeddingsResult{
		Vendor:         outcome.Result.Vendor,
		VendorModel:    outcome.Result.Model,
		RequestedModel: req.RequestedModel,
		Response:       &resp,
	}}, nil
}

// runChat walks the chain once with unary completion calls.
func (r *Router) runChat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, Candidate, *types.Error) {
	res, cand, rerr := r.run(ctx, req.RequestedModel, catalog.CapabilityChat, nil,
		func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
			vreq := *req
			vreq.Model = vendorModel
			resp, err := prov.Completion(ctx, &vreq)
			if err != nil {
				return nil, nil, asTypesError(err, vendor)
			}
			return resp, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
		})
	if rerr != nil {
		return nil, cand, rerr
	}
	resp := res.(*llm.ChatResponse)
	// Clients must see the name they asked for, irrespective of which
	// vendor actually served the request.
	resp.Model = req.RequestedModel
	return resp, cand, nil
}

func (r *Router) enqueue(ctx context.Context, capability catalog.Capability, requestedModel string, exhausted *types.Error, body []byte) (*queue.Outcome, *types.Error) {
	r.logger.Info("all providers exhausted, deferring to queue",
		zap.String("model", requestedModel),
		zap.String("capability", string(capability)),
		zap.Duration("estimated_wait", exhausted.RetryAfter),
	)
	return r.queue.Enqueue(ctx, string(capability), requestedModel, exhausted.RetryAfter, body)
}

// Drain is the queue's drain callback: it re-enters the attempt loop
// for one parked job. Streaming jobs run unary here; the handler
// replays the stored body as a single chunk if the client is still
// attached.
func (r *Router) Drain(ctx context.Context, capability, requestedModel string, body []byte) (*queue.Result, *types.Error) {
	switch catalog.Capability(capability) {
	case catalog.CapabilityImages:
		var req llm.ImageRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt queued image request").WithCause(err)
		}
		req.RequestedModel = requestedModel
		res, cand, rerr := r.run(ctx, requestedModel, catalog.CapabilityImages,
			func(p llm.Provider) bool { _, ok := p.(llm.ImageGenerator); return ok },
			func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
				vreq := req
				vreq.Model = vendorModel
				resp, err := prov.(llm.ImageGenerator).GenerateImage(ctx, &vreq)
				if err != nil {
					return nil, nil, asTypesError(err, vendor)
				}
				return resp, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
			})
		if rerr != nil {
			return nil, rerr
		}
		return queueResult(cand, catalog.CapabilityImages, res.(*llm.ImageResponse))

	case catalog.CapabilityEmbeddings:
		var req llm.EmbeddingsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt queued embeddings request").WithCause(err)
		}
		req.RequestedModel = requestedModel
		res, cand, rerr := r.run(ctx, requestedModel, catalog.CapabilityEmbeddings,
			func(p llm.Provider) bool { _, ok := p.(llm.Embedder); return ok },
			func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error) {
				vreq := req
				vreq.Model = vendorModel
				resp, err := prov.(llm.Embedder).Embeddings(ctx, &vreq)
				if err != nil {
					return nil, nil, asTypesError(err, vendor)
				}
				return resp, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
			})
		if rerr != nil {
			return nil, rerr
		}
		out := res.(*llm.EmbeddingsResponse)
		out.Model = requestedModel
		return queueResult(cand, catalog.CapabilityEmbeddings, out)

	default:
		var req llm.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt queued chat request").WithCause(err)
		}
		req.RequestedModel = requestedModel
		req.Stream = false
		resp, cand, rerr := r.runChat(ctx, &req)
		if rerr != nil {
			return nil, rerr
		}
		return queueResult(cand, catalog.CapabilityChat, resp)
	}
}

func queueResult(cand Candidate, capability catalog.Capability, resp any) (*queue.Result, *types.Error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "marshal drained result").WithCause(err)
	}
	return &queue.Result{Vendor: cand.Vendor, Model: cand.Model, Capability: string(capability), Body: data}, nil
}

func chatBody(req *llm.ChatRequest) []byte {
	clone := *req
	clone.Model = req.RequestedModel
	body, _ := json.Marshal(&clone)
	return body
}

func chatResultFromQueue(outcome *queue.Outcome, requestedModel string) (*ChatResult, *types.Error) {
	var resp llm.ChatResponse
	if err := json.Unmarshal(outcome.Result.Body, &resp); err != nil {
		return nil, types.NewError(types.ErrInternalError, "corrupt queued chat result").WithCause(err)
	}
	resp.Model = requestedModel
	return &ChatResult{
		Vendor:         outcome.Result.Vendor,
		VendorModel:    outcome.Result.Model,
		RequestedModel: requestedModel,
		Response:       &resp,
	}, nil
}

// --- providers/status snapshot ---

// ModelStatus is one (vendor, model)'s tracked rate-limit state.
type ModelStatus struct {
	Model string          `json:"model"`
	State ratelimit.State `json:"state"`
}

// VendorStatus is one vendor's snapshot for the status endpoint.
type VendorStatus struct {
	Vendor       string        `json:"provider"`
	CircuitState string        `json:"circuit_state"`
	FailureCount int           `json:"failure_count"`
	OpenedAt     time.Time     `json:"opened_at,omitzero"`
	Models       []ModelStatus `json:"models,omitempty"`
}

// Status reports every configured vendor's breaker state and the
// tracked rate-limit state of each of its catalog models.
func (r *Router) Status() []VendorStatus {
	out := make([]VendorStatus, 0, len(r.priority))
	for _, vendor := range r.priority {
		if _, ok := r.providers[vendor]; !ok {
			continue
		}
		cb := r.breaker.GetState(vendor)
		vs := VendorStatus{
			Vendor:       vendor,
			CircuitState: cb.StateName,
			FailureCount: cb.FailureCount,
			OpenedAt:     cb.OpenedAt,
		}
		for _, model := range r.catalog.ModelsForVendor(vendor) {
			if st, ok := r.tracker.GetState(vendor, model); ok {
				vs.Models = append(vs.Models, ModelStatus{Model: model, State: st})
			}
		}
		out = append(out, vs)
	}
	return out
}
