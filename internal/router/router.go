// Package router drives the request pipeline: it builds the ordered
// fallback chain for a requested model, walks it under the circuit
// breaker and rate-limit tracker, and hands exhausted requests to the
// deferred-retry queue. All shared mutable state lives inside the
// breaker, tracker, and queue; the router itself is read-only after
// construction and safe for any number of concurrent callers.
package router

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/internal/breaker"
	"github.com/BaSui01/airouter/internal/catalog"
	"github.com/BaSui01/airouter/internal/headers"
	"github.com/BaSui01/airouter/internal/metrics"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/internal/ratelimit"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// Candidate is one (vendor, vendor-model) entry in a fallback chain.
type Candidate struct {
	Vendor string
	Model  string
}

// Router owns one instance each of the catalog, breaker, tracker, and
// queue, plus the registered vendor adapters.
type Router struct {
	catalog   *catalog.Catalog
	breaker   *breaker.Breaker
	tracker   *ratelimit.Tracker
	queue     *queue.Queue
	providers map[string]llm.Provider
	priority  []string
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Deps carries the router's collaborators. Collector may be nil.
type Deps struct {
	Catalog   *catalog.Catalog
	Breaker   *breaker.Breaker
	Tracker   *ratelimit.Tracker
	Queue     *queue.Queue
	Providers map[string]llm.Provider
	Priority  []string
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// New creates a Router. The queue's drain callback is injected
// separately (SetDrainFunc on the queue) after construction, breaking
// the router/queue cycle.
func New(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		catalog:   d.Catalog,
		breaker:   d.Breaker,
		tracker:   d.Tracker,
		queue:     d.Queue,
		providers: d.Providers,
		priority:  d.Priority,
		collector: d.Collector,
		tracer:    otel.Tracer("airouter/router"),
		logger:    logger.With(zap.String("component", "router")),
	}
}

// BuildFallbackChain returns the ordered candidate list for a
// requested model: every priority vendor that has a registered adapter
// and an equivalent model. Unknown model names fall back to a single
// best-effort candidate on the first registered vendor, carrying the
// raw name.
func (r *Router) BuildFallbackChain(requestedModel string) []Candidate {
	var chain []Candidate
	for _, vendor := range r.priority {
		if _, ok := r.providers[vendor]; !ok {
			continue
		}
		model, ok := r.catalog.ModelForVendor(requestedModel, vendor)
		if !ok {
			continue
		}
		chain = append(chain, Candidate{Vendor: vendor, Model: model})
	}
	if len(chain) == 0 {
		for _, vendor := range r.priority {
			if _, ok := r.providers[vendor]; ok {
				chain = append(chain, Candidate{Vendor: vendor, Model: requestedModel})
				break
			}
		}
	}
	return chain
}

// Capability resolves a model name's capability via the catalog.
func (r *Router) Capability(model string) catalog.Capability {
	return r.catalog.CapabilityForModel(model)
}

// QueueSize exposes the queue depth for the status endpoint.
func (r *Router) QueueSize() int { return r.queue.Size() }

// attemptFunc performs one vendor call and returns the typed result
// plus the raw response status/headers for state updates.
type attemptFunc func(ctx context.Context, vendor, vendorModel string, prov llm.Provider) (any, *llm.ResponseMeta, *types.Error)

// run walks the fallback chain: skip candidates the breaker or tracker
// vetoes, try the rest in order, update both stores from every
// response, and classify errors into retry-next versus client-fatal.
func (r *Router) run(ctx context.Context, requestedModel string, capability catalog.Capability, supports func(llm.Provider) bool, fn attemptFunc) (any, Candidate, *types.Error) {
	chain := r.BuildFallbackChain(requestedModel)
	if supports != nil {
		filtered := chain[:0]
		for _, c := range chain {
			if supports(r.providers[c.Vendor]) {
				filtered = append(filtered, c)
			}
		}
		chain = filtered
	}
	if len(chain) == 0 {
		return nil, Candidate{}, types.NewError(types.ErrModelNotFound,
			"no provider can serve model "+requestedModel).WithHTTPStatus(http.StatusBadRequest)
	}

	ctx, span := r.tracer.Start(ctx, "router.execute",
		trace.WithAttributes(
			attribute.String("router.requested_model", requestedModel),
			attribute.String("router.capability", string(capability)),
		))
	defer span.End()

	for i, cand := range chain {
		if ctx.Err() != nil {
			return nil, Candidate{}, types.NewError(types.ErrRequestCancelled, "request_cancelled")
		}

		now := time.Now()
		if !r.breaker.Allow(cand.Vendor, now) {
			r.logger.Debug("skipping vendor, circuit open",
				zap.String("vendor", cand.Vendor), zap.String("model", cand.Model))
			continue
		}
		if r.tracker.ShouldAvoid(cand.Vendor, cand.Model, now) {
			r.logger.Debug("skipping vendor, rate-limited",
				zap.String("vendor", cand.Vendor), zap.String("model", cand.Model))
			// Allow may have claimed the halfOpen probe slot; the
			// attempt never happened, so free it.
			r.breaker.ReleaseProbe(cand.Vendor)
			continue
		}

		result, meta, aerr := fn(ctx, cand.Vendor, cand.Model, r.providers[cand.Vendor])
		if aerr == nil {
			status, hdrs := http.StatusOK, http.Header(nil)
			if meta != nil {
				status, hdrs = meta.StatusCode, meta.Headers
			}
			r.recordSuccess(ctx, cand, hdrs, status)
			if i > 0 {
				r.logFallback(requestedModel, chain[0], cand)
			}
			span.SetAttributes(
				attribute.String("router.vendor", cand.Vendor),
				attribute.String("router.vendor_model", cand.Model),
			)
			return result, cand, nil
		}

		if ctx.Err() != nil {
			return nil, Candidate{}, types.NewError(types.ErrRequestCancelled, "request_cancelled")
		}

		status := aerr.HTTPStatus
		r.recordFailure(ctx, cand, aerr, status)

		if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
			r.logger.Warn("vendor attempt failed, trying next",
				zap.String("vendor", cand.Vendor),
				zap.String("model", cand.Model),
				zap.Int("status", status),
				zap.String("code", string(aerr.Code)))
			continue
		}

		// Any other 4xx is a client problem no other vendor can fix.
		return nil, Candidate{}, aerr
	}

	now := time.Now()
	earliest := r.tracker.EarliestAvailable(trackerCandidates(chain), now)
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return nil, Candidate{}, types.NewError(types.ErrAllProvidersExhausted,
		"all providers exhausted for model "+requestedModel).
		WithRetryable(true).
		WithRetryAfter(wait)
}

func trackerCandidates(chain []Candidate) []ratelimit.Candidate {
	out := make([]ratelimit.Candidate, len(chain))
	for i, c := range chain {
		out[i] = ratelimit.Candidate{Vendor: c.Vendor, Model: c.Model}
	}
	return out
}

func (r *Router) recordSuccess(ctx context.Context, cand Candidate, hdrs http.Header, status int) {
	now := time.Now()
	snap := vendorHeaderSnapshot(cand.Vendor, hdrs, now)
	r.tracker.Update(ctx, cand.Vendor, cand.Model, snap, retryAfterHeader(hdrs), status, now)
	r.breaker.RecordSuccess(cand.Vendor)
	if r.collector != nil {
		r.collector.RecordRouterAttempt(cand.Vendor, cand.Model, "success")
		r.collector.SetBreakerState(cand.Vendor, r.breaker.GetState(cand.Vendor).StateName)
	}
}

func (r *Router) recordFailure(ctx context.Context, cand Candidate, aerr *types.Error, status int) {
	now := time.Now()
	snap := vendorHeaderSnapshot(cand.Vendor, aerr.Headers, now)
	r.tracker.Update(ctx, cand.Vendor, cand.Model, snap, retryAfterHeader(aerr.Headers), status, now)

	outcome := "client_error"
	if status >= 500 || status == 0 {
		r.breaker.RecordFailure(cand.Vendor, now)
		outcome = "server_error"
	} else {
		// 429 and other 4xx never move the breaker, but a claimed
		// halfOpen probe still has to be freed.
		r.breaker.ReleaseProbe(cand.Vendor)
		if status == http.StatusTooManyRequests {
			outcome = "rate_limited"
		}
	}
	if r.collector != nil {
		r.collector.RecordRouterAttempt(cand.Vendor, cand.Model, outcome)
		r.collector.SetBreakerState(cand.Vendor, r.breaker.GetState(cand.Vendor).StateName)
	}
}

func (r *Router) logFallback(requestedModel string, first, served Candidate) {
	requestedTier, servedTier := catalog.Tier(""), catalog.Tier("")
	if m, ok := r.catalog.FindMapping(requestedModel); ok {
		requestedTier = m.Tier
	}
	if m, ok := r.catalog.FindMapping(served.Model); ok {
		servedTier = m.Tier
	}
	r.logger.Info("fallback",
		zap.String("requested_model", requestedModel),
		zap.String("requested_tier", string(requestedTier)),
		zap.String("from_vendor", first.Vendor),
		zap.String("served_vendor", served.Vendor),
		zap.String("served_model", served.Model),
		zap.String("served_tier", string(servedTier)),
	)
	if r.collector != nil {
		r.collector.RecordFallback(first.Vendor, served.Vendor)
	}
}

func retryAfterHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	return headers.Normalize(h).Get("retry-after")
}

// vendorHeaderSnapshot dispatches to the vendor's proactive-header
// parsing rule.
func vendorHeaderSnapshot(vendor string, h http.Header, now time.Time) headers.Snapshot {
	if h == nil {
		return headers.Snapshot{}
	}
	switch vendor {
	case catalog.VendorOpenAI:
		return headers.ParseOpenAI(h, now)
	case catalog.VendorAnthropic:
		return headers.ParseAnthropic(h, now)
	case catalog.VendorGoogle:
		return headers.ParseGoogle(h, now)
	default:
		return headers.Snapshot{}
	}
}

// asTypesError normalizes whatever an adapter returned into the
// structured error the pipeline works with.
func asTypesError(err error, vendor string) *types.Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*types.Error); ok {
		return te
	}
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithRetryable(true).
		WithProvider(vendor)
}
