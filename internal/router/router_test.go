package router

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/internal/breaker"
	"github.com/BaSui01/airouter/internal/catalog"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/internal/ratelimit"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// mockProvider plays back a scripted sequence of completion outcomes;
// once the script runs out it keeps returning the last entry.
type mockProvider struct {
	name   string
	mu     sync.Mutex
	script []func(req *llm.ChatRequest) (*llm.ChatResponse, error)
	calls  int
}

func (m *mockProvider) next() func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	return m.script[i]
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return m.next()(req)
}

func (m *mockProvider) Stream(_ context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, *llm.ResponseMeta, error) {
	resp, err := m.next()(req)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: resp.Choices[0].Message.Content}}
	ch <- llm.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
}

func (m *mockProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (m *mockProvider) Name() string                        { return m.name }
func (m *mockProvider) SupportsNativeFunctionCalling() bool { return true }

func ok(content string) func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			ID:    "resp-1",
			Model: req.Model,
			Choices: []llm.ChatChoice{{
				Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
				FinishReason: "stop",
			}},
			StatusCode: http.StatusOK,
			Headers:    http.Header{},
		}, nil
	}
}

func vendorErr(status int, hdrs http.Header) func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    "scripted failure",
			HTTPStatus: status,
			Retryable:  status == 429 || status >= 500,
			Headers:    hdrs,
		}
	}
}

type fixture struct {
	router  *Router
	breaker *breaker.Breaker
	tracker *ratelimit.Tracker
	queue   *queue.Queue
}

func newFixture(t *testing.T, threshold int, provs map[string]llm.Provider) *fixture {
	t.Helper()
	cb := breaker.New(threshold, time.Minute, nil, "", zap.NewNop())
	tracker := ratelimit.NewTracker(5, nil, "", zap.NewNop())
	q := queue.New(queue.Config{
		MaxSize:        10,
		JobTimeout:     2 * time.Second,
		AsyncThreshold: time.Second,
	}, nil, nil, zap.NewNop())
	t.Cleanup(q.Close)

	rt := New(Deps{
		Catalog:   catalog.Default(),
		Breaker:   cb,
		Tracker:   tracker,
		Queue:     q,
		Providers: provs,
		Priority:  []string{"openai", "anthropic", "google"},
		Logger:    zap.NewNop(),
	})
	q.SetDrainFunc(rt.Drain)
	return &fixture{router: rt, breaker: cb, tracker: tracker, queue: q}
}

func chatReq(model string) *llm.ChatRequest {
	return &llm.ChatRequest{
		RequestedModel: model,
		Model:          model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}
}

func TestBuildFallbackChain_MappedModel(t *testing.T) {
	f := newFixture(t, 5, map[string]llm.Provider{
		"openai":    &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}},
		"anthropic": &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}},
		"google":    &mockProvider{name: "google", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}},
	})

	chain := f.router.BuildFallbackChain("gpt-4o")
	require.Len(t, chain, 3)
	assert.Equal(t, Candidate{"openai", "gpt-4o"}, chain[0])
	assert.Equal(t, Candidate{"anthropic", "claude-opus-4-6"}, chain[1])
	assert.Equal(t, Candidate{"google", "gemini-1.5-pro"}, chain[2])
}

func TestBuildFallbackChain_SkipsUnregisteredVendors(t *testing.T) {
	f := newFixture(t, 5, map[string]llm.Provider{
		"anthropic": &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}},
	})

	chain := f.router.BuildFallbackChain("gpt-4o")
	require.Len(t, chain, 1)
	assert.Equal(t, Candidate{"anthropic", "claude-opus-4-6"}, chain[0])
}

func TestBuildFallbackChain_UnknownModelBestEffort(t *testing.T) {
	f := newFixture(t, 5, map[string]llm.Provider{
		"anthropic": &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}},
	})

	chain := f.router.BuildFallbackChain("some-new-model")
	require.Len(t, chain, 1)
	assert.Equal(t, Candidate{"anthropic", "some-new-model"}, chain[0])
}

func TestExecuteChat_SimpleSuccess(t *testing.T) {
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("Hello!")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai})

	outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, "openai", outcome.Result.Vendor)
	assert.Equal(t, "gpt-4o", outcome.Result.VendorModel)
	// Clients always see the requested model name.
	assert.Equal(t, "gpt-4o", outcome.Result.Response.Model)
	assert.Equal(t, "Hello!", outcome.Result.Response.Choices[0].Message.Content)
}

func TestExecuteChat_FallbackOn429(t *testing.T) {
	hdrs := http.Header{}
	hdrs.Set("retry-after", "30")
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("served by claude")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	before := time.Now()
	outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, "anthropic", outcome.Result.Vendor)
	assert.Equal(t, "claude-opus-4-6", outcome.Result.VendorModel)
	assert.Equal(t, "gpt-4o", outcome.Result.Response.Model)

	st, found := f.tracker.GetState("openai", "gpt-4o")
	require.True(t, found)
	assert.True(t, st.CoolingDown)
	assert.WithinDuration(t, before.Add(30*time.Second), st.CooldownUntil, time.Second)

	// 429 never moves the breaker.
	assert.Equal(t, "closed", f.breaker.GetState("openai").StateName)
}

func TestExecuteChat_CircuitOpensAndSkips(t *testing.T) {
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(500, nil),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("fallback")}}
	f := newFixture(t, 3, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	for i := 0; i < 3; i++ {
		outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
		require.Nil(t, rerr)
		assert.Equal(t, "anthropic", outcome.Result.Vendor)
	}
	assert.Equal(t, "open", f.breaker.GetState("openai").StateName)
	assert.Equal(t, 3, openai.callCount())

	// Next request must not touch OpenAI at all.
	outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	assert.Equal(t, "anthropic", outcome.Result.Vendor)
	assert.Equal(t, 3, openai.callCount())
}

func TestExecuteChat_ClientErrorPropagatesImmediately(t *testing.T) {
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(400, nil),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("never")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	_, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.NotNil(t, rerr)
	assert.Equal(t, http.StatusBadRequest, rerr.HTTPStatus)
	assert.Equal(t, 0, anthropic.callCount())
	// Non-429 4xx never moves the breaker either.
	assert.Equal(t, "closed", f.breaker.GetState("openai").StateName)
}

func TestExecuteChat_ExhaustedShortWaitDrainsSync(t *testing.T) {
	// Both vendors 429 with an immediate retry window, then recover.
	hdrs := http.Header{}
	hdrs.Set("retry-after", "0")
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
		ok("recovered"),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	require.NotNil(t, outcome.Result, "sync queue path should deliver the drained result inline")
	assert.Equal(t, "openai", outcome.Result.Vendor)
	assert.Equal(t, "recovered", outcome.Result.Response.Choices[0].Message.Content)
	assert.Equal(t, "gpt-4o", outcome.Result.Response.Model)
}

func TestExecuteChat_ExhaustedLongWaitParksAsync(t *testing.T) {
	hdrs := http.Header{}
	hdrs.Set("retry-after", "30")
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	outcome, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	require.NotNil(t, outcome.Queued)
	assert.Equal(t, queue.ModeAsync, outcome.Queued.Mode)
	assert.NotEmpty(t, outcome.Queued.JobID)
	assert.InDelta(t, 30*time.Second, outcome.Queued.EstimatedWait, float64(2*time.Second))

	res, found := f.queue.Poll(context.Background(), outcome.Queued.JobID)
	require.True(t, found)
	assert.Equal(t, queue.StatusPending, res.Status)
}

func TestExecuteChat_SkipsCoolingVendor(t *testing.T) {
	hdrs := http.Header{}
	hdrs.Set("retry-after", "60")
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	_, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	require.Equal(t, 1, openai.callCount())

	// The cooldown now vetoes OpenAI before any call is made.
	_, rerr = f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)
	assert.Equal(t, 1, openai.callCount())
}

func TestExecuteChatStream_Success(t *testing.T) {
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("streamed")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai})

	req := chatReq("gpt-4o")
	req.Stream = true
	outcome, rerr := f.router.ExecuteChatStream(context.Background(), req)
	require.Nil(t, rerr)
	require.NotNil(t, outcome.Stream)
	assert.Equal(t, "openai", outcome.Stream.Vendor)

	var content string
	for chunk := range outcome.Stream.Chunks {
		content += chunk.Delta.Content
	}
	assert.Equal(t, "streamed", content)
}

func TestExecuteChat_NoProviderForModel(t *testing.T) {
	f := newFixture(t, 5, map[string]llm.Provider{})

	_, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.NotNil(t, rerr)
	assert.Equal(t, http.StatusBadRequest, rerr.HTTPStatus)
}

func TestExecuteChat_CancelledContext(t *testing.T) {
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, rerr := f.router.ExecuteChat(ctx, chatReq("gpt-4o"))
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrRequestCancelled, rerr.Code)
}

func TestStatus_ReportsBreakerAndTracker(t *testing.T) {
	hdrs := http.Header{}
	hdrs.Set("retry-after", "30")
	openai := &mockProvider{name: "openai", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){
		vendorErr(429, hdrs),
	}}
	anthropic := &mockProvider{name: "anthropic", script: []func(*llm.ChatRequest) (*llm.ChatResponse, error){ok("x")}}
	f := newFixture(t, 5, map[string]llm.Provider{"openai": openai, "anthropic": anthropic})

	_, rerr := f.router.ExecuteChat(context.Background(), chatReq("gpt-4o"))
	require.Nil(t, rerr)

	status := f.router.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "openai", status[0].Vendor)
	assert.Equal(t, "closed", status[0].CircuitState)
	require.NotEmpty(t, status[0].Models)
	assert.Equal(t, "gpt-4o", status[0].Models[0].Model)
	assert.True(t, status[0].Models[0].State.CoolingDown)
}
