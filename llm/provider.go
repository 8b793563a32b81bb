// Package llm defines the vendor-agnostic request/response intermediate
// that every provider adapter translates to and from, and the Provider
// interface each vendor adapter implements.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/airouter/types"
)

// Re-export the shared wire types so callers only need to import llm.
type (
	Message      = types.Message
	Role         = types.Role
	ToolCall     = types.ToolCall
	ToolSchema   = types.ToolSchema
	Error        = types.Error
	ErrorCode    = types.ErrorCode
	ImageContent = types.ImageContent
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

const (
	ErrInvalidRequest        = types.ErrInvalidRequest
	ErrAuthentication        = types.ErrAuthentication
	ErrUnauthorized          = types.ErrUnauthorized
	ErrForbidden             = types.ErrForbidden
	ErrRateLimit             = types.ErrRateLimit
	ErrRateLimited           = types.ErrRateLimited
	ErrQuotaExceeded         = types.ErrQuotaExceeded
	ErrModelNotFound         = types.ErrModelNotFound
	ErrModelOverloaded       = types.ErrModelOverloaded
	ErrContextTooLong        = types.ErrContextTooLong
	ErrContentFiltered       = types.ErrContentFiltered
	ErrUpstreamError         = types.ErrUpstreamError
	ErrUpstreamTimeout       = types.ErrUpstreamTimeout
	ErrTimeout               = types.ErrTimeout
	ErrInternalError         = types.ErrInternalError
	ErrServiceUnavailable    = types.ErrServiceUnavailable
	ErrProviderUnavailable   = types.ErrProviderUnavailable
	ErrAllProvidersExhausted = types.ErrAllProvidersExhausted
	ErrQueueFull             = types.ErrQueueFull
	ErrQueueTimeout          = types.ErrQueueTimeout
	ErrRequestCancelled      = types.ErrRequestCancelled
)

// Provider is the unified vendor adapter interface described in spec
// §4.5. ChatRequest.Model is the vendor-specific name the adapter calls
// out with; ChatRequest.RequestedModel is the client-facing name that
// must be echoed back in the response so that fallback across vendors
// is invisible to the caller.
type Provider interface {
	// Completion sends a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a streaming chat request. The returned channel is
	// closed when the upstream stream ends or the context is
	// cancelled; meta carries the status/headers of the initial
	// upstream response so the caller can feed the rate-limit tracker
	// and circuit breaker before the first chunk is even read.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, *ResponseMeta, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier ("openai", "anthropic", "google").
	Name() string

	// SupportsNativeFunctionCalling reports whether the vendor accepts tool schemas directly.
	SupportsNativeFunctionCalling() bool
}

// ResponseMeta carries the raw vendor HTTP status and headers of a
// successful call, independent of whether the body was decoded
// synchronously or is being streamed. The router feeds this into the
// rate-limit tracker and circuit breaker per spec §4.6 step 2c.
type ResponseMeta struct {
	StatusCode int
	Headers    http.Header
}

// HealthStatus represents a provider health check result.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// ChatRequest is the internal NormalizedChatRequest: the OpenAI-shaped
// intermediate every adapter accepts (spec §3).
type ChatRequest struct {
	RequestedModel string       `json:"-"`
	Model          string       `json:"model"`
	Messages       []Message    `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    float32      `json:"temperature,omitempty"`
	TopP           float32      `json:"top_p,omitempty"`
	N              int          `json:"n,omitempty"`
	Stop           []string     `json:"stop,omitempty"`
	Stream         bool         `json:"stream,omitempty"`
	Tools          []ToolSchema `json:"tools,omitempty"`
	ToolChoice     string       `json:"tool_choice,omitempty"`
	ResponseFormat *RespFormat  `json:"response_format,omitempty"`
}

// RespFormat mirrors OpenAI's `response_format` field, used by the
// Google adapter to detect a JSON-mode request.
type RespFormat struct {
	Type string `json:"type"`
}

// ChatResponse represents a chat completion response.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage"`
	CreatedAt time.Time    `json:"created_at"`

	// StatusCode and Headers are the raw vendor HTTP response,
	// carried alongside the decoded body so the router can update the
	// rate-limit tracker and circuit breaker without re-parsing.
	StatusCode int         `json:"-"`
	Headers    http.Header `json:"-"`
}

// ChatChoice represents a single choice in the response.
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatUsage represents token usage in a response.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents one streaming response chunk, shaped like an
// OpenAI `chat.completion.chunk` choice delta.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Done         bool       `json:"-"`
	Err          *Error     `json:"error,omitempty"`
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}
