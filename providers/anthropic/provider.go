// Package anthropic implements the Anthropic messages adapter. The
// vendor's wire contract differs from the internal OpenAI-shaped
// intermediate in four ways this file has to bridge: system prompts
// travel in a dedicated top-level field instead of the message list,
// max_tokens is mandatory, message content is always a block list, and
// the SSE stream is event-framed rather than chunk-framed.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/llm/middleware"
	"github.com/BaSui01/airouter/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
	defaultModel   = "claude-3-5-sonnet-20241022"

	// The messages endpoint rejects requests without max_tokens; when
	// the caller left it unset we substitute a generous ceiling.
	defaultMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	cfg           providers.ClaudeConfig
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewAnthropicProvider creates the adapter, filling in endpoint and
// version defaults.
func NewAnthropicProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultVersion
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsNativeFunctionCalling() bool { return true }

// HealthCheck lists models as a cheap authenticated liveness probe.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/models", nil)
	p.setHeaders(httpReq, p.apiKey(ctx))

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// apiKey resolves the effective credential: a per-request override
// from context wins over the configured key.
func (p *AnthropicProvider) apiKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if k := strings.TrimSpace(c.APIKey); k != "" {
			return k
		}
	}
	return p.cfg.APIKey
}

func (p *AnthropicProvider) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", p.cfg.AnthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// --- wire shapes (messages API) ---

// wireBlock is one content block. Which fields are set depends on
// Type: text, image, tool_use (assistant), or tool_result (user).
type wireBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *wireImageSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messagesRequest struct {
	Model         string        `json:"model"`
	System        string        `json:"system,omitempty"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float32       `json:"temperature,omitempty"`
	TopP          float32       `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      *wireUsage  `json:"usage,omitempty"`
}

// streamEvent is the union of every SSE event payload the messages
// API emits; Type selects which fields are meaningful.
type streamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Message      *messagesResponse `json:"message,omitempty"`
	ContentBlock *wireBlock        `json:"content_block,omitempty"`
	Delta        *streamDelta      `json:"delta,omitempty"`
	Usage        *wireUsage        `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"` // text_delta or input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- request translation ---

// buildPayload translates the intermediate into the messages wire
// shape. System messages are pulled out of the list and joined with
// blank lines; everything else becomes a block-list message.
func (p *AnthropicProvider) buildPayload(req *llm.ChatRequest, stream bool) messagesRequest {
	var systemParts []string
	var messages []wireMessage

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case llm.RoleTool:
			// Tool results come back to the model as user turns.
			messages = append(messages, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			blocks := contentBlocks(m)
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, wireMessage{
				Role:    string(m.Role),
				Content: blocks,
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messagesRequest{
		Model:         resolveModel(req, p.cfg.Model),
		System:        strings.Join(systemParts, "\n\n"),
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return payload
}

// contentBlocks expands one message into its wire blocks: text, then
// images, then tool-use calls the assistant made.
func contentBlocks(m llm.Message) []wireBlock {
	var blocks []wireBlock
	if m.Content != "" {
		blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		switch img.Type {
		case "base64":
			blocks = append(blocks, wireBlock{Type: "image", Source: &wireImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			}})
		case "url":
			blocks = append(blocks, wireBlock{Type: "image", Source: &wireImageSource{
				Type: "url",
				URL:  img.URL,
			}})
		}
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		})
	}
	return blocks
}

// resolveModel picks the vendor model: request, then config, then the
// package default.
func resolveModel(req *llm.ChatRequest, configured string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if configured != "" {
		return configured
	}
	return defaultModel
}

// --- HTTP plumbing ---

// post sends the payload to /v1/messages and returns the raw response;
// statuses >= 400 are decoded into a structured error and the body is
// consumed.
func (p *AnthropicProvider) post(ctx context.Context, payload messagesRequest) (*http.Response, *llm.Error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInternalError,
			Message:    err.Error(),
			HTTPStatus: http.StatusInternalServerError,
			Provider:   p.Name(),
		}
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	p.setHeaders(httpReq, p.apiKey(ctx))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.decodeAPIError(resp)
	}
	return resp, nil
}

// decodeAPIError turns a failed response into the pipeline's
// structured error, keeping the raw headers so the rate-limit tracker
// can still read retry-after from a 429.
func (p *AnthropicProvider) decodeAPIError(resp *http.Response) *llm.Error {
	raw, _ := io.ReadAll(resp.Body)
	msg := string(raw)
	var we wireError
	if json.Unmarshal(raw, &we) == nil && we.Error.Message != "" {
		msg = fmt.Sprintf("%s (type: %s)", we.Error.Message, we.Error.Type)
	}

	code, retryable := codeForStatus(resp.StatusCode, msg)
	return (&llm.Error{
		Code:       code,
		Message:    msg,
		HTTPStatus: resp.StatusCode,
		Retryable:  retryable,
		Provider:   p.Name(),
	}).WithHeaders(resp.Header)
}

// codeForStatus classifies a vendor HTTP status. 529 is Anthropic's
// own overload signal, distinct from 503.
func codeForStatus(status int, msg string) (llm.ErrorCode, bool) {
	switch status {
	case http.StatusUnauthorized:
		return llm.ErrUnauthorized, false
	case http.StatusForbidden:
		return llm.ErrForbidden, false
	case http.StatusNotFound:
		return llm.ErrModelNotFound, false
	case http.StatusTooManyRequests:
		return llm.ErrRateLimited, true
	case 529:
		return llm.ErrModelOverloaded, true
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return llm.ErrQuotaExceeded, false
		}
		return llm.ErrInvalidRequest, false
	}
	if status >= 500 {
		return llm.ErrUpstreamError, true
	}
	return llm.ErrUpstreamError, false
}

// --- unary ---

func (p *AnthropicProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	req, rwErr := p.rewriterChain.Execute(ctx, req)
	if rwErr != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", rwErr),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}

	resp, lerr := p.post(ctx, p.buildPayload(req, false))
	if lerr != nil {
		return nil, lerr
	}
	defer resp.Body.Close()

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}

	out := p.toChatResponse(wire)
	out.StatusCode = resp.StatusCode
	out.Headers = resp.Header
	return out, nil
}

// toChatResponse folds the block list back into one assistant message:
// text blocks concatenate, tool_use blocks become tool calls.
func (p *AnthropicProvider) toChatResponse(wire messagesResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			msg.Content += b.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		}
	}

	out := &llm.ChatResponse{
		ID:       wire.ID,
		Provider: p.Name(),
		Model:    wire.Model,
		Choices: []llm.ChatChoice{{
			Message:      msg,
			FinishReason: normalizeStopReason(wire.StopReason),
		}},
	}
	if wire.Usage != nil {
		out.Usage = llm.ChatUsage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return out
}

// --- streaming ---

func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, *llm.ResponseMeta, error) {
	req, rwErr := p.rewriterChain.Execute(ctx, req)
	if rwErr != nil {
		return nil, nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", rwErr),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}

	resp, lerr := p.post(ctx, p.buildPayload(req, true))
	if lerr != nil {
		return nil, nil, lerr
	}

	meta := &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Header}
	ch := make(chan llm.StreamChunk)
	go p.pump(resp.Body, ch)
	return ch, meta, nil
}

// streamState accumulates what later events need from earlier ones:
// the message identity from message_start and partial tool-call JSON
// keyed by block index.
type streamState struct {
	id      string
	model   string
	pending map[int]*llm.ToolCall
}

// pump reads the SSE body line by line and emits translated chunks
// until message_stop or EOF. Only data: lines matter; the event: name
// is repeated inside each payload's type field.
func (p *AnthropicProvider) pump(body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	st := &streamState{pending: make(map[int]*llm.ToolCall)}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			ch <- p.streamFailure(err)
			return
		}
		if done := p.handleEvent(st, ev, ch); done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- p.streamFailure(err)
	}
}

// handleEvent translates one upstream event; returns true on
// message_stop.
func (p *AnthropicProvider) handleEvent(st *streamState, ev streamEvent, ch chan<- llm.StreamChunk) bool {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			st.id = ev.Message.ID
			st.model = ev.Message.Model
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			st.pending[ev.Index] = &llm.ToolCall{
				ID:   ev.ContentBlock.ID,
				Name: ev.ContentBlock.Name,
			}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			ch <- llm.StreamChunk{
				ID:       st.id,
				Provider: p.Name(),
				Model:    st.model,
				Index:    ev.Index,
				Delta:    llm.Message{Role: llm.RoleAssistant, Content: ev.Delta.Text},
			}
		case "input_json_delta":
			if tc := st.pending[ev.Index]; tc != nil {
				tc.Arguments = append(tc.Arguments, ev.Delta.PartialJSON...)
			}
			ch <- llm.StreamChunk{
				ID:       st.id,
				Provider: p.Name(),
				Model:    st.model,
				Index:    ev.Index,
				Delta:    llm.Message{Role: llm.RoleAssistant},
			}
		}

	case "content_block_stop":
		if tc, ok := st.pending[ev.Index]; ok {
			delete(st.pending, ev.Index)
			if len(tc.Arguments) == 0 {
				tc.Arguments = json.RawMessage("{}")
			}
			ch <- llm.StreamChunk{
				ID:       st.id,
				Provider: p.Name(),
				Model:    st.model,
				Index:    ev.Index,
				Delta:    llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{*tc}},
			}
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			ch <- llm.StreamChunk{
				ID:           st.id,
				Provider:     p.Name(),
				Model:        st.model,
				FinishReason: normalizeStopReason(ev.Delta.StopReason),
			}
		}

	case "message_stop":
		if ev.Usage != nil {
			ch <- llm.StreamChunk{
				ID:       st.id,
				Provider: p.Name(),
				Model:    st.model,
				Usage: &llm.ChatUsage{
					PromptTokens:     ev.Usage.InputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
				},
			}
		}
		return true
	}
	return false
}

func (p *AnthropicProvider) streamFailure(err error) llm.StreamChunk {
	return llm.StreamChunk{Err: &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   p.Name(),
	}}
}

// normalizeStopReason maps the vendor's stop_reason vocabulary onto
// the finish_reason vocabulary the rest of the pipeline branches on.
func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "tool_use":
		return "stop"
	default:
		return "stop"
	}
}
