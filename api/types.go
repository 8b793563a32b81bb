// Package api defines the wire types of the router's OpenAI-compatible
// HTTP surface: inbound request shapes with their validation, outbound
// response shapes, and the structured error envelopes. Conversion to
// and from the internal intermediate lives next to each type.
package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// =============================================================================
// Chat completions
// =============================================================================

// ChatCompletionRequest is the inbound /v1/chat/completions body.
// Content and stop arrive raw because the wire accepts several shapes
// for each (string or block list; string or string list).
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      float32         `json:"temperature,omitempty"`
	TopP             float32         `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []ChatTool      `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *llm.RespFormat `json:"response_format,omitempty"`
	FrequencyPenalty json.RawMessage `json:"frequency_penalty,omitempty"`
	PresencePenalty  json.RawMessage `json:"presence_penalty,omitempty"`
	Logprobs         json.RawMessage `json:"logprobs,omitempty"`
	TopLogprobs      json.RawMessage `json:"top_logprobs,omitempty"`
	User             string          `json:"user,omitempty"`
}

// ChatMessage is one inbound wire message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []WireToolCall  `json:"tool_calls,omitempty"`
}

// ChatTool is one inbound tool schema.
type ChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// WireToolCall is the OpenAI tool-call wire shape, shared by requests
// (assistant history) and responses.
type WireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// parseWireContent splits string-or-parts content into its text and
// its image parts. Inline data: URLs are decomposed into base64
// payload plus media type here, once, so no adapter has to re-parse
// them.
func parseWireContent(raw json.RawMessage) (string, []llm.ImageContent) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	var sb strings.Builder
	var images []llm.ImageContent
	for _, p := range parts {
		switch p.Type {
		case "", "text":
			sb.WriteString(p.Text)
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				continue
			}
			if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
				images = append(images, llm.ImageContent{Type: "base64", MediaType: mediaType, Data: data})
			} else {
				images = append(images, llm.ImageContent{Type: "url", URL: p.ImageURL.URL})
			}
		}
	}
	return sb.String(), images
}

// parseDataURL decomposes "data:<media-type>;base64,<payload>".
// Anything else, including non-base64 data URLs, reports false.
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}

// parseStop accepts a bare string or a list of strings.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// Validate enforces the minimal pre-dispatch checks.
func (r *ChatCompletionRequest) Validate() *types.Error {
	if strings.TrimSpace(r.Model) == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(r.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages must be a non-empty list")
	}
	return nil
}

// ToLLM converts the wire request into the internal intermediate. The
// penalty and logprobs fields are dropped here: no downstream vendor
// schema carries them uniformly.
func (r *ChatCompletionRequest) ToLLM() *llm.ChatRequest {
	req := &llm.ChatRequest{
		RequestedModel: r.Model,
		Model:          r.Model,
		MaxTokens:      r.MaxTokens,
		Temperature:    r.Temperature,
		TopP:           r.TopP,
		N:              r.N,
		Stop:           parseStop(r.Stop),
		Stream:         r.Stream,
		ResponseFormat: r.ResponseFormat,
	}
	for _, m := range r.Messages {
		text, images := parseWireContent(m.Content)
		msg := llm.Message{
			Role:       llm.Role(m.Role),
			Content:    text,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			Images:     images,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range r.Tools {
		req.Tools = append(req.Tools, llm.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(r.ToolChoice) > 0 {
		var choice string
		if err := json.Unmarshal(r.ToolChoice, &choice); err == nil {
			req.ToolChoice = choice
		}
	}
	return req
}

// ChatCompletionResponse is the outbound unary wire shape.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChatChoice is one outbound choice.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ResponseMessage is the outbound assistant message.
type ResponseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
}

// ChatUsage is the OpenAI usage shape.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func wireToolCalls(calls []llm.ToolCall) []WireToolCall {
	out := make([]WireToolCall, 0, len(calls))
	for _, tc := range calls {
		wc := WireToolCall{ID: tc.ID, Type: "function"}
		wc.Function.Name = tc.Name
		wc.Function.Arguments = tc.Arguments
		out = append(out, wc)
	}
	return out
}

// ChatResponseFromLLM converts the internal response to the wire
// shape. The model field carries whatever the router put there — the
// client's requested name.
func ChatResponseFromLLM(resp *llm.ChatResponse) *ChatCompletionResponse {
	out := &ChatCompletionResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if !resp.CreatedAt.IsZero() {
		out.Created = resp.CreatedAt.Unix()
	} else {
		out.Created = time.Now().Unix()
	}
	for _, c := range resp.Choices {
		choice := ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message: ResponseMessage{
				Role:    string(c.Message.Role),
				Content: c.Message.Content,
			},
		}
		if choice.Message.Role == "" {
			choice.Message.Role = "assistant"
		}
		if len(c.Message.ToolCalls) > 0 {
			choice.Message.ToolCalls = wireToolCalls(c.Message.ToolCalls)
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

// ChatCompletionChunk is the outbound SSE chunk wire shape.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChatUsage    `json:"usage,omitempty"`
}

// ChunkChoice is one streaming choice delta.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message fragment.
type ChunkDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
}

// ChunkFromLLM converts one internal stream chunk to the wire shape,
// substituting the client's requested model name.
func ChunkFromLLM(chunk llm.StreamChunk, requestedModel string) *ChatCompletionChunk {
	out := &ChatCompletionChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   requestedModel,
	}
	choice := ChunkChoice{
		Index: chunk.Index,
		Delta: ChunkDelta{
			Role:    string(chunk.Delta.Role),
			Content: chunk.Delta.Content,
		},
	}
	if len(chunk.Delta.ToolCalls) > 0 {
		choice.Delta.ToolCalls = wireToolCalls(chunk.Delta.ToolCalls)
	}
	if chunk.FinishReason != "" {
		fr := chunk.FinishReason
		choice.FinishReason = &fr
	}
	out.Choices = []ChunkChoice{choice}
	if chunk.Usage != nil {
		out.Usage = &ChatUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}

// =============================================================================
// Images and embeddings
// =============================================================================

// ImageGenerationRequest is the inbound /v1/images/generations body.
type ImageGenerationRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Validate enforces the minimal pre-dispatch checks.
func (r *ImageGenerationRequest) Validate() *types.Error {
	if strings.TrimSpace(r.Prompt) == "" {
		return types.NewError(types.ErrInvalidRequest, "prompt is required")
	}
	return nil
}

// ToLLM converts to the internal intermediate, defaulting the model.
func (r *ImageGenerationRequest) ToLLM() *llm.ImageRequest {
	model := r.Model
	if model == "" {
		model = "dall-e-3"
	}
	return &llm.ImageRequest{
		RequestedModel: model,
		Model:          model,
		Prompt:         r.Prompt,
		N:              r.N,
		Size:           r.Size,
		Quality:        r.Quality,
		ResponseFormat: r.ResponseFormat,
	}
}

// EmbeddingsRequest is the inbound /v1/embeddings body.
type EmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

// Validate enforces the minimal pre-dispatch checks.
func (r *EmbeddingsRequest) Validate() *types.Error {
	if len(r.Input) == 0 || string(r.Input) == "null" {
		return types.NewError(types.ErrInvalidRequest, "input is required")
	}
	return nil
}

// ToLLM converts to the internal intermediate.
func (r *EmbeddingsRequest) ToLLM() *llm.EmbeddingsRequest {
	model := r.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &llm.EmbeddingsRequest{
		RequestedModel: model,
		Model:          model,
		Input:          r.Input,
		EncodingFormat: r.EncodingFormat,
		Dimensions:     r.Dimensions,
	}
}

// =============================================================================
// Envelopes
// =============================================================================

// OpenAIError is the error envelope for all OpenAI-shaped paths.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody carries the structured error fields.
type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// AnthropicError is the error envelope for the /v1/messages path.
type AnthropicError struct {
	Type  string             `json:"type"`
	Error AnthropicErrorBody `json:"error"`
}

// AnthropicErrorBody carries the structured error fields.
type AnthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// QueuedJob is the 202 envelope returned when a request is parked on
// the async queue.
type QueuedJob struct {
	ID              string `json:"id"`
	Object          string `json:"object"`
	Status          string `json:"status"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms"`
	PollURL         string `json:"poll_url"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}
