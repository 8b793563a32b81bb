// Package anthropic translates between the Anthropic messages wire
// contract and the internal OpenAI-shaped intermediate, in the
// opposite direction from the vendor adapter: here the *client* speaks
// Anthropic and the pipeline's intermediate is the target. Streaming
// replies are synthesized event by event, because the internal stream
// carries OpenAI-shaped chunks that have no Anthropic framing left.
package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/types"
)

// MessagesRequest is the inbound Anthropic wire shape. System and
// message content arrive raw because both accept either a bare string
// or a list of content blocks.
type MessagesRequest struct {
	Model         string           `json:"model"`
	System        json.RawMessage  `json:"system,omitempty"`
	Messages      []InboundMessage `json:"messages"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float32          `json:"temperature,omitempty"`
	TopP          float32          `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
}

// InboundMessage is one wire message.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// flattenContent reduces a string-or-blocks content value to its
// concatenated text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ParseRequest validates an inbound Anthropic request and converts it
// to the internal intermediate: system becomes a leading system
// message, content blocks flatten to text, stop_sequences become stop.
func ParseRequest(body []byte) (*llm.ChatRequest, *types.Error) {
	var wire MessagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
	}
	if strings.TrimSpace(wire.Model) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "messages must be a non-empty list")
	}

	req := &llm.ChatRequest{
		RequestedModel: wire.Model,
		Model:          wire.Model,
		MaxTokens:      wire.MaxTokens,
		Temperature:    wire.Temperature,
		TopP:           wire.TopP,
		Stop:           wire.StopSequences,
		Stream:         wire.Stream,
	}
	if sys := flattenContent(wire.System); sys != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.Role(m.Role),
			Content: flattenContent(m.Content),
		})
	}
	return req, nil
}

// MessagesResponse is the outbound unary wire shape.
type MessagesResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    []OutboundBlock `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      Usage           `json:"usage"`
}

// OutboundBlock is one outbound content block.
type OutboundBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage is the Anthropic token accounting shape.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// stopReasonFromFinish maps OpenAI finish_reason onto Anthropic
// stop_reason.
func stopReasonFromFinish(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// MintMessageID creates an Anthropic-style message id for upstreams
// that did not supply one.
func MintMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildResponse converts a completed internal chat response to the
// Anthropic wire shape, echoing the client's requested model name.
func BuildResponse(resp *llm.ChatResponse, requestedModel string) *MessagesResponse {
	out := &MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: requestedModel,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.ID == "" {
		out.ID = MintMessageID()
	}
	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	out.Content = []OutboundBlock{{Type: "text", Text: content}}
	out.StopReason = stopReasonFromFinish(finish)
	return out
}

// StreamEncoder synthesizes the Anthropic streaming event sequence
// from internal chunks: message_start, ping, one content block's
// start/delta/stop, then message_delta and message_stop. Events are
// written as they are produced, so client backpressure propagates to
// the upstream read.
type StreamEncoder struct {
	w              io.Writer
	flush          func()
	requestedModel string

	id           string
	blockStarted bool
	finishReason string
	outputTokens int
	started      bool
}

// NewStreamEncoder wraps the response writer. flush may be nil.
func NewStreamEncoder(w io.Writer, flush func(), requestedModel string) *StreamEncoder {
	if flush == nil {
		flush = func() {}
	}
	return &StreamEncoder{w: w, flush: flush, requestedModel: requestedModel}
}

func (e *StreamEncoder) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Write folds one internal chunk into the event stream.
func (e *StreamEncoder) Write(chunk llm.StreamChunk) error {
	if !e.started {
		e.started = true
		e.id = chunk.ID
		if e.id == "" {
			e.id = MintMessageID()
		}
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.requestedModel,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         Usage{},
			},
		}
		if err := e.event("message_start", start); err != nil {
			return err
		}
		if err := e.event("ping", map[string]any{"type": "ping"}); err != nil {
			return err
		}
	}

	if chunk.FinishReason != "" {
		e.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.outputTokens = chunk.Usage.CompletionTokens
	}

	if chunk.Delta.Content == "" {
		return nil
	}
	if !e.blockStarted {
		e.blockStarted = true
		if err := e.event("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": OutboundBlock{Type: "text", Text: ""},
		}); err != nil {
			return err
		}
	}
	return e.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": chunk.Delta.Content},
	})
}

// Finish closes the event sequence once the internal stream ends.
func (e *StreamEncoder) Finish() error {
	if !e.started {
		// An upstream that produced no chunks still owes the client a
		// syntactically complete message.
		if err := e.Write(llm.StreamChunk{}); err != nil {
			return err
		}
	}
	if e.blockStarted {
		if err := e.event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		}); err != nil {
			return err
		}
	}
	if err := e.event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReasonFromFinish(e.finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": e.outputTokens},
	}); err != nil {
		return err
	}
	return e.event("message_stop", map[string]any{"type": "message_stop"})
}
