package anthropic

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/providers"
)

func TestAnthropicProvider_Name(t *testing.T) {
	provider := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.Equal(t, "anthropic", provider.Name())
}

func TestAnthropicProvider_SupportsNativeFunctionCalling(t *testing.T) {
	provider := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.True(t, provider.SupportsNativeFunctionCalling())
}

func TestAnthropicProvider_Defaults(t *testing.T) {
	provider := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.Equal(t, defaultBaseURL, provider.cfg.BaseURL)
	assert.Equal(t, defaultVersion, provider.cfg.AnthropicVersion)
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, defaultModel, resolveModel(nil, ""))
	assert.Equal(t, "from-config", resolveModel(&llm.ChatRequest{}, "from-config"))
	assert.Equal(t, "from-request", resolveModel(&llm.ChatRequest{Model: "from-request"}, "from-config"))
}

func TestNormalizeStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"max_tokens":    "length",
		"stop_sequence": "stop",
		"tool_use":      "stop",
		"":              "stop",
	}
	for reason, want := range cases {
		assert.Equal(t, want, normalizeStopReason(reason), "reason=%q", reason)
	}
}

func TestBuildPayload(t *testing.T) {
	p := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())

	payload := p.buildPayload(&llm.ChatRequest{
		Model: "claude-opus-4-6",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Be brief."},
			{Role: llm.RoleSystem, Content: "Answer in French."},
			{Role: llm.RoleUser, Content: "Hi"},
			{Role: llm.RoleAssistant, Content: "Salut"},
		},
		Temperature: 0.2,
		TopP:        0.9,
		Stop:        []string{"END"},
	}, true)

	// System messages leave the list and join with blank lines.
	assert.Equal(t, "Be brief.\n\nAnswer in French.", payload.System)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.Equal(t, "Hi", payload.Messages[0].Content[0].Text)
	assert.Equal(t, "assistant", payload.Messages[1].Role)

	// max_tokens is mandatory on this API and was not supplied.
	assert.Equal(t, defaultMaxTokens, payload.MaxTokens)
	assert.Equal(t, []string{"END"}, payload.StopSequences)
	assert.True(t, payload.Stream)
	assert.Equal(t, "claude-opus-4-6", payload.Model)
}

func TestBuildPayload_ToolResultBecomesUserTurn(t *testing.T) {
	p := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())

	payload := p.buildPayload(&llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleTool, ToolCallID: "call_1", Content: `{"ok":true}`},
		},
	}, false)

	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "user", payload.Messages[0].Role)
	block := payload.Messages[0].Content[0]
	assert.Equal(t, "tool_result", block.Type)
	assert.Equal(t, "call_1", block.ToolUseID)
	assert.Equal(t, `{"ok":true}`, block.Content)
}

func TestBuildPayload_ImageBlocks(t *testing.T) {
	p := NewAnthropicProvider(providers.ClaudeConfig{}, zap.NewNop())

	payload := p.buildPayload(&llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "what is this?",
			Images: []llm.ImageContent{
				{Type: "base64", MediaType: "image/png", Data: "aW1n"},
				{Type: "url", URL: "https://img.example/cat.png"},
			},
		}},
	}, false)

	require.Len(t, payload.Messages, 1)
	blocks := payload.Messages[0].Content
	require.Len(t, blocks, 3)
	assert.Equal(t, "text", blocks[0].Type)

	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "image", blocks[1].Type)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "aW1n", blocks[1].Source.Data)

	require.NotNil(t, blocks[2].Source)
	assert.Equal(t, "url", blocks[2].Source.Type)
	assert.Equal(t, "https://img.example/cat.png", blocks[2].Source.URL)
}

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		want      llm.ErrorCode
		retryable bool
	}{
		{401, "", llm.ErrUnauthorized, false},
		{404, "", llm.ErrModelNotFound, false},
		{429, "", llm.ErrRateLimited, true},
		{529, "", llm.ErrModelOverloaded, true},
		{400, "out of credit", llm.ErrQuotaExceeded, false},
		{400, "bad field", llm.ErrInvalidRequest, false},
		{500, "", llm.ErrUpstreamError, true},
		{418, "", llm.ErrUpstreamError, false},
	}
	for _, tt := range tests {
		code, retryable := codeForStatus(tt.status, tt.msg)
		assert.Equal(t, tt.want, code, "status=%d", tt.status)
		assert.Equal(t, tt.retryable, retryable, "status=%d", tt.status)
	}
}

func TestAnthropicProvider_Integration(t *testing.T) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	provider := NewAnthropicProvider(providers.ClaudeConfig{
		BaseProviderConfig: providers.BaseProviderConfig{
			APIKey:  apiKey,
			Model:   defaultModel,
			Timeout: 60 * time.Second,
		},
	}, zap.NewNop())

	ctx := context.Background()

	t.Run("HealthCheck", func(t *testing.T) {
		status, err := provider.HealthCheck(ctx)
		require.NoError(t, err)
		assert.True(t, status.Healthy)
		assert.Greater(t, status.Latency, time.Duration(0))
	})

	t.Run("Completion", func(t *testing.T) {
		req := &llm.ChatRequest{
			Model: defaultModel,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: "Say 'test' only"},
			},
			MaxTokens:   10,
			Temperature: 0.1,
		}

		resp, err := provider.Completion(ctx, req)
		require.NoError(t, err)
		assert.NotNil(t, resp)
		assert.NotEmpty(t, resp.Choices)
		assert.NotEmpty(t, resp.Choices[0].Message.Content)
		assert.Equal(t, 200, resp.StatusCode)
	})

	t.Run("Stream", func(t *testing.T) {
		req := &llm.ChatRequest{
			Model: defaultModel,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: "Count to 3"},
			},
			MaxTokens: 20,
		}

		stream, meta, err := provider.Stream(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, 200, meta.StatusCode)

		var chunks []llm.StreamChunk
		for chunk := range stream {
			if chunk.Err != nil {
				t.Fatalf("Stream error: %v", chunk.Err)
			}
			chunks = append(chunks, chunk)
		}

		assert.NotEmpty(t, chunks)
	})
}
