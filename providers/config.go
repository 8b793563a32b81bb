// Package providers holds the shared per-vendor configuration structs
// used to construct each adapter in providers/openai, providers/anthropic,
// and providers/google.
package providers

import "time"

// BaseProviderConfig holds the fields every vendor adapter needs:
// credentials, endpoint, default model, and HTTP timeout. Embedding it
// gives each vendor's Config these four fields without repetition.
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key"`
	BaseURL string        `json:"base_url"`
	Model   string        `json:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	BaseProviderConfig
	Organization       string `json:"organization,omitempty"`
}

// ClaudeConfig configures the Anthropic adapter.
type ClaudeConfig struct {
	BaseProviderConfig
	AnthropicVersion   string `json:"anthropic_version,omitempty"`
}

// GeminiConfig configures the Google Gemini adapter.
type GeminiConfig struct {
	BaseProviderConfig
}
