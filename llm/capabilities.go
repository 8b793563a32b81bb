package llm

import (
	"context"
	"encoding/json"
	"net/http"
)

// ImageGenerator is the optional capability interface implemented by
// adapters whose vendor has an image endpoint. The router discovers it
// with a type assertion; vendors without it simply never appear in an
// image fallback chain.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// Embedder is the optional capability interface for embedding models.
type Embedder interface {
	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error)
}

// ImageRequest is the OpenAI-shaped image generation intermediate.
type ImageRequest struct {
	RequestedModel string `json:"-"`
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ImageData is one generated image. Exactly one of URL and B64JSON is
// set, depending on the vendor and the requested response format.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageResponse is the OpenAI-shaped image result.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`

	StatusCode int         `json:"-"`
	Headers    http.Header `json:"-"`
}

// EmbeddingsRequest is the OpenAI-shaped embeddings intermediate.
// Input is kept raw because OpenAI accepts a string or a list of
// strings and the adapters forward it untouched.
type EmbeddingsRequest struct {
	RequestedModel string          `json:"-"`
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

// Embedding is one vector in an embeddings response.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse is the OpenAI-shaped embeddings result.
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Model  string      `json:"model"`
	Data   []Embedding `json:"data"`
	Usage  ChatUsage   `json:"usage"`

	StatusCode int         `json:"-"`
	Headers    http.Header `json:"-"`
}

// InputStrings decodes the raw input field into its string list form:
// a bare string becomes a one-element list. Used by adapters whose
// vendor only accepts a list.
func (r *EmbeddingsRequest) InputStrings() ([]string, error) {
	var single string
	if err := json.Unmarshal(r.Input, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, err
	}
	return many, nil
}
