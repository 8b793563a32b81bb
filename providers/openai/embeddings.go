package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/airouter/llm"
)

type openAIEmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

type openAIEmbeddingsResponse struct {
	Object string `json:"object"`
	Model  string `json:"model"`
	Data   []struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Embeddings implements llm.Embedder against the /v1/embeddings
// endpoint. Input passes through raw: OpenAI accepts both a string and
// a list of strings and there is nothing to translate.
func (p *OpenAIProvider) Embeddings(ctx context.Context, req *llm.EmbeddingsRequest) (*llm.EmbeddingsResponse, error) {
	apiKey := p.cfg.APIKey
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			apiKey = strings.TrimSpace(c.APIKey)
		}
	}

	body := openAIEmbeddingsRequest{
		Model:          req.Model,
		Input:          req.Input,
		EncodingFormat: req.EncodingFormat,
		Dimensions:     req.Dimensions,
	}
	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1/embeddings", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.buildHeaders(httpReq, apiKey)

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
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readOpenAIErrMsg(resp.Body)
		return nil, mapOpenAIError(resp.StatusCode, msg, p.Name()).WithHeaders(resp.Header)
	}

	var er openAIEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}

	out := &llm.EmbeddingsResponse{
		Object:     er.Object,
		Model:      er.Model,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	for _, d := range er.Data {
		out.Data = append(out.Data, llm.Embedding{
			Object:    d.Object,
			Index:     d.Index,
			Embedding: d.Embedding,
		})
	}
	if er.Usage != nil {
		out.Usage = llm.ChatUsage{
			PromptTokens: er.Usage.PromptTokens,
			TotalTokens:  er.Usage.TotalTokens,
		}
	}
	return out, nil
}
