package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/airouter/llm"
)

type embedRequest struct {
	Requests []embedContent `json:"requests"`
}

type embedContent struct {
	Model   string        `json:"model"`
	Content genContent `json:"content"`
}

type embedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// Embeddings implements llm.Embedder via the batchEmbedContents
// endpoint. Gemini only accepts a list of contents, so a bare string
// input is wrapped into a one-element list first.
func (p *GoogleProvider) Embeddings(ctx context.Context, req *llm.EmbeddingsRequest) (*llm.EmbeddingsResponse, error) {
	inputs, err := req.InputStrings()
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("invalid embeddings input: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}

	apiKey := p.cfg.APIKey
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			apiKey = strings.TrimSpace(c.APIKey)
		}
	}

	model := req.Model
	if model == "" {
		model = "text-embedding-004"
	}

	body := embedRequest{}
	for _, in := range inputs {
		body.Requests = append(body.Requests, embedContent{
			Model:   "models/" + model,
			Content: genContent{Parts: []genPart{{Text: in}}},
		})
	}
	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.setHeaders(httpReq, apiKey)

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
		return nil, p.decodeAPIError(resp)
	}

	var er embedResponse
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
		Object:     "list",
		Model:      model,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	for i, e := range er.Embeddings {
		out.Data = append(out.Data, llm.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: e.Values,
		})
	}
	return out, nil
}
