package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/airouter/llm"
)

// Imagen 走 :predict 端点，与 generateContent 的请求结构完全不同。
type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount int    `json:"sampleCount,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type imagenResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType,omitempty"`
	} `json:"predictions"`
}

// GenerateImage implements llm.ImageGenerator via the Imagen predict
// endpoint. The response is always base64; it maps to b64_json with the
// original prompt echoed as revised_prompt, since Imagen does not
// rewrite prompts.
func (p *GoogleProvider) GenerateImage(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error) {
	apiKey := p.cfg.APIKey
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			apiKey = strings.TrimSpace(c.APIKey)
		}
	}

	n := req.N
	if n <= 0 {
		n = 1
	}
	body := imagenRequest{
		Instances:  []imagenInstance{{Prompt: req.Prompt}},
		Parameters: imagenParameters{SampleCount: n, AspectRatio: imagenAspectRatio(req.Size)},
	}
	payload, _ := json.Marshal(body)

	model := req.Model
	if model == "" {
		model = "imagen-3.0-generate-001"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:predict", strings.TrimRight(p.cfg.BaseURL, "/"), model)

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

	var ir imagenResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}

	out := &llm.ImageResponse{
		Created:    time.Now().Unix(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	for _, pred := range ir.Predictions {
		out.Data = append(out.Data, llm.ImageData{
			B64JSON:       pred.BytesBase64Encoded,
			RevisedPrompt: req.Prompt,
		})
	}
	return out, nil
}

// imagenAspectRatio 将 OpenAI 风格的 "1024x1024" 尺寸换算为 Imagen 的宽高比参数。
func imagenAspectRatio(size string) string {
	switch size {
	case "", "1024x1024", "512x512", "256x256":
		return "1:1"
	case "1792x1024":
		return "16:9"
	case "1024x1792":
		return "9:16"
	default:
		return ""
	}
}
