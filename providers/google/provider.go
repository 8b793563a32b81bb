// Package google implements the Gemini adapter. The generative
// language API departs from the OpenAI-shaped intermediate on every
// axis this file bridges: roles are user/model with the system prompt
// in systemInstruction, message bodies are part lists, sampling knobs
// live under generationConfig, the model name is part of the URL
// rather than the body, and the streaming endpoint is a different
// method on the same model resource.
package google

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"
)

// GoogleProvider talks to the Gemini generateContent family of
// endpoints.
type GoogleProvider struct {
	cfg           providers.GeminiConfig
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewGoogleProvider creates the adapter with endpoint defaults.
func NewGoogleProvider(cfg providers.GeminiConfig, logger *zap.Logger) *GoogleProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &GoogleProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) SupportsNativeFunctionCalling() bool { return true }

// HealthCheck lists models as an authenticated liveness probe.
func (p *GoogleProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1beta/models", nil)
	p.setHeaders(httpReq, p.apiKey(ctx))

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("google health check: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *GoogleProvider) apiKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if k := strings.TrimSpace(c.APIKey); k != "" {
			return k
		}
	}
	return p.cfg.APIKey
}

func (p *GoogleProvider) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// --- wire shapes (generateContent API) ---

type genPart struct {
	Text             string           `json:"text,omitempty"`
	InlineData       *genInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *genFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *genFunctionResp `json:"functionResponse,omitempty"`
}

type genInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type genFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type genFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"` // "user" or "model"
	Parts []genPart `json:"parts"`
}

type genTool struct {
	FunctionDeclarations []genFunctionDecl `json:"functionDeclarations,omitempty"`
}

type genFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      float32  `json:"temperature,omitempty"`
	TopP             float32  `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	CandidateCount   int      `json:"candidateCount,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type genRequest struct {
	Contents          []genContent      `json:"contents"`
	SystemInstruction *genContent       `json:"systemInstruction,omitempty"`
	Tools             []genTool         `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type genUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type genCandidate struct {
	Content      genContent `json:"content"`
	FinishReason string     `json:"finishReason,omitempty"`
	Index        int        `json:"index"`
}

type genResponse struct {
	Candidates    []genCandidate `json:"candidates"`
	UsageMetadata *genUsage      `json:"usageMetadata,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

type genError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// --- request translation ---

// buildPayload translates the intermediate: system messages become
// systemInstruction, the rest become role-tagged part lists. The only
// translation that can fail is an image the API cannot accept.
func (p *GoogleProvider) buildPayload(req *llm.ChatRequest) (genRequest, *llm.Error) {
	var payload genRequest
	var systemTexts []string

	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			systemTexts = append(systemTexts, m.Content)
			continue
		}
		content, lerr := p.toGenContent(m)
		if lerr != nil {
			return genRequest{}, lerr
		}
		if len(content.Parts) > 0 {
			payload.Contents = append(payload.Contents, content)
		}
	}

	if len(systemTexts) > 0 {
		payload.SystemInstruction = &genContent{
			Parts: []genPart{{Text: strings.Join(systemTexts, "\n\n")}},
		}
	}
	payload.Tools = toolDecls(req.Tools)
	payload.GenerationConfig = buildGenerationConfig(req)
	return payload, nil
}

// toGenContent converts one non-system message. Assistant history maps
// to role "model"; tool results ride as functionResponse parts.
func (p *GoogleProvider) toGenContent(m llm.Message) (genContent, *llm.Error) {
	role := string(m.Role)
	if m.Role == llm.RoleAssistant {
		role = "model"
	}
	if m.Role == llm.RoleTool {
		return genContent{Role: "user", Parts: []genPart{toolResponsePart(m)}}, nil
	}

	content := genContent{Role: role}
	if m.Content != "" {
		content.Parts = append(content.Parts, genPart{Text: m.Content})
	}

	for _, img := range m.Images {
		switch img.Type {
		case "base64":
			content.Parts = append(content.Parts, genPart{InlineData: &genInlineData{
				MimeType: img.MediaType,
				Data:     img.Data,
			}})
		default:
			// The API only takes inline bytes; it will not fetch a
			// remote URL on the caller's behalf. Failing loudly beats
			// sending a silently image-less request.
			return genContent{}, &llm.Error{
				Code:       llm.ErrInvalidRequest,
				Message:    "google: remote image URLs are not supported, inline the image as a data: URL",
				HTTPStatus: http.StatusBadRequest,
				Provider:   p.Name(),
			}
		}
	}

	for _, tc := range m.ToolCalls {
		var args map[string]any
		if json.Unmarshal(tc.Arguments, &args) == nil {
			content.Parts = append(content.Parts, genPart{FunctionCall: &genFunctionCall{
				Name: tc.Name,
				Args: args,
			}})
		}
	}
	return content, nil
}

// toolResponsePart wraps a tool result; non-JSON results are boxed so
// the field stays an object.
func toolResponsePart(m llm.Message) genPart {
	var response map[string]any
	if json.Unmarshal([]byte(m.Content), &response) != nil {
		response = map[string]any{"result": m.Content}
	}
	return genPart{FunctionResponse: &genFunctionResp{
		Name:     m.Name,
		Response: response,
	}}
}

func toolDecls(tools []llm.ToolSchema) []genTool {
	var decls []genFunctionDecl
	for _, t := range tools {
		var params map[string]any
		if json.Unmarshal(t.Parameters, &params) != nil {
			continue
		}
		decls = append(decls, genFunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []genTool{{FunctionDeclarations: decls}}
}

// buildGenerationConfig maps the sampling controls; response_format's
// json_object mode becomes responseMimeType.
func buildGenerationConfig(req *llm.ChatRequest) *generationConfig {
	wantsJSON := req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object"
	if req.Temperature == 0 && req.TopP == 0 && req.MaxTokens == 0 && len(req.Stop) == 0 && req.N == 0 && !wantsJSON {
		return nil
	}
	gc := &generationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
		CandidateCount:  req.N,
	}
	if wantsJSON {
		gc.ResponseMimeType = "application/json"
	}
	return gc
}

// resolveModel picks the vendor model: request, config, then default.
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

// invoke POSTs the payload to a model method ("generateContent" or
// "streamGenerateContent?alt=sse"); statuses >= 400 come back as a
// structured error with the body consumed.
func (p *GoogleProvider) invoke(ctx context.Context, model, method string, payload genRequest) (*http.Response, *llm.Error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInternalError,
			Message:    err.Error(),
			HTTPStatus: http.StatusInternalServerError,
			Provider:   p.Name(),
		}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, method)
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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

// decodeAPIError classifies a failed response, preserving the raw
// headers for the rate-limit tracker.
func (p *GoogleProvider) decodeAPIError(resp *http.Response) *llm.Error {
	raw, _ := io.ReadAll(resp.Body)
	msg := string(raw)
	var ge genError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		msg = fmt.Sprintf("%s (status: %s)", ge.Error.Message, ge.Error.Status)
	}

	code, retryable := classifyStatus(resp.StatusCode, msg)
	return (&llm.Error{
		Code:       code,
		Message:    msg,
		HTTPStatus: resp.StatusCode,
		Retryable:  retryable,
		Provider:   p.Name(),
	}).WithHeaders(resp.Header)
}

func classifyStatus(status int, msg string) (llm.ErrorCode, bool) {
	switch status {
	case http.StatusUnauthorized:
		return llm.ErrUnauthorized, false
	case http.StatusForbidden:
		return llm.ErrForbidden, false
	case http.StatusNotFound:
		return llm.ErrModelNotFound, false
	case http.StatusTooManyRequests:
		return llm.ErrRateLimited, true
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
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

func (p *GoogleProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	req, rwErr := p.rewriterChain.Execute(ctx, req)
	if rwErr != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", rwErr),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}

	payload, lerr := p.buildPayload(req)
	if lerr != nil {
		return nil, lerr
	}

	model := resolveModel(req, p.cfg.Model)
	resp, lerr := p.invoke(ctx, model, "generateContent", payload)
	if lerr != nil {
		return nil, lerr
	}
	defer resp.Body.Close()

	var wire genResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}

	out := p.toChatResponse(wire, model)
	out.StatusCode = resp.StatusCode
	out.Headers = resp.Header
	return out, nil
}

// toChatResponse maps each candidate to one choice.
func (p *GoogleProvider) toChatResponse(wire genResponse, model string) *llm.ChatResponse {
	out := &llm.ChatResponse{
		ID:       wire.ResponseID,
		Provider: p.Name(),
		Model:    model,
	}
	for _, cand := range wire.Candidates {
		out.Choices = append(out.Choices, llm.ChatChoice{
			Index:        cand.Index,
			FinishReason: normalizeFinishReason(cand.FinishReason),
			Message:      messageFromParts(cand.Content.Parts),
		})
	}
	if wire.UsageMetadata != nil {
		out.Usage = llm.ChatUsage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// messageFromParts folds a candidate's parts into one assistant
// message: text concatenates, function calls become tool calls.
func messageFromParts(parts []genPart) llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, part := range parts {
		if part.Text != "" {
			msg.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	return msg
}

// --- streaming ---

func (p *GoogleProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, *llm.ResponseMeta, error) {
	req, rwErr := p.rewriterChain.Execute(ctx, req)
	if rwErr != nil {
		return nil, nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", rwErr),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}

	payload, lerr := p.buildPayload(req)
	if lerr != nil {
		return nil, nil, lerr
	}

	model := resolveModel(req, p.cfg.Model)
	resp, lerr := p.invoke(ctx, model, "streamGenerateContent?alt=sse", payload)
	if lerr != nil {
		return nil, nil, lerr
	}

	meta := &llm.ResponseMeta{StatusCode: resp.StatusCode, Headers: resp.Header}
	ch := make(chan llm.StreamChunk)
	go p.pump(resp.Body, model, ch)
	return ch, meta, nil
}

// pump reads the alt=sse body: every data: line is a complete
// genResponse fragment whose candidates become chunks.
func (p *GoogleProvider) pump(body io.ReadCloser, model string, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}

		var fragment genResponse
		if json.Unmarshal([]byte(strings.TrimSpace(data)), &fragment) != nil {
			continue
		}

		for _, cand := range fragment.Candidates {
			msg := messageFromParts(cand.Content.Parts)
			ch <- llm.StreamChunk{
				ID:           fragment.ResponseID,
				Provider:     p.Name(),
				Model:        model,
				Index:        cand.Index,
				FinishReason: normalizeFinishReason(cand.FinishReason),
				Delta:        msg,
			}
		}
		if fragment.UsageMetadata != nil {
			ch <- llm.StreamChunk{
				ID:       fragment.ResponseID,
				Provider: p.Name(),
				Model:    model,
				Usage: &llm.ChatUsage{
					PromptTokens:     fragment.UsageMetadata.PromptTokenCount,
					CompletionTokens: fragment.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      fragment.UsageMetadata.TotalTokenCount,
				},
			}
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- llm.StreamChunk{Err: &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}}
	}
}

// normalizeFinishReason maps the vendor's finishReason vocabulary onto
// the OpenAI finish_reason vocabulary; a chunk with no finish reason
// yet stays empty.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}
