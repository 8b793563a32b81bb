package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/types"
)

func TestWriteOpenAIError_EnvelopeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOpenAIError(rec, types.NewError(types.ErrInvalidRequest, "model is required"), zap.NewNop())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var envelope api.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "model is required", envelope.Error.Message)
	assert.Equal(t, "invalid_request_error", envelope.Error.Type)
}

func TestWriteOpenAIError_ExplicitStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOpenAIError(rec, types.NewError(types.ErrQueueTimeout, "queue_timeout").
		WithHTTPStatus(http.StatusRequestTimeout), zap.NewNop())

	require.Equal(t, http.StatusRequestTimeout, rec.Code)

	var envelope api.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "queue_timeout", envelope.Error.Code)
}

func TestWriteAnthropicError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAnthropicError(rec, types.NewError(types.ErrQueueFull, "queue is full"), zap.NewNop())

	// Queue congestion is 503, not 500.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var envelope api.AnthropicError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "error", envelope.Type)
	assert.Equal(t, "overloaded_error", envelope.Error.Type)
	assert.Equal(t, "queue is full", envelope.Error.Message)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrQueueTimeout, http.StatusRequestTimeout},
		{types.ErrRequestCancelled, 499},
		{types.ErrQueueFull, http.StatusServiceUnavailable},
		{types.ErrAllProvidersExhausted, http.StatusServiceUnavailable},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapErrorCodeToHTTPStatus(tt.code), string(tt.code))
	}
}

func TestValidateContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	assert.True(t, ValidateContentType(req))

	req.Header.Set("Content-Type", "text/plain")
	assert.False(t, ValidateContentType(req))

	req.Header.Del("Content-Type")
	assert.False(t, ValidateContentType(req))
}

func TestResponseWriter_CapturesStatusOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("x"))

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
