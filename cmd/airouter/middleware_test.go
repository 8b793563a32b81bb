package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/api"
	"github.com/BaSui01/airouter/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_AcceptsBothHeaderForms(t *testing.T) {
	h := Auth("secret-key", zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("x-api-key", "secret-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_RejectsBadOrMissingKey(t *testing.T) {
	h := Auth("secret-key", zap.NewNop())(okHandler())

	for _, set := range []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") },
		func(r *http.Request) { r.Header.Set("Authorization", "Basic secret-key") },
		func(r *http.Request) { r.Header.Set("x-api-key", "secret-key-but-longer") },
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		set(req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var envelope api.OpenAIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, "authentication_error", envelope.Error.Type)
	}
}

func TestAuth_AnthropicPathGetsAnthropicEnvelope(t *testing.T) {
	h := Auth("secret-key", zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope api.AnthropicError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "error", envelope.Type)
	assert.Equal(t, "authentication_error", envelope.Error.Type)
}

func TestRequestID_EchoesWellFormed(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	})
	h := RequestID()(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("x-request-id", "req_abc-123.z")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req_abc-123.z", rec.Header().Get("x-request-id"))
	assert.Equal(t, "req_abc-123.z", seen)
}

func TestRequestID_SanitizesHostileInput(t *testing.T) {
	h := RequestID()(okHandler())

	for _, hostile := range []string{
		"",
		"two words",
		"semi;colon",
		strings.Repeat("a", 200),
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		if hostile != "" {
			req.Header.Set("x-request-id", hostile)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		got := rec.Header().Get("x-request-id")
		assert.NotEqual(t, hostile, got)
		assert.Regexp(t, `^[0-9a-f-]{36}$`, got)
	}
}

func TestChain_OrderOuterToInner(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRecovery_TurnsPanicInto500(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_error")
}
