package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("ROUTER_API_KEY", "router-secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
	assert.Equal(t, []string{"openai", "anthropic", "google"}, cfg.ProviderPriority)
	assert.Equal(t, 100, cfg.QueueMaxSize)
	assert.Equal(t, 30*time.Second, cfg.QueueTimeout)
	assert.Equal(t, 5*time.Second, cfg.QueueAsyncThreshold)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 5, cfg.RateLimitLowRequests)
}

func TestLoadMissingRouterKey(t *testing.T) {
	t.Setenv("ROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROUTER_API_KEY")
}

func TestLoadNoProviderKeys(t *testing.T) {
	t.Setenv("ROUTER_API_KEY", "router-secret")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one")
}

func TestLoadMalformedPriority(t *testing.T) {
	setRequired(t)
	t.Setenv("PROVIDER_PRIORITY", "openai,closedai")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vendor")
}

func TestLoadPriorityNormalization(t *testing.T) {
	setRequired(t)
	t.Setenv("PROVIDER_PRIORITY", " Anthropic , google,anthropic ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "google"}, cfg.ProviderPriority)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8081")
	t.Setenv("QUEUE_ASYNC_THRESHOLD_MS", "250")
	t.Setenv("CB_FAILURE_THRESHOLD", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.QueueAsyncThreshold)
	assert.Equal(t, 3, cfg.BreakerFailureThreshold)
}

func TestHasKey(t *testing.T) {
	cfg := &Config{OpenAIAPIKey: "a", GoogleAPIKey: "c"}
	assert.True(t, cfg.HasKey("openai"))
	assert.False(t, cfg.HasKey("anthropic"))
	assert.True(t, cfg.HasKey("google"))
	assert.False(t, cfg.HasKey("azure"))
}
