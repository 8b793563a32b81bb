// Package config loads the router's configuration from environment
// variables. There is no config file: every knob in the table below is
// an environment variable with a typed default, and Load fails (the
// process exits 1) on the three hard requirements — a router API key,
// at least one vendor key, and a well-formed provider priority list —
// and on a non-positive QUEUE_MAX_SIZE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	// Inbound auth token, required.
	RouterAPIKey string

	// Vendor credentials. At least one must be set.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string

	// Optional vendor endpoint overrides, used by tests and by
	// deployments that front the vendors with their own gateways.
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleBaseURL    string

	// RedisURL enables distributed state when non-empty.
	RedisURL string

	Host string
	Port int

	// ProviderPriority is the ordered vendor list the fallback chain
	// is built from.
	ProviderPriority []string

	QueueMaxSize        int
	QueueTimeout        time.Duration
	QueueAsyncThreshold time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	RateLimitLowRequests int

	LogLevel  string
	LogFormat string

	// Telemetry (optional OTLP export).
	OTELEnabled  bool
	OTELEndpoint string
}

var knownVendors = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google":    true,
}

// Load reads the environment and validates the result. The returned
// error is a configuration failure; main maps it to exit code 1.
func Load() (*Config, error) {
	cfg := &Config{
		RouterAPIKey:    os.Getenv("ROUTER_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),

		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		GoogleBaseURL:    os.Getenv("GOOGLE_BASE_URL"),

		RedisURL: os.Getenv("REDIS_URL"),

		Host: envString("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		QueueMaxSize:        envInt("QUEUE_MAX_SIZE", 100),
		QueueTimeout:        envDurationMs("QUEUE_TIMEOUT_MS", 30000),
		QueueAsyncThreshold: envDurationMs("QUEUE_ASYNC_THRESHOLD_MS", 5000),

		BreakerFailureThreshold: envInt("CB_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         envDurationMs("CB_COOLDOWN_MS", 60000),

		RateLimitLowRequests: envInt("RATE_LIMIT_LOW_REQUESTS_THRESHOLD", 5),

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),

		OTELEnabled:  envBool("OTEL_ENABLED", false),
		OTELEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	priority, err := parsePriority(envString("PROVIDER_PRIORITY", "openai,anthropic,google"))
	if err != nil {
		return nil, err
	}
	cfg.ProviderPriority = priority

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the hard requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RouterAPIKey) == "" {
		return fmt.Errorf("ROUTER_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.GoogleAPIKey == "" {
		return fmt.Errorf("at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY is required")
	}
	if len(c.ProviderPriority) == 0 {
		return fmt.Errorf("PROVIDER_PRIORITY must list at least one vendor")
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HasKey reports whether a credential is configured for vendor.
func (c *Config) HasKey(vendor string) bool {
	switch vendor {
	case "openai":
		return c.OpenAIAPIKey != ""
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	default:
		return false
	}
}

func parsePriority(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool)
	for _, p := range parts {
		v := strings.ToLower(strings.TrimSpace(p))
		if v == "" {
			continue
		}
		if !knownVendors[v] {
			return nil, fmt.Errorf("PROVIDER_PRIORITY contains unknown vendor %q", v)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("PROVIDER_PRIORITY is malformed: %q", raw)
	}
	return out, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
