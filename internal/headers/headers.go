// Package headers parses vendor-specific rate-limit and retry-after
// response headers into a common shape the rate-limit tracker
// understands. Each vendor encodes the same information differently —
// OpenAI uses duration strings, Anthropic uses absolute timestamps,
// Google emits nothing proactive — so the three extractors are kept as
// independent functions rather than folded into one polymorphic parser.
package headers

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the common shape every vendor's rate-limit headers are
// normalized into. A nil pointer means "unknown", not zero.
type Snapshot struct {
	RemainingRequests *int
	RemainingTokens   *int
	ResetRequestsAt   *time.Time
	ResetTokensAt     *time.Time
}

// Normalize rewrites every header key into canonical MIME form
// (Title-Case), whatever its original casing, so downstream Get
// lookups never drift on case (vendors are inconsistent about
// Title-Case vs lower-case in practice, and some proxies re-case
// headers in transit).
func Normalize(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[textproto.CanonicalMIMEHeaderKey(strings.ToLower(k))] = v
	}
	return out
}

// ParseOpenAI reads OpenAI's `x-ratelimit-*` headers. The reset headers
// are duration strings of the form "1h2m3s" (fractional seconds
// allowed), relative to now.
func ParseOpenAI(h http.Header, now time.Time) Snapshot {
	h = Normalize(h)
	var s Snapshot
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RemainingRequests = &n
		}
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RemainingTokens = &n
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, ok := parseOpenAIDuration(v); ok {
			t := now.Add(d)
			s.ResetRequestsAt = &t
		}
	}
	if v := h.Get("x-ratelimit-reset-tokens"); v != "" {
		if d, ok := parseOpenAIDuration(v); ok {
			t := now.Add(d)
			s.ResetTokensAt = &t
		}
	}
	return s
}

// parseOpenAIDuration parses strings like "1h2m3s", "2m3.5s", "45s",
// "250ms" into a time.Duration. time.ParseDuration already accepts
// this grammar directly, so this is a thin, named wrapper kept
// separate so the three vendor rules read as three distinct functions
// per the design note against a single polymorphic parser.
func parseOpenAIDuration(v string) (time.Duration, bool) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return d, true
}

// ParseAnthropic reads Anthropic's `anthropic-ratelimit-*` headers. The
// reset headers are absolute ISO-8601 timestamps.
func ParseAnthropic(h http.Header, now time.Time) Snapshot {
	h = Normalize(h)
	var s Snapshot
	if v := h.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RemainingRequests = &n
		}
	}
	if v := h.Get("anthropic-ratelimit-tokens-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RemainingTokens = &n
		}
	}
	if v := h.Get("anthropic-ratelimit-requests-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.ResetRequestsAt = &t
		}
	}
	if v := h.Get("anthropic-ratelimit-tokens-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.ResetTokensAt = &t
		}
	}
	return s
}

// ParseGoogle always returns an empty snapshot: Google's Gemini API
// emits no proactive rate-limit headers, so all four fields stay
// unknown and the tracker falls back to reactive 429 handling only.
func ParseGoogle(h http.Header, now time.Time) Snapshot {
	return Snapshot{}
}

// defaultRetryAfter is used when a 429 response carries no
// `retry-after` header at all.
const defaultRetryAfter = 60 * time.Second

// ParseRetryAfter accepts either an integer number of seconds or an
// HTTP-date, per RFC 9110 §10.2.3. A missing or unparsable value
// returns the 60s default.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
