// Package ratelimit implements the per-(vendor,model) rate-limit
// tracker: it remembers the most recent cooldown and remaining-counter
// snapshot for every vendor/model pair the router has talked to, and
// answers whether a candidate should be skipped before it is tried.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/airouter/internal/headers"
	"go.uber.org/zap"
)

// Store is the narrow persistence contract the tracker needs from a
// distributed backing store. It is satisfied structurally by
// internal/diststate.Client — the tracker never imports that package
// directly, so it works identically with or without Redis configured.
type Store interface {
	Save(ctx context.Context, key string, value any, ttl time.Duration)
	Load(ctx context.Context, key string, out any) bool
}

// State is the per-(vendor,model) snapshot described in spec §3.
type State struct {
	CoolingDown       bool       `json:"cooling_down"`
	CooldownUntil     time.Time  `json:"cooldown_until,omitempty"`
	RemainingRequests *int       `json:"remaining_requests,omitempty"`
	RemainingTokens   *int       `json:"remaining_tokens,omitempty"`
	ResetRequestsAt   *time.Time `json:"reset_requests_at,omitempty"`
	ResetTokensAt     *time.Time `json:"reset_tokens_at,omitempty"`
}

// Candidate identifies one (vendor, model) pair in a fallback chain.
type Candidate struct {
	Vendor string
	Model  string
}

// Tracker is the process-wide rate-limit store. All mutable state
// lives behind a single RWMutex; every exported method is atomic from
// the caller's point of view, per spec §5.
type Tracker struct {
	mu           sync.RWMutex
	states       map[string]*State
	lowThreshold int
	store        Store
	prefix       string
	logger       *zap.Logger
}

// NewTracker creates a tracker. store may be nil, in which case the
// tracker is purely in-memory.
func NewTracker(lowThreshold int, store Store, prefix string, logger *zap.Logger) *Tracker {
	if lowThreshold < 0 {
		lowThreshold = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		states:       make(map[string]*State),
		lowThreshold: lowThreshold,
		store:        store,
		prefix:       prefix,
		logger:       logger,
	}
}

func key(vendor, model string) string {
	return vendor + "|" + model
}

func storeKey(prefix, vendor, model string) string {
	return fmt.Sprintf("%srl:%s:%s", prefix, vendor, model)
}

// Update folds a vendor response into the tracked state for
// (vendor, model), per spec §4.3. snap carries the vendor's parsed
// proactive headers (may be entirely unknown, e.g. Google); retryAfter
// is the raw `retry-after` header value, used only when status==429.
func (t *Tracker) Update(ctx context.Context, vendor, model string, snap headers.Snapshot, retryAfterHeader string, status int, now time.Time) {
	k := key(vendor, model)

	t.mu.Lock()
	st, ok := t.states[k]
	if !ok {
		st = &State{}
		t.states[k] = st
	}

	switch {
	case status == 429:
		st.CoolingDown = true
		st.CooldownUntil = now.Add(headers.ParseRetryAfter(retryAfterHeader, now))
	case status >= 200 && status < 300:
		if snap.RemainingRequests != nil {
			st.RemainingRequests = snap.RemainingRequests
		}
		if snap.RemainingTokens != nil {
			st.RemainingTokens = snap.RemainingTokens
		}
		if snap.ResetRequestsAt != nil {
			st.ResetRequestsAt = snap.ResetRequestsAt
		}
		if snap.ResetTokensAt != nil {
			st.ResetTokensAt = snap.ResetTokensAt
		}
		if st.CoolingDown && !now.Before(st.CooldownUntil) {
			st.CoolingDown = false
		}
	}
	snapshot := *st
	t.mu.Unlock()

	if t.store != nil {
		ttl := 60 * time.Second
		if snapshot.CoolingDown {
			if remain := snapshot.CooldownUntil.Sub(now); remain > ttl {
				ttl = remain
			}
		}
		t.store.Save(ctx, storeKey(t.prefix, vendor, model), snapshot, ttl)
	}
}

// ShouldAvoid reports whether (vendor, model) should be skipped right
// now: either it is actively cooling down, or its last known remaining
// request count is strictly below the configured low threshold. A
// stale cooldown (already elapsed) is cleared as a side effect.
func (t *Tracker) ShouldAvoid(vendor, model string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key(vendor, model)]
	if !ok {
		return false
	}

	if st.CoolingDown {
		if now.Before(st.CooldownUntil) {
			return true
		}
		st.CoolingDown = false
	}

	if st.RemainingRequests != nil && *st.RemainingRequests < t.lowThreshold {
		return true
	}

	return false
}

// EarliestAvailable returns the earliest wall-clock instant any of the
// candidates is expected to become available, per spec §4.3. Always
// >= now.
func (t *Tracker) EarliestAvailable(candidates []Candidate, now time.Time) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best time.Time
	anyKnown := false
	found := false

	for _, c := range candidates {
		st, ok := t.states[key(c.Vendor, c.Model)]
		if !ok {
			continue
		}
		anyKnown = true

		var cand time.Time
		switch {
		case st.CoolingDown:
			cand = st.CooldownUntil
		case st.RemainingRequests != nil && *st.RemainingRequests < t.lowThreshold:
			if st.ResetRequestsAt == nil {
				// Low but with no reset instant on record: this
				// candidate contributes no time at all.
				continue
			}
			cand = *st.ResetRequestsAt
		default:
			cand = now
		}

		if cand.Before(now) {
			cand = now
		}
		if !found || cand.Before(best) {
			best = cand
			found = true
		}
	}

	// Candidates the tracker has never seen are available immediately.
	if !anyKnown {
		return now
	}
	// Every known candidate is throttled with no reset on record.
	if !found {
		return now.Add(60 * time.Second)
	}
	return best
}

// GetState returns a copy of the tracked state for (vendor, model), if
// any is known yet. Used by the providers/status endpoint and tests.
func (t *Tracker) GetState(vendor, model string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key(vendor, model)]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// LoadFromStore reloads every (vendor, model) pair's state from the
// backing store at startup. Pairs with no stored value, or a malformed
// one, are simply skipped and start empty — per spec §4.8, any load
// error leaves the in-memory map empty rather than failing startup.
func (t *Tracker) LoadFromStore(ctx context.Context, pairs []Candidate) {
	if t.store == nil {
		return
	}
	for _, c := range pairs {
		var st State
		if !t.store.Load(ctx, storeKey(t.prefix, c.Vendor, c.Model), &st) {
			continue
		}
		t.mu.Lock()
		cp := st
		t.states[key(c.Vendor, c.Model)] = &cp
		t.mu.Unlock()
	}
}
