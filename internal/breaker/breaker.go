// Package breaker implements the per-vendor circuit breaker described
// in spec §4.4: a closed/open/halfOpen state machine over 5xx
// failures. It is adapted from the teacher's llm/circuitbreaker
// package but drops the generic Call/CallWithResult call-wrapping API
// — the router calls Allow/RecordSuccess/RecordFailure directly around
// each vendor attempt instead of wrapping the call in a closure — and
// replaces HalfOpenMaxCalls with the spec's single in-flight probe.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// Store is the narrow persistence contract the breaker needs from a
// distributed backing store, satisfied structurally by
// internal/diststate.Client.
type Store interface {
	Save(ctx context.Context, key string, value any, ttl time.Duration)
	Load(ctx context.Context, key string, out any) bool
}

// vendorState is one vendor's breaker state, per spec §3.
type vendorState struct {
	state                 State
	failureCount          int
	openedAt              time.Time
	halfOpenProbeInFlight bool
}

// Snapshot is a read-only copy of a vendor's breaker state, returned by
// GetState for the providers/status endpoint and tests.
type Snapshot struct {
	State                 State     `json:"-"`
	StateName             string    `json:"state"`
	FailureCount          int       `json:"failure_count"`
	OpenedAt              time.Time `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool      `json:"half_open_probe_in_flight"`
}

// persisted is what actually crosses the wire to the backing store;
// State round-trips as its string name so the JSON blob is readable.
type persisted struct {
	State                 string    `json:"state"`
	FailureCount          int       `json:"failure_count"`
	OpenedAt              time.Time `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool      `json:"half_open_probe_in_flight"`
}

func parseState(s string) State {
	switch s {
	case "open":
		return Open
	case "halfOpen":
		return HalfOpen
	default:
		return Closed
	}
}

// Breaker is the process-wide circuit breaker, one state machine per
// vendor. Threshold and Cooldown are fixed at construction, matching
// CB_FAILURE_THRESHOLD / CB_COOLDOWN_MS.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*vendorState
	threshold int
	cooldown  time.Duration
	store     Store
	prefix    string
	logger    *zap.Logger
}

// New creates a breaker. store may be nil for a purely in-memory
// instance.
func New(threshold int, cooldown time.Duration, store Store, prefix string, logger *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		states:    make(map[string]*vendorState),
		threshold: threshold,
		cooldown:  cooldown,
		store:     store,
		prefix:    prefix,
		logger:    logger,
	}
}

func (b *Breaker) vendor(vendor string) *vendorState {
	st, ok := b.states[vendor]
	if !ok {
		st = &vendorState{state: Closed}
		b.states[vendor] = st
	}
	return st
}

// Allow reports whether vendor may be attempted right now, advancing
// open -> halfOpen when the cooldown has elapsed per spec §4.4. Only
// one halfOpen probe is ever in flight at a time.
func (b *Breaker) Allow(vendor string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.vendor(vendor)
	switch st.state {
	case Closed:
		return true
	case Open:
		if now.Sub(st.openedAt) >= b.cooldown {
			st.state = HalfOpen
			st.halfOpenProbeInFlight = true
			b.persist(vendor, st)
			return true
		}
		return false
	case HalfOpen:
		if st.halfOpenProbeInFlight {
			return false
		}
		st.halfOpenProbeInFlight = true
		b.persist(vendor, st)
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker (from closed: reset count; from
// halfOpen: close and clear the probe).
func (b *Breaker) RecordSuccess(vendor string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.vendor(vendor)
	st.failureCount = 0
	st.halfOpenProbeInFlight = false
	st.state = Closed
	b.persist(vendor, st)
}

// RecordFailure registers a 5xx/transport failure against vendor's
// breaker. status must be >= 500 (or 0 for a transport failure); 429
// and other 4xx must never reach this method — the router filters
// those out before calling it, per spec §4.4's "429 does not move the
// breaker" rule.
func (b *Breaker) RecordFailure(vendor string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.vendor(vendor)
	switch st.state {
	case Closed:
		st.failureCount++
		if st.failureCount >= b.threshold {
			st.state = Open
			st.openedAt = now
		}
	case HalfOpen:
		st.state = Open
		st.openedAt = now
		st.halfOpenProbeInFlight = false
	case Open:
		// A failure while open (e.g. a racing probe) leaves it open.
	}
	b.persist(vendor, st)
}

// ReleaseProbe clears a claimed halfOpen probe without recording an
// outcome. Used when the attempt never reached the vendor (the
// rate-limit tracker vetoed it) or when the vendor answered with a
// 4xx, which by the state table is neither a success nor a failure but
// must still free the probe slot.
func (b *Breaker) ReleaseProbe(vendor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.vendor(vendor)
	if st.state == HalfOpen && st.halfOpenProbeInFlight {
		st.halfOpenProbeInFlight = false
		b.persist(vendor, st)
	}
}

// GetState returns a snapshot of vendor's breaker state.
func (b *Breaker) GetState(vendor string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.vendor(vendor)
	return Snapshot{
		State:                 st.state,
		StateName:             st.state.String(),
		FailureCount:          st.failureCount,
		OpenedAt:              st.openedAt,
		HalfOpenProbeInFlight: st.halfOpenProbeInFlight,
	}
}

func (b *Breaker) persist(vendor string, st *vendorState) {
	if b.store == nil {
		return
	}
	ttl := 3 * b.cooldown
	p := persisted{
		State:                 st.state.String(),
		FailureCount:          st.failureCount,
		OpenedAt:              st.openedAt,
		HalfOpenProbeInFlight: st.halfOpenProbeInFlight,
	}
	b.store.Save(context.Background(), fmt.Sprintf("%scb:%s", b.prefix, vendor), p, ttl)
}

// LoadFromStore reloads every named vendor's breaker state from the
// backing store at startup. Vendors with no stored value, or a
// malformed one, start closed.
func (b *Breaker) LoadFromStore(ctx context.Context, vendors []string) {
	if b.store == nil {
		return
	}
	for _, v := range vendors {
		var p persisted
		if !b.store.Load(ctx, fmt.Sprintf("%scb:%s", b.prefix, v), &p) {
			continue
		}
		b.mu.Lock()
		b.states[v] = &vendorState{
			state:                 parseState(p.State),
			failureCount:          p.FailureCount,
			openedAt:              p.OpenedAt,
			halfOpenProbeInFlight: p.HalfOpenProbeInFlight,
		}
		b.mu.Unlock()
	}
}
