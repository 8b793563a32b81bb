package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New(threshold, cooldown, nil, "", zap.NewNop())
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	now := time.Now()

	assert.True(t, b.Allow("openai", now))
	snap := b.GetState("openai")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	b.RecordFailure("openai", now)
	assert.Equal(t, Closed, b.GetState("openai").State)
	assert.Equal(t, 2, b.GetState("openai").FailureCount)

	b.RecordFailure("openai", now)
	snap := b.GetState("openai")
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, now, snap.OpenedAt)

	assert.False(t, b.Allow("openai", now))
	assert.False(t, b.Allow("openai", now.Add(59*time.Second)))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	b.RecordFailure("openai", now)
	b.RecordSuccess("openai")
	assert.Equal(t, 0, b.GetState("openai").FailureCount)

	// Two more failures must not open it: the streak restarted.
	b.RecordFailure("openai", now)
	b.RecordFailure("openai", now)
	assert.Equal(t, Closed, b.GetState("openai").State)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	require.Equal(t, Open, b.GetState("openai").State)

	after := now.Add(time.Minute)
	// First call after cooldown gets the probe.
	assert.True(t, b.Allow("openai", after))
	snap := b.GetState("openai")
	assert.Equal(t, HalfOpen, snap.State)
	assert.True(t, snap.HalfOpenProbeInFlight)

	// Subsequent calls while the probe is in flight are refused.
	assert.False(t, b.Allow("openai", after))
	assert.False(t, b.Allow("openai", after.Add(time.Second)))
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	require.True(t, b.Allow("openai", now.Add(time.Minute)))

	b.RecordSuccess("openai")
	snap := b.GetState("openai")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.False(t, snap.HalfOpenProbeInFlight)
	assert.True(t, b.Allow("openai", now.Add(time.Minute)))
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	probeAt := now.Add(time.Minute)
	require.True(t, b.Allow("openai", probeAt))

	b.RecordFailure("openai", probeAt)
	snap := b.GetState("openai")
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, probeAt, snap.OpenedAt)
	assert.False(t, snap.HalfOpenProbeInFlight)

	// The new open window runs from the probe failure.
	assert.False(t, b.Allow("openai", probeAt.Add(30*time.Second)))
	assert.True(t, b.Allow("openai", probeAt.Add(time.Minute)))
}

func TestBreaker_ReleaseProbe(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	probeAt := now.Add(time.Minute)
	require.True(t, b.Allow("openai", probeAt))

	// A vetoed or 4xx-terminated attempt frees the slot without
	// changing state or count.
	b.ReleaseProbe("openai")
	snap := b.GetState("openai")
	assert.Equal(t, HalfOpen, snap.State)
	assert.False(t, snap.HalfOpenProbeInFlight)

	// Next caller can claim a fresh probe.
	assert.True(t, b.Allow("openai", probeAt))
}

func TestBreaker_VendorsIndependent(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure("openai", now)
	assert.False(t, b.Allow("openai", now))
	assert.True(t, b.Allow("anthropic", now))
	assert.True(t, b.Allow("google", now))
}

type fakeStore struct {
	saved map[string]any
}

func (f *fakeStore) Save(_ context.Context, key string, value any, _ time.Duration) {
	f.saved[key] = value
}

func (f *fakeStore) Load(_ context.Context, key string, out any) bool {
	return false
}

func TestBreaker_PersistsOnTransitions(t *testing.T) {
	store := &fakeStore{saved: make(map[string]any)}
	b := New(1, time.Minute, store, "test:", zap.NewNop())
	now := time.Now()

	b.RecordFailure("openai", now)
	p, ok := store.saved["test:cb:openai"].(persisted)
	require.True(t, ok)
	assert.Equal(t, "open", p.State)

	b.RecordSuccess("openai")
	p = store.saved["test:cb:openai"].(persisted)
	assert.Equal(t, "closed", p.State)
}
