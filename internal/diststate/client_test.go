package diststate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, "test:", zap.NewNop()), mr
}

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	c.Save(ctx, "test:cb:openai", sample{Name: "open", Count: 3}, time.Minute)

	// Save is asynchronous; give the background write a moment.
	var got sample
	require.Eventually(t, func() bool {
		return c.Load(ctx, "test:cb:openai", &got)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sample{Name: "open", Count: 3}, got)
}

func TestSave_AppliesTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	c.Save(ctx, "test:rl:openai:gpt-4o", sample{Count: 1}, 90*time.Second)

	require.Eventually(t, func() bool {
		var got sample
		return c.Load(ctx, "test:rl:openai:gpt-4o", &got)
	}, time.Second, 5*time.Millisecond)

	ttl := mr.TTL("test:rl:openai:gpt-4o")
	assert.Equal(t, 90*time.Second, ttl)
}

func TestLoad_MissingAndMalformed(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	var got sample
	assert.False(t, c.Load(ctx, "test:missing", &got))

	// Malformed JSON is skipped, not an error.
	require.NoError(t, mr.Set("test:bad", "{not json"))
	assert.False(t, c.Load(ctx, "test:bad", &got))
}

func TestPendingList_FIFOAndAtomicPop(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PushPending(ctx, "job-1"))
	require.NoError(t, c.PushPending(ctx, "job-2"))
	require.NoError(t, c.PushPending(ctx, "job-3"))
	assert.Equal(t, 3, c.PendingCount(ctx))

	id, ok := c.PopPending(ctx)
	require.True(t, ok)
	assert.Equal(t, "job-1", id)

	id, ok = c.PopPending(ctx)
	require.True(t, ok)
	assert.Equal(t, "job-2", id)

	assert.Equal(t, 1, c.PendingCount(ctx))

	_, _ = c.PopPending(ctx)
	_, ok = c.PopPending(ctx)
	assert.False(t, ok)
}

func TestJobHash_RoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	fields := map[string]string{
		"id":              "job-1",
		"capability":      "chat",
		"requested_model": "gpt-4o",
		"body":            `{"model":"gpt-4o"}`,
	}
	require.NoError(t, c.SaveJob(ctx, "job-1", fields, time.Minute))

	got, ok := c.LoadJob(ctx, "job-1")
	require.True(t, ok)
	assert.Equal(t, fields, got)

	c.DeleteJob(ctx, "job-1")
	_, ok = c.LoadJob(ctx, "job-1")
	assert.False(t, ok)
}

func TestResult_RoundTripWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	value := map[string]any{"status": "done"}
	require.NoError(t, c.SaveResult(ctx, "job-1", value, 3600*time.Second))

	var got map[string]any
	require.True(t, c.LoadResult(ctx, "job-1", &got))
	assert.Equal(t, "done", got["status"])
	assert.Equal(t, 3600*time.Second, mr.TTL("test:queue:result:job-1"))

	assert.False(t, c.LoadResult(ctx, "job-2", &got))
}

func TestSave_UnmarshalableValueDropped(t *testing.T) {
	c, _ := newTestClient(t)
	// A channel cannot marshal; the write is silently dropped.
	c.Save(context.Background(), "test:bad", make(chan int), time.Minute)

	var got json.RawMessage
	assert.False(t, c.Load(context.Background(), "test:bad", &got))
}
