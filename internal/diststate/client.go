// Package diststate backs the circuit breaker, rate-limit tracker, and
// async request queue with a shared Redis so multiple router instances
// see one coherent view. Everything here degrades gracefully: writes
// are fire-and-forget, reads that fail behave as a miss, and a router
// with no Redis configured simply never constructs a Client.
package diststate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// maxOutstandingWrites bounds the number of in-flight fire-and-forget
// writes; once saturated further writes are dropped, never queued, so
// a slow Redis cannot stall the request path.
const maxOutstandingWrites = 64

// writeTimeout bounds each background write independently of the
// request context that spawned it.
const writeTimeout = 2 * time.Second

// Client wraps a Redis connection with the write-through conventions
// shared by all three consumers.
type Client struct {
	rdb    *redis.Client
	prefix string
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New connects to the Redis at url (redis:// or rediss://). The prefix
// namespaces every key so several routers can share one Redis.
func New(url, prefix string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "airouter:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:    redis.NewClient(opts),
		prefix: prefix,
		sem:    semaphore.NewWeighted(maxOutstandingWrites),
		logger: logger.With(zap.String("component", "diststate")),
	}, nil
}

// NewWithClient wraps an existing Redis client; used by tests with
// miniredis.
func NewWithClient(rdb *redis.Client, prefix string, logger *zap.Logger) *Client {
	if prefix == "" {
		prefix = "airouter:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		sem:    semaphore.NewWeighted(maxOutstandingWrites),
		logger: logger.With(zap.String("component", "diststate")),
	}
}

// Prefix returns the key namespace, handed to the breaker and tracker
// so their keys land under the same root as the queue's.
func (c *Client) Prefix() string { return c.prefix }

// Ping verifies connectivity at startup.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Save serializes value as JSON and writes it under key with ttl,
// asynchronously. A failed or dropped write logs at debug and is
// otherwise invisible to the caller.
func (c *Client) Save(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("diststate marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !c.sem.TryAcquire(1) {
		c.logger.Debug("diststate write dropped, too many outstanding", zap.String("key", key))
		return
	}
	go func() {
		defer c.sem.Release(1)
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.rdb.Set(wctx, key, data, ttl).Err(); err != nil {
			c.logger.Debug("diststate write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Load reads key into out. Any error — missing key, connection
// failure, malformed JSON — reports false and leaves out untouched in
// the malformed case's best effort sense.
func (c *Client) Load(ctx context.Context, key string, out any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("diststate read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Debug("diststate skipping malformed value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// --- queue persistence ---
//
// Pending job ids live in an ordered list; the job fields live in a
// hash per job; completed results live under their own key with a
// fixed TTL. The list-head pop is atomic, so with several router
// instances each job is drained exactly once.

func (c *Client) pendingKey() string      { return c.prefix + "queue:pending" }
func (c *Client) jobKey(id string) string { return c.prefix + "queue:job:" + id }
func (c *Client) resultKey(id string) string {
	return c.prefix + "queue:result:" + id
}

// PushPending appends a job id to the shared pending list.
func (c *Client) PushPending(ctx context.Context, id string) error {
	return c.rdb.RPush(ctx, c.pendingKey(), id).Err()
}

// PopPending atomically removes and returns the pending list head.
func (c *Client) PopPending(ctx context.Context) (string, bool) {
	id, err := c.rdb.LPop(ctx, c.pendingKey()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("diststate pending pop failed", zap.Error(err))
		}
		return "", false
	}
	return id, true
}

// PendingCount returns the shared pending list length.
func (c *Client) PendingCount(ctx context.Context) int {
	n, err := c.rdb.LLen(ctx, c.pendingKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// SaveJob writes the job's fields into its hash, with ttl bounding how
// long an orphaned job can linger.
func (c *Client) SaveJob(ctx context.Context, id string, fields map[string]string, ttl time.Duration) error {
	key := c.jobKey(id)
	pipe := c.rdb.TxPipeline()
	hset := make(map[string]any, len(fields))
	for k, v := range fields {
		hset[k] = v
	}
	pipe.HSet(ctx, key, hset)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadJob reads a job hash. A missing job reports false.
func (c *Client) LoadJob(ctx context.Context, id string) (map[string]string, bool) {
	fields, err := c.rdb.HGetAll(ctx, c.jobKey(id)).Result()
	if err != nil || len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// DeleteJob removes a job hash once its result is stored.
func (c *Client) DeleteJob(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, c.jobKey(id)).Err(); err != nil {
		c.logger.Debug("diststate job delete failed", zap.String("job_id", id), zap.Error(err))
	}
}

// SaveResult stores a completed job's outcome with ttl.
func (c *Client) SaveResult(ctx context.Context, id string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.resultKey(id), data, ttl).Err()
}

// LoadResult reads a completed job's outcome into out.
func (c *Client) LoadResult(ctx context.Context, id string, out any) bool {
	data, err := c.rdb.Get(ctx, c.resultKey(id)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
