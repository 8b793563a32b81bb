// Package queue implements the deferred-retry queue: when every vendor
// in a fallback chain is cooling down or broken, the router hands the
// request here instead of failing it. Short waits block the caller
// inline on a completion handle; long waits return a job id the client
// polls. A debounced timer drains pending jobs FIFO once the earliest
// vendor is expected to recover.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/airouter/types"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusExpired    Status = "expired"
)

// Retention windows for completed async jobs: in-memory results are
// kept briefly for the poller to pick up; shared-store results live
// longer because another instance's client may poll late.
const (
	memoryResultRetention = 60 * time.Second
	storeResultRetention  = 3600 * time.Second
)

// interJobPause separates drained jobs so a vendor that just recovered
// is not hit by the whole backlog at once.
const interJobPause = 50 * time.Millisecond

// Result is a drained job's successful outcome: the vendor that served
// it, the vendor-side model name, the job's capability, and the
// response body in the internal JSON shape for that capability.
type Result struct {
	Vendor     string          `json:"vendor"`
	Model      string          `json:"model"`
	Capability string          `json:"capability"`
	Body       json.RawMessage `json:"body"`
}

// StoredOutcome is what lands in the shared store for async jobs; it
// folds the terminal status and either the result or the error into
// one JSON value.
type StoredOutcome struct {
	Status Status       `json:"status"`
	Result *Result      `json:"result,omitempty"`
	Error  *types.Error `json:"error,omitempty"`
}

// DrainFunc re-enters the router's attempt loop for one job. Injected
// after construction to break the router/queue dependency cycle.
type DrainFunc func(ctx context.Context, capability, requestedModel string, body []byte) (*Result, *types.Error)

// Store is the optional shared backing for the async path, satisfied
// by diststate.Client. Sync jobs never cross processes because their
// completion handles cannot.
type Store interface {
	PushPending(ctx context.Context, id string) error
	PopPending(ctx context.Context) (string, bool)
	PendingCount(ctx context.Context) int
	SaveJob(ctx context.Context, id string, fields map[string]string, ttl time.Duration) error
	LoadJob(ctx context.Context, id string) (map[string]string, bool)
	DeleteJob(ctx context.Context, id string)
	SaveResult(ctx context.Context, id string, value any, ttl time.Duration) error
	LoadResult(ctx context.Context, id string, out any) bool
}

// Job is one queue entry.
type Job struct {
	ID             string
	CreatedAt      time.Time
	TimeoutAt      time.Time
	EstimatedWait  time.Duration
	Capability     string
	RequestedModel string
	Body           []byte
	Status         Status
	Result         *Result
	Err            *types.Error

	// done is the sync completion handle; nil for async jobs.
	done chan struct{}
}

// Mode distinguishes the two enqueue outcomes.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Outcome is what Enqueue returns: either the finished result (sync)
// or a job handle (async).
type Outcome struct {
	Mode          Mode
	JobID         string
	EstimatedWait time.Duration
	Result        *Result
}

// PollResult is what Poll returns.
type PollResult struct {
	Status Status
	Result *Result
	Err    *types.Error
}

// Config bounds the queue.
type Config struct {
	MaxSize        int
	JobTimeout     time.Duration
	AsyncThreshold time.Duration
}

// Queue holds the jobs and the drain timer. All mutable state is
// behind one mutex; at most one drain pass runs at a time.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	cfg      Config
	store    Store
	drainFn  DrainFunc
	timer    *time.Timer
	draining bool
	closed   bool
	depthFn  func(int)
	logger   *zap.Logger
}

// New creates a queue. store may be nil; depthFn (a metrics hook) may
// be nil.
func New(cfg Config, store Store, depthFn func(int), logger *zap.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.AsyncThreshold <= 0 {
		cfg.AsyncThreshold = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		jobs:    make(map[string]*Job),
		cfg:     cfg,
		store:   store,
		depthFn: depthFn,
		logger:  logger.With(zap.String("component", "queue")),
	}
}

// SetDrainFunc injects the drain callback. Must be called before the
// first Enqueue.
func (q *Queue) SetDrainFunc(fn DrainFunc) {
	q.mu.Lock()
	q.drainFn = fn
	q.mu.Unlock()
}

// Size returns the number of jobs this instance currently tracks,
// plus the shared pending backlog when a store is configured.
func (q *Queue) Size() int {
	q.mu.Lock()
	n := len(q.jobs)
	q.mu.Unlock()
	if q.store != nil {
		n += q.store.PendingCount(context.Background())
	}
	return n
}

func (q *Queue) reportDepth() {
	if q.depthFn != nil {
		q.depthFn(q.Size())
	}
}

// Enqueue defers a request until a vendor recovers. If estimatedWait
// is at or under the async threshold the caller blocks inline and the
// Outcome carries the result; otherwise the job is parked and the
// Outcome carries its id for polling.
func (q *Queue) Enqueue(ctx context.Context, capability, requestedModel string, estimatedWait time.Duration, body []byte) (*Outcome, *types.Error) {
	if estimatedWait < 0 {
		estimatedWait = 0
	}
	if q.Size() >= q.cfg.MaxSize {
		return nil, types.NewError(types.ErrQueueFull, "queue is full").WithRetryable(true)
	}

	now := time.Now()
	job := &Job{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		TimeoutAt:      now.Add(q.cfg.JobTimeout),
		EstimatedWait:  estimatedWait,
		Capability:     capability,
		RequestedModel: requestedModel,
		Body:           body,
		Status:         StatusPending,
	}

	if estimatedWait <= q.cfg.AsyncThreshold {
		return q.enqueueSync(ctx, job)
	}
	return q.enqueueAsync(ctx, job)
}

func (q *Queue) enqueueSync(ctx context.Context, job *Job) (*Outcome, *types.Error) {
	job.done = make(chan struct{})

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	q.reportDepth()

	q.ScheduleProcessing(job.EstimatedWait)

	select {
	case <-ctx.Done():
		q.mu.Lock()
		if job.Status == StatusPending {
			job.Status = StatusExpired
		}
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		q.reportDepth()
		return nil, types.NewError(types.ErrRequestCancelled, "request_cancelled")
	case <-job.done:
		q.mu.Lock()
		res, jerr, status := job.Result, job.Err, job.Status
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		q.reportDepth()
		if status == StatusExpired {
			return nil, types.NewError(types.ErrQueueTimeout, "queue_timeout").WithRetryable(true)
		}
		if jerr != nil {
			return nil, jerr
		}
		return &Outcome{Mode: ModeSync, JobID: job.ID, EstimatedWait: job.EstimatedWait, Result: res}, nil
	}
}

func (q *Queue) enqueueAsync(ctx context.Context, job *Job) (*Outcome, *types.Error) {
	persisted := false
	if q.store != nil {
		if err := q.store.SaveJob(ctx, job.ID, jobFields(job), q.cfg.JobTimeout+storeResultRetention); err == nil {
			if err := q.store.PushPending(ctx, job.ID); err == nil {
				persisted = true
			} else {
				q.store.DeleteJob(ctx, job.ID)
			}
		}
		if !persisted {
			q.logger.Warn("store enqueue failed, keeping job in memory", zap.String("job_id", job.ID))
		}
	}
	if !persisted {
		q.mu.Lock()
		q.jobs[job.ID] = job
		q.mu.Unlock()
	}
	q.reportDepth()

	q.ScheduleProcessing(job.EstimatedWait)

	return &Outcome{Mode: ModeAsync, JobID: job.ID, EstimatedWait: job.EstimatedWait}, nil
}

// Poll reports a job's state. The Status "not_found" is represented by
// the ok return.
func (q *Queue) Poll(ctx context.Context, id string) (PollResult, bool) {
	q.mu.Lock()
	job, exists := q.jobs[id]
	if exists {
		res := PollResult{Status: job.Status, Result: job.Result, Err: job.Err}
		if res.Status == StatusProcessing {
			res.Status = StatusPending
		}
		q.mu.Unlock()
		return res, true
	}
	q.mu.Unlock()

	if q.store != nil {
		var out StoredOutcome
		if q.store.LoadResult(ctx, id, &out) {
			return PollResult{Status: out.Status, Result: out.Result, Err: out.Error}, true
		}
		if _, ok := q.store.LoadJob(ctx, id); ok {
			return PollResult{Status: StatusPending}, true
		}
	}
	return PollResult{}, false
}

// ScheduleProcessing debounces the drain timer: any pending timer is
// replaced, and a negative delay is clamped to zero.
func (q *Queue) ScheduleProcessing(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, q.drain)
}

// Close stops the drain timer and waits briefly for an in-flight
// drain pass to finish, so shutdown does not abandon a job mid-flight.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		draining := q.draining
		q.mu.Unlock()
		if !draining {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// drain runs when the timer fires: pending jobs in FIFO order by
// CreatedAt, then the shared store's backlog. Only one drain per
// instance runs at a time.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.draining || q.closed || q.drainFn == nil {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for i, job := range q.pendingFIFO() {
		if i > 0 {
			time.Sleep(interJobPause)
		}
		q.processMemoryJob(job)
	}

	if q.store != nil {
		ctx := context.Background()
		for {
			id, ok := q.store.PopPending(ctx)
			if !ok {
				break
			}
			fields, ok := q.store.LoadJob(ctx, id)
			if !ok {
				continue
			}
			q.processStoreJob(ctx, id, fields)
			time.Sleep(interJobPause)
		}
	}
	q.reportDepth()
}

// pendingFIFO snapshots this instance's pending jobs ordered by
// CreatedAt.
func (q *Queue) pendingFIFO() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if j.Status == StatusPending {
			out = append(out, j)
		}
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].CreatedAt.Before(out[k-1].CreatedAt); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out
}

func (q *Queue) processMemoryJob(job *Job) {
	now := time.Now()

	q.mu.Lock()
	if job.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	if now.After(job.TimeoutAt) {
		job.Status = StatusExpired
		q.mu.Unlock()
		q.finishMemoryJob(job)
		return
	}
	job.Status = StatusProcessing
	q.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), job.TimeoutAt)
	res, jerr := q.drainFn(ctx, job.Capability, job.RequestedModel, job.Body)
	cancel()

	q.mu.Lock()
	switch {
	case jerr != nil && jerr.Code == types.ErrAllProvidersExhausted && time.Now().Before(job.TimeoutAt):
		// Vendors still cooling: put the job back and try again when
		// the router expects one to recover.
		job.Status = StatusPending
		retry := jerr.RetryAfter
		if retry <= 0 {
			retry = time.Second
		}
		if until := time.Until(job.TimeoutAt); retry > until {
			retry = until
		}
		q.mu.Unlock()
		q.ScheduleProcessing(retry)
		return
	case jerr != nil:
		job.Status = StatusError
		job.Err = jerr
	default:
		job.Status = StatusDone
		job.Result = res
	}
	q.mu.Unlock()
	q.finishMemoryJob(job)
}

// finishMemoryJob delivers a terminal job: sync handles are resolved
// immediately; async jobs linger briefly for the poller.
func (q *Queue) finishMemoryJob(job *Job) {
	if job.done != nil {
		close(job.done)
		return
	}
	time.AfterFunc(memoryResultRetention, func() {
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		q.reportDepth()
	})
}

func (q *Queue) processStoreJob(ctx context.Context, id string, fields map[string]string) {
	job, err := jobFromFields(id, fields)
	if err != nil {
		q.logger.Warn("skipping malformed stored job", zap.String("job_id", id), zap.Error(err))
		q.store.DeleteJob(ctx, id)
		return
	}

	now := time.Now()
	if now.After(job.TimeoutAt) {
		q.storeOutcome(ctx, id, StoredOutcome{Status: StatusExpired})
		return
	}

	jctx, cancel := context.WithDeadline(ctx, job.TimeoutAt)
	res, jerr := q.drainFn(jctx, job.Capability, job.RequestedModel, job.Body)
	cancel()

	if jerr != nil && jerr.Code == types.ErrAllProvidersExhausted && time.Now().Before(job.TimeoutAt) {
		// Push back to the shared list tail; another instance may have
		// better luck, and the rescheduled drain covers this one.
		if err := q.store.PushPending(ctx, id); err == nil {
			retry := jerr.RetryAfter
			if retry <= 0 {
				retry = time.Second
			}
			q.ScheduleProcessing(retry)
			return
		}
		jerr = types.NewError(types.ErrQueueTimeout, "queue_timeout").WithRetryable(true)
	}

	if jerr != nil {
		q.storeOutcome(ctx, id, StoredOutcome{Status: StatusError, Error: jerr})
		return
	}
	q.storeOutcome(ctx, id, StoredOutcome{Status: StatusDone, Result: res})
}

func (q *Queue) storeOutcome(ctx context.Context, id string, out StoredOutcome) {
	if err := q.store.SaveResult(ctx, id, out, storeResultRetention); err != nil {
		q.logger.Warn("storing job outcome failed", zap.String("job_id", id), zap.Error(err))
	}
	q.store.DeleteJob(ctx, id)
}

// --- store field mapping ---

func jobFields(j *Job) map[string]string {
	return map[string]string{
		"id":                j.ID,
		"created_at":        j.CreatedAt.Format(time.RFC3339Nano),
		"timeout_at":        j.TimeoutAt.Format(time.RFC3339Nano),
		"estimated_wait_ms": strconv.FormatInt(j.EstimatedWait.Milliseconds(), 10),
		"capability":        j.Capability,
		"requested_model":   j.RequestedModel,
		"body":              string(j.Body),
	}
}

func jobFromFields(id string, f map[string]string) (*Job, error) {
	created, err := time.Parse(time.RFC3339Nano, f["created_at"])
	if err != nil {
		return nil, err
	}
	timeout, err := time.Parse(time.RFC3339Nano, f["timeout_at"])
	if err != nil {
		return nil, err
	}
	waitMs, _ := strconv.ParseInt(f["estimated_wait_ms"], 10, 64)
	return &Job{
		ID:             id,
		CreatedAt:      created,
		TimeoutAt:      timeout,
		EstimatedWait:  time.Duration(waitMs) * time.Millisecond,
		Capability:     f["capability"],
		RequestedModel: f["requested_model"],
		Body:           []byte(f["body"]),
		Status:         StatusPending,
	}, nil
}
