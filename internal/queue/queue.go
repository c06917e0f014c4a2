// Package queue implements the durable background job queue plugins enqueue
// work onto. Jobs live in the shared store; any number of workers may poll
// concurrently and each due job is delivered to exactly one of them. Failed
// jobs retry with exponential backoff until their attempt budget runs out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/colloq/colloq/internal/storage"
)

// Defaults applied by Enqueue when the caller does not override them.
const (
	DefaultMaxAttempts = 3
	DefaultPriority    = 100 // lower runs sooner
	DefaultLockTimeout = 300 * time.Second
)

// Handler executes one job and returns its result document. A returned error
// marks the attempt failed; the queue decides between retry and terminal
// failure based on the job's remaining attempts.
type Handler func(ctx context.Context, job storage.JobRecord) (json.RawMessage, error)

type handlerKey struct {
	pluginID string
	jobType  string
}

// Queue coordinates job persistence, handler dispatch and retry policy.
type Queue struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	store    storage.JobStore
	logger   *slog.Logger
	now      func() time.Time
	jitter   func() float64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithJitter overrides the backoff jitter source.
func WithJitter(jitter func() float64) Option {
	return func(q *Queue) {
		if jitter != nil {
			q.jitter = jitter
		}
	}
}

// New creates a queue backed by store.
func New(store storage.JobStore, opts ...Option) *Queue {
	q := &Queue{
		handlers: make(map[handlerKey]Handler),
		store:    store,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   defaultJitter,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueOption customizes one enqueued job.
type EnqueueOption func(*storage.JobRecord)

// WithJobID sets an explicit job id instead of a generated one.
func WithJobID(id string) EnqueueOption {
	return func(job *storage.JobRecord) { job.ID = id }
}

// WithMaxAttempts sets the job's attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(job *storage.JobRecord) { job.MaxAttempts = n }
}

// WithPriority sets the job's priority. Lower values run sooner.
func WithPriority(p int) EnqueueOption {
	return func(job *storage.JobRecord) { job.Priority = p }
}

// WithRunAt delays the job until runAt.
func WithRunAt(runAt time.Time) EnqueueOption {
	return func(job *storage.JobRecord) { job.RunAt = runAt }
}

// WithLockTimeout sets how long a worker may hold the job before its lock is
// considered stale.
func WithLockTimeout(d time.Duration) EnqueueOption {
	return func(job *storage.JobRecord) { job.LockTimeout = d }
}

// Enqueue persists a new pending job owned by pluginID.
func (q *Queue) Enqueue(ctx context.Context, pluginID, jobType string, payload json.RawMessage, opts ...EnqueueOption) (storage.JobRecord, error) {
	if strings.TrimSpace(pluginID) == "" {
		return storage.JobRecord{}, fmt.Errorf("%w: plugin id is required", ErrInvalidJob)
	}
	if strings.TrimSpace(jobType) == "" {
		return storage.JobRecord{}, fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}

	now := q.now()
	job := storage.JobRecord{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Type:        jobType,
		Payload:     payload,
		Status:      storage.JobPending,
		MaxAttempts: DefaultMaxAttempts,
		Priority:    DefaultPriority,
		RunAt:       now,
		LockTimeout: DefaultLockTimeout,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if job.MaxAttempts < 1 {
		return storage.JobRecord{}, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidJob)
	}
	if job.LockTimeout <= 0 {
		job.LockTimeout = DefaultLockTimeout
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return storage.JobRecord{}, fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"plugin", job.PluginID,
		"type", job.Type,
		"run_at", job.RunAt)
	return job, nil
}

// RegisterHandler binds a handler to (pluginID, jobType). Re-registering
// replaces the previous handler.
func (q *Queue) RegisterHandler(pluginID, jobType string, handler Handler) {
	if handler == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[handlerKey{pluginID: pluginID, jobType: jobType}] = handler
}

// UnregisterPlugin removes every handler owned by pluginID.
func (q *Queue) UnregisterPlugin(pluginID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.handlers {
		if key.pluginID == pluginID {
			delete(q.handlers, key)
		}
	}
}

func (q *Queue) handler(pluginID, jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	handler, ok := q.handlers[handlerKey{pluginID: pluginID, jobType: jobType}]
	return handler, ok
}

// Acquire claims up to limit due jobs for workerID. Racing callers each
// receive a disjoint set.
func (q *Queue) Acquire(ctx context.Context, workerID string, limit int) ([]storage.JobRecord, error) {
	return q.store.AcquireDueJobs(ctx, workerID, limit, q.now(), DefaultLockTimeout)
}

// Process runs the registered handler for an acquired job and settles the
// outcome: success completes the job, a handler error either reschedules it
// with backoff or fails it terminally, and a missing handler is a terminal
// failure. A handler panic is treated as a failed attempt.
func (q *Queue) Process(ctx context.Context, workerID string, job storage.JobRecord) error {
	handler, ok := q.handler(job.PluginID, job.Type)
	if !ok {
		q.logger.Warn("no handler for job",
			"job_id", job.ID,
			"plugin", job.PluginID,
			"type", job.Type)
		return q.Fail(ctx, job, fmt.Errorf("%w: %s/%s", ErrNoHandler, job.PluginID, job.Type))
	}

	result, err := runHandler(ctx, handler, job)
	if err != nil {
		return q.Fail(ctx, job, err)
	}
	return q.Complete(ctx, job.ID, workerID, result)
}

func runHandler(ctx context.Context, handler Handler, job storage.JobRecord) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Complete marks a job done with its result document. Returns ErrLockLost if
// workerID no longer holds the job's lock.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	ok, err := q.store.CompleteJob(ctx, jobID, workerID, result, q.now())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrLockLost)
	}
	q.logger.Debug("job completed", "job_id", jobID, "worker", workerID)
	return nil
}

// Fail records a failed attempt. The job is failed terminally once its
// attempts reach the budget, otherwise it returns to pending with an
// exponential backoff delay.
func (q *Queue) Fail(ctx context.Context, job storage.JobRecord, cause error) error {
	result, encErr := sjson.SetBytes([]byte(`{}`), "error", cause.Error())
	if encErr != nil {
		return fmt.Errorf("encode failure result: %w", encErr)
	}
	now := q.now()

	if job.Attempts >= job.MaxAttempts {
		if err := q.store.MarkJobFailed(ctx, job.ID, result, now); err != nil {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		q.logger.Warn("job failed",
			"job_id", job.ID,
			"plugin", job.PluginID,
			"type", job.Type,
			"attempts", job.Attempts,
			"error", cause)
		return nil
	}

	delay := backoffDelay(job.Attempts, q.jitter)
	runAt := now.Add(delay)
	if err := q.store.RescheduleJob(ctx, job.ID, runAt, result); err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	q.logger.Info("job retry scheduled",
		"job_id", job.ID,
		"plugin", job.PluginID,
		"type", job.Type,
		"attempt", job.Attempts,
		"delay", delay,
		"error", cause)
	return nil
}

// ExtendLock refreshes a running job's lock for a long-running handler.
// Returns ErrLockLost if workerID no longer holds it.
func (q *Queue) ExtendLock(ctx context.Context, jobID, workerID string) error {
	ok, err := q.store.ExtendJobLock(ctx, jobID, workerID, q.now())
	if err != nil {
		return fmt.Errorf("extend lock for job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrLockLost)
	}
	return nil
}

// RecoverStale returns jobs abandoned by crashed workers to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	recovered, err := q.store.RecoverStaleJobs(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if recovered > 0 {
		q.logger.Info("stale jobs recovered", "count", recovered)
	}
	return recovered, nil
}

// CancelPluginJobs fails every outstanding job owned by pluginID and drops
// its registered handlers.
func (q *Queue) CancelPluginJobs(ctx context.Context, pluginID, reason string) (int, error) {
	cancelled, err := q.store.CancelPluginJobs(ctx, pluginID, reason, q.now())
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for plugin %s: %w", pluginID, err)
	}
	q.UnregisterPlugin(pluginID)
	if cancelled > 0 {
		q.logger.Info("plugin jobs cancelled", "plugin", pluginID, "count", cancelled, "reason", reason)
	}
	return cancelled, nil
}

// Get returns one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (storage.JobRecord, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.JobRecord{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return storage.JobRecord{}, err
	}
	return job, nil
}

// Stats returns queue depth per status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	return q.store.CountJobsByStatus(ctx)
}

// ListPluginJobs lists a plugin's jobs, newest first.
func (q *Queue) ListPluginJobs(ctx context.Context, pluginID string, limit int) ([]storage.JobRecord, error) {
	return q.store.ListPluginJobs(ctx, pluginID, limit)
}
