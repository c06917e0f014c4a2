package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Poller bounds. Intervals outside this range are clamped.
const (
	MinPollInterval     = 5 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 10

	// Stale lock recovery runs every staleSweepCycles poll cycles rather
	// than every tick.
	staleSweepCycles = 10
)

// Poller drains the queue on an interval. Multiple pollers may run against
// the same store; the acquire primitive keeps their claims disjoint.
type Poller struct {
	queue    *Queue
	workerID string
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithWorkerID sets an explicit worker identity instead of a generated one.
func WithWorkerID(id string) PollerOption {
	return func(p *Poller) {
		if id != "" {
			p.workerID = id
		}
	}
}

// WithInterval sets the poll interval, clamped to [MinPollInterval,
// MaxPollInterval].
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithBatchSize sets how many jobs one poll cycle may claim.
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithPollerLogger sets the poller's logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller creates a poller for q.
func NewPoller(q *Queue, opts ...PollerOption) *Poller {
	p := &Poller{
		queue:    q,
		workerID: "worker-" + uuid.NewString(),
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval < MinPollInterval {
		p.interval = MinPollInterval
	}
	if p.interval > MaxPollInterval {
		p.interval = MaxPollInterval
	}
	return p
}

// WorkerID returns the poller's worker identity.
func (p *Poller) WorkerID() string {
	return p.workerID
}

// Run polls until ctx is cancelled. Errors in one cycle are logged and do
// not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("job poller started",
		"worker", p.workerID,
		"interval", p.interval,
		"batch", p.batch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job poller stopped", "worker", p.workerID)
			return ctx.Err()
		case <-ticker.C:
			cycle++
			if cycle%staleSweepCycles == 0 {
				if _, err := p.queue.RecoverStale(ctx); err != nil {
					p.logger.Error("stale job recovery failed", "worker", p.workerID, "error", err)
				}
			}
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("poll cycle failed", "worker", p.workerID, "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due jobs and processes them sequentially.
// Per-job failures are settled against the job itself and do not abort the
// batch.
func (p *Poller) RunOnce(ctx context.Context) error {
	jobs, err := p.queue.Acquire(ctx, p.workerID, p.batch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.queue.Process(ctx, p.workerID, job); err != nil {
			p.logger.Error("job settlement failed",
				"worker", p.workerID,
				"job_id", job.ID,
				"plugin", job.PluginID,
				"type", job.Type,
				"error", err)
		}
	}
	return nil
}
