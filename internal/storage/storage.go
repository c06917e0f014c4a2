// Package storage defines the persistence contracts shared by the extension
// runtime. The sqlite subpackage provides the production implementation; the
// interfaces here are what the registry, queue and capability layers consume.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store errors.
var (
	ErrNotFound = errors.New("storage: record not found")
	ErrConflict = errors.New("storage: record already exists")
)

// PluginRecord is the durable source of truth for one installed plugin.
type PluginRecord struct {
	ID           string
	Name         string
	DisplayName  string
	Version      string
	Enabled      bool
	Installed    bool
	Config       json.RawMessage // secret fields stored encrypted
	ConfigSchema json.RawMessage
	Permissions  []string
	SourcePath   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PluginStore persists plugin records.
type PluginStore interface {
	CreatePlugin(ctx context.Context, rec PluginRecord) error
	GetPlugin(ctx context.Context, name string) (PluginRecord, error)
	ListPlugins(ctx context.Context) ([]PluginRecord, error)
	UpdatePlugin(ctx context.Context, rec PluginRecord) error
	SetPluginEnabled(ctx context.Context, name string, enabled bool) error
	DeletePlugin(ctx context.Context, name string) error
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRecord is one row of durable background work owned by a plugin.
type JobRecord struct {
	ID          string
	PluginID    string
	Type        string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	Priority    int // lower runs sooner
	RunAt       time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LockedAt    time.Time
	LockedBy    string
	LockTimeout time.Duration
	Result      json.RawMessage
	CreatedAt   time.Time
}

// JobStore persists jobs and provides the multi-worker-safe primitives the
// queue is built on. AcquireDueJobs is the single concurrency-sensitive
// operation: racing callers must each claim a disjoint set of rows.
type JobStore interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)

	// AcquireDueJobs atomically claims up to limit pending jobs that are due
	// at now, have attempts left and hold no fresh lock, ordered by
	// (priority, run_at). Claimed rows transition to running with the lock
	// stamped and attempts incremented. Rows claimed by a racing caller are
	// skipped, never double-claimed.
	AcquireDueJobs(ctx context.Context, workerID string, limit int, now time.Time, staleAfter time.Duration) ([]JobRecord, error)

	// CompleteJob marks a running job completed, but only while workerID
	// still holds its lock. Returns false when the guard fails.
	CompleteJob(ctx context.Context, id, workerID string, result json.RawMessage, now time.Time) (bool, error)

	// MarkJobFailed transitions a job to the terminal failed status.
	MarkJobFailed(ctx context.Context, id string, result json.RawMessage, now time.Time) error

	// RescheduleJob returns a job to pending with a future run time,
	// clearing its lock.
	RescheduleJob(ctx context.Context, id string, runAt time.Time, result json.RawMessage) error

	// ExtendJobLock refreshes locked_at for a running job still held by
	// workerID. Returns false when the guard fails.
	ExtendJobLock(ctx context.Context, id, workerID string, now time.Time) (bool, error)

	// RecoverStaleJobs resets running jobs whose lock age exceeds their own
	// lock timeout back to pending. Returns the number of rows recovered.
	RecoverStaleJobs(ctx context.Context, now time.Time) (int, error)

	// CancelPluginJobs marks every pending or running job owned by a plugin
	// as failed with the given reason. Returns the number of rows cancelled.
	CancelPluginJobs(ctx context.Context, pluginID, reason string, now time.Time) (int, error)

	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	ListPluginJobs(ctx context.Context, pluginID string, limit int) ([]JobRecord, error)
}

// KVStore is the per-plugin namespaced key-value store. Access is not
// permission-gated; the namespace is the isolation boundary.
type KVStore interface {
	KVGet(ctx context.Context, pluginID, key string) (json.RawMessage, bool, error)
	KVSet(ctx context.Context, pluginID, key string, value json.RawMessage) error
	KVDelete(ctx context.Context, pluginID, key string) error
	KVKeys(ctx context.Context, pluginID string) ([]string, error)
	KVPurge(ctx context.Context, pluginID string) error
}

// Submission statuses.
const (
	SubmissionSubmitted = "submitted"
	SubmissionAccepted  = "accepted"
	SubmissionRejected  = "rejected"
	SubmissionWithdrawn = "withdrawn"
)

// Submission is a CFP talk submission.
type Submission struct {
	ID        string
	EventID   string
	SpeakerID string
	Title     string
	Abstract  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a platform account. Email is PII and is stored encrypted; the
// capability layer decrypts it before handing records to plugins.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      string
	CreatedAt time.Time
}

// Event is a conference edition with a CFP window.
type Event struct {
	ID        string
	Name      string
	Slug      string
	Published bool
	CFPOpen   bool
	StartsAt  time.Time
}

// Review is one reviewer's verdict on a submission.
type Review struct {
	ID           string
	SubmissionID string
	ReviewerID   string
	Score        int
	Comment      string
	CreatedAt    time.Time
}

// DomainStore exposes the host domain data that capabilities mediate.
type DomainStore interface {
	GetSubmission(ctx context.Context, id string) (Submission, error)
	ListSubmissions(ctx context.Context, eventID string) ([]Submission, error)
	UpdateSubmissionStatus(ctx context.Context, id, status string, now time.Time) error

	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserRole(ctx context.Context, id, role string) error

	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	SetEventCFPOpen(ctx context.Context, id string, open bool) error

	ListReviews(ctx context.Context, submissionID string) ([]Review, error)
	CreateReview(ctx context.Context, rev Review) error
}

// Store is the full persistence surface of the extension runtime.
type Store interface {
	PluginStore
	JobStore
	KVStore
	DomainStore
}
