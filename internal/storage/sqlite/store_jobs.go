package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colloq/colloq/internal/storage"
	"github.com/tidwall/sjson"
)

const jobColumns = `id, plugin_id, type, payload, status, attempts, max_attempts,
	priority, run_at, started_at, completed_at, locked_at, locked_by,
	lock_timeout_seconds, result, created_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job storage.JobRecord) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(job.PluginID) == "" {
		return fmt.Errorf("job plugin id is required")
	}
	if strings.TrimSpace(job.Type) == "" {
		return fmt.Errorf("job type is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		job.ID,
		job.PluginID,
		job.Type,
		rawOrDefault(job.Payload, "{}"),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		toMillis(job.RunAt),
		toMillis(job.StartedAt),
		toMillis(job.CompletedAt),
		toMillis(job.LockedAt),
		job.LockedBy,
		int64(job.LockTimeout/time.Second),
		rawOrDefault(job.Result, ""),
		toMillis(job.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %q: %w", job.ID, storage.ErrConflict)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (storage.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobRecord{}, fmt.Errorf("job %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.JobRecord{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// AcquireDueJobs claims up to limit due pending jobs for workerID.
//
// The claim is a per-row conditional UPDATE re-stating the eligibility
// predicate, executed inside one transaction: a row already claimed by a
// racing acquirer fails the predicate and is skipped (RowsAffected == 0)
// rather than blocked on or claimed twice. Attempts increment exactly once
// per successful claim.
func (s *Store) AcquireDueJobs(ctx context.Context, workerID string, limit int, now time.Time, staleAfter time.Duration) ([]storage.JobRecord, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if limit <= 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	staleBefore := now.Add(-staleAfter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback()

	const eligible = `status = 'pending'
	  AND run_at <= ?
	  AND attempts < max_attempts
	  AND (locked_at = 0 OR locked_at <= ?)`

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM jobs
WHERE `+eligible+`
ORDER BY priority ASC, run_at ASC
LIMIT ?
`, toMillis(now), toMillis(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	rows.Close()

	var claimed []string
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = 'running',
    attempts = attempts + 1,
    locked_at = ?,
    locked_by = ?,
    started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
WHERE id = ? AND `+eligible+`
`, toMillis(now), workerID, toMillis(now), id, toMillis(now), toMillis(staleBefore))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job rows affected %s: %w", id, err)
		}
		if affected == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire tx: %w", err)
	}

	jobs := make([]storage.JobRecord, 0, len(claimed))
	for _, id := range claimed {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CompleteJob marks a running job completed while workerID still holds the
// lock. A worker whose lock was reclaimed as stale gets false, not an
// overwrite of the other worker's row.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, result json.RawMessage, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'completed', completed_at = ?, result = ?, locked_at = 0, locked_by = ''
WHERE id = ? AND status = 'running' AND locked_by = ?
`, toMillis(now), rawOrDefault(result, ""), id, workerID)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkJobFailed transitions a job to terminal failed unless it is already
// terminal.
func (s *Store) MarkJobFailed(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed', completed_at = ?, result = ?, locked_at = 0, locked_by = ''
WHERE id = ? AND status NOT IN ('completed', 'failed')
`, toMillis(now), rawOrDefault(result, ""), id)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// RescheduleJob returns a non-terminal job to pending at runAt with its lock
// cleared.
func (s *Store) RescheduleJob(ctx context.Context, id string, runAt time.Time, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending', run_at = ?, result = ?, locked_at = 0, locked_by = ''
WHERE id = ? AND status NOT IN ('completed', 'failed')
`, toMillis(runAt), rawOrDefault(result, ""), id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// ExtendJobLock refreshes the lock timestamp for a long-running handler.
func (s *Store) ExtendJobLock(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET locked_at = ?
WHERE id = ? AND status = 'running' AND locked_by = ?
`, toMillis(now), id, workerID)
	if err != nil {
		return false, fmt.Errorf("extend job lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend job lock rows affected: %w", err)
	}
	return affected == 1, nil
}

// RecoverStaleJobs resets running jobs whose lock age exceeds the row's own
// lock timeout. Crashed workers need no manual intervention.
func (s *Store) RecoverStaleJobs(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending', locked_at = 0, locked_by = ''
WHERE status = 'running'
  AND locked_at > 0
  AND locked_at + lock_timeout_seconds * 1000 <= ?
`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs rows affected: %w", err)
	}
	return int(affected), nil
}

// CancelPluginJobs fails every pending/running job owned by pluginID,
// recording the reason in result.error.
func (s *Store) CancelPluginJobs(ctx context.Context, pluginID, reason string, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := sjson.SetBytes([]byte(`{}`), "error", reason)
	if err != nil {
		return 0, fmt.Errorf("encode cancel reason: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed', completed_at = ?, result = ?, locked_at = 0, locked_by = ''
WHERE plugin_id = ? AND status IN ('pending', 'running')
`, toMillis(now), string(result), pluginID)
	if err != nil {
		return 0, fmt.Errorf("cancel plugin jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel plugin jobs rows affected: %w", err)
	}
	return int(affected), nil
}

// CountJobsByStatus returns queue depth per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// ListPluginJobs lists a plugin's jobs, newest first.
func (s *Store) ListPluginJobs(ctx context.Context, pluginID string, limit int) ([]storage.JobRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE plugin_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plugin jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]storage.JobRecord, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugin jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (storage.JobRecord, error) {
	var (
		job                                     storage.JobRecord
		payload, result                         string
		runAt, started, completed, locked, made int64
		lockSeconds                             int64
	)
	if err := row.Scan(
		&job.ID,
		&job.PluginID,
		&job.Type,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&runAt,
		&started,
		&completed,
		&locked,
		&job.LockedBy,
		&lockSeconds,
		&result,
		&made,
	); err != nil {
		return storage.JobRecord{}, err
	}
	job.Payload = json.RawMessage(payload)
	if result != "" {
		job.Result = json.RawMessage(result)
	}
	job.RunAt = fromMillis(runAt)
	job.StartedAt = fromMillis(started)
	job.CompletedAt = fromMillis(completed)
	job.LockedAt = fromMillis(locked)
	job.LockTimeout = time.Duration(lockSeconds) * time.Second
	job.CreatedAt = fromMillis(made)
	return job, nil
}
