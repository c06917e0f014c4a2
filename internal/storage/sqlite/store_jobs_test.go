package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/colloq/colloq/internal/storage"
	"github.com/tidwall/gjson"
)

func nowForTest() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func seedJob(t *testing.T, store *Store, id string, mutate func(*storage.JobRecord)) storage.JobRecord {
	t.Helper()
	job := storage.JobRecord{
		ID:          id,
		PluginID:    "p1",
		Type:        "export",
		Payload:     []byte(`{"target":"csv"}`),
		Status:      storage.JobPending,
		MaxAttempts: 3,
		Priority:    100,
		RunAt:       nowForTest().Add(-time.Minute),
		LockTimeout: 300 * time.Second,
		CreatedAt:   nowForTest().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(&job)
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s) error = %v", id, err)
	}
	return job
}

func TestAcquireDueJobsClaimsAndIncrements(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "j1", nil)
	seedJob(t, store, "j2", func(j *storage.JobRecord) { j.Priority = 10 })
	seedJob(t, store, "future", func(j *storage.JobRecord) { j.RunAt = nowForTest().Add(time.Hour) })

	jobs, err := store.AcquireDueJobs(ctx, "w1", 10, nowForTest(), time.Hour)
	if err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("acquired %d jobs, want 2", len(jobs))
	}
	// Lower priority value runs first.
	if jobs[0].ID != "j2" || jobs[1].ID != "j1" {
		t.Errorf("acquire order = %s, %s", jobs[0].ID, jobs[1].ID)
	}
	for _, job := range jobs {
		if job.Status != storage.JobRunning {
			t.Errorf("job %s status = %q", job.ID, job.Status)
		}
		if job.Attempts != 1 {
			t.Errorf("job %s attempts = %d, want 1", job.ID, job.Attempts)
		}
		if job.LockedBy != "w1" {
			t.Errorf("job %s lockedBy = %q", job.ID, job.LockedBy)
		}
	}

	// Re-acquire finds nothing: claimed rows are running, future row not due.
	again, err := store.AcquireDueJobs(ctx, "w2", 10, nowForTest(), time.Hour)
	if err != nil {
		t.Fatalf("AcquireDueJobs() second call error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second acquire got %d jobs, want 0", len(again))
	}
}

func TestAcquireDueJobsConcurrentNoDoubleClaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		seedJob(t, store, id, nil)
	}

	const workers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]string)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			jobs, err := store.AcquireDueJobs(ctx, worker, 3, nowForTest(), time.Hour)
			if err != nil {
				t.Errorf("AcquireDueJobs(%s) error = %v", worker, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, job := range jobs {
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, worker)
				}
				claimed[job.ID] = worker
			}
		}(string(rune('A' + i)))
	}
	wg.Wait()

	if len(claimed) != 6 {
		t.Errorf("claimed %d distinct jobs, want 6", len(claimed))
	}
}

func TestCompleteJobRequiresMatchingLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "j1", nil)

	jobs, err := store.AcquireDueJobs(ctx, "w1", 1, nowForTest(), time.Hour)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("acquire = %v, %v", jobs, err)
	}

	// Wrong worker id is a no-op.
	ok, err := store.CompleteJob(ctx, "j1", "w2", []byte(`{"done":true}`), nowForTest())
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if ok {
		t.Error("CompleteJob() with wrong worker should report false")
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != storage.JobRunning {
		t.Errorf("status = %q after mismatched complete", job.Status)
	}

	ok, err = store.CompleteJob(ctx, "j1", "w1", []byte(`{"done":true}`), nowForTest())
	if err != nil || !ok {
		t.Fatalf("CompleteJob() = %v, %v", ok, err)
	}
	job, _ = store.GetJob(ctx, "j1")
	if job.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.LockedBy != "" || !job.LockedAt.IsZero() {
		t.Errorf("lock not cleared: lockedBy=%q lockedAt=%v", job.LockedBy, job.LockedAt)
	}

	// Terminal rows are never re-acquired.
	again, _ := store.AcquireDueJobs(ctx, "w2", 10, nowForTest(), time.Hour)
	if len(again) != 0 {
		t.Errorf("acquired completed job")
	}
}

func TestRecoverStaleJobsHonorsPerRowTimeout(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	acquireAt := nowForTest().Add(-10 * time.Minute)
	seedJob(t, store, "short", func(j *storage.JobRecord) {
		j.LockTimeout = 60 * time.Second
		j.RunAt = acquireAt.Add(-time.Minute)
	})
	seedJob(t, store, "long", func(j *storage.JobRecord) {
		j.LockTimeout = 3600 * time.Second
		j.RunAt = acquireAt.Add(-time.Minute)
	})

	if _, err := store.AcquireDueJobs(ctx, "w1", 10, acquireAt, time.Hour); err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}

	// Ten minutes later only the 60s lock is stale.
	recovered, err := store.RecoverStaleJobs(ctx, nowForTest())
	if err != nil {
		t.Fatalf("RecoverStaleJobs() error = %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}

	short, _ := store.GetJob(ctx, "short")
	if short.Status != storage.JobPending || short.LockedBy != "" {
		t.Errorf("short job = %q lockedBy=%q, want pending unlocked", short.Status, short.LockedBy)
	}
	long, _ := store.GetJob(ctx, "long")
	if long.Status != storage.JobRunning {
		t.Errorf("long job = %q, want still running", long.Status)
	}
}

func TestExtendJobLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "j1", nil)

	if _, err := store.AcquireDueJobs(ctx, "w1", 1, nowForTest(), time.Hour); err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}

	later := nowForTest().Add(2 * time.Minute)
	ok, err := store.ExtendJobLock(ctx, "j1", "w1", later)
	if err != nil || !ok {
		t.Fatalf("ExtendJobLock() = %v, %v", ok, err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if !job.LockedAt.Equal(later) {
		t.Errorf("lockedAt = %v, want %v", job.LockedAt, later)
	}

	ok, _ = store.ExtendJobLock(ctx, "j1", "w2", later)
	if ok {
		t.Error("ExtendJobLock() with wrong worker should report false")
	}
}

func TestRescheduleJobClearsLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "j1", nil)
	if _, err := store.AcquireDueJobs(ctx, "w1", 1, nowForTest(), time.Hour); err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}

	runAt := nowForTest().Add(30 * time.Second)
	if err := store.RescheduleJob(ctx, "j1", runAt, []byte(`{"error":"boom"}`)); err != nil {
		t.Fatalf("RescheduleJob() error = %v", err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != storage.JobPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if !job.RunAt.Equal(runAt) {
		t.Errorf("runAt = %v, want %v", job.RunAt, runAt)
	}
	if job.LockedBy != "" {
		t.Errorf("lockedBy = %q, want cleared", job.LockedBy)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (acquire increments, reschedule does not)", job.Attempts)
	}
}

func TestCancelPluginJobs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "p1-a", nil)
	seedJob(t, store, "p1-b", nil)
	seedJob(t, store, "p1-c", nil)
	seedJob(t, store, "p1-running", nil)
	seedJob(t, store, "other", func(j *storage.JobRecord) { j.PluginID = "p2" })

	// Put one of p1's jobs into running first.
	if _, err := store.AcquireDueJobs(ctx, "w1", 1, nowForTest(), time.Hour); err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}

	cancelled, err := store.CancelPluginJobs(ctx, "p1", "plugin disabled", nowForTest())
	if err != nil {
		t.Fatalf("CancelPluginJobs() error = %v", err)
	}
	if cancelled != 4 {
		t.Errorf("cancelled = %d, want 4", cancelled)
	}

	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus() error = %v", err)
	}
	if counts[storage.JobFailed] != 4 {
		t.Errorf("failed count = %d, want 4", counts[storage.JobFailed])
	}
	if counts[storage.JobPending] != 1 {
		t.Errorf("pending count = %d, want 1 (the other plugin's job)", counts[storage.JobPending])
	}

	jobs, err := store.ListPluginJobs(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListPluginJobs() error = %v", err)
	}
	for _, job := range jobs {
		if job.Status != storage.JobFailed {
			t.Errorf("job %s status = %q, want failed", job.ID, job.Status)
		}
		if got := gjson.GetBytes(job.Result, "error").String(); got != "plugin disabled" {
			t.Errorf("job %s result.error = %q", job.ID, got)
		}
	}

	other, _ := store.GetJob(ctx, "other")
	if other.Status != storage.JobPending {
		t.Errorf("other plugin's job status = %q, want pending", other.Status)
	}
}

func TestAcquireSkipsExhaustedAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "spent", func(j *storage.JobRecord) {
		j.Attempts = 3
		j.MaxAttempts = 3
	})

	jobs, err := store.AcquireDueJobs(ctx, "w1", 10, nowForTest(), time.Hour)
	if err != nil {
		t.Fatalf("AcquireDueJobs() error = %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("acquired job with exhausted attempts")
	}
}
