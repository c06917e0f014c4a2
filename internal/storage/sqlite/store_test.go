package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/colloq/colloq/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "colloq.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("Open() with blank path should return error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colloq.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen applies migrations again; they must be recorded as done.
	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	_ = store.Close()
}

func TestPluginCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := storage.PluginRecord{
		ID:          "p1",
		Name:        "slack-notify",
		DisplayName: "Slack Notifications",
		Version:     "1.2.0",
		Installed:   true,
		Permissions: []string{"submissions:read", "email:send"},
		Config:      []byte(`{"channel":"#cfp"}`),
		SourcePath:  "/plugins/slack-notify",
	}
	if err := store.CreatePlugin(ctx, rec); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	got, err := store.GetPlugin(ctx, "slack-notify")
	if err != nil {
		t.Fatalf("GetPlugin() error = %v", err)
	}
	if got.DisplayName != "Slack Notifications" || got.Version != "1.2.0" {
		t.Errorf("GetPlugin() = %+v", got)
	}
	if len(got.Permissions) != 2 || got.Permissions[0] != "submissions:read" {
		t.Errorf("Permissions = %v", got.Permissions)
	}
	if got.Enabled {
		t.Error("new plugin should not be enabled")
	}

	if err := store.CreatePlugin(ctx, rec); err == nil {
		t.Error("duplicate CreatePlugin() should fail")
	}

	if err := store.SetPluginEnabled(ctx, "slack-notify", true); err != nil {
		t.Fatalf("SetPluginEnabled() error = %v", err)
	}
	got, _ = store.GetPlugin(ctx, "slack-notify")
	if !got.Enabled {
		t.Error("plugin should be enabled after SetPluginEnabled")
	}

	got.Version = "1.3.0"
	if err := store.UpdatePlugin(ctx, got); err != nil {
		t.Fatalf("UpdatePlugin() error = %v", err)
	}
	got, _ = store.GetPlugin(ctx, "slack-notify")
	if got.Version != "1.3.0" {
		t.Errorf("Version = %q after update", got.Version)
	}

	if err := store.DeletePlugin(ctx, "slack-notify"); err != nil {
		t.Fatalf("DeletePlugin() error = %v", err)
	}
	if _, err := store.GetPlugin(ctx, "slack-notify"); err == nil {
		t.Error("GetPlugin() after delete should fail")
	}
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.KVGet(ctx, "p1", "missing"); err != nil || ok {
		t.Fatalf("KVGet(missing) = ok=%v err=%v", ok, err)
	}

	if err := store.KVSet(ctx, "p1", "counter", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("KVSet() error = %v", err)
	}
	if err := store.KVSet(ctx, "p1", "counter", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("KVSet() overwrite error = %v", err)
	}

	value, ok, err := store.KVGet(ctx, "p1", "counter")
	if err != nil || !ok {
		t.Fatalf("KVGet() = ok=%v err=%v", ok, err)
	}
	if string(value) != `{"n":2}` {
		t.Errorf("KVGet() = %s", value)
	}

	// Another plugin's namespace is invisible.
	if _, ok, _ := store.KVGet(ctx, "p2", "counter"); ok {
		t.Error("KVGet() across plugin namespaces should miss")
	}

	if err := store.KVSet(ctx, "p1", "other", []byte(`true`)); err != nil {
		t.Fatalf("KVSet() error = %v", err)
	}
	keys, err := store.KVKeys(ctx, "p1")
	if err != nil {
		t.Fatalf("KVKeys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "counter" || keys[1] != "other" {
		t.Errorf("KVKeys() = %v", keys)
	}

	if err := store.KVPurge(ctx, "p1"); err != nil {
		t.Fatalf("KVPurge() error = %v", err)
	}
	keys, _ = store.KVKeys(ctx, "p1")
	if len(keys) != 0 {
		t.Errorf("KVKeys() after purge = %v", keys)
	}
}

func TestDomainStores(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateEvent(ctx, storage.Event{ID: "e1", Name: "GopherConf", Slug: "gopherconf", Published: true, CFPOpen: true}); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if err := store.CreateUser(ctx, storage.User{ID: "u1", Name: "Alex", Email: "enc:v1:abc", Role: "speaker"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := store.CreateSubmission(ctx, storage.Submission{ID: "s1", EventID: "e1", SpeakerID: "u1", Title: "Go plugins"}); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	subs, err := store.ListSubmissions(ctx, "e1")
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if len(subs) != 1 || subs[0].Status != storage.SubmissionSubmitted {
		t.Errorf("ListSubmissions() = %+v", subs)
	}

	if err := store.UpdateSubmissionStatus(ctx, "s1", storage.SubmissionAccepted, nowForTest()); err != nil {
		t.Fatalf("UpdateSubmissionStatus() error = %v", err)
	}
	sub, _ := store.GetSubmission(ctx, "s1")
	if sub.Status != storage.SubmissionAccepted {
		t.Errorf("Status = %q", sub.Status)
	}

	if err := store.UpdateUserRole(ctx, "u1", "reviewer"); err != nil {
		t.Fatalf("UpdateUserRole() error = %v", err)
	}
	user, _ := store.GetUser(ctx, "u1")
	if user.Role != "reviewer" {
		t.Errorf("Role = %q", user.Role)
	}

	if err := store.SetEventCFPOpen(ctx, "e1", false); err != nil {
		t.Fatalf("SetEventCFPOpen() error = %v", err)
	}
	evt, _ := store.GetEvent(ctx, "e1")
	if evt.CFPOpen {
		t.Error("CFP still open after SetEventCFPOpen(false)")
	}

	if err := store.CreateReview(ctx, storage.Review{ID: "r1", SubmissionID: "s1", ReviewerID: "u1", Score: 4}); err != nil {
		t.Fatalf("CreateReview() error = %v", err)
	}
	reviews, err := store.ListReviews(ctx, "s1")
	if err != nil {
		t.Fatalf("ListReviews() error = %v", err)
	}
	if len(reviews) != 1 || reviews[0].Score != 4 {
		t.Errorf("ListReviews() = %+v", reviews)
	}
}
