package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/colloq/colloq/internal/secret"
	"github.com/colloq/colloq/internal/storage"
	"github.com/colloq/colloq/internal/storage/sqlite"
)

type memObjects struct {
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, storage.ErrNotFound)
	}
	return data, nil
}

func (m *memObjects) Put(ctx context.Context, key string, data []byte) error {
	m.objects[key] = data
	return nil
}

func (m *memObjects) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memObjects) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type memMailer struct {
	sent []Message
}

func (m *memMailer) Send(ctx context.Context, msg Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

func testBox(t *testing.T) *secret.Box {
	t.Helper()
	box, err := secret.NewBox(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func testDeps(t *testing.T) (Deps, *sqlite.Store, *memObjects, *memMailer) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "capability.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	objects := newMemObjects()
	mailer := &memMailer{}
	deps := Deps{
		Domain:  store,
		KV:      store,
		Email:   mailer,
		Objects: objects,
		Secrets: testBox(t),
		BaseURL: "https://colloq.test",
	}
	return deps, store, objects, mailer
}

func newTestContext(t *testing.T, perms []string, deps Deps) *Context {
	t.Helper()
	ctx, err := NewContext("p1", "slack-notify", NewSet(perms), nil, nil, deps)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	return ctx
}

func TestPermissionErrorIdentifiesMissingGrant(t *testing.T) {
	deps, store, _, _ := testDeps(t)
	ctx := context.Background()

	if err := store.CreateEvent(ctx, storage.Event{ID: "e1", Name: "GopherConf", Slug: "gc"}); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if err := store.CreateUser(ctx, storage.User{ID: "u1", Name: "Alex", Email: "a@b.c", Role: "speaker"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := store.CreateSubmission(ctx, storage.Submission{ID: "s1", EventID: "e1", SpeakerID: "u1", Title: "Go"}); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	// reviews:read granted, reviews:write not.
	capCtx := newTestContext(t, []string{"reviews:read"}, deps)

	err := capCtx.Reviews.Create(ctx, storage.Review{SubmissionID: "s1", ReviewerID: "u1", Score: 5})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Create() error = %v, want permission denied", err)
	}
	missing, ok := MissingPermission(err)
	if !ok || missing != PermReviewsWrite {
		t.Errorf("MissingPermission() = %q, %v; want reviews:write", missing, ok)
	}

	// The denied call performed no mutation.
	reviews, err := capCtx.Reviews.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(reviews) != 0 {
		t.Errorf("denied Create() left %d reviews behind", len(reviews))
	}
}

func TestReviewsCreateWithGrant(t *testing.T) {
	deps, store, _, _ := testDeps(t)
	ctx := context.Background()
	if err := store.CreateSubmission(ctx, storage.Submission{ID: "s1", EventID: "e1", SpeakerID: "u1", Title: "Go"}); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	capCtx := newTestContext(t, []string{"reviews:read", "reviews:write"}, deps)
	if err := capCtx.Reviews.Create(ctx, storage.Review{SubmissionID: "s1", ReviewerID: "u1", Score: 5}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	reviews, err := capCtx.Reviews.List(ctx, "s1")
	if err != nil || len(reviews) != 1 {
		t.Fatalf("List() = %v, %v", reviews, err)
	}
	if reviews[0].ID == "" {
		t.Error("Create() did not assign an id")
	}
}

func TestUsersReadDecryptsPII(t *testing.T) {
	deps, store, _, _ := testDeps(t)
	ctx := context.Background()

	sealed, err := deps.Secrets.Encrypt("alex@example.com")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if err := store.CreateUser(ctx, storage.User{ID: "u1", Name: "Alex", Email: sealed, Role: "speaker"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	capCtx := newTestContext(t, []string{"users:read"}, deps)
	user, err := capCtx.Users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if user.Email != "alex@example.com" {
		t.Errorf("Email = %q, want decrypted plaintext", user.Email)
	}

	users, err := capCtx.Users.List(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("List() = %v, %v", users, err)
	}
	if users[0].Email != "alex@example.com" {
		t.Errorf("List() Email = %q", users[0].Email)
	}

	// Role changes sit behind users:manage.
	if err := capCtx.Users.UpdateRole(ctx, "u1", "reviewer"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("UpdateRole() without users:manage = %v", err)
	}
}

func TestObjectsScopedToPlugin(t *testing.T) {
	deps, _, objects, _ := testDeps(t)
	ctx := context.Background()
	capCtx := newTestContext(t, []string{"storage:read", "storage:write"}, deps)

	if err := capCtx.Storage.Put(ctx, "exports/report.csv", []byte("a,b")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := objects.objects["slack-notify/exports/report.csv"]; !ok {
		t.Errorf("object not scoped under plugin name: %v", objects.objects)
	}

	data, err := capCtx.Storage.Get(ctx, "exports/report.csv")
	if err != nil || string(data) != "a,b" {
		t.Fatalf("Get() = %s, %v", data, err)
	}

	keys, err := capCtx.Storage.List(ctx, "exports/")
	if err != nil || len(keys) != 1 || keys[0] != "exports/report.csv" {
		t.Fatalf("List() = %v, %v", keys, err)
	}

	if _, err := capCtx.Storage.Get(ctx, "../other-plugin/secret"); err == nil {
		t.Error("Get() with traversal key should fail")
	}

	readOnly := newTestContext(t, []string{"storage:read"}, deps)
	if err := readOnly.Storage.Delete(ctx, "exports/report.csv"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Delete() without storage:write = %v", err)
	}
}

func TestEmailSendGated(t *testing.T) {
	deps, _, _, mailer := testDeps(t)
	ctx := context.Background()

	denied := newTestContext(t, nil, deps)
	msg := Message{To: []string{"chair@colloq.test"}, Subject: "hi", Body: "body"}
	if err := denied.Email.Send(ctx, msg); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Send() without email:send = %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Errorf("denied Send() reached the sender")
	}

	granted := newTestContext(t, []string{"email:send"}, deps)
	if err := granted.Email.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].Subject != "hi" {
		t.Errorf("sent = %+v", mailer.sent)
	}
}

func TestKVIsUngated(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	ctx := context.Background()
	capCtx := newTestContext(t, nil, deps)

	if err := capCtx.KV.Set(ctx, "cursor", []byte(`"2026-03-14"`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, ok, err := capCtx.KV.Get(ctx, "cursor")
	if err != nil || !ok || string(value) != `"2026-03-14"` {
		t.Fatalf("Get() = %s, %v, %v", value, ok, err)
	}
	keys, err := capCtx.KV.Keys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("Keys() = %v, %v", keys, err)
	}
	if err := capCtx.KV.Delete(ctx, "cursor"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestClientContextCarriesNoSecrets(t *testing.T) {
	deps, _, _, _ := testDeps(t)

	schema := []byte(`{"properties":{"webhook":{"type":"string"},"token":{"type":"string","format":"password"}}}`)
	sealed, err := deps.Secrets.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	config := []byte(fmt.Sprintf(`{"webhook":"https://hooks.test","token":%q}`, sealed))

	capCtx, err := NewContext("p1", "slack-notify", NewSet(nil), config, schema, deps)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}

	// Runtime config is plaintext.
	if got := gjson.GetBytes(capCtx.Config, "token").String(); got != "hunter2" {
		t.Errorf("runtime token = %q, want plaintext", got)
	}

	client, err := capCtx.Client()
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if client.BaseURL != "https://colloq.test" || client.PluginName != "slack-notify" {
		t.Errorf("client = %+v", client)
	}
	if got := gjson.GetBytes(client.Config, "token").String(); got != secret.Placeholder {
		t.Errorf("client token = %q, want placeholder", got)
	}
	if got := gjson.GetBytes(client.Config, "webhook").String(); got != "https://hooks.test" {
		t.Errorf("client webhook = %q", got)
	}
}
