package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/colloq/colloq/internal/plugin/hook"
	"github.com/colloq/colloq/internal/secret"
	"github.com/colloq/colloq/internal/storage"
)

func TestRegistryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := writePluginDir(t, testManifest, testScript)

	host, err := env.registry.Register(ctx, dir)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec, err := env.store.GetPlugin(ctx, "slack-notify")
	if err != nil {
		t.Fatalf("GetPlugin() error = %v", err)
	}
	if rec.Enabled {
		t.Error("plugin registered enabled, want disabled")
	}
	if env.hooks.Handlers(hook.SubmissionCreated) != 0 {
		t.Error("hooks wired before Enable")
	}

	if err := env.registry.Enable(ctx, "slack-notify"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	rec, _ = env.store.GetPlugin(ctx, "slack-notify")
	if !rec.Enabled {
		t.Error("enabled flag not persisted")
	}
	if env.hooks.Handlers(hook.SubmissionCreated) != 1 {
		t.Errorf("Handlers() = %d, want 1", env.hooks.Handlers(hook.SubmissionCreated))
	}
	if regs := env.slots.For("event.sidebar"); len(regs) != 1 || regs[0].PluginName != "slack-notify" {
		t.Errorf("slot registrations = %+v", regs)
	}

	// Dispatch flows through the plugin and merges its delta.
	out := env.hooks.Dispatch(ctx, hook.SubmissionCreated, hook.Payload{"id": "s1"})
	if out["notified"] != true {
		t.Errorf("Dispatch() = %v", out)
	}

	// Disable cancels the plugin's outstanding jobs and unwires dispatch.
	job, err := env.queue.Enqueue(ctx, host.ID(), "notify", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := env.registry.Disable(ctx, "slack-notify"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	rec, _ = env.store.GetPlugin(ctx, "slack-notify")
	if rec.Enabled {
		t.Error("enabled flag still set after Disable")
	}
	if env.hooks.Handlers(hook.SubmissionCreated) != 0 {
		t.Error("hooks still wired after Disable")
	}
	if regs := env.slots.For("event.sidebar"); len(regs) != 0 {
		t.Errorf("slot registrations after Disable = %+v", regs)
	}
	cancelled, err := env.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cancelled.Status != storage.JobFailed {
		t.Errorf("job Status = %q, want %q", cancelled.Status, storage.JobFailed)
	}
	if got := gjson.GetBytes(cancelled.Result, "error").String(); !strings.Contains(got, "plugin disabled") {
		t.Errorf("job Result = %s", cancelled.Result)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := writePluginDir(t, testManifest, testScript)

	if _, err := env.registry.Register(ctx, dir); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := env.registry.Register(ctx, dir); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegistryEnableCallbackFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	script := `
local colloq = require("colloq")
colloq.on("submission.created", function(payload) return nil end)
function enable()
	error("missing credentials")
end
`
	dir := writePluginDir(t, testManifest, script)
	if _, err := env.registry.Register(ctx, dir); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := env.registry.Enable(ctx, "slack-notify")
	if !errors.Is(err, ErrEnableFailed) {
		t.Fatalf("Enable() error = %v, want ErrEnableFailed", err)
	}
	rec, _ := env.store.GetPlugin(ctx, "slack-notify")
	if rec.Enabled {
		t.Error("enabled flag set despite callback failure")
	}
	if env.hooks.Handlers(hook.SubmissionCreated) != 0 {
		t.Error("hooks wired despite callback failure")
	}
}

func TestRegistryUnregisterPurgesState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := writePluginDir(t, testManifest, testScript)

	host, err := env.registry.Register(ctx, dir)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := env.registry.Enable(ctx, "slack-notify"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	job, err := env.queue.Enqueue(ctx, host.ID(), "notify", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := env.registry.Unregister(ctx, "slack-notify"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	if _, err := env.store.GetPlugin(ctx, "slack-notify"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPlugin() error = %v, want ErrNotFound", err)
	}
	keys, err := env.store.KVKeys(ctx, host.ID())
	if err != nil {
		t.Fatalf("KVKeys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("kv namespace not purged: %v", keys)
	}
	cancelled, err := env.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cancelled.Status != storage.JobFailed {
		t.Errorf("job Status = %q, want %q", cancelled.Status, storage.JobFailed)
	}
	if _, ok := env.registry.Get("slack-notify"); ok {
		t.Error("plugin still cached after Unregister")
	}
}

func TestRegistryLoadAllRestoresEnabledPlugins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := writePluginDir(t, testManifest, testScript)

	if _, err := env.registry.Register(ctx, dir); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := env.registry.Enable(ctx, "slack-notify"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	env.registry.Close(ctx)

	// A fresh process: new registry, new dispatchers, same store.
	fresh := NewRegistry(env.store, env.queue, env.hooks, env.slots, env.deps, WithRegistryLogger(discardLogger()))
	if err := fresh.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	host, ok := fresh.Get("slack-notify")
	if !ok {
		t.Fatal("plugin not loaded")
	}
	if got := host.State(); got != StateEnabled {
		t.Errorf("State() = %v, want %v", got, StateEnabled)
	}
	if env.hooks.Handlers(hook.SubmissionCreated) != 1 {
		t.Errorf("Handlers() = %d, want 1", env.hooks.Handlers(hook.SubmissionCreated))
	}
}

func TestRegistryUpdateConfigEncryptsAndReloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	manifest := `{
		"name": "slack-notify",
		"displayName": "Slack Notify",
		"version": "1.0.0",
		"apiVersion": "1.1",
		"configSchema": {
			"properties": {
				"webhook": {"type": "string", "default": "https://hooks.example.org"},
				"token": {"type": "string", "format": "password"}
			}
		}
	}`
	dir := writePluginDir(t, manifest, `local colloq = require("colloq")`)

	if _, err := env.registry.Register(ctx, dir); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec, _ := env.store.GetPlugin(ctx, "slack-notify")
	if got := gjson.GetBytes(rec.Config, "webhook").String(); got != "https://hooks.example.org" {
		t.Errorf("default webhook = %q", got)
	}

	update := []byte(`{"webhook": "https://hooks.example.org/custom", "token": "s3cret"}`)
	if err := env.registry.UpdateConfig(ctx, "slack-notify", update); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	// At rest the secret is ciphertext.
	rec, _ = env.store.GetPlugin(ctx, "slack-notify")
	stored := gjson.GetBytes(rec.Config, "token").String()
	if !secret.IsEncrypted(stored) {
		t.Errorf("stored token = %q, want ciphertext", stored)
	}

	// The reloaded capability context sees plaintext.
	host, ok := env.registry.Get("slack-notify")
	if !ok {
		t.Fatal("plugin not reloaded")
	}
	if got := gjson.GetBytes(host.Capabilities().Config, "token").String(); got != "s3cret" {
		t.Errorf("runtime token = %q, want plaintext", got)
	}
	if got := gjson.GetBytes(host.Capabilities().Config, "webhook").String(); got != "https://hooks.example.org/custom" {
		t.Errorf("runtime webhook = %q", got)
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Cleanup(ResetDefault)

	if Default() != nil {
		t.Fatal("Default() non-nil before SetDefault")
	}
	env := newTestEnv(t)
	SetDefault(env.registry)
	if Default() != env.registry {
		t.Error("Default() did not return the installed registry")
	}
	ResetDefault()
	if Default() != nil {
		t.Error("Default() non-nil after ResetDefault")
	}
}
