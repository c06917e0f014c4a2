package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/colloq/colloq/internal/plugin/capability"
	"github.com/colloq/colloq/internal/plugin/hook"
	"github.com/colloq/colloq/internal/plugin/slot"
	"github.com/colloq/colloq/internal/queue"
	"github.com/colloq/colloq/internal/storage"
)

var (
	defaultMu       sync.RWMutex
	defaultRegistry *Registry
)

// SetDefault installs r as the process-wide registry. The composition root
// calls this once at startup; request paths that cannot carry an explicit
// registry reach it through Default.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defaultRegistry = r
	defaultMu.Unlock()
}

// Default returns the process-wide registry, or nil before SetDefault.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// ResetDefault clears the process-wide registry. Intended for tests.
func ResetDefault() {
	SetDefault(nil)
}

// Registry owns every loaded plugin and keeps the durable plugin records,
// the hook dispatcher, the slot registry and the job queue in agreement
// about which plugins may run.
type Registry struct {
	mu sync.RWMutex

	store  storage.Store
	queue  *queue.Queue
	hooks  *hook.Dispatcher
	slots  *slot.Registry
	deps   capability.Deps
	logger *slog.Logger

	plugins map[string]*Host
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry over the given collaborators.
func NewRegistry(store storage.Store, q *queue.Queue, hooks *hook.Dispatcher, slots *slot.Registry, deps capability.Deps, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		queue:   q,
		hooks:   hooks,
		slots:   slots,
		deps:    deps,
		logger:  slog.Default(),
		plugins: make(map[string]*Host),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the plugin at dir: a durable record is created and the
// plugin's entry script runs. The plugin starts disabled; Enable turns
// dispatch on.
func (r *Registry) Register(ctx context.Context, dir string) (*Host, error) {
	manifest, err := LoadManifestFromDir(dir)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.plugins[manifest.Name]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("plugin %q: %w", manifest.Name, ErrAlreadyRegistered)
	}

	rec := storage.PluginRecord{
		ID:           uuid.NewString(),
		Name:         manifest.Name,
		DisplayName:  manifest.DisplayName,
		Version:      manifest.Version,
		Enabled:      false,
		Installed:    true,
		Config:       defaultConfig(manifest.ConfigSchema),
		ConfigSchema: manifest.ConfigSchema,
		Permissions:  manifest.Permissions,
		SourcePath:   dir,
	}
	if err := r.store.CreatePlugin(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("plugin %q: %w", manifest.Name, ErrAlreadyRegistered)
		}
		return nil, fmt.Errorf("create plugin record: %w", err)
	}

	host, err := r.loadHost(ctx, rec, manifest)
	if err != nil {
		return nil, err
	}
	r.logger.Info("plugin registered", "plugin", rec.Name, "version", rec.Version)
	return host, nil
}

// Enable runs the plugin's enable callback, flips the durable enabled flag
// and wires its hooks, job handlers and slots into the live dispatchers.
// The flag only flips after the callback succeeds.
func (r *Registry) Enable(ctx context.Context, name string) error {
	host, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if host.State() == StateEnabled {
		return nil
	}

	if err := host.Enable(ctx); err != nil {
		return fmt.Errorf("enable plugin %q: %w", name, err)
	}
	if err := r.store.SetPluginEnabled(ctx, name, true); err != nil {
		_ = host.Disable(ctx)
		return fmt.Errorf("persist enabled flag for %q: %w", name, err)
	}

	if err := r.wire(host); err != nil {
		r.logger.Error("wire plugin dispatch", "plugin", name, "error", err)
	}
	r.logger.Info("plugin enabled", "plugin", name)
	return nil
}

// Disable flips the durable enabled flag off, unwires the plugin from every
// dispatcher, runs its disable callback and cancels its outstanding jobs.
// The plugin always ends up disabled, even when the callback fails.
func (r *Registry) Disable(ctx context.Context, name string) error {
	host, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}

	if err := r.store.SetPluginEnabled(ctx, name, false); err != nil {
		return fmt.Errorf("persist disabled flag for %q: %w", name, err)
	}

	r.unwire(host)
	_ = host.Disable(ctx)

	cancelled, err := r.queue.CancelPluginJobs(ctx, host.ID(), "plugin disabled")
	if err != nil {
		r.logger.Error("cancel plugin jobs", "plugin", name, "error", err)
	} else if cancelled > 0 {
		r.logger.Info("cancelled plugin jobs", "plugin", name, "count", cancelled)
	}
	r.logger.Info("plugin disabled", "plugin", name)
	return nil
}

// Unregister removes the plugin entirely: dispatch stops, outstanding jobs
// are cancelled, the plugin's key-value namespace is purged and the durable
// record is deleted.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	host, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}

	r.unwire(host)
	_ = host.Disable(ctx)

	if _, err := r.queue.CancelPluginJobs(ctx, host.ID(), "plugin unregistered"); err != nil {
		r.logger.Error("cancel plugin jobs", "plugin", name, "error", err)
	}
	if err := r.store.KVPurge(ctx, host.ID()); err != nil {
		r.logger.Error("purge plugin kv namespace", "plugin", name, "error", err)
	}
	if err := r.store.DeletePlugin(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete plugin record for %q: %w", name, err)
	}

	host.Close()

	r.mu.Lock()
	delete(r.plugins, name)
	r.mu.Unlock()

	r.logger.Info("plugin unregistered", "plugin", name)
	return nil
}

// LoadAll loads every installed plugin from its durable record, in name
// order so hook dispatch order is stable across restarts. Enabled plugins
// come back enabled; a plugin that fails to load or enable is logged and
// skipped.
func (r *Registry) LoadAll(ctx context.Context) error {
	recs, err := r.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("list plugin records: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var loadErrs []error
	for _, rec := range recs {
		manifest, err := LoadManifestFromDir(rec.SourcePath)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", rec.Name, err))
			continue
		}
		host, err := r.loadHost(ctx, rec, manifest)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", rec.Name, err))
			continue
		}
		if !rec.Enabled {
			continue
		}
		if err := host.Enable(ctx); err != nil {
			r.logger.Error("enable plugin at startup", "plugin", rec.Name, "error", err)
			continue
		}
		if err := r.wire(host); err != nil {
			r.logger.Error("wire plugin dispatch", "plugin", rec.Name, "error", err)
		}
	}

	if len(loadErrs) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(loadErrs), errors.Join(loadErrs...))
	}
	return nil
}

// UpdateConfig applies a config update: placeholder values keep the stored
// secret, new password-format values are encrypted, and the plugin is
// reloaded so the new config reaches its capability context.
func (r *Registry) UpdateConfig(ctx context.Context, name string, incoming json.RawMessage) error {
	host, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}

	rec, err := r.store.GetPlugin(ctx, name)
	if err != nil {
		return fmt.Errorf("load plugin record for %q: %w", name, err)
	}
	merged, err := capability.ApplyConfigUpdate(r.deps.Secrets, rec.ConfigSchema, rec.Config, incoming)
	if err != nil {
		return fmt.Errorf("apply config update for %q: %w", name, err)
	}
	rec.Config = merged
	if err := r.store.UpdatePlugin(ctx, rec); err != nil {
		return fmt.Errorf("persist config for %q: %w", name, err)
	}

	return r.reload(ctx, host, rec)
}

// Get returns a loaded plugin by name.
func (r *Registry) Get(name string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.plugins[name]
	return host, ok
}

// List returns all loaded plugins sorted by name.
func (r *Registry) List() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]*Host, 0, len(r.plugins))
	for _, host := range r.plugins {
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name() < hosts[j].Name() })
	return hosts
}

// Enabled returns the plugins currently receiving dispatches, sorted by name.
func (r *Registry) Enabled() []*Host {
	all := r.List()
	enabled := all[:0]
	for _, host := range all {
		if host.State() == StateEnabled {
			enabled = append(enabled, host)
		}
	}
	return enabled
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Errors returns the plugins whose last lifecycle transition failed.
func (r *Registry) Errors() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	errs := make(map[string]error)
	for name, host := range r.plugins {
		if err := host.Error(); err != nil {
			errs[name] = err
		}
	}
	return errs
}

// Close disables dispatch for every plugin and releases their Lua states.
// Durable enabled flags are untouched so the next boot restores them.
func (r *Registry) Close(ctx context.Context) {
	for _, host := range r.List() {
		r.unwire(host)
		_ = host.Disable(ctx)
		host.Close()
	}
	r.mu.Lock()
	r.plugins = make(map[string]*Host)
	r.mu.Unlock()
}

// loadHost builds a host from a record, runs its entry script and caches it.
func (r *Registry) loadHost(ctx context.Context, rec storage.PluginRecord, manifest *Manifest) (*Host, error) {
	perms := capability.NewSet(rec.Permissions)
	caps, err := capability.NewContext(rec.ID, rec.Name, perms, rec.Config, rec.ConfigSchema, r.deps)
	if err != nil {
		return nil, err
	}
	host, err := NewHost(rec.ID, manifest, caps, r.queue)
	if err != nil {
		return nil, err
	}
	if err := host.Load(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.plugins[rec.Name]; exists {
		r.mu.Unlock()
		host.Close()
		return nil, fmt.Errorf("plugin %q: %w", rec.Name, ErrAlreadyLoaded)
	}
	r.plugins[rec.Name] = host
	r.mu.Unlock()
	return host, nil
}

// wire connects an enabled plugin's registrations to the live dispatchers.
func (r *Registry) wire(host *Host) error {
	caps := host.Capabilities()
	for _, name := range host.HookNames() {
		r.hooks.Register(name, host.Name(), host.HookHandler(name), caps.Logger)
	}
	for _, jobType := range host.JobTypes() {
		r.queue.RegisterHandler(host.ID(), jobType, host.JobHandler(jobType))
	}

	regs := host.SlotRegistrations()
	if len(regs) == 0 {
		return nil
	}
	client, err := caps.Client()
	if err != nil {
		return err
	}
	for _, reg := range regs {
		r.slots.Register(slot.Registration{
			PluginID:   host.ID(),
			PluginName: host.Name(),
			Slot:       reg.Slot,
			Component:  reg.Component,
			Context:    client,
			Order:      reg.Order,
		})
	}
	return nil
}

// unwire disconnects a plugin from every dispatcher.
func (r *Registry) unwire(host *Host) {
	r.hooks.Unregister(host.Name())
	r.slots.UnregisterPlugin(host.Name())
	r.queue.UnregisterPlugin(host.ID())
}

// reload tears a host down and rebuilds it from rec, restoring dispatch if
// the plugin was enabled.
func (r *Registry) reload(ctx context.Context, host *Host, rec storage.PluginRecord) error {
	wasEnabled := host.State() == StateEnabled
	r.unwire(host)
	_ = host.Disable(ctx)
	host.Close()

	r.mu.Lock()
	delete(r.plugins, rec.Name)
	r.mu.Unlock()

	manifest, err := LoadManifestFromDir(rec.SourcePath)
	if err != nil {
		return fmt.Errorf("reload %q: %w", rec.Name, err)
	}
	fresh, err := r.loadHost(ctx, rec, manifest)
	if err != nil {
		return fmt.Errorf("reload %q: %w", rec.Name, err)
	}
	if !wasEnabled {
		return nil
	}
	if err := fresh.Enable(ctx); err != nil {
		return fmt.Errorf("reload %q: %w", rec.Name, err)
	}
	return r.wire(fresh)
}

// defaultConfig seeds a config document from the schema's declared defaults.
func defaultConfig(schema json.RawMessage) json.RawMessage {
	config := json.RawMessage(`{}`)
	if len(schema) == 0 {
		return config
	}
	gjson.ParseBytes(schema).Get("properties").ForEach(func(name, prop gjson.Result) bool {
		def := prop.Get("default")
		if !def.Exists() {
			return true
		}
		if updated, err := sjson.SetBytes(config, name.String(), def.Value()); err == nil {
			config = updated
		}
		return true
	})
	return config
}
