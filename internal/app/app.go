// Package app wires the extension runtime together: storage, secret box,
// job queue, hook dispatcher, slot registry, plugin registry, archive
// installer and the worker pollers. It owns startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/colloq/colloq/internal/config"
	"github.com/colloq/colloq/internal/plugin"
	"github.com/colloq/colloq/internal/plugin/archive"
	"github.com/colloq/colloq/internal/plugin/capability"
	"github.com/colloq/colloq/internal/plugin/hook"
	"github.com/colloq/colloq/internal/plugin/slot"
	"github.com/colloq/colloq/internal/provider"
	"github.com/colloq/colloq/internal/queue"
	"github.com/colloq/colloq/internal/secret"
	"github.com/colloq/colloq/internal/storage/sqlite"
)

// Application is the composed extension runtime.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	store     *sqlite.Store
	queue     *queue.Queue
	hooks     *hook.Dispatcher
	slots     *slot.Registry
	registry  *plugin.Registry
	loader    *plugin.Loader
	installer *archive.Installer
	pollers   []*queue.Poller
}

// New builds the runtime from configuration. Nothing starts running until
// Run; New only opens the store and wires collaborators.
func New(cfg config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{cfg.DataDir, cfg.PluginsDir, cfg.ObjectsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	var box *secret.Box
	if key, err := cfg.SecretKeyBytes(); err != nil {
		store.Close()
		return nil, err
	} else if key != nil {
		box, err = secret.NewBox(key)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("app: secret box: %w", err)
		}
	}

	q := queue.New(store, queue.WithLogger(logger.With("component", "queue")))
	hooks := hook.NewDispatcher(logger.With("component", "hooks"))
	slots := slot.NewRegistry()

	deps := capability.Deps{
		Domain:  store,
		KV:      store,
		Email:   provider.NewLogMailer(logger.With("component", "mailer")),
		Objects: provider.NewFSObjects(cfg.ObjectsDir),
		Secrets: box,
		Logger:  logger,
		BaseURL: cfg.BaseURL,
	}
	registry := plugin.NewRegistry(store, q, hooks, slots, deps,
		plugin.WithRegistryLogger(logger.With("component", "registry")))
	plugin.SetDefault(registry)

	app := &Application{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		queue:     q,
		hooks:     hooks,
		slots:     slots,
		registry:  registry,
		loader:    plugin.NewLoader(cfg.PluginsDir),
		installer: archive.NewInstaller(cfg.PluginsDir, archive.WithInstallerLogger(logger.With("component", "installer"))),
	}
	for i := 0; i < cfg.Workers; i++ {
		app.pollers = append(app.pollers, queue.NewPoller(q,
			queue.WithInterval(cfg.PollInterval),
			queue.WithBatchSize(cfg.BatchSize),
			queue.WithPollerLogger(logger.With("component", "worker")),
		))
	}
	return app, nil
}

// Run reconciles plugin records with the plugins directory, loads every
// installed plugin and runs the worker pollers until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	created, updated, err := a.loader.Reconcile(ctx, a.store)
	if err != nil {
		return fmt.Errorf("app: reconcile plugins: %w", err)
	}
	if created > 0 || updated > 0 {
		a.logger.Info("plugin records reconciled", "created", created, "updated", updated)
	}
	if err := a.registry.LoadAll(ctx); err != nil {
		// A broken plugin must not take the process down with it.
		a.logger.Error("plugin load", "error", err)
	}

	a.logger.Info("runtime started",
		"plugins", a.registry.Count(),
		"workers", len(a.pollers),
	)

	var wg sync.WaitGroup
	for _, p := range a.pollers {
		wg.Add(1)
		go func(p *queue.Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Wait()

	a.shutdown()
	return ctx.Err()
}

// Registry returns the plugin registry.
func (a *Application) Registry() *plugin.Registry {
	return a.registry
}

// Installer returns the archive installer.
func (a *Application) Installer() *archive.Installer {
	return a.installer
}

// Queue returns the job queue.
func (a *Application) Queue() *queue.Queue {
	return a.queue
}

// Hooks returns the hook dispatcher.
func (a *Application) Hooks() *hook.Dispatcher {
	return a.hooks
}

// Slots returns the slot registry.
func (a *Application) Slots() *slot.Registry {
	return a.slots
}

func (a *Application) shutdown() {
	// Registry teardown runs disable callbacks with a fresh context; the
	// run context is already cancelled.
	a.registry.Close(context.Background())
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
	a.logger.Info("runtime stopped")
}
