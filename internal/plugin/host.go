package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	glua "github.com/yuin/gopher-lua"

	"github.com/colloq/colloq/internal/plugin/capability"
	"github.com/colloq/colloq/internal/plugin/hook"
	plua "github.com/colloq/colloq/internal/plugin/lua"
	"github.com/colloq/colloq/internal/queue"
	"github.com/colloq/colloq/internal/storage"
)

// Host runs a single plugin: one Lua state, the hook subscriptions, job
// handlers and slot claims its script registered, and the capability context
// every host call is gated through.
type Host struct {
	mu sync.RWMutex

	// execMu serializes all Lua execution and value conversion. The Lua
	// state is single-threaded; conversions allocate on it too.
	execMu sync.Mutex

	id       string
	name     string
	manifest *Manifest

	caps  *capability.Context
	queue *queue.Queue

	state  *plua.State
	bridge *plua.Bridge

	pluginState State
	err         error

	hookHandlers map[string]*glua.LFunction
	jobHandlers  map[string]*glua.LFunction
	slots        []SlotRegistration

	// callCtx is the context of the dispatch currently executing, consumed
	// by host bindings. currentJob is set for the duration of a job handler
	// so colloq.jobs.extend can refresh the right lock.
	callCtx    context.Context
	currentJob jobLease
}

type jobLease struct {
	id       string
	workerID string
}

// SlotRegistration records one UI slot claim made by plugin code.
type SlotRegistration struct {
	Slot      string
	Component string
	Order     int
}

// NewHost creates a host for the given manifest. The capability context and
// queue are the plugin's only routes to host data and background work.
func NewHost(id string, manifest *Manifest, caps *capability.Context, q *queue.Queue) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}
	if caps == nil {
		return nil, fmt.Errorf("plugin %s: capability context is required", manifest.Name)
	}
	if q == nil {
		return nil, fmt.Errorf("plugin %s: job queue is required", manifest.Name)
	}
	return &Host{
		id:           id,
		name:         manifest.Name,
		manifest:     manifest,
		caps:         caps,
		queue:        q,
		pluginState:  StateUnloaded,
		hookHandlers: make(map[string]*glua.LFunction),
		jobHandlers:  make(map[string]*glua.LFunction),
	}, nil
}

// ID returns the plugin record ID.
func (h *Host) ID() string {
	return h.id
}

// Name returns the plugin name.
func (h *Host) Name() string {
	return h.name
}

// Manifest returns the plugin manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Capabilities returns the plugin's capability context.
func (h *Host) Capabilities() *capability.Context {
	return h.caps
}

// State returns the current plugin state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pluginState
}

// Error returns the last lifecycle error, if any.
func (h *Host) Error() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Load creates the Lua state, installs the colloq module and runs the
// plugin's entry script. Registrations made by the script (hooks, job
// handlers, slots) are collected but not yet live; Enable turns them on.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	if h.pluginState != StateUnloaded {
		h.mu.Unlock()
		return ErrAlreadyLoaded
	}

	main := h.manifest.MainPath()
	if _, err := os.Stat(main); err != nil {
		h.pluginState = StateError
		h.err = fmt.Errorf("%w: %s", ErrNoEntryPoint, main)
		h.mu.Unlock()
		return h.err
	}

	state := plua.NewState()
	h.state = state
	h.bridge = plua.NewBridge(state.LuaState())
	state.PreloadModule("colloq", h.hostModule)
	h.callCtx = ctx
	h.mu.Unlock()

	h.execMu.Lock()
	err := state.DoFile(main)
	h.execMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.callCtx = nil
	if err != nil {
		state.Close()
		h.state = nil
		h.bridge = nil
		h.pluginState = StateError
		h.err = fmt.Errorf("plugin %s: load: %w", h.name, err)
		return h.err
	}
	h.pluginState = StateLoaded
	h.err = nil
	return nil
}

// Enable runs the plugin's optional enable() callback. On callback failure
// the plugin stays loaded but disabled and ErrEnableFailed is returned.
func (h *Host) Enable(ctx context.Context) error {
	h.mu.Lock()
	if h.pluginState == StateEnabled {
		h.mu.Unlock()
		return nil
	}
	if h.pluginState != StateLoaded {
		h.mu.Unlock()
		return ErrNotLoaded
	}
	h.pluginState = StateEnabling
	state := h.state
	h.mu.Unlock()

	var callErr error
	if state.HasFunction("enable") {
		callErr = h.withCtx(ctx, func() error {
			h.execMu.Lock()
			defer h.execMu.Unlock()
			_, err := state.Call("enable")
			return err
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if callErr != nil {
		h.pluginState = StateLoaded
		h.err = callErr
		return fmt.Errorf("%w: %v", ErrEnableFailed, callErr)
	}
	h.pluginState = StateEnabled
	h.err = nil
	return nil
}

// Disable runs the plugin's optional disable() callback and stops dispatch.
// A failing callback is logged; the plugin always ends up disabled.
func (h *Host) Disable(ctx context.Context) error {
	h.mu.Lock()
	if h.pluginState != StateEnabled {
		h.mu.Unlock()
		return nil
	}
	h.pluginState = StateDisabling
	state := h.state
	h.mu.Unlock()

	if state.HasFunction("disable") {
		err := h.withCtx(ctx, func() error {
			h.execMu.Lock()
			defer h.execMu.Unlock()
			_, err := state.Call("disable")
			return err
		})
		if err != nil {
			h.caps.Logger.Warn("disable callback failed", "error", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pluginState = StateLoaded
	return nil
}

// Close releases the Lua state. The host cannot be reused afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != nil {
		h.state.Close()
		h.state = nil
	}
	h.bridge = nil
	h.hookHandlers = make(map[string]*glua.LFunction)
	h.jobHandlers = make(map[string]*glua.LFunction)
	h.slots = nil
	h.pluginState = StateUnloaded
	h.err = nil
	return nil
}

// HookNames returns the hooks the plugin script subscribed to, sorted.
func (h *Host) HookNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.hookHandlers))
	for name := range h.hookHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobTypes returns the job types the plugin script registered handlers for,
// sorted.
func (h *Host) JobTypes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	types := make([]string, 0, len(h.jobHandlers))
	for t := range h.jobHandlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SlotRegistrations returns the slot claims made by the plugin script.
func (h *Host) SlotRegistrations() []SlotRegistration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]SlotRegistration{}, h.slots...)
}

// HookHandler returns a dispatcher handler for the named hook. The handler
// refuses to run while the plugin is disabled.
func (h *Host) HookHandler(name string) hook.Handler {
	return func(ctx context.Context, payload hook.Payload) (hook.Payload, error) {
		h.mu.RLock()
		fn := h.hookHandlers[name]
		state, bridge := h.state, h.bridge
		usable := h.pluginState.IsUsable()
		h.mu.RUnlock()

		if fn == nil || state == nil {
			return nil, fmt.Errorf("plugin %s: no handler for hook %s", h.name, name)
		}
		if !usable {
			return nil, ErrPluginDisabled
		}

		var out hook.Payload
		err := h.withCtx(ctx, func() error {
			h.execMu.Lock()
			defer h.execMu.Unlock()
			arg := bridge.ToLuaValue(map[string]any(payload))
			results, err := state.CallValue(fn, arg)
			if err != nil {
				return err
			}
			if len(results) > 0 {
				if tbl, ok := results[0].(*glua.LTable); ok {
					out = hook.Payload(bridge.TableToMap(tbl))
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: hook %s: %w", h.name, name, err)
		}
		return out, nil
	}
}

// JobHandler returns a queue handler for the named job type. While the
// handler runs, colloq.jobs.extend refreshes the job's lock.
func (h *Host) JobHandler(jobType string) queue.Handler {
	return func(ctx context.Context, job storage.JobRecord) (json.RawMessage, error) {
		h.mu.RLock()
		fn := h.jobHandlers[jobType]
		state, bridge := h.state, h.bridge
		usable := h.pluginState.IsUsable()
		h.mu.RUnlock()

		if fn == nil || state == nil {
			return nil, fmt.Errorf("plugin %s: no handler for job type %s", h.name, jobType)
		}
		if !usable {
			return nil, ErrPluginDisabled
		}

		h.setJob(jobLease{id: job.ID, workerID: job.LockedBy})
		defer h.setJob(jobLease{})

		var result json.RawMessage
		err := h.withCtx(ctx, func() error {
			h.execMu.Lock()
			defer h.execMu.Unlock()
			arg, err := bridge.JSONToLua(job.Payload)
			if err != nil {
				return err
			}
			results, err := state.CallValue(fn, arg)
			if err != nil {
				return err
			}
			if len(results) > 0 {
				result, err = bridge.LuaToJSON(results[0])
				return err
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: job %s: %w", h.name, jobType, err)
		}
		return result, nil
	}
}

// withCtx pins the dispatch context for the duration of fn so host bindings
// invoked from Lua inherit it.
func (h *Host) withCtx(ctx context.Context, fn func() error) error {
	h.mu.Lock()
	h.callCtx = ctx
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.callCtx = nil
		h.mu.Unlock()
	}()
	return fn()
}

// execCtx returns the context of the dispatch currently executing.
func (h *Host) execCtx() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.callCtx != nil {
		return h.callCtx
	}
	return context.Background()
}

func (h *Host) setJob(lease jobLease) {
	h.mu.Lock()
	h.currentJob = lease
	h.mu.Unlock()
}

func (h *Host) jobLease() jobLease {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentJob
}
