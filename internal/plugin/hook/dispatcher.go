package hook

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Payload is the event document threaded through a dispatch chain.
type Payload map[string]any

// Handler processes one event. A non-nil returned Payload is shallow-merged
// into the threaded payload before the next handler runs.
type Handler func(ctx context.Context, payload Payload) (Payload, error)

type registration struct {
	plugin  string
	seq     int
	handler Handler
	logger  *slog.Logger
}

// Dispatcher indexes handlers by hook name for O(1) lookup of interested
// plugins at dispatch time.
type Dispatcher struct {
	mu     sync.RWMutex
	index  map[string][]registration
	seq    int
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		index:  make(map[string][]registration),
		logger: logger,
	}
}

// Register subscribes a plugin's handler to one hook name. Handlers fire in
// registration order; callers that need stable cross-plugin ordering must
// register plugins in a stable order.
func (d *Dispatcher) Register(name, plugin string, handler Handler, logger *slog.Logger) {
	if handler == nil {
		return
	}
	if logger == nil {
		logger = d.logger.With("plugin", plugin)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.index[name] = append(d.index[name], registration{
		plugin:  plugin,
		seq:     d.seq,
		handler: handler,
		logger:  logger,
	})
}

// Unregister drops every handler owned by plugin.
func (d *Dispatcher) Unregister(plugin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, regs := range d.index {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.plugin != plugin {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(d.index, name)
			continue
		}
		d.index[name] = kept
	}
}

// Handlers returns how many handlers are subscribed to name.
func (d *Dispatcher) Handlers(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index[name])
}

// Dispatch threads payload through every handler subscribed to name and
// returns the final merged payload. Each handler sees the mutations of the
// handlers before it. A handler error or panic is logged through that
// plugin's logger and the chain continues; the caller always gets a payload
// back.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload Payload) Payload {
	d.mu.RLock()
	regs := make([]registration, len(d.index[name]))
	copy(regs, d.index[name])
	d.mu.RUnlock()

	current := make(Payload, len(payload))
	maps.Copy(current, payload)

	for _, reg := range regs {
		if ctx.Err() != nil {
			return current
		}
		delta, err := invoke(ctx, reg.handler, current)
		if err != nil {
			reg.logger.Error("hook handler failed", "hook", name, "error", err)
			continue
		}
		maps.Copy(current, delta)
	}
	return current
}

// Emit dispatches without waiting for the merged payload; use it for hooks
// whose result the caller does not consume. The handlers outlive the
// caller's context cancellation.
func (d *Dispatcher) Emit(ctx context.Context, name string, payload Payload) {
	detached := context.WithoutCancel(ctx)
	go d.Dispatch(detached, name, payload)
}

// invoke runs one handler with panic containment. Each handler sees a copy
// of the accumulator, so a misbehaving handler cannot mutate the chain's
// state except through its returned delta.
func invoke(ctx context.Context, handler Handler, current Payload) (delta Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			delta, err = nil, fmt.Errorf("hook handler panicked: %v", r)
		}
	}()
	snapshot := make(Payload, len(current))
	maps.Copy(snapshot, current)
	return handler(ctx, snapshot)
}
