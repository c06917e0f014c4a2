// Package slot tracks which plugin UI fragments are mounted at which named
// extension points. The registry is an in-process cache rebuilt from plugin
// state at startup; it holds no durable state of its own.
package slot

import (
	"sort"
	"sync"

	"github.com/colloq/colloq/internal/plugin/capability"
)

// Registration mounts one plugin component at one named slot.
type Registration struct {
	PluginID   string
	PluginName string
	Slot       string
	// Component is the plugin-relative path of the fragment to render.
	Component string
	// Context is the client-safe projection handed to the fragment.
	Context capability.ClientContext
	// Order breaks ties within a slot; lower renders first.
	Order int
}

// Registry indexes registrations by slot name.
type Registry struct {
	mu    sync.RWMutex
	slots map[string][]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string][]Registration)}
}

// Register mounts reg at its slot. Registrations for the same plugin and
// slot replace each other.
func (r *Registry) Register(reg Registration) {
	if reg.Slot == "" || reg.PluginName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.slots[reg.Slot]
	replaced := false
	for i := range regs {
		if regs[i].PluginName == reg.PluginName && regs[i].Component == reg.Component {
			regs[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		regs = append(regs, reg)
	}
	r.slots[reg.Slot] = regs
}

// UnregisterPlugin removes every registration owned by pluginName.
func (r *Registry) UnregisterPlugin(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, regs := range r.slots {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.PluginName != pluginName {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(r.slots, name)
			continue
		}
		r.slots[name] = kept
	}
}

// For returns the registrations mounted at slot, ordered by (order, plugin
// name) so rendering is deterministic across processes.
func (r *Registry) For(slot string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.slots[slot]
	out := make([]Registration, len(regs))
	copy(out, regs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].PluginName < out[j].PluginName
	})
	return out
}

// Slots returns the names of all occupied slots, sorted.
func (r *Registry) Slots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
