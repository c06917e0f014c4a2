package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is not loaded.
	StateUnloaded State = iota

	// StateLoaded - Plugin script has run but the plugin is disabled.
	StateLoaded

	// StateEnabling - Plugin enable callback is running.
	StateEnabling

	// StateEnabled - Plugin is enabled; hooks and jobs dispatch to it.
	StateEnabled

	// StateDisabling - Plugin disable callback is running.
	StateDisabling

	// StateError - Plugin encountered an error.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin can receive dispatches.
func (s State) IsUsable() bool {
	return s == StateEnabled
}
