package plugin

import "errors"

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin's main script is missing.
	ErrNoEntryPoint = errors.New("plugin entry script not found")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrAlreadyLoaded is returned when attempting to load an already loaded plugin.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrNotLoaded is returned when attempting to use an unloaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrAlreadyRegistered is returned when registering a plugin name twice.
	ErrAlreadyRegistered = errors.New("plugin is already registered")

	// ErrPluginDisabled is returned when attempting to use a disabled plugin.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrEnableFailed is returned when a plugin's enable callback fails.
	// The plugin stays disabled.
	ErrEnableFailed = errors.New("plugin enable callback failed")

	// ErrUndeclaredHook is returned when a plugin subscribes to a hook its
	// manifest does not declare.
	ErrUndeclaredHook = errors.New("hook not declared in manifest")
)
