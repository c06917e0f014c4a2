package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/colloq/colloq/internal/plugin/capability"
	"github.com/colloq/colloq/internal/plugin/hook"
)

// ManifestFileName is the manifest's file name inside a plugin directory.
const ManifestFileName = "manifest.json"

// APIVersions the runtime supports.
var SupportedAPIVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

// Manifest describes a plugin's identity, requirements and subscriptions.
// It is immutable once validated and re-validated on every install.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g., "slack-notify")
	DisplayName string `json:"displayName"` // Human-readable name
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	APIVersion  string `json:"apiVersion"`  // Runtime API version (e.g., "1.1")
	Description string `json:"description"` // Short description
	Author      string `json:"author"`      // Author name or org
	Homepage    string `json:"homepage"`    // URL to plugin homepage

	// Entry point
	Main string `json:"main"` // Relative path to main Lua file (default: "init.lua")

	// Requested grants and subscriptions
	Permissions []string `json:"permissions"`
	Hooks       []string `json:"hooks"`

	// Configuration schema; properties may flag format "password"
	ConfigSchema json.RawMessage `json:"configSchema"`

	// Internal: path to the plugin directory
	path string
}

// Validation errors.
var (
	ErrMissingName           = errors.New("manifest: name is required")
	ErrInvalidName           = errors.New("manifest: name must be kebab-case alphanumeric")
	ErrMissingDisplayName    = errors.New("manifest: displayName is required")
	ErrMissingVersion        = errors.New("manifest: version is required")
	ErrInvalidVersion        = errors.New("manifest: version must be valid semver")
	ErrMissingAPIVersion     = errors.New("manifest: apiVersion is required")
	ErrUnsupportedAPIVersion = errors.New("manifest: unsupported apiVersion")
	ErrInvalidMain           = errors.New("manifest: main must be a .lua file")
	ErrUnknownPermission     = errors.New("manifest: unknown permission")
	ErrUnknownHook           = errors.New("manifest: unknown hook")
	ErrInvalidConfigSchema   = errors.New("manifest: configSchema must be a JSON object")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// validConfigTypes are the allowed configuration property types.
var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// ParseManifest parses and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest loads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.path = filepath.Dir(path)
	return m, nil
}

// LoadManifestFromDir loads manifest.json from a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFileName))
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}

	if m.DisplayName == "" {
		return ErrMissingDisplayName
	}

	if m.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}

	if m.APIVersion == "" {
		return ErrMissingAPIVersion
	}
	if !SupportedAPIVersions[m.APIVersion] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAPIVersion, m.APIVersion)
	}

	if m.Main != "" && filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}

	for _, perm := range m.Permissions {
		if !capability.Known(capability.Permission(perm)) {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
		}
	}

	for _, name := range m.Hooks {
		if !hook.Known(name) {
			return fmt.Errorf("%w: %s", ErrUnknownHook, name)
		}
	}

	return m.validateConfigSchema()
}

func (m *Manifest) validateConfigSchema() error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(m.ConfigSchema)
	if !parsed.IsObject() {
		return ErrInvalidConfigSchema
	}
	var bad error
	parsed.Get("properties").ForEach(func(name, prop gjson.Result) bool {
		typ := prop.Get("type").String()
		if typ != "" && !validConfigTypes[typ] {
			bad = fmt.Errorf("manifest: configSchema property %q has invalid type %q", name.String(), typ)
			return false
		}
		return true
	})
	return bad
}

// Path returns the path to the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the main Lua file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// HasHook reports whether the plugin subscribes to the named hook.
func (m *Manifest) HasHook(name string) bool {
	for _, h := range m.Hooks {
		if h == name {
			return true
		}
	}
	return false
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.Name
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Permissions != nil {
		clone.Permissions = make([]string, len(m.Permissions))
		copy(clone.Permissions, m.Permissions)
	}
	if m.Hooks != nil {
		clone.Hooks = make([]string, len(m.Hooks))
		copy(clone.Hooks, m.Hooks)
	}
	if m.ConfigSchema != nil {
		clone.ConfigSchema = make(json.RawMessage, len(m.ConfigSchema))
		copy(clone.ConfigSchema, m.ConfigSchema)
	}
	return &clone
}
