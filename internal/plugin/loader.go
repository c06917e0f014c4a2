package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/colloq/colloq/internal/storage"
)

// Loader discovers installed plugins on disk and reconciles them with the
// durable plugin records. The filesystem is where plugin code lives; the
// records are the source of truth for enablement, config and permissions.
type Loader struct {
	root       string
	discovered map[string]*PluginInfo
}

// PluginInfo contains discovery information about one plugin directory.
type PluginInfo struct {
	Name     string
	Path     string
	Manifest *Manifest
	Err      error
}

// NewLoader creates a loader over the plugins root directory.
func NewLoader(root string) *Loader {
	return &Loader{
		root:       root,
		discovered: make(map[string]*PluginInfo),
	}
}

// Root returns the plugins root directory.
func (l *Loader) Root() string {
	return l.root
}

// Discover scans the root for plugin directories and parses their manifests.
// Directories with an invalid or missing manifest are reported with Err set
// rather than dropped. Results are sorted by name.
func (l *Loader) Discover() ([]*PluginInfo, error) {
	l.discovered = make(map[string]*PluginInfo)

	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.root, entry.Name())
		info := &PluginInfo{Name: entry.Name(), Path: dir}

		manifest, err := LoadManifestFromDir(dir)
		if err != nil {
			info.Err = err
		} else {
			info.Manifest = manifest
			info.Name = manifest.Name
			if _, err := os.Stat(manifest.MainPath()); err != nil {
				info.Err = fmt.Errorf("%w: %s", ErrNoEntryPoint, manifest.Main)
			}
		}

		// First discovery wins on a name collision.
		if _, exists := l.discovered[info.Name]; !exists {
			l.discovered[info.Name] = info
		}
	}

	infos := make([]*PluginInfo, 0, len(l.discovered))
	for _, info := range l.discovered {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Find returns discovery info for a plugin, rescanning if needed.
func (l *Loader) Find(name string) (*PluginInfo, error) {
	if info, ok := l.discovered[name]; ok {
		return info, nil
	}
	if _, err := l.Discover(); err != nil {
		return nil, err
	}
	if info, ok := l.discovered[name]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// Errors returns the discovered directories whose manifests failed to load.
func (l *Loader) Errors() []*PluginInfo {
	var bad []*PluginInfo
	for _, info := range l.discovered {
		if info.Err != nil {
			bad = append(bad, info)
		}
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].Name < bad[j].Name })
	return bad
}

// Reconcile aligns the durable plugin records with what is on disk: plugin
// directories without a record get one (disabled, default config), and
// records whose manifest changed on disk pick up the new version, schema and
// permission grant. Records whose directory vanished are left alone; the
// registry will surface the load failure.
func (l *Loader) Reconcile(ctx context.Context, store storage.PluginStore) (created, updated int, err error) {
	infos, err := l.Discover()
	if err != nil {
		return 0, 0, err
	}

	for _, info := range infos {
		if info.Err != nil || info.Manifest == nil {
			continue
		}
		m := info.Manifest

		rec, err := store.GetPlugin(ctx, m.Name)
		if errors.Is(err, storage.ErrNotFound) {
			rec = storage.PluginRecord{
				ID:           uuid.NewString(),
				Name:         m.Name,
				DisplayName:  m.DisplayName,
				Version:      m.Version,
				Installed:    true,
				Config:       defaultConfig(m.ConfigSchema),
				ConfigSchema: m.ConfigSchema,
				Permissions:  m.Permissions,
				SourcePath:   info.Path,
			}
			if err := store.CreatePlugin(ctx, rec); err != nil {
				return created, updated, fmt.Errorf("create record for %s: %w", m.Name, err)
			}
			created++
			continue
		}
		if err != nil {
			return created, updated, fmt.Errorf("load record for %s: %w", m.Name, err)
		}

		if rec.Version == m.Version && rec.SourcePath == info.Path {
			continue
		}
		rec.DisplayName = m.DisplayName
		rec.Version = m.Version
		rec.ConfigSchema = m.ConfigSchema
		rec.Permissions = m.Permissions
		rec.SourcePath = info.Path
		if err := store.UpdatePlugin(ctx, rec); err != nil {
			return created, updated, fmt.Errorf("update record for %s: %w", m.Name, err)
		}
		updated++
	}
	return created, updated, nil
}
