package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colloq/colloq/internal/storage"
)

const pluginColumns = `id, name, display_name, version, enabled, installed,
	config, config_schema, permissions, source_path, created_at, updated_at`

// CreatePlugin inserts a new plugin record. A record with the same name
// yields storage.ErrConflict.
func (s *Store) CreatePlugin(ctx context.Context, rec storage.PluginRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("plugin name is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	perms, err := encodePermissions(rec.Permissions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO plugins (`+pluginColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.Name,
		rec.DisplayName,
		rec.Version,
		boolToInt(rec.Enabled),
		boolToInt(rec.Installed),
		rawOrDefault(rec.Config, "{}"),
		rawOrDefault(rec.ConfigSchema, "{}"),
		perms,
		rec.SourcePath,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("plugin %q: %w", rec.Name, storage.ErrConflict)
		}
		return fmt.Errorf("create plugin: %w", err)
	}
	return nil
}

// GetPlugin returns the record for one plugin by name.
func (s *Store) GetPlugin(ctx context.Context, name string) (storage.PluginRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+pluginColumns+` FROM plugins WHERE name = ?
`, name)
	rec, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PluginRecord{}, fmt.Errorf("plugin %q: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return storage.PluginRecord{}, fmt.Errorf("get plugin: %w", err)
	}
	return rec, nil
}

// ListPlugins returns all plugin records ordered by name.
func (s *Store) ListPlugins(ctx context.Context) ([]storage.PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+pluginColumns+` FROM plugins ORDER BY name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var records []storage.PluginRecord
	for rows.Next() {
		rec, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugins: %w", err)
	}
	return records, nil
}

// UpdatePlugin overwrites the mutable fields of an existing record.
func (s *Store) UpdatePlugin(ctx context.Context, rec storage.PluginRecord) error {
	perms, err := encodePermissions(rec.Permissions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE plugins
SET display_name = ?, version = ?, enabled = ?, installed = ?,
    config = ?, config_schema = ?, permissions = ?, source_path = ?, updated_at = ?
WHERE name = ?
`,
		rec.DisplayName,
		rec.Version,
		boolToInt(rec.Enabled),
		boolToInt(rec.Installed),
		rawOrDefault(rec.Config, "{}"),
		rawOrDefault(rec.ConfigSchema, "{}"),
		perms,
		rec.SourcePath,
		toMillis(time.Now().UTC()),
		rec.Name,
	)
	if err != nil {
		return fmt.Errorf("update plugin: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plugin rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("plugin %q: %w", rec.Name, storage.ErrNotFound)
	}
	return nil
}

// SetPluginEnabled flips only the enabled flag.
func (s *Store) SetPluginEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE plugins SET enabled = ?, updated_at = ? WHERE name = ?
`, boolToInt(enabled), toMillis(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("set plugin enabled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set plugin enabled rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("plugin %q: %w", name, storage.ErrNotFound)
	}
	return nil
}

// DeletePlugin removes a plugin record.
func (s *Store) DeletePlugin(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete plugin rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("plugin %q: %w", name, storage.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (storage.PluginRecord, error) {
	var (
		out                storage.PluginRecord
		enabled, installed int
		config, schema     string
		perms              string
		created, updated   int64
	)
	if err := row.Scan(
		&out.ID,
		&out.Name,
		&out.DisplayName,
		&out.Version,
		&enabled,
		&installed,
		&config,
		&schema,
		&perms,
		&out.SourcePath,
		&created,
		&updated,
	); err != nil {
		return storage.PluginRecord{}, err
	}

	out.Enabled = enabled != 0
	out.Installed = installed != 0
	out.Config = json.RawMessage(config)
	out.ConfigSchema = json.RawMessage(schema)
	out.CreatedAt = fromMillis(created)
	out.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(perms), &out.Permissions); err != nil {
		return storage.PluginRecord{}, fmt.Errorf("decode permissions: %w", err)
	}
	return out, nil
}

func encodePermissions(perms []string) (string, error) {
	if perms == nil {
		perms = []string{}
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return "", fmt.Errorf("encode permissions: %w", err)
	}
	return string(data), nil
}

func rawOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
