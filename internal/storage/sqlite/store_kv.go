package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KVGet returns the value stored under (pluginID, key).
func (s *Store) KVGet(ctx context.Context, pluginID, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
SELECT value FROM plugin_kv WHERE plugin_id = ? AND key = ?
`, pluginID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// KVSet stores value under (pluginID, key), replacing any previous value.
func (s *Store) KVSet(ctx context.Context, pluginID, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kv key is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_kv (plugin_id, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (plugin_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, pluginID, key, rawOrDefault(value, "null"), toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVDelete removes one key. Deleting an absent key is not an error.
func (s *Store) KVDelete(ctx context.Context, pluginID, key string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM plugin_kv WHERE plugin_id = ? AND key = ?
`, pluginID, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// KVKeys lists a plugin's keys in lexical order.
func (s *Store) KVKeys(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key FROM plugin_kv WHERE plugin_id = ? ORDER BY key ASC
`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan kv key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv keys: %w", err)
	}
	return keys, nil
}

// KVPurge drops every key belonging to a plugin.
func (s *Store) KVPurge(ctx context.Context, pluginID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM plugin_kv WHERE plugin_id = ?
`, pluginID); err != nil {
		return fmt.Errorf("kv purge: %w", err)
	}
	return nil
}
