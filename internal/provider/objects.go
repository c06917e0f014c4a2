// Package provider supplies the host-side implementations of the capability
// boundaries: filesystem-backed object storage and an email sender. The
// capability layer owns permission gating and per-plugin scoping; providers
// only move bytes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/colloq/colloq/internal/storage"
)

// ErrInvalidKey is returned for object keys that would escape the root.
var ErrInvalidKey = errors.New("provider: invalid object key")

// FSObjects stores plugin objects as files under a root directory. Keys are
// slash-separated relative paths; the capability layer has already prefixed
// them with the owning plugin's name.
type FSObjects struct {
	root string
}

// NewFSObjects creates a store rooted at dir.
func NewFSObjects(dir string) *FSObjects {
	return &FSObjects{root: dir}
}

// Get reads one object. Missing keys return storage.ErrNotFound.
func (s *FSObjects) Get(ctx context.Context, key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// Put writes one object, creating parent directories as needed.
func (s *FSObjects) Put(ctx context.Context, key string, data []byte) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write object %q: %w", key, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write object %q: %w", key, err)
	}
	return nil
}

// Delete removes one object. Deleting a missing key is not an error.
func (s *FSObjects) Delete(ctx context.Context, key string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// List returns the keys under prefix, sorted.
func (s *FSObjects) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		if _, err := s.resolve(prefix); err != nil {
			return nil, err
		}
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// resolve maps a key onto a filesystem path inside the root.
func (s *FSObjects) resolve(key string) (string, error) {
	clean := path.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
