package capability

import (
	"context"
	"fmt"
	"strings"
)

// Objects gates access to host file storage. All keys are transparently
// prefixed with the plugin's name, so plugins cannot reach each other's
// files regardless of the key they pass.
type Objects struct {
	perms  Set
	store  ObjectStore
	prefix string
}

// Get reads one object. Requires storage:read.
func (o *Objects) Get(ctx context.Context, key string) ([]byte, error) {
	if err := o.perms.require(PermStorageRead); err != nil {
		return nil, err
	}
	scoped, err := o.scope(key)
	if err != nil {
		return nil, err
	}
	return o.store.Get(ctx, scoped)
}

// Put writes one object. Requires storage:write.
func (o *Objects) Put(ctx context.Context, key string, data []byte) error {
	if err := o.perms.require(PermStorageWrite); err != nil {
		return err
	}
	scoped, err := o.scope(key)
	if err != nil {
		return err
	}
	return o.store.Put(ctx, scoped, data)
}

// Delete removes one object. Requires storage:write.
func (o *Objects) Delete(ctx context.Context, key string) error {
	if err := o.perms.require(PermStorageWrite); err != nil {
		return err
	}
	scoped, err := o.scope(key)
	if err != nil {
		return err
	}
	return o.store.Delete(ctx, scoped)
}

// List returns the plugin's object keys under prefix, unscoped. Requires
// storage:read.
func (o *Objects) List(ctx context.Context, prefix string) ([]string, error) {
	if err := o.perms.require(PermStorageRead); err != nil {
		return nil, err
	}
	scoped, err := o.scope(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := o.store.List(ctx, scoped)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, o.prefix))
	}
	return out, nil
}

func (o *Objects) scope(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("capability: invalid storage key %q", key)
	}
	return o.prefix + key, nil
}
