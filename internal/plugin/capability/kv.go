package capability

import (
	"context"
	"encoding/json"

	"github.com/colloq/colloq/internal/storage"
)

// KV is the plugin's private key-value store. No permission gates it; the
// plugin-id namespace is the isolation boundary.
type KV struct {
	pluginID string
	store    storage.KVStore
}

// Get returns the value for key, with ok reporting presence.
func (k *KV) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return k.store.KVGet(ctx, k.pluginID, key)
}

// Set stores value under key, replacing any previous value.
func (k *KV) Set(ctx context.Context, key string, value json.RawMessage) error {
	return k.store.KVSet(ctx, k.pluginID, key, value)
}

// Delete removes key. Absent keys are not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	return k.store.KVDelete(ctx, k.pluginID, key)
}

// Keys lists the plugin's keys in lexical order.
func (k *KV) Keys(ctx context.Context) ([]string, error) {
	return k.store.KVKeys(ctx, k.pluginID)
}
