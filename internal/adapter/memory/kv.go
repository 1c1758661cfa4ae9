package memory

import (
	"sort"
	"sync"

	"github.com/vertextoedge/fetchd/internal/port"
)

// KV is an in-memory port.KVBackend. Nothing survives the process; use it
// for tests and for runs where resuming across restarts is not wanted.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// Ensure KV implements port.KVBackend
var _ port.KVBackend = (*KV)(nil)

// NewKV creates an empty in-memory backend
func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key
func (k *KV) Get(key string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	v, ok := k.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value under key
func (k *KV) Set(key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key
func (k *KV) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

// ListKeys returns every key in sorted order
func (k *KV) ListKeys() ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]string, 0, len(k.data))
	for key := range k.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
