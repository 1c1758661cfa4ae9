package port

import (
	"github.com/vertextoedge/fetchd/internal/domain/repository"
)

// DownloadRecordRepository is an alias to domain repository interface
type DownloadRecordRepository = repository.DownloadRecordRepository

// KVBackend is the raw durable key/value store behind the record repository.
// Implementations must be safe for concurrent use.
type KVBackend interface {
	// Get returns the value for key, or (nil, nil) if absent
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(key string, value []byte) error

	// Delete removes key; deleting an absent key is not an error
	Delete(key string) error

	// ListKeys returns every stored key
	ListKeys() ([]string, error)
}
