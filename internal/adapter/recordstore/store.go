package recordstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/port"
	"go.uber.org/zap"
)

// Store persists download records as versioned JSON in a KV backend.
// A single lock serializes all access.
type Store struct {
	mu      sync.Mutex
	backend port.KVBackend
	logger  *zap.Logger
}

// Ensure Store implements port.DownloadRecordRepository
var _ port.DownloadRecordRepository = (*Store)(nil)

// New creates a record store over backend
func New(backend port.KVBackend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.Named("recordstore"),
	}
}

// Get retrieves the record for key. Records that cannot be decoded are
// deleted and reported as absent.
func (s *Store) Get(key domain.DownloadKey) (*domain.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key.String())
}

// Save creates or replaces the record
func (s *Store) Save(rec *domain.DownloadRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid record: %w", err)
	}

	data, err := domain.MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode download record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(rec.Key.String(), data); err != nil {
		return fmt.Errorf("failed to persist download record: %w", err)
	}
	return nil
}

// Delete removes the record for key
func (s *Store) Delete(key domain.DownloadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(key.String()); err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	return nil
}

// List returns every decodable record
func (s *Store) List() ([]*domain.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to list download records: %w", err)
	}

	records := make([]*domain.DownloadRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.getLocked(key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Store) getLocked(key string) (*domain.DownloadRecord, error) {
	data, err := s.backend.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read download record: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	rec, err := domain.UnmarshalRecord(data)
	if err != nil {
		// Old versions and corrupt entries cannot be resumed safely
		level := s.logger.Warn
		if errors.Is(err, domain.ErrRecordVersion) {
			level = s.logger.Info
		}
		level("discarding unreadable download record",
			zap.String("key", key),
			zap.Error(err))

		if delErr := s.backend.Delete(key); delErr != nil {
			return nil, fmt.Errorf("failed to purge unreadable record: %w", delErr)
		}
		return nil, nil
	}

	// A record filed under another key would be resumed for the wrong file
	if stored, perr := domain.ParseDownloadKey(key); perr != nil || stored != rec.Key {
		s.logger.Warn("discarding download record stored under a mismatched key",
			zap.String("key", key),
			zap.Stringer("record_key", rec.Key))
		if delErr := s.backend.Delete(key); delErr != nil {
			return nil, fmt.Errorf("failed to purge mismatched record: %w", delErr)
		}
		return nil, nil
	}
	return rec, nil
}
