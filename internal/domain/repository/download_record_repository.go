package repository

import (
	"github.com/vertextoedge/fetchd/internal/domain"
)

// DownloadRecordRepository defines the persistence operations for download records.
// The download manager is its only writer.
type DownloadRecordRepository interface {
	// Get retrieves the record for key
	// Returns (nil, nil) if no record exists
	Get(key domain.DownloadKey) (*domain.DownloadRecord, error)

	// Save creates or replaces the record for rec.Key
	Save(rec *domain.DownloadRecord) error

	// Delete removes the record for key; deleting a missing record is not an error
	Delete(key domain.DownloadKey) error

	// List returns every decodable record
	// Records with an unsupported version are purged rather than returned
	List() ([]*domain.DownloadRecord, error)
}
