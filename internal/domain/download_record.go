package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordVersion is bumped on any change to the persisted record layout.
// Records written with another version are discarded, never misparsed.
const RecordVersion = 2

// DefaultWorkingSuffix is appended to the destination to form the working path
const DefaultWorkingSuffix = ".partial"

// SegmentMarker is part of every range segment file name: <working><marker><id>
const SegmentMarker = ".seg-"

// SegmentPattern returns the glob matching every segment of workingPath
func SegmentPattern(workingPath string) string {
	return workingPath + SegmentMarker + "*"
}

// ConcatSuffix names the file a range resume assembles before it is
// renamed onto the destination
const ConcatSuffix = ".concat"

// ConcatPath returns the assembly path for destination
func ConcatPath(destination string) string {
	return destination + ConcatSuffix
}

// DownloadRecord is the persisted state of one download
type DownloadRecord struct {
	Key          DownloadKey
	URL          string
	Destination  string
	WorkingPath  string
	BytesWritten int64
	BytesTotal   int64 // 0 if unknown
	StartedAt    time.Time
	UpdatedAt    time.Time

	// ResumeToken is transport specific; nil unless the transport supports token resume
	ResumeToken []byte

	// ExpectedSHA256 is an optional hex digest checked before final placement
	ExpectedSHA256 string
}

// NewDownloadRecord creates a record for a download that has not started yet
func NewDownloadRecord(key DownloadKey, url, destination, workingSuffix string) *DownloadRecord {
	if workingSuffix == "" {
		workingSuffix = DefaultWorkingSuffix
	}
	now := time.Now()
	return &DownloadRecord{
		Key:         key,
		URL:         url,
		Destination: destination,
		WorkingPath: destination + workingSuffix,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the record invariants
func (r *DownloadRecord) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.BytesWritten < 0 || r.BytesTotal < 0 {
		return fmt.Errorf("%w: negative byte count", ErrInvalidInput)
	}
	if r.BytesTotal > 0 && r.BytesWritten > r.BytesTotal {
		return fmt.Errorf("%w: bytes written %d exceeds total %d", ErrInvalidInput, r.BytesWritten, r.BytesTotal)
	}
	if r.WorkingPath == "" || r.WorkingPath == r.Destination {
		return fmt.Errorf("%w: working path must differ from destination", ErrInvalidInput)
	}
	return nil
}

// Fraction returns progress in [0,1], or 0 if the total is unknown
func (r *DownloadRecord) Fraction() float64 {
	return Fraction(r.BytesWritten, r.BytesTotal)
}

// UpdateProgress records new byte counts
func (r *DownloadRecord) UpdateProgress(written, total int64) {
	r.BytesWritten = written
	if total > 0 {
		r.BytesTotal = total
	}
	r.UpdatedAt = time.Now()
}

// ResetProgress forgets any partial data, used when falling back to a fresh download
func (r *DownloadRecord) ResetProgress() {
	r.BytesWritten = 0
	r.BytesTotal = 0
	r.ResumeToken = nil
	r.UpdatedAt = time.Now()
}

// Clone returns a deep copy
func (r *DownloadRecord) Clone() *DownloadRecord {
	c := *r
	if r.ResumeToken != nil {
		c.ResumeToken = append([]byte(nil), r.ResumeToken...)
	}
	return &c
}

// Fraction returns written/total clamped to [0,1]
func Fraction(written, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(written) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// recordEnvelope is the on-disk JSON layout
type recordEnvelope struct {
	Version        int       `json:"version"`
	OwnerID        string    `json:"owner_id"`
	Role           string    `json:"role"`
	URL            string    `json:"url"`
	Destination    string    `json:"destination"`
	WorkingPath    string    `json:"working_path"`
	BytesWritten   int64     `json:"bytes_written"`
	BytesTotal     int64     `json:"bytes_total"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ResumeToken    []byte    `json:"resume_token,omitempty"`
	ExpectedSHA256 string    `json:"expected_sha256,omitempty"`
}

// MarshalRecord serializes a record with the current version
func MarshalRecord(r *DownloadRecord) ([]byte, error) {
	return json.Marshal(recordEnvelope{
		Version:        RecordVersion,
		OwnerID:        r.Key.OwnerID,
		Role:           r.Key.Role.String(),
		URL:            r.URL,
		Destination:    r.Destination,
		WorkingPath:    r.WorkingPath,
		BytesWritten:   r.BytesWritten,
		BytesTotal:     r.BytesTotal,
		StartedAt:      r.StartedAt,
		UpdatedAt:      r.UpdatedAt,
		ResumeToken:    r.ResumeToken,
		ExpectedSHA256: r.ExpectedSHA256,
	})
}

// UnmarshalRecord decodes a record, returning ErrRecordVersion for other versions
func UnmarshalRecord(data []byte) (*DownloadRecord, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode download record: %w", err)
	}
	if env.Version != RecordVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrRecordVersion, env.Version, RecordVersion)
	}

	role, err := ParseFileRole(env.Role)
	if err != nil {
		return nil, err
	}

	r := &DownloadRecord{
		Key:            DownloadKey{OwnerID: env.OwnerID, Role: role},
		URL:            env.URL,
		Destination:    env.Destination,
		WorkingPath:    env.WorkingPath,
		BytesWritten:   env.BytesWritten,
		BytesTotal:     env.BytesTotal,
		StartedAt:      env.StartedAt,
		UpdatedAt:      env.UpdatedAt,
		ResumeToken:    env.ResumeToken,
		ExpectedSHA256: env.ExpectedSHA256,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
