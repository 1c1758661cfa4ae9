package event

import (
	"time"

	"github.com/vertextoedge/fetchd/internal/domain"
)

// Event names
const (
	NameDownloadStarted   = "download.started"
	NameDownloadResumed   = "download.resumed"
	NameDownloadPaused    = "download.paused"
	NameDownloadFailed    = "download.failed"
	NameDownloadCompleted = "download.completed"
	NameDownloadCancelled = "download.cancelled"
	NameRecordPurged      = "download.record_purged"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
	// DownloadKey returns the key the event is about
	DownloadKey() domain.DownloadKey
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Timestamp time.Time
	Key       domain.DownloadKey
}

// OccurredAt returns when the event occurred
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// DownloadKey returns the key the event is about
func (e BaseEvent) DownloadKey() domain.DownloadKey {
	return e.Key
}

func newBase(key domain.DownloadKey) BaseEvent {
	return BaseEvent{Timestamp: time.Now(), Key: key}
}

// DownloadStarted is raised when a task begins fetching
type DownloadStarted struct {
	BaseEvent
	URL        string
	Strategy   domain.ResumeStrategy
	ResumeFrom int64
}

// EventName returns the event name
func (e DownloadStarted) EventName() string { return NameDownloadStarted }

// NewDownloadStarted creates a new DownloadStarted event
func NewDownloadStarted(key domain.DownloadKey, url string, strategy domain.ResumeStrategy, resumeFrom int64) DownloadStarted {
	return DownloadStarted{BaseEvent: newBase(key), URL: url, Strategy: strategy, ResumeFrom: resumeFrom}
}

// DownloadResumed is raised when the server accepted a continuation and
// bytes already on disk are kept
type DownloadResumed struct {
	BaseEvent
	Strategy domain.ResumeStrategy
	From     int64
}

// EventName returns the event name
func (e DownloadResumed) EventName() string { return NameDownloadResumed }

// NewDownloadResumed creates a new DownloadResumed event
func NewDownloadResumed(key domain.DownloadKey, strategy domain.ResumeStrategy, from int64) DownloadResumed {
	return DownloadResumed{BaseEvent: newBase(key), Strategy: strategy, From: from}
}

// DownloadPaused is raised after a pause has been persisted
type DownloadPaused struct {
	BaseEvent
	BytesWritten int64
	BytesTotal   int64
	HasToken     bool
}

// EventName returns the event name
func (e DownloadPaused) EventName() string { return NameDownloadPaused }

// NewDownloadPaused creates a new DownloadPaused event
func NewDownloadPaused(key domain.DownloadKey, written, total int64, hasToken bool) DownloadPaused {
	return DownloadPaused{BaseEvent: newBase(key), BytesWritten: written, BytesTotal: total, HasToken: hasToken}
}

// DownloadFailed is raised when a task stops on an error
type DownloadFailed struct {
	BaseEvent
	BytesWritten int64
	Error        string
	Retryable    bool
}

// EventName returns the event name
func (e DownloadFailed) EventName() string { return NameDownloadFailed }

// NewDownloadFailed creates a new DownloadFailed event
func NewDownloadFailed(key domain.DownloadKey, written int64, err error) DownloadFailed {
	return DownloadFailed{
		BaseEvent:    newBase(key),
		BytesWritten: written,
		Error:        err.Error(),
		Retryable:    domain.IsRetryable(err),
	}
}

// DownloadCompleted is raised when the destination file is in place
type DownloadCompleted struct {
	BaseEvent
	Destination string
	Size        int64
	Strategy    domain.ResumeStrategy
}

// EventName returns the event name
func (e DownloadCompleted) EventName() string { return NameDownloadCompleted }

// NewDownloadCompleted creates a new DownloadCompleted event
func NewDownloadCompleted(key domain.DownloadKey, destination string, size int64, strategy domain.ResumeStrategy) DownloadCompleted {
	return DownloadCompleted{BaseEvent: newBase(key), Destination: destination, Size: size, Strategy: strategy}
}

// DownloadCancelled is raised when a download and its partial data are discarded
type DownloadCancelled struct {
	BaseEvent
	Reason string
}

// EventName returns the event name
func (e DownloadCancelled) EventName() string { return NameDownloadCancelled }

// NewDownloadCancelled creates a new DownloadCancelled event
func NewDownloadCancelled(key domain.DownloadKey, reason string) DownloadCancelled {
	return DownloadCancelled{BaseEvent: newBase(key), Reason: reason}
}

// RecordPurged is raised when recovery or cleanup removes a persisted record
type RecordPurged struct {
	BaseEvent
	Reason string
}

// EventName returns the event name
func (e RecordPurged) EventName() string { return NameRecordPurged }

// NewRecordPurged creates a new RecordPurged event
func NewRecordPurged(key domain.DownloadKey, reason string) RecordPurged {
	return RecordPurged{BaseEvent: newBase(key), Reason: reason}
}
