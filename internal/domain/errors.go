package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// Download lifecycle errors
	ErrPaused                 = errors.New("download paused")
	ErrCancelled              = errors.New("download cancelled")
	ErrIncompleteDownload     = errors.New("download ended before all bytes were received")
	ErrChecksumMismatch       = errors.New("downloaded content does not match expected checksum")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTokenInvalid           = errors.New("resume token is no longer valid")
	ErrInsufficientSpace      = errors.New("insufficient disk space")

	// Persistence errors
	ErrRecordVersion = errors.New("unsupported download record version")
)

// TransportError is a network or HTTP level failure. It is always retryable:
// progress is persisted and a later Start for the same key resumes.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int // 0 for non-HTTP failures
	Err        error
}

// Error returns the error message
func (e *TransportError) Error() string {
	msg := "transport error during " + e.Op
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError
func NewTransportError(op, url string, statusCode int, err error) *TransportError {
	return &TransportError{Op: op, URL: url, StatusCode: statusCode, Err: err}
}

// IsRetryable returns true if the error came from the transport layer
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// FilesystemError is a local disk failure (disk full, permission denied).
// It is surfaced immediately and never retried automatically.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

// Error returns the error message
func (e *FilesystemError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("filesystem error during %s of %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("filesystem error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// NewFilesystemError creates a new FilesystemError
func NewFilesystemError(op, path string, err error) *FilesystemError {
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// IsFilesystem returns true if the error is a local filesystem failure
func IsFilesystem(err error) bool {
	var fe *FilesystemError
	return errors.As(err, &fe)
}
