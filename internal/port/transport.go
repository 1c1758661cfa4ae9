package port

import (
	"context"
	"io"
)

// FetchRequest describes one GET of a download URL
type FetchRequest struct {
	URL string

	// Offset requests the entity from this byte onward when > 0
	Offset int64

	// Token, when set, asks the transport to continue the session it describes
	Token []byte
}

// FetchResponse is an open response body plus what the task needs to decide
// where the bytes go
type FetchResponse struct {
	StatusCode int

	// Partial is true for a 206 response carrying a parsable Content-Range
	Partial bool

	// RangeStart is the first byte offset of Body when Partial is true
	RangeStart int64

	// Total is the full entity length when known, 0 otherwise
	Total int64

	Body io.ReadCloser

	// validators kept so the transport can mint a resume token later
	ETag         string
	LastModified string
}

// Transport abstracts the HTTP client used by download tasks
type Transport interface {
	// Open issues the request and returns the response with an unread body.
	// Status codes other than 200 and 206 return an error, except 416 which
	// is returned as a response so callers can detect an already complete file.
	Open(ctx context.Context, req FetchRequest) (*FetchResponse, error)

	// SupportsResumeToken reports whether Token and ValidateToken are usable
	SupportsResumeToken() bool

	// Token captures a resume token for resp continuing at offset.
	// Returns nil when the response carries nothing to resume from.
	Token(resp *FetchResponse, offset int64) []byte

	// ValidateToken reports whether token can still continue url at offset
	ValidateToken(ctx context.Context, url string, token []byte, offset int64) (bool, error)
}
