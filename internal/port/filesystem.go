package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// WritableFile is an open working or segment file
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// ByteStore defines the streaming file primitives used by downloads
type ByteStore interface {
	// EnsureWritable creates dir if needed and verifies a file can be created in it
	EnsureWritable(dir string) error

	// OpenWrite opens path for writing, truncating it when truncate is true
	// and appending to it otherwise. Missing files are created.
	OpenWrite(path string, truncate bool) (WritableFile, error)

	// Size returns the byte length of path. Missing files return an error
	// matching os.ErrNotExist.
	Size(path string) (int64, error)

	// Exists checks if path exists
	Exists(path string) bool

	// AtomicPlace moves working to destination. On failure working is left intact.
	AtomicPlace(working, destination string) error

	// Concatenate streams first then second into destination with a bounded buffer.
	// On error destination is removed.
	Concatenate(first, second, destination string) error

	// Append streams src onto the end of dst. On error dst is truncated back
	// to its original length.
	Append(dst, src string) error

	// Delete removes path; a missing file is not an error
	Delete(path string) error

	// DeleteGlob removes every file matching pattern and returns the count
	DeleteGlob(pattern string) (int, error)

	// SHA256 returns the hex digest of the concatenation of paths
	SHA256(paths ...string) (string, error)

	// CleanOldSegments removes range segment files under dir older than olderThan
	CleanOldSegments(dir string, olderThan time.Duration) (int, error)

	// GetDiskUsage returns disk usage statistics for the filesystem holding path
	GetDiskUsage(path string) (*DiskUsage, error)
}
