package filesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/port"
)

// SegmentMarker identifies range segment files swept by CleanOldSegments
const SegmentMarker = domain.SegmentMarker

// DefaultBufferSize bounds memory used by Concatenate and Append
const DefaultBufferSize = 1024 * 1024 // 1MB

// Manager handles local filesystem operations
type Manager struct {
	bufferSize int
}

// Ensure Manager implements port.ByteStore
var _ port.ByteStore = (*Manager)(nil)

// NewManager creates a new filesystem manager
func NewManager() *Manager {
	return NewManagerWithBufferSize(DefaultBufferSize)
}

// NewManagerWithBufferSize creates a new filesystem manager with custom buffer size
func NewManagerWithBufferSize(bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{bufferSize: bufferSize}
}

// EnsureWritable creates dir if needed and checks it with a throwaway file
func (m *Manager) EnsureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)
	return nil
}

// OpenWrite opens path for writing
func (m *Manager) OpenWrite(path string, truncate bool) (port.WritableFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Size returns the size of path
func (m *Manager) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists checks if a file exists
func (m *Manager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AtomicPlace renames working to destination. os.Rename either fully
// succeeds or leaves working untouched.
func (m *Manager) AtomicPlace(working, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if err := os.Rename(working, destination); err != nil {
		return fmt.Errorf("failed to rename working file: %w", err)
	}
	return nil
}

// Concatenate writes first followed by second into destination.
// destination is built under a temporary name and renamed into place, so
// readers never observe a half-written file.
func (m *Manager) Concatenate(first, second, destination string) (err error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	firstSize, err := m.Size(first)
	if err != nil {
		return fmt.Errorf("failed to stat first input: %w", err)
	}
	secondSize, err := m.Size(second)
	if err != nil {
		return fmt.Errorf("failed to stat second input: %w", err)
	}

	tmpPath := domain.ConcatPath(destination)
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
			os.Remove(destination)
		}
	}()

	buf := make([]byte, m.bufferSize)
	var written int64
	for _, src := range []string{first, second} {
		n, copyErr := m.copyFrom(out, src, buf)
		written += n
		if copyErr != nil {
			return fmt.Errorf("failed to copy %s: %w", src, copyErr)
		}
	}

	if want := firstSize + secondSize; written != want {
		return fmt.Errorf("concatenated length %d, want %d", written, want)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}
	if err := os.Rename(tmpPath, destination); err != nil {
		return fmt.Errorf("failed to rename destination: %w", err)
	}
	return nil
}

// Append streams src onto the end of dst
func (m *Manager) Append(dst, src string) error {
	origSize, err := m.Size(dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat append target: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open append target: %w", err)
	}

	if _, err := m.copyFrom(out, src, make([]byte, m.bufferSize)); err != nil {
		out.Close()
		os.Truncate(dst, origSize)
		return fmt.Errorf("failed to append %s: %w", src, err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Truncate(dst, origSize)
		return fmt.Errorf("failed to sync append target: %w", err)
	}
	return out.Close()
}

func (m *Manager) copyFrom(dst io.Writer, src string, buf []byte) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.CopyBuffer(dst, in, buf)
}

// Delete removes a file
func (m *Manager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// DeleteGlob removes every file matching pattern
func (m *Manager) DeleteGlob(pattern string) (int, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern: %w", err)
	}

	count := 0
	for _, path := range matches {
		if err := m.Delete(path); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// SHA256 returns the hex digest of the concatenation of paths
func (m *Manager) SHA256(paths ...string) (string, error) {
	h := sha256.New()
	buf := make([]byte, m.bufferSize)
	for _, path := range paths {
		if _, err := m.copyFrom(h, path, buf); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CleanOldSegments removes segment files and interrupted concatenation
// outputs older than the specified duration
func (m *Manager) CleanOldSegments(dir string, olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		base := filepath.Base(path)
		if !info.IsDir() && (strings.Contains(base, SegmentMarker) || strings.HasSuffix(base, domain.ConcatSuffix)) {
			if info.ModTime().Before(threshold) {
				if removeErr := os.Remove(path); removeErr == nil {
					count++
				}
			}
		}
		return nil
	})
	return count, err
}
