//go:build windows
// +build windows

package filesystem

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/vertextoedge/fetchd/internal/port"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpace = kernel32.NewProc("GetDiskFreeSpaceExW")
)

// GetDiskUsage returns disk usage for the volume holding path
func (m *Manager) GetDiskUsage(path string) (*port.DiskUsage, error) {
	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes uint64

	pathPtr, err := syscall.UTF16PtrFromString(existingAncestor(path))
	if err != nil {
		return nil, fmt.Errorf("failed to convert path: %w", err)
	}

	ret, _, err := getDiskFreeSpace.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalNumberOfBytes)),
		uintptr(unsafe.Pointer(&totalNumberOfFreeBytes)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	used := totalNumberOfBytes - totalNumberOfFreeBytes
	usedPct := 0.0
	if totalNumberOfBytes > 0 {
		usedPct = float64(used) / float64(totalNumberOfBytes) * 100
	}

	return &port.DiskUsage{
		Total:   totalNumberOfBytes,
		Used:    used,
		Free:    freeBytesAvailable,
		UsedPct: usedPct,
	}, nil
}
