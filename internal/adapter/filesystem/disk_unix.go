//go:build !windows
// +build !windows

package filesystem

import (
	"fmt"
	"syscall"

	"github.com/vertextoedge/fetchd/internal/port"
)

// GetDiskUsage returns disk usage for the filesystem holding path
func (m *Manager) GetDiskUsage(path string) (*port.DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(existingAncestor(path), &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free

	usedPct := 0.0
	if total > 0 {
		usedPct = float64(used) / float64(total) * 100
	}

	return &port.DiskUsage{
		Total:   total,
		Used:    used,
		Free:    free,
		UsedPct: usedPct,
	}, nil
}
