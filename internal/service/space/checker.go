package space

import (
	"fmt"

	"github.com/vertextoedge/fetchd/internal/port"
)

// Checker answers whether a directory can take another download of a given size
type Checker struct {
	fs         port.ByteStore
	minFreePct float64
}

// Ensure Checker implements port.SpaceChecker
var _ port.SpaceChecker = (*Checker)(nil)

// NewChecker creates a Checker that keeps at least minFreePct of the disk free.
// A minFreePct of 0 only requires the bytes themselves to fit.
func NewChecker(fs port.ByteStore, minFreePct float64) *Checker {
	if minFreePct < 0 {
		minFreePct = 0
	}
	return &Checker{fs: fs, minFreePct: minFreePct}
}

// CheckSpace checks if dir can hold another required bytes
func (c *Checker) CheckSpace(dir string, required int64) (*port.SpaceCheckResult, error) {
	result := &port.SpaceCheckResult{
		RequiredBytes: required,
		MinFreePct:    c.minFreePct,
	}

	usage, err := c.fs.GetDiskUsage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage: %w", err)
	}
	result.FreeBytes = usage.Free
	result.DiskUsedPct = usage.UsedPct

	if required <= 0 {
		result.HasSpace = true
		return result, nil
	}

	if uint64(required) > usage.Free {
		result.LimitedByFreeBytes = true
		return result, nil
	}

	// Free share of the disk once the download lands
	if c.minFreePct > 0 && usage.Total > 0 {
		freeAfterPct := float64(usage.Free-uint64(required)) / float64(usage.Total) * 100
		if freeAfterPct < c.minFreePct {
			result.LimitedByFreePct = true
			return result, nil
		}
	}

	result.HasSpace = true
	return result, nil
}
