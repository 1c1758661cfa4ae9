package space

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertextoedge/fetchd/internal/adapter/filesystem"
	"github.com/vertextoedge/fetchd/internal/port"
)

const gb = 1024 * 1024 * 1024

// usageStore reports a fixed disk usage and otherwise behaves like the local disk
type usageStore struct {
	*filesystem.Manager
	usage *port.DiskUsage
	err   error
}

func (s *usageStore) GetDiskUsage(string) (*port.DiskUsage, error) {
	return s.usage, s.err
}

func TestChecker_CheckSpace(t *testing.T) {
	tests := []struct {
		name          string
		minFreePct    float64
		usage         *port.DiskUsage
		required      int64
		wantHasSpace  bool
		wantFreeBytes bool
		wantFreePct   bool
	}{
		{
			name:       "has space - well under limits",
			minFreePct: 10,
			usage: &port.DiskUsage{
				Total: 1000 * gb, Used: 400 * gb, Free: 600 * gb, UsedPct: 40,
			},
			required:     2 * gb,
			wantHasSpace: true,
		},
		{
			name:       "not enough free bytes",
			minFreePct: 0,
			usage: &port.DiskUsage{
				Total: 100 * gb, Used: 99 * gb, Free: 1 * gb, UsedPct: 99,
			},
			required:      2 * gb,
			wantFreeBytes: true,
		},
		{
			name:       "would drop below free percent",
			minFreePct: 10,
			usage: &port.DiskUsage{
				Total: 100 * gb, Used: 85 * gb, Free: 15 * gb, UsedPct: 85,
			},
			required:    6 * gb,
			wantFreePct: true,
		},
		{
			name:       "exactly at free percent",
			minFreePct: 10,
			usage: &port.DiskUsage{
				Total: 100 * gb, Used: 85 * gb, Free: 15 * gb, UsedPct: 85,
			},
			required:     5 * gb,
			wantHasSpace: true,
		},
		{
			name:       "unknown size always fits",
			minFreePct: 50,
			usage: &port.DiskUsage{
				Total: 100 * gb, Used: 99 * gb, Free: 1 * gb, UsedPct: 99,
			},
			required:     0,
			wantHasSpace: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(&usageStore{Manager: filesystem.NewManager(), usage: tt.usage}, tt.minFreePct)

			result, err := c.CheckSpace("/data", tt.required)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHasSpace, result.HasSpace)
			assert.Equal(t, tt.wantFreeBytes, result.LimitedByFreeBytes)
			assert.Equal(t, tt.wantFreePct, result.LimitedByFreePct)
			assert.Equal(t, tt.usage.Free, result.FreeBytes)
			assert.Equal(t, tt.required, result.RequiredBytes)
		})
	}
}

func TestChecker_UsageError(t *testing.T) {
	boom := errors.New("statfs failed")
	c := NewChecker(&usageStore{Manager: filesystem.NewManager(), err: boom}, 5)

	result, err := c.CheckSpace("/data", 10)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, result)
}

func TestChecker_RealDisk(t *testing.T) {
	c := NewChecker(filesystem.NewManager(), 0)

	result, err := c.CheckSpace(t.TempDir(), 1)
	require.NoError(t, err)
	assert.True(t, result.HasSpace)
}
