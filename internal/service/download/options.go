package download

import (
	"time"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/domain/event"
	"github.com/vertextoedge/fetchd/internal/port"
)

// Options contains download manager configuration
type Options struct {
	// WorkingSuffix is appended to the destination to name the working file
	WorkingSuffix string

	// ChunkSize is the unit of writing, progress and pause checks
	ChunkSize int

	// ProgressInterval and ProgressByteStep bound how often progress is persisted
	ProgressInterval time.Duration
	ProgressByteStep int64

	// Space, when set, is consulted before bytes are written
	Space port.SpaceChecker

	// Events receives lifecycle events; nil discards them
	Events event.EventDispatcher
}

// DefaultOptions returns default download options
func DefaultOptions() *Options {
	return &Options{
		WorkingSuffix:    domain.DefaultWorkingSuffix,
		ChunkSize:        256 * 1024,
		ProgressInterval: 2 * time.Second,
		ProgressByteStep: 64 * 1024 * 1024,
		Events:           event.NullDispatcher{},
	}
}

func (o *Options) withDefaults() *Options {
	def := DefaultOptions()
	if o == nil {
		return def
	}
	out := *o
	if out.WorkingSuffix == "" {
		out.WorkingSuffix = def.WorkingSuffix
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = def.ChunkSize
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = def.ProgressInterval
	}
	if out.Events == nil {
		out.Events = def.Events
	}
	if out.ProgressByteStep < 0 {
		out.ProgressByteStep = 0
	}
	return &out
}
