package event

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// HandlerFunc adapts a function to EventHandler for a fixed set of events
type HandlerFunc struct {
	Fn     func(DomainEvent) error
	Events []string
}

// Handle calls Fn
func (h *HandlerFunc) Handle(event DomainEvent) error {
	return h.Fn(event)
}

// HandledEvents returns Events
func (h *HandlerFunc) HandledEvents() []string {
	return h.Events
}

// LoggingHandler logs all events
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

// Handle logs the event
func (h *LoggingHandler) Handle(event DomainEvent) error {
	key := zap.Stringer("key", event.DownloadKey())

	switch e := event.(type) {
	case DownloadStarted:
		h.logger.Info("download started",
			key,
			zap.String("url", e.URL),
			zap.Stringer("strategy", e.Strategy),
			zap.String("resume_from", humanize.Bytes(uint64(e.ResumeFrom))))
	case DownloadResumed:
		h.logger.Info("download resumed",
			key,
			zap.Stringer("strategy", e.Strategy),
			zap.String("from", humanize.Bytes(uint64(e.From))))
	case DownloadPaused:
		h.logger.Info("download paused",
			key,
			zap.String("written", humanize.Bytes(uint64(e.BytesWritten))),
			zap.String("total", humanize.Bytes(uint64(e.BytesTotal))),
			zap.Bool("has_token", e.HasToken))
	case DownloadFailed:
		h.logger.Warn("download failed",
			key,
			zap.String("written", humanize.Bytes(uint64(e.BytesWritten))),
			zap.String("error", e.Error),
			zap.Bool("retryable", e.Retryable))
	case DownloadCompleted:
		h.logger.Info("download completed",
			key,
			zap.String("destination", e.Destination),
			zap.String("size", humanize.Bytes(uint64(e.Size))),
			zap.Stringer("strategy", e.Strategy))
	case DownloadCancelled:
		h.logger.Info("download cancelled", key, zap.String("reason", e.Reason))
	case RecordPurged:
		h.logger.Info("download record purged", key, zap.String("reason", e.Reason))
	default:
		h.logger.Debug("unknown event", zap.String("event", event.EventName()), key)
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *LoggingHandler) HandledEvents() []string {
	return []string{"*"}
}
