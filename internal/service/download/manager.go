package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/domain/event"
	"github.com/vertextoedge/fetchd/internal/port"
)

// Handle is returned by Start and identifies one task run
type Handle struct {
	task    *Task
	claimed atomic.Bool
	done    chan struct{}
	path    string
	err     error
}

// Key returns the download key
func (h *Handle) Key() domain.DownloadKey {
	return h.task.Key()
}

// Done is closed once Execute for this handle has returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns what Execute returned. Only valid after Done is closed.
func (h *Handle) Result() (string, error) {
	return h.path, h.err
}

// Manager is the registry of downloads. It is the only writer of the
// record store and allows at most one live task per key.
type Manager struct {
	store     port.DownloadRecordRepository
	fs        port.ByteStore
	transport port.Transport
	opts      *Options
	logger    *zap.Logger

	mu       sync.Mutex
	active   map[domain.DownloadKey]*Handle
	inactive map[domain.DownloadKey]domain.TaskState
}

// NewManager creates a new Manager
func NewManager(
	store port.DownloadRecordRepository,
	fs port.ByteStore,
	transport port.Transport,
	logger *zap.Logger,
	opts *Options,
) *Manager {
	return &Manager{
		store:     store,
		fs:        fs,
		transport: transport,
		opts:      opts.withDefaults(),
		logger:    logger.Named("download"),
		active:    make(map[domain.DownloadKey]*Handle),
		inactive:  make(map[domain.DownloadKey]domain.TaskState),
	}
}

type startRequest struct {
	key            domain.DownloadKey
	url            string
	destination    string
	expectedSHA256 string
	onProgress     ProgressFunc
}

// Start returns the handle of the live task for key, or creates one after
// choosing how to reuse any bytes already on disk. No network activity
// happens until Execute.
func (m *Manager) Start(key domain.DownloadKey, rawURL, destination string, onProgress ProgressFunc) (*Handle, error) {
	return m.start(startRequest{
		key:         key,
		url:         rawURL,
		destination: destination,
		onProgress:  onProgress,
	})
}

// StartEntry starts the download described by a catalog entry
func (m *Manager) StartEntry(entry domain.CatalogEntry, onProgress ProgressFunc) (*Handle, error) {
	if entry.FileName == "" || entry.FileName != filepath.Base(entry.FileName) {
		return nil, fmt.Errorf("%w: invalid file name %q", domain.ErrInvalidInput, entry.FileName)
	}
	return m.start(startRequest{
		key:            entry.Key(),
		url:            entry.URL,
		destination:    filepath.Join(entry.DestinationDirectory, entry.FileName),
		expectedSHA256: entry.ExpectedSHA256,
		onProgress:     onProgress,
	})
}

func (m *Manager) start(req startRequest) (*Handle, error) {
	if err := req.key.Validate(); err != nil {
		return nil, err
	}
	if err := validateURL(req.url); err != nil {
		return nil, err
	}
	if req.destination == "" {
		return nil, fmt.Errorf("%w: destination is required", domain.ErrInvalidInput)
	}
	req.destination = filepath.Clean(req.destination)

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.active[req.key]; ok && h.task.live() {
		if rec := h.task.Snapshot(); rec.URL != req.url || rec.Destination != req.destination {
			m.logger.Warn("joining active download with different source",
				zap.Stringer("key", req.key),
				zap.String("active_url", rec.URL),
				zap.String("requested_url", req.url))
		}
		return h, nil
	}

	// nothing is persisted for a destination that cannot be written
	if err := m.fs.EnsureWritable(filepath.Dir(req.destination)); err != nil {
		return nil, domain.NewFilesystemError("start", req.destination, err)
	}

	rec, strategy, purged, err := m.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(rec); err != nil {
		return nil, fmt.Errorf("failed to persist download record: %w", err)
	}

	h := &Handle{
		task: newTask(m, rec, strategy, req.onProgress),
		done: make(chan struct{}),
	}
	m.active[req.key] = h
	delete(m.inactive, req.key)

	m.logger.Debug("download registered",
		zap.Stringer("key", req.key),
		zap.Stringer("strategy", strategy),
		zap.String("on_disk", humanize.Bytes(uint64(rec.BytesWritten))))

	for _, e := range purged {
		m.dispatch(e)
	}
	return h, nil
}

// resolve loads or creates the record for req and picks a strategy.
// Called with m.mu held.
func (m *Manager) resolve(req startRequest) (*domain.DownloadRecord, domain.ResumeStrategy, []event.DomainEvent, error) {
	var purged []event.DomainEvent

	rec, err := m.store.Get(req.key)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to load download record: %w", err)
	}

	if rec != nil && (rec.URL != req.url || rec.Destination != req.destination) {
		m.logger.Info("download source changed, discarding partial data",
			zap.Stringer("key", req.key),
			zap.String("old_url", rec.URL),
			zap.String("new_url", req.url))
		if err := m.removeFiles(rec); err != nil {
			return nil, 0, nil, err
		}
		rec = nil
	}

	if rec != nil {
		size, err := m.fs.Size(rec.WorkingPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			m.logger.Info("working file missing, purging record",
				zap.Stringer("key", req.key),
				zap.String("working_path", rec.WorkingPath))
			if err := m.purge(rec); err != nil {
				return nil, 0, nil, err
			}
			purged = append(purged, event.NewRecordPurged(req.key, "working file missing"))
			rec = nil

		case err != nil:
			return nil, 0, nil, domain.NewFilesystemError("stat", rec.WorkingPath, err)

		case rec.BytesTotal > 0 && size > rec.BytesTotal:
			m.logger.Warn("working file larger than remote entity, discarding",
				zap.Stringer("key", req.key),
				zap.Int64("size", size),
				zap.Int64("total", rec.BytesTotal))
			if err := m.removeFiles(rec); err != nil {
				return nil, 0, nil, err
			}
			rec = nil

		default:
			// segments left by a crash are not covered by the record
			if _, err := m.fs.DeleteGlob(domain.SegmentPattern(rec.WorkingPath)); err != nil {
				m.logger.Warn("failed to remove stale segments", zap.Error(err))
			}
			rec.UpdateProgress(size, 0)
		}
	}

	if rec == nil {
		rec = domain.NewDownloadRecord(req.key, req.url, req.destination, m.opts.WorkingSuffix)
		rec.ExpectedSHA256 = req.expectedSHA256
		return rec, domain.StrategyFresh, purged, nil
	}

	if req.expectedSHA256 != "" {
		rec.ExpectedSHA256 = req.expectedSHA256
	}
	return rec, m.planStrategy(rec), purged, nil
}

func (m *Manager) planStrategy(rec *domain.DownloadRecord) domain.ResumeStrategy {
	switch {
	case rec.BytesWritten > 0 && len(rec.ResumeToken) > 0 && m.transport.SupportsResumeToken():
		return domain.StrategyToken
	case rec.BytesWritten > 0 && rec.BytesTotal > 0:
		return domain.StrategyRange
	default:
		return domain.StrategyFresh
	}
}

// Execute drives the handle's task and returns the destination path. Only
// the first caller runs the task; later callers wait for its result.
// Cancelling ctx while the task runs cancels the download and removes its
// partial data.
func (m *Manager) Execute(ctx context.Context, h *Handle) (string, error) {
	if h.claimed.CompareAndSwap(false, true) {
		path, err := h.task.run(ctx)
		m.finish(h, path, err)
		return path, err
	}

	select {
	case <-h.done:
		return h.path, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) finish(h *Handle, path string, err error) {
	key := h.Key()

	m.mu.Lock()
	if m.active[key] == h {
		delete(m.active, key)
	}
	if _, replaced := m.active[key]; !replaced {
		switch st := h.task.State(); st {
		case domain.TaskPaused, domain.TaskFailed:
			m.inactive[key] = st
		default:
			delete(m.inactive, key)
		}
	}
	m.mu.Unlock()

	h.path, h.err = path, err
	close(h.done)
}

// Pause asks the active task for key to stop at the next chunk boundary.
// It returns without waiting. The paused record is persisted by the time
// Execute returns domain.ErrPaused; callers that did not run Execute
// themselves wait on Handle.Done before reading it.
func (m *Manager) Pause(key domain.DownloadKey) error {
	m.mu.Lock()
	h := m.active[key]
	_, known := m.inactive[key]
	m.mu.Unlock()

	if h != nil {
		h.task.requestPause()
		return nil
	}
	if known {
		return nil
	}

	rec, err := m.store.Get(key)
	if err != nil {
		return fmt.Errorf("failed to load download record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: no download for %s", domain.ErrNotFound, key)
	}
	return nil
}

// PauseAll pauses every active task and returns their keys
func (m *Manager) PauseAll() []domain.DownloadKey {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	keys := make([]domain.DownloadKey, 0, len(handles))
	for _, h := range handles {
		h.task.requestPause()
		keys = append(keys, h.Key())
	}
	return keys
}

// Cancel stops any task for key and deletes its partial files and record.
// Cancelling an unknown key is not an error. Once Cancel returns no further
// progress callback or record write happens for the cancelled task.
// Must not be called from inside that task's progress callback.
func (m *Manager) Cancel(key domain.DownloadKey) error {
	return m.cancel(key, "requested")
}

func (m *Manager) cancel(key domain.DownloadKey, reason string) error {
	var leftovers []*domain.DownloadRecord
	stopped := false

	for {
		m.mu.Lock()
		h := m.active[key]
		if h == nil {
			break
		}
		delete(m.active, key)
		m.mu.Unlock()

		if h.task.cancel() {
			<-h.task.finished
		}
		leftovers = append(leftovers, h.task.Snapshot())
		stopped = true
	}
	// m.mu is held here so no Start interleaves with the cleanup

	rec, err := m.store.Get(key)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to load download record: %w", err)
	}
	if rec != nil {
		leftovers = append(leftovers, rec)
	}

	if err := m.removeFiles(leftovers...); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.store.Delete(key); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	delete(m.inactive, key)
	m.mu.Unlock()

	if stopped || rec != nil {
		m.logger.Info("download cancelled", zap.Stringer("key", key), zap.String("reason", reason))
		m.dispatch(event.NewDownloadCancelled(key, reason))
	}
	return nil
}

// Status returns the record for key, live if a task is active, or nil
func (m *Manager) Status(key domain.DownloadKey) (*domain.DownloadRecord, error) {
	m.mu.Lock()
	h := m.active[key]
	m.mu.Unlock()

	if h != nil {
		return h.task.Snapshot(), nil
	}
	return m.store.Get(key)
}

// IsActive returns true if a live task is registered for key
func (m *Manager) IsActive(key domain.DownloadKey) bool {
	m.mu.Lock()
	h := m.active[key]
	m.mu.Unlock()
	return h != nil && h.task.live()
}

// State returns the in-memory state for key, if the manager knows it
func (m *Manager) State(key domain.DownloadKey) (domain.TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.active[key]; ok {
		return h.task.State(), true
	}
	st, ok := m.inactive[key]
	return st, ok
}

// RecoverOnStartup loads persisted records as Idle and purges those whose
// working file is gone. It never starts a download.
func (m *Manager) RecoverOnStartup() (int, error) {
	records, err := m.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list download records: %w", err)
	}

	var purged []event.DomainEvent
	recovered := 0

	m.mu.Lock()
	for _, rec := range records {
		if _, ok := m.active[rec.Key]; ok {
			continue
		}

		if !m.fs.Exists(rec.WorkingPath) {
			if err := m.purge(rec); err != nil {
				m.logger.Warn("failed to purge orphaned record",
					zap.Stringer("key", rec.Key), zap.Error(err))
				continue
			}
			m.logger.Info("purged orphaned download record",
				zap.Stringer("key", rec.Key),
				zap.String("working_path", rec.WorkingPath))
			purged = append(purged, event.NewRecordPurged(rec.Key, "working file missing"))
			continue
		}

		if _, err := m.fs.DeleteGlob(domain.SegmentPattern(rec.WorkingPath)); err != nil {
			m.logger.Warn("failed to remove stale segments", zap.Error(err))
		}
		m.inactive[rec.Key] = domain.TaskIdle
		recovered++
	}
	m.mu.Unlock()

	for _, e := range purged {
		m.dispatch(e)
	}

	m.logger.Info("recovered interrupted downloads",
		zap.Int("recovered", recovered),
		zap.Int("purged", len(purged)))
	return recovered, nil
}

// CleanupStale removes downloads started more than maxAge ago, whatever
// their state, together with their partial files
func (m *Manager) CleanupStale(maxAge time.Duration) (int, error) {
	records, err := m.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list download records: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, rec := range records {
		if !rec.StartedAt.Before(cutoff) {
			continue
		}
		if err := m.cancel(rec.Key, "stale"); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("removed stale downloads",
			zap.Int("count", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

// PendingDownloads returns every unfinished download, oldest first
func (m *Manager) PendingDownloads() ([]*domain.DownloadRecord, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list download records: %w", err)
	}

	m.mu.Lock()
	for i, rec := range records {
		if h, ok := m.active[rec.Key]; ok {
			records[i] = h.task.Snapshot()
		}
	}
	m.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

func (m *Manager) save(rec *domain.DownloadRecord) error {
	return m.store.Save(rec)
}

func (m *Manager) forget(key domain.DownloadKey) error {
	return m.store.Delete(key)
}

// purge deletes a record together with the segments and concatenation
// output left next to its files
func (m *Manager) purge(rec *domain.DownloadRecord) error {
	if _, err := m.fs.DeleteGlob(domain.SegmentPattern(rec.WorkingPath)); err != nil {
		m.logger.Warn("failed to remove stale segments", zap.Error(err))
	}
	if err := m.fs.Delete(domain.ConcatPath(rec.Destination)); err != nil {
		m.logger.Warn("failed to remove stale concatenation output", zap.Error(err))
	}
	if err := m.store.Delete(rec.Key); err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	return nil
}

// removeFiles deletes the working file, segments and any half-built
// concatenation output of each record
func (m *Manager) removeFiles(recs ...*domain.DownloadRecord) error {
	for _, rec := range recs {
		if rec == nil || rec.WorkingPath == "" {
			continue
		}
		p := rec.WorkingPath
		if err := m.fs.Delete(p); err != nil {
			return domain.NewFilesystemError("delete", p, err)
		}
		if _, err := m.fs.DeleteGlob(domain.SegmentPattern(p)); err != nil {
			return domain.NewFilesystemError("delete", p, err)
		}
		if rec.Destination != "" {
			concat := domain.ConcatPath(rec.Destination)
			if err := m.fs.Delete(concat); err != nil {
				return domain.NewFilesystemError("delete", concat, err)
			}
		}
	}
	return nil
}

func (m *Manager) dispatch(e event.DomainEvent) {
	m.opts.Events.Dispatch(e)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", domain.ErrInvalidInput, raw)
	}
	return nil
}
