package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/domain/event"
	"github.com/vertextoedge/fetchd/internal/port"
	"github.com/vertextoedge/fetchd/internal/util/ratelimiter"
)

// ProgressFunc receives progress for one key. Calls for a key are serialized
// and never report fewer bytes than an earlier call.
type ProgressFunc func(fraction float64, written, total int64)

// Task drives one key -> url -> destination download. It only mutates its
// own copy of the record and hands snapshots to the manager for persistence.
type Task struct {
	key        domain.DownloadKey
	mgr        *Manager
	logger     *zap.Logger
	strategy   domain.ResumeStrategy
	onProgress ProgressFunc
	limiter    *ratelimiter.Limiter

	// mu guards state and rec
	mu    sync.Mutex
	state domain.TaskState
	rec   *domain.DownloadRecord

	// fence orders progress delivery and persistence against cancel
	fence     sync.Mutex
	cancelled bool
	started   bool
	reported  int64

	paused  atomic.Bool
	abortMu sync.Mutex
	abort   context.CancelCauseFunc

	finished chan struct{}

	// owned by the goroutine running the task
	segment  string
	lastResp *port.FetchResponse
	used     domain.ResumeStrategy
}

func newTask(m *Manager, rec *domain.DownloadRecord, strategy domain.ResumeStrategy, onProgress ProgressFunc) *Task {
	return &Task{
		key:        rec.Key,
		mgr:        m,
		logger:     m.logger.With(zap.Stringer("key", rec.Key)),
		strategy:   strategy,
		onProgress: onProgress,
		limiter:    ratelimiter.NewWithByteStep(m.opts.ProgressInterval, m.opts.ProgressByteStep),
		state:      domain.TaskIdle,
		rec:        rec.Clone(),
		reported:   -1,
		finished:   make(chan struct{}),
		used:       strategy,
	}
}

// Key returns the download key
func (t *Task) Key() domain.DownloadKey {
	return t.key
}

// State returns the current state
func (t *Task) State() domain.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Strategy returns the strategy planned when the task was created
func (t *Task) Strategy() domain.ResumeStrategy {
	return t.strategy
}

// Snapshot returns a copy of the in-memory record
func (t *Task) Snapshot() *domain.DownloadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Clone()
}

// live reports whether a caller starting the same key should join this task
func (t *Task) live() bool {
	switch t.State() {
	case domain.TaskIdle, domain.TaskFetching, domain.TaskCompleting:
		return true
	default:
		return false
	}
}

func (t *Task) setState(to domain.TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := domain.Transition(t.state, to); err != nil {
		t.logger.Warn("ignoring state change", zap.Error(err))
		return
	}
	t.state = to
}

// requestPause asks the task to stop at the next chunk boundary
func (t *Task) requestPause() {
	t.paused.Store(true)
	t.abortFetch(domain.ErrPaused)
}

// cancel fences off further callbacks and persistence. It reports whether
// the task has started running, in which case the caller must wait for
// finished before touching the task's files.
func (t *Task) cancel() bool {
	t.fence.Lock()
	t.cancelled = true
	running := t.started
	t.fence.Unlock()

	if !running {
		t.setState(domain.TaskCancelled)
		return false
	}
	t.abortFetch(domain.ErrCancelled)
	return true
}

func (t *Task) isCancelled() bool {
	t.fence.Lock()
	defer t.fence.Unlock()
	return t.cancelled
}

func (t *Task) abortFetch(cause error) {
	t.abortMu.Lock()
	abort := t.abort
	t.abortMu.Unlock()
	if abort != nil {
		abort(cause)
	}
}

// run executes the task once and returns the destination path on success
func (t *Task) run(ctx context.Context) (string, error) {
	defer close(t.finished)

	t.fence.Lock()
	if t.cancelled {
		t.fence.Unlock()
		return "", domain.ErrCancelled
	}
	t.started = true
	t.fence.Unlock()

	t.setState(domain.TaskFetching)
	rec := t.Snapshot()
	t.mgr.dispatch(event.NewDownloadStarted(t.key, rec.URL, t.strategy, rec.BytesWritten))

	fetchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	t.abortMu.Lock()
	t.abort = abort
	t.abortMu.Unlock()
	if t.paused.Load() {
		abort(domain.ErrPaused)
	}

	if err := t.fetch(fetchCtx); err != nil {
		return "", t.stop(ctx, err)
	}
	return t.complete()
}

// stop settles the task after fetch returned err
func (t *Task) stop(ctx context.Context, err error) error {
	switch {
	case t.isCancelled():
		// Cancel removes the files once the task has finished
		t.setState(domain.TaskCancelled)
		return domain.ErrCancelled

	case ctx.Err() != nil:
		t.fence.Lock()
		t.cancelled = true
		t.fence.Unlock()

		t.discard()
		t.setState(domain.TaskCancelled)
		t.mgr.dispatch(event.NewDownloadCancelled(t.key, "context done"))
		return fmt.Errorf("%w: %w", domain.ErrCancelled, context.Cause(ctx))

	case t.paused.Load() || errors.Is(err, domain.ErrPaused):
		written, hasToken := t.settle(true)
		t.setState(domain.TaskPaused)
		t.logger.Info("download paused",
			zap.String("written", humanize.Bytes(uint64(written))),
			zap.Bool("has_token", hasToken))
		t.mgr.dispatch(event.NewDownloadPaused(t.key, written, t.Snapshot().BytesTotal, hasToken))
		return domain.ErrPaused

	default:
		written, _ := t.settle(false)
		t.setState(domain.TaskFailed)
		t.logger.Warn("download failed",
			zap.String("written", humanize.Bytes(uint64(written))),
			zap.Error(err))
		t.mgr.dispatch(event.NewDownloadFailed(t.key, written, err))
		return err
	}
}

// fetch receives every remaining byte into the working file, or into the
// working file plus a range segment
func (t *Task) fetch(ctx context.Context) error {
	switch t.strategy {
	case domain.StrategyToken:
		rec := t.Snapshot()
		size, err := t.mgr.fs.Size(rec.WorkingPath)
		if err == nil && size > 0 {
			ok, verr := t.mgr.transport.ValidateToken(ctx, rec.URL, rec.ResumeToken, size)
			if verr != nil && ctx.Err() != nil {
				return verr
			}
			if ok {
				return t.fetchToken(ctx, rec, size)
			}
			t.logger.Info("resume token rejected, trying range resume", zap.Error(verr))
		}
		t.clearToken()
		return t.fetchRange(ctx)

	case domain.StrategyRange:
		return t.fetchRange(ctx)

	default:
		return t.fetchFresh(ctx, nil)
	}
}

func (t *Task) fetchToken(ctx context.Context, rec *domain.DownloadRecord, size int64) error {
	resp, err := t.open(ctx, port.FetchRequest{URL: rec.URL, Offset: size, Token: rec.ResumeToken})
	if err != nil {
		return err
	}

	switch {
	case resp.Partial && resp.RangeStart == size:
		t.used = domain.StrategyToken
		t.resumed(size)
		return t.receive(ctx, resp, rec.WorkingPath, false, size, resp.Total-size)

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return t.rangeNotSatisfiable(ctx, resp, rec, size)

	case !resp.Partial:
		t.logger.Info("remote entity changed since pause, restarting from zero")
		return t.fetchFresh(ctx, fromStart(resp))

	default:
		resp.Body.Close()
		t.logger.Warn("server resumed at an unexpected offset, restarting from zero",
			zap.Int64("want", size), zap.Int64("got", resp.RangeStart))
		return t.fetchFresh(ctx, nil)
	}
}

func (t *Task) fetchRange(ctx context.Context) error {
	rec := t.Snapshot()

	// the file may be ahead of the record after a crash, so trust the disk
	size, err := t.mgr.fs.Size(rec.WorkingPath)
	if err != nil || size == 0 || rec.BytesTotal == 0 || size > rec.BytesTotal {
		return t.fetchFresh(ctx, nil)
	}

	resp, err := t.open(ctx, port.FetchRequest{URL: rec.URL, Offset: size})
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return t.rangeNotSatisfiable(ctx, resp, rec, size)

	case !resp.Partial:
		t.logger.Warn("server ignored range request, restarting from zero",
			zap.Int("status", resp.StatusCode),
			zap.Int64("offset", size))
		return t.fetchFresh(ctx, fromStart(resp))

	case resp.RangeStart != size:
		resp.Body.Close()
		t.logger.Warn("server resumed at an unexpected offset, restarting from zero",
			zap.Int64("want", size), zap.Int64("got", resp.RangeStart))
		return t.fetchFresh(ctx, nil)

	case resp.Total > 0 && resp.Total != rec.BytesTotal:
		resp.Body.Close()
		t.logger.Info("remote size changed, restarting from zero",
			zap.Int64("recorded", rec.BytesTotal), zap.Int64("remote", resp.Total))
		return t.fetchFresh(ctx, nil)
	}

	t.segment = rec.WorkingPath + domain.SegmentMarker + uuid.NewString()
	t.used = domain.StrategyRange
	t.resumed(size)

	// concatenation needs room for the whole destination next to both inputs
	return t.receive(ctx, resp, t.segment, true, size, (resp.Total-size)+resp.Total)
}

// rangeNotSatisfiable treats a 416 for a working file that already holds
// every byte as a finished download
func (t *Task) rangeNotSatisfiable(ctx context.Context, resp *port.FetchResponse, rec *domain.DownloadRecord, size int64) error {
	resp.Body.Close()

	if rec.BytesTotal > 0 && size == rec.BytesTotal && (resp.Total == 0 || resp.Total == size) {
		t.logger.Info("working file already complete",
			zap.String("size", humanize.Bytes(uint64(size))))
		if !t.progress(size, size) {
			return domain.ErrCancelled
		}
		return nil
	}

	t.logger.Info("range not satisfiable, restarting from zero",
		zap.Int64("offset", size),
		zap.Int64("remote_total", resp.Total))
	return t.fetchFresh(ctx, nil)
}

// fetchFresh downloads from byte 0. resp, when given, is an already open
// response carrying the entity from its first byte.
func (t *Task) fetchFresh(ctx context.Context, resp *port.FetchResponse) error {
	rec := t.Snapshot()

	if resp == nil {
		var err error
		resp, err = t.open(ctx, port.FetchRequest{URL: rec.URL})
		if err != nil {
			return err
		}
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || (resp.Partial && resp.RangeStart != 0) {
		resp.Body.Close()
		return domain.NewTransportError("open", rec.URL, resp.StatusCode,
			errors.New("server did not send the entity from its first byte"))
	}

	if _, err := t.mgr.fs.DeleteGlob(domain.SegmentPattern(rec.WorkingPath)); err != nil {
		t.logger.Warn("failed to remove stale segments", zap.Error(err))
	}
	t.used = domain.StrategyFresh
	return t.receive(ctx, resp, rec.WorkingPath, true, 0, resp.Total)
}

// fromStart returns resp if its body begins at the first entity byte. A 206
// whose range could not be read is closed and nil is returned.
func fromStart(resp *port.FetchResponse) *port.FetchResponse {
	if resp.StatusCode == http.StatusPartialContent {
		resp.Body.Close()
		return nil
	}
	return resp
}

func (t *Task) open(ctx context.Context, req port.FetchRequest) (*port.FetchResponse, error) {
	resp, err := t.mgr.transport.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	t.lastResp = resp
	return resp, nil
}

func (t *Task) resumed(from int64) {
	t.logger.Info("resuming download",
		zap.Stringer("strategy", t.used),
		zap.String("from", humanize.Bytes(uint64(from))))
	t.mgr.dispatch(event.NewDownloadResumed(t.key, t.used, from))
}

// receive streams resp into path. base is the entity offset of the first
// body byte; truncate starts path over from empty.
func (t *Task) receive(ctx context.Context, resp *port.FetchResponse, path string, truncate bool, base, spaceNeeded int64) error {
	defer resp.Body.Close()

	if err := t.checkSpace(path, spaceNeeded); err != nil {
		return err
	}

	f, err := t.mgr.fs.OpenWrite(path, truncate)
	if err != nil {
		return domain.NewFilesystemError("open", path, err)
	}

	if base == 0 {
		t.restart(resp.Total)
	}

	written, streamErr := t.stream(ctx, resp.Body, f, path, base, resp.Total)
	syncErr := f.Sync()
	closeErr := f.Close()

	switch {
	case streamErr != nil:
		return streamErr
	case syncErr != nil:
		return domain.NewFilesystemError("sync", path, syncErr)
	case closeErr != nil:
		return domain.NewFilesystemError("close", path, closeErr)
	}

	if resp.Total > 0 && written != resp.Total {
		return domain.NewTransportError("read", t.Snapshot().URL, resp.StatusCode,
			fmt.Errorf("%w: got %d of %d bytes", domain.ErrIncompleteDownload, written, resp.Total))
	}
	return nil
}

// stream copies body to w one chunk at a time. Progress is reported after
// every chunk and pause is honoured only between chunks.
func (t *Task) stream(ctx context.Context, body io.Reader, w io.Writer, path string, base, total int64) (int64, error) {
	buf := make([]byte, t.mgr.opts.ChunkSize)
	written := base

	for {
		n, rerr := readChunk(body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, domain.NewFilesystemError("write", path, err)
			}
			written += int64(n)
			if !t.progress(written, total) {
				return written, domain.ErrCancelled
			}
		}

		if rerr == io.EOF {
			return written, nil
		}
		if t.paused.Load() {
			return written, domain.ErrPaused
		}
		if ctx.Err() != nil {
			return written, context.Cause(ctx)
		}
		if rerr != nil {
			return written, domain.NewTransportError("read", t.Snapshot().URL, 0, rerr)
		}
	}
}

// readChunk fills buf unless the reader ends or fails first
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// progress records written bytes, notifies the caller and persists on the
// limiter's cadence. It returns false once the task has been cancelled.
func (t *Task) progress(written, total int64) bool {
	t.fence.Lock()
	defer t.fence.Unlock()

	if t.cancelled {
		return false
	}

	t.mu.Lock()
	t.rec.UpdateProgress(written, total)
	snap := t.rec.Clone()
	t.mu.Unlock()

	// a restart from zero stays silent until it passes the previous high mark
	if t.onProgress != nil && written > t.reported {
		t.reported = written
		t.onProgress(snap.Fraction(), written, snap.BytesTotal)
	}

	if t.limiter.AllowBytes(written) {
		if err := t.mgr.save(snap); err != nil {
			t.logger.Warn("failed to persist progress", zap.Error(err))
		}
	}
	return true
}

// restart forgets earlier progress once the working file has been truncated
func (t *Task) restart(total int64) {
	t.fence.Lock()
	defer t.fence.Unlock()

	if t.cancelled {
		return
	}

	t.mu.Lock()
	t.rec.ResetProgress()
	t.rec.UpdateProgress(0, total)
	snap := t.rec.Clone()
	t.mu.Unlock()

	if err := t.mgr.save(snap); err != nil {
		t.logger.Warn("failed to persist restart", zap.Error(err))
	}
	t.limiter.Mark(0)
}

func (t *Task) clearToken() {
	t.mu.Lock()
	t.rec.ResumeToken = nil
	t.mu.Unlock()
}

// settle folds any range segment back into the working file and persists
// the size actually on disk, so a later start resumes from real bytes
func (t *Task) settle(captureToken bool) (int64, bool) {
	working := t.Snapshot().WorkingPath

	if t.segment != "" {
		if err := t.mgr.fs.Append(working, t.segment); err != nil {
			t.logger.Warn("failed to fold segment into working file", zap.Error(err))
		}
		if err := t.mgr.fs.Delete(t.segment); err != nil {
			t.logger.Warn("failed to remove segment", zap.Error(err))
		}
		t.segment = ""
	}

	written, err := t.mgr.fs.Size(working)
	if err != nil {
		written = 0
	}

	t.fence.Lock()
	defer t.fence.Unlock()

	t.mu.Lock()
	t.rec.UpdateProgress(written, 0)
	if captureToken && t.mgr.transport.SupportsResumeToken() {
		t.rec.ResumeToken = t.mgr.transport.Token(t.lastResp, written)
	}
	hasToken := len(t.rec.ResumeToken) > 0
	snap := t.rec.Clone()
	t.mu.Unlock()

	if t.cancelled {
		return written, hasToken
	}
	if err := t.mgr.save(snap); err != nil {
		t.logger.Error("failed to persist progress", zap.Error(err))
	}
	t.limiter.Mark(written)
	return written, hasToken
}

// discard removes every artifact of the download, including its record
func (t *Task) discard() {
	rec := t.Snapshot()
	if t.segment != "" {
		t.mgr.fs.Delete(t.segment)
		t.segment = ""
	}
	if err := t.mgr.removeFiles(rec); err != nil {
		t.logger.Warn("failed to remove partial files", zap.Error(err))
	}
	if err := t.mgr.forget(t.key); err != nil {
		t.logger.Warn("failed to delete download record", zap.Error(err))
	}
}

func (t *Task) checkSpace(path string, needed int64) error {
	if t.mgr.opts.Space == nil || needed <= 0 {
		return nil
	}

	dir := filepath.Dir(path)
	result, err := t.mgr.opts.Space.CheckSpace(dir, needed)
	if err != nil {
		t.logger.Warn("space check failed", zap.Error(err))
		return nil
	}
	if !result.HasSpace {
		return domain.NewFilesystemError("reserve", dir,
			fmt.Errorf("%w: need %s, %s free", domain.ErrInsufficientSpace,
				humanize.Bytes(uint64(needed)), humanize.Bytes(result.FreeBytes)))
	}
	return nil
}

// complete verifies and places the received bytes at the destination
func (t *Task) complete() (string, error) {
	if t.isCancelled() {
		t.setState(domain.TaskCancelled)
		return "", domain.ErrCancelled
	}
	t.setState(domain.TaskCompleting)

	rec := t.Snapshot()
	sources := []string{rec.WorkingPath}
	if t.segment != "" {
		sources = append(sources, t.segment)
	}

	if rec.ExpectedSHA256 != "" {
		sum, err := t.mgr.fs.SHA256(sources...)
		if err != nil {
			return "", t.failCompletion(domain.NewFilesystemError("verify", rec.WorkingPath, err))
		}
		if !strings.EqualFold(sum, rec.ExpectedSHA256) {
			err := fmt.Errorf("%w: got %s, want %s", domain.ErrChecksumMismatch, sum, rec.ExpectedSHA256)
			// mismatched bytes are never resumed
			t.discard()
			t.setState(domain.TaskFailed)
			t.logger.Warn("checksum mismatch, partial data discarded", zap.Error(err))
			t.mgr.dispatch(event.NewDownloadFailed(t.key, rec.BytesWritten, err))
			return "", err
		}
	}

	if t.segment != "" {
		if err := t.mgr.fs.Concatenate(rec.WorkingPath, t.segment, rec.Destination); err != nil {
			return "", t.failCompletion(domain.NewFilesystemError("concatenate", rec.Destination, err))
		}
		for _, p := range sources {
			if err := t.mgr.fs.Delete(p); err != nil {
				t.logger.Warn("failed to remove merged input", zap.String("path", p), zap.Error(err))
			}
		}
		t.segment = ""
	} else if err := t.mgr.fs.AtomicPlace(rec.WorkingPath, rec.Destination); err != nil {
		return "", t.failCompletion(domain.NewFilesystemError("place", rec.Destination, err))
	}

	if err := t.mgr.forget(t.key); err != nil {
		t.logger.Warn("failed to delete completed download record", zap.Error(err))
	}
	t.setState(domain.TaskCompleted)

	size, _ := t.mgr.fs.Size(rec.Destination)
	t.logger.Info("download completed",
		zap.String("destination", rec.Destination),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Stringer("strategy", t.used))
	t.mgr.dispatch(event.NewDownloadCompleted(t.key, rec.Destination, size, t.used))
	return rec.Destination, nil
}

func (t *Task) failCompletion(err error) error {
	written, _ := t.settle(false)
	t.setState(domain.TaskFailed)
	t.logger.Error("failed to place download", zap.Error(err))
	t.mgr.dispatch(event.NewDownloadFailed(t.key, written, err))
	return err
}
