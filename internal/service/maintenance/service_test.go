package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/adapter/filesystem"
	"github.com/vertextoedge/fetchd/internal/domain"
)

// mockCleaner implements StaleCleaner for testing
type mockCleaner struct {
	mu      sync.Mutex
	count   int
	err     error
	called  int
	lastAge time.Duration
}

func (m *mockCleaner) CleanupStale(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	m.lastAge = maxAge
	return m.count, m.err
}

func (m *mockCleaner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

// mockSweeper implements SegmentSweeper for testing
type mockSweeper struct {
	mu    sync.Mutex
	roots []string
	err   error
}

func (m *mockSweeper) CleanOldSegments(dir string, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots = append(m.roots, dir)
	return 1, m.err
}

func TestService_New(t *testing.T) {
	logger := zap.NewNop()

	// Test with nil config (should use defaults)
	s := New(nil, &mockCleaner{}, &mockSweeper{}, logger)
	if s == nil {
		t.Fatal("New() returned nil")
	}
	if s.config.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want %v", s.config.CleanupInterval, time.Hour)
	}

	// Zero fields fall back to defaults
	s = New(&Config{CleanupInterval: 2 * time.Minute}, &mockCleaner{}, &mockSweeper{}, logger)
	if s.config.CleanupInterval != 2*time.Minute {
		t.Errorf("CleanupInterval = %v, want %v", s.config.CleanupInterval, 2*time.Minute)
	}
	if s.config.StaleMaxAge != 7*24*time.Hour {
		t.Errorf("StaleMaxAge = %v, want %v", s.config.StaleMaxAge, 7*24*time.Hour)
	}
	if s.config.SegmentMaxAge != 24*time.Hour {
		t.Errorf("SegmentMaxAge = %v, want %v", s.config.SegmentMaxAge, 24*time.Hour)
	}
}

func TestService_StartStop(t *testing.T) {
	cleaner := &mockCleaner{count: 2}
	sweeper := &mockSweeper{}

	cfg := &Config{
		CleanupInterval: 10 * time.Millisecond,
		StaleMaxAge:     time.Hour,
		SegmentMaxAge:   time.Minute,
		SegmentRoots:    []string{"/a", "/b"},
	}
	s := New(cfg, cleaner, sweeper, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	// Wait for maintenance to run at least once
	time.Sleep(50 * time.Millisecond)

	cancel()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	if cleaner.calls() == 0 {
		t.Error("CleanupStale was not called")
	}
	cleaner.mu.Lock()
	if cleaner.lastAge != time.Hour {
		t.Errorf("CleanupStale maxAge = %v, want %v", cleaner.lastAge, time.Hour)
	}
	cleaner.mu.Unlock()

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if len(sweeper.roots) < 2 || sweeper.roots[0] != "/a" || sweeper.roots[1] != "/b" {
		t.Errorf("swept roots = %v, want /a then /b", sweeper.roots)
	}
}

func TestService_DoubleStart(t *testing.T) {
	s := New(nil, &mockCleaner{}, &mockSweeper{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err == nil {
			t.Error("second Start() returned nil, want error")
		}
	case <-time.After(time.Second):
		t.Fatal("second Start() blocked")
	}
}

func TestService_RunOnceSurvivesErrors(t *testing.T) {
	cleaner := &mockCleaner{err: errors.New("store offline")}
	sweeper := &mockSweeper{err: errors.New("permission denied")}

	s := New(&Config{SegmentRoots: []string{"/a"}}, cleaner, sweeper, zap.NewNop())
	s.RunOnce()
	s.RunOnce()

	if cleaner.calls() != 2 {
		t.Errorf("CleanupStale called %d times, want 2", cleaner.calls())
	}
}

func TestService_SweepsRealSegments(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "a.bin.partial"+domain.SegmentMarker+"x")
	concat := domain.ConcatPath(filepath.Join(dir, "b.bin"))
	past := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{seg, concat} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}

	s := New(&Config{SegmentRoots: []string{dir}}, &mockCleaner{}, filesystem.NewManager(), zap.NewNop())
	s.RunOnce()

	for _, p := range []string{seg, concat} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still present, stat err = %v", filepath.Base(p), err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, time.Hour)
	}
	if cfg.StaleMaxAge != 7*24*time.Hour {
		t.Errorf("StaleMaxAge = %v, want %v", cfg.StaleMaxAge, 7*24*time.Hour)
	}
	if cfg.SegmentMaxAge != 24*time.Hour {
		t.Errorf("SegmentMaxAge = %v, want %v", cfg.SegmentMaxAge, 24*time.Hour)
	}
}
