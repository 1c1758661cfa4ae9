package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaleCleaner removes downloads that have been pending for too long
type StaleCleaner interface {
	CleanupStale(maxAge time.Duration) (int, error)
}

// SegmentSweeper removes orphaned range segment files
type SegmentSweeper interface {
	CleanOldSegments(dir string, olderThan time.Duration) (int, error)
}

// Config contains maintenance service configuration
type Config struct {
	// CleanupInterval is how often to run cleanup tasks
	CleanupInterval time.Duration

	// StaleMaxAge is how long a download may stay unfinished before it is removed
	StaleMaxAge time.Duration

	// SegmentMaxAge is the minimum age of a segment file before it is swept
	SegmentMaxAge time.Duration

	// SegmentRoots are the directories swept for orphaned segments and
	// interrupted concatenation outputs
	SegmentRoots []string
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: time.Hour,
		StaleMaxAge:     7 * 24 * time.Hour,
		SegmentMaxAge:   24 * time.Hour,
	}
}

// Service handles periodic maintenance tasks
type Service struct {
	config  *Config
	cleaner StaleCleaner
	sweeper SegmentSweeper
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service
func New(cfg *Config, cleaner StaleCleaner, sweeper SegmentSweeper, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.StaleMaxAge == 0 {
		cfg.StaleMaxAge = 7 * 24 * time.Hour
	}
	if cfg.SegmentMaxAge == 0 {
		cfg.SegmentMaxAge = 24 * time.Hour
	}

	return &Service{
		config:  cfg,
		cleaner: cleaner,
		sweeper: sweeper,
		logger:  logger.Named("maintenance"),
	}
}

// Start runs the maintenance loop until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Duration("stale_max_age", s.config.StaleMaxAge),
		zap.Strings("segment_roots", s.config.SegmentRoots))

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

// RunOnce performs one cleanup pass
func (s *Service) RunOnce() {
	s.cleanupStaleDownloads()
	s.sweepSegments()
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.RunOnce()
		}
	}
}

// cleanupStaleDownloads removes downloads older than StaleMaxAge
func (s *Service) cleanupStaleDownloads() {
	removed, err := s.cleaner.CleanupStale(s.config.StaleMaxAge)
	if err != nil {
		s.logger.Error("failed to cleanup stale downloads", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("cleaned up stale downloads", zap.Int("count", removed))
	}
}

// sweepSegments removes segment files and concatenation outputs no record
// points at anymore
func (s *Service) sweepSegments() {
	for _, root := range s.config.SegmentRoots {
		count, err := s.sweeper.CleanOldSegments(root, s.config.SegmentMaxAge)
		if err != nil {
			s.logger.Error("failed to sweep segment files",
				zap.String("root", root),
				zap.Error(err))
		} else if count > 0 {
			s.logger.Info("swept orphaned segment files",
				zap.String("root", root),
				zap.Int("count", count))
		}
	}
}
