package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/fetchd/internal/adapter/filesystem"
	"github.com/vertextoedge/fetchd/internal/adapter/httptransport"
	"github.com/vertextoedge/fetchd/internal/adapter/memory"
	"github.com/vertextoedge/fetchd/internal/adapter/recordstore"
	"github.com/vertextoedge/fetchd/internal/adapter/sqlite"
	"github.com/vertextoedge/fetchd/internal/config"
	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/domain/event"
	"github.com/vertextoedge/fetchd/internal/logger"
	"github.com/vertextoedge/fetchd/internal/port"
	"github.com/vertextoedge/fetchd/internal/service/download"
	"github.com/vertextoedge/fetchd/internal/service/maintenance"
	"github.com/vertextoedge/fetchd/internal/service/server"
	"github.com/vertextoedge/fetchd/internal/service/space"
	"github.com/vertextoedge/fetchd/internal/util/ratelimiter"
)

const version = "0.1.0"

// progressLogInterval throttles per-download progress lines
const progressLogInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger.Info("starting fetchd",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("catalog_entries", len(cfg.Catalog)),
	)

	// Open record storage
	var backend port.KVBackend
	var pinger server.Pinger
	if cfg.Storage.Path != "" {
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			zapLogger.Fatal("failed to open database", zap.Error(err), zap.String("path", cfg.Storage.Path))
		}
		defer store.Close()
		backend, pinger = store, store
	} else {
		zapLogger.Warn("storage.path is empty, download progress will not survive a restart")
		backend = memory.NewKV()
	}
	records := recordstore.New(backend, zapLogger)

	fsManager := filesystem.NewManager()

	transport := httptransport.NewClient(&httptransport.Config{
		UserAgent:             cfg.Transport.UserAgent,
		ResponseHeaderTimeout: cfg.Transport.GetResponseHeaderTimeout(),
		IdleConnTimeout:       cfg.Transport.GetIdleConnTimeout(),
		BufferSizeMB:          cfg.Transport.BufferSizeMB,
		MaxBytesPerSecond:     cfg.Transport.MaxBytesPerSecond,
		DisableResumeToken:    !cfg.Transport.ResumeTokens,
		EnableTracing:         cfg.Transport.Tracing,
	}, zapLogger)

	dispatcher := event.NewInMemoryDispatcher()
	dispatcher.Subscribe(event.NewLoggingHandler(zapLogger))

	manager := download.NewManager(records, fsManager, transport, zapLogger, &download.Options{
		WorkingSuffix:    cfg.Download.WorkingSuffix,
		ChunkSize:        cfg.Download.GetChunkSize(),
		ProgressInterval: cfg.Download.GetProgressInterval(),
		ProgressByteStep: cfg.Download.GetProgressByteStep(),
		Space:            space.NewChecker(fsManager, cfg.Download.MinFreeDiskPercent),
		Events:           dispatcher,
	})

	if _, err := manager.RecoverOnStartup(); err != nil {
		zapLogger.Fatal("failed to recover downloads", zap.Error(err))
	}
	if _, err := manager.CleanupStale(cfg.Download.GetStaleMaxAge()); err != nil {
		zapLogger.Error("failed to remove stale downloads", zap.Error(err))
	}

	entries := cfg.Entries()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start maintenance service
	maintenanceService := maintenance.New(&maintenance.Config{
		CleanupInterval: cfg.Download.GetCleanupInterval(),
		StaleMaxAge:     cfg.Download.GetStaleMaxAge(),
		SegmentMaxAge:   24 * time.Hour,
		SegmentRoots:    destinationDirs(entries),
	}, manager, fsManager, zapLogger)
	go func() {
		if err := maintenanceService.Start(ctx); err != nil && err != context.Canceled {
			zapLogger.Error("maintenance service stopped with error", zap.Error(err))
		}
	}()

	// Start HTTP admin API
	var httpServer *server.Server
	if cfg.HTTP.Enabled {
		httpServer = server.New(&server.Config{
			BindAddr:      cfg.HTTP.BindAddr,
			AdminUsername: cfg.HTTP.AdminUsername,
			AdminPassword: cfg.HTTP.AdminPassword,
			ReadTimeout:   cfg.HTTP.GetReadTimeout(),
			WriteTimeout:  cfg.HTTP.GetWriteTimeout(),
			IdleTimeout:   cfg.HTTP.GetIdleTimeout(),
		}, manager, pinger, zapLogger)
		go func() {
			if err := httpServer.Start(); err != nil {
				zapLogger.Fatal("HTTP server failed", zap.Error(err))
			}
		}()
	}

	var stopping atomic.Bool
	runner := &catalogRunner{manager: manager, logger: zapLogger, stopping: &stopping}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.run(ctx, entries, cfg.Download.ConcurrentDownloads)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
		zapLogger.Info("catalog finished",
			zap.Int32("completed", runner.completed.Load()),
			zap.Int32("paused", runner.paused.Load()),
			zap.Int32("failed", runner.failed.Load()))
		if httpServer != nil {
			zapLogger.Info("serving admin API until interrupted", zap.String("addr", cfg.HTTP.BindAddr))
			<-sigChan
		}
	case <-sigChan:
		zapLogger.Info("shutdown signal received, pausing downloads...")
		stopping.Store(true)
		paused := manager.PauseAll()
		zapLogger.Info("pause requested", zap.Int("active", len(paused)))
		<-done
	}

	cancel()
	maintenanceService.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
		}
		shutdownCancel()
	}

	zapLogger.Info("fetchd stopped")
	if runner.failed.Load() > 0 {
		logger.Sync()
		os.Exit(1)
	}
}

// catalogRunner downloads catalog entries with bounded concurrency
type catalogRunner struct {
	manager  *download.Manager
	logger   *zap.Logger
	stopping *atomic.Bool

	completed atomic.Int32
	paused    atomic.Int32
	failed    atomic.Int32
}

func (r *catalogRunner) run(ctx context.Context, entries []domain.CatalogEntry, limit int) {
	// Failures are counted, not returned: cancelling siblings would discard their data
	var g errgroup.Group
	g.SetLimit(limit)

	for _, entry := range entries {
		if r.stopping.Load() {
			r.paused.Add(1)
			continue
		}
		g.Go(func() error {
			r.fetch(ctx, entry)
			return nil
		})
	}
	g.Wait()
}

func (r *catalogRunner) fetch(ctx context.Context, entry domain.CatalogEntry) {
	key := entry.Key()
	log := r.logger.With(zap.Stringer("key", key))

	if r.stopping.Load() {
		r.paused.Add(1)
		return
	}

	limiter := ratelimiter.New(progressLogInterval)
	h, err := r.manager.StartEntry(entry, func(fraction float64, written, total int64) {
		if ok, _ := limiter.Allow(); !ok {
			return
		}
		if total > 0 {
			log.Info("download progress",
				zap.String("written", humanize.Bytes(uint64(written))),
				zap.String("total", humanize.Bytes(uint64(total))),
				zap.String("percent", fmt.Sprintf("%.1f%%", fraction*100)))
		} else {
			log.Info("download progress", zap.String("written", humanize.Bytes(uint64(written))))
		}
	})
	if err != nil {
		log.Error("failed to start download", zap.Error(err))
		r.failed.Add(1)
		return
	}

	// A shutdown that raced with StartEntry missed this task in PauseAll
	if r.stopping.Load() {
		r.manager.Pause(key)
	}

	path, err := r.manager.Execute(ctx, h)
	switch {
	case err == nil:
		log.Info("download ready", zap.String("path", path))
		r.completed.Add(1)
	case errors.Is(err, domain.ErrPaused):
		log.Info("download paused, it resumes on the next run")
		r.paused.Add(1)
	default:
		log.Error("download failed",
			zap.Bool("retryable", domain.IsRetryable(err)),
			zap.Error(err))
		r.failed.Add(1)
	}
}

func destinationDirs(entries []domain.CatalogEntry) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, e := range entries {
		if !seen[e.DestinationDirectory] {
			seen[e.DestinationDirectory] = true
			dirs = append(dirs, e.DestinationDirectory)
		}
	}
	sort.Strings(dirs)
	return dirs
}
