// Package maintenance runs the dispatcher's periodic filesystem upkeep:
// removing orphaned ".tmp" files left by a crash mid-write, pruning empty
// source directories, and watching the storage root's disk usage so a
// filling disk is caught before WriteFile starts failing mid-download.
// Grounded on the teacher's internal/service/maintenance.Service
// maintenanceLoop shape, trimmed of the stale-download-task and
// failed-task cleanup concerns that belonged to the teacher's own cache
// eviction domain and have no analogue here.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/port"
)

// Config contains maintenance service configuration.
type Config struct {
	// CleanupInterval is how often temp files and empty directories are swept.
	CleanupInterval time.Duration
	// TempFileMaxAge is the minimum age before an orphaned temp file is removed.
	TempFileMaxAge time.Duration
	// DiskCheckInterval is how often disk usage under the storage root is sampled.
	DiskCheckInterval time.Duration
	// MaxDiskUsagePercent escalates to the Supervisor as a PersistentIO
	// error once disk usage under the storage root crosses it.
	MaxDiskUsagePercent float64
}

// DefaultConfig returns default maintenance configuration.
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval:     time.Hour,
		TempFileMaxAge:      24 * time.Hour,
		DiskCheckInterval:   time.Minute,
		MaxDiskUsagePercent: 95,
	}
}

// Service runs periodic filesystem upkeep over the storage root.
type Service struct {
	cfg *Config
	fs  port.FileSystem
	log *zap.SugaredLogger
}

// New creates a maintenance Service.
func New(cfg *Config, fs port.FileSystem, log *zap.SugaredLogger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.TempFileMaxAge <= 0 {
		cfg.TempFileMaxAge = 24 * time.Hour
	}
	if cfg.DiskCheckInterval <= 0 {
		cfg.DiskCheckInterval = time.Minute
	}
	if cfg.MaxDiskUsagePercent <= 0 {
		cfg.MaxDiskUsagePercent = 95
	}
	return &Service{cfg: cfg, fs: fs, log: log}
}

// Run blocks, sweeping on CleanupInterval and checking disk usage on
// DiskCheckInterval, until ctx is cancelled. A storage root that has
// crossed MaxDiskUsagePercent returns a PersistentIO error so the
// Supervisor escalates regardless of this task's restart policy.
func (s *Service) Run(ctx context.Context) error {
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	diskTicker := time.NewTicker(s.cfg.DiskCheckInterval)
	defer diskTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.NewCancelledError(ctx.Err())
		case <-cleanupTicker.C:
			s.sweep()
		case <-diskTicker.C:
			if err := s.checkDiskUsage(); err != nil {
				return err
			}
		}
	}
}

func (s *Service) sweep() {
	removed, err := s.fs.CleanOldTempFiles(s.cfg.TempFileMaxAge)
	if err != nil {
		s.log.Warnw("failed to clean old temp files", "error", err)
	} else if removed > 0 {
		s.log.Infow("cleaned up orphaned temp files", "count", removed)
	}

	// CleanEmptyDirs is not part of port.FileSystem (it's a local-disk-only
	// cleanup with no meaningful analogue on other backends), so it is
	// invoked through an optional interface the way the SFTP Executor
	// invokes the dialer's optional Invalidate.
	if cleaner, ok := s.fs.(interface{ CleanEmptyDirs() error }); ok {
		if err := cleaner.CleanEmptyDirs(); err != nil {
			s.log.Warnw("failed to clean empty source directories", "error", err)
		}
	}
}

func (s *Service) checkDiskUsage() error {
	usage, err := s.fs.GetDiskUsage()
	if err != nil {
		s.log.Warnw("failed to read storage root disk usage", "error", err)
		return nil
	}
	if usage.UsedPct >= s.cfg.MaxDiskUsagePercent {
		return domain.NewPersistentIOError(
			fmt.Errorf("storage root disk usage %.1f%% exceeds threshold %.1f%%", usage.UsedPct, s.cfg.MaxDiskUsagePercent),
			"maintenance disk usage check",
		)
	}
	return nil
}
