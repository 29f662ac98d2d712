// Package janitor removes expired export archives from the workspace.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/telemetry"
)

const defaultPattern = "*.zip"

// Config controls a Sweeper.
type Config struct {
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	// Pattern selects candidate files; defaults to *.zip.
	Pattern string
	Now     func() time.Time
	Logger  *zap.Logger
}

// Sweeper deletes files in Dir older than Retention.
type Sweeper struct {
	cfg Config
}

// New validates cfg and returns a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("janitor directory is required")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("janitor retention must be positive")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = defaultPattern
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("janitor pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Retention / 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.Named("janitor")
	return &Sweeper{cfg: cfg}, nil
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.cfg.Logger.Warn("workspace sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep removes expired files and returns how many were deleted. A missing
// directory is not an error: nothing has been exported yet.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace: %w", err)
	}
	cutoff := s.cfg.Now().Add(-s.cfg.Retention)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(s.cfg.Pattern, entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		s.cfg.Logger.Debug("expired archive removed", zap.String("file", entry.Name()), zap.Time("modified", info.ModTime()))
	}
	if removed > 0 {
		telemetry.ObserveSwept(removed)
		s.cfg.Logger.Info("workspace swept", zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}
