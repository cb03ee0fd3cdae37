package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Clean removes leftovers that no admission will ever reference again:
// temp files from interrupted writes and bodies no pointer refers to. Only
// files older than grace are touched, so in-flight admissions are safe.
func (s *Store) Clean(grace time.Duration) (int, error) {
	dirs := []string{s.bodies}
	if fi, ok := s.index.(*fileIndex); ok {
		dirs = append(dirs, fi.dir)
	}

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("cache: list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || time.Since(info.ModTime()) < grace {
				continue
			}

			reason := ""
			switch {
			case strings.HasPrefix(e.Name(), tmpPrefix):
				reason = "temp"
			case dir == s.bodies && s.orphaned(e.Name()):
				reason = "orphan"
			default:
				continue
			}

			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				s.logger.Warn("janitor failed to remove file", "file", e.Name(), "error", err)
				continue
			}
			removed++
			if s.metrics != nil {
				s.metrics.CacheEvictions.WithLabelValues(reason).Inc()
			}
		}
	}
	return removed, nil
}

// orphaned reports whether no pointer references the body file location.
func (s *Store) orphaned(location string) bool {
	name, ok := nameOf(location)
	if !ok {
		return true
	}
	ptr, err := s.index.Get(name)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return err == nil && ptr.Location != location
}

// Janitor runs Store.Clean on a cron schedule.
type Janitor struct {
	store    *Store
	schedule string
	grace    time.Duration
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewJanitor creates a janitor for store. An empty schedule disables it.
func NewJanitor(store *Store, schedule string, grace time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		schedule: schedule,
		grace:    grace,
		cron:     cron.New(),
		logger:   logger.With("component", "cache.janitor"),
	}
}

// Start schedules cleaning runs. Common schedules:
//   - "@hourly"      - every hour
//   - "*/15 * * * *" - every 15 minutes
//   - "0 4 * * *"    - daily at 4 AM
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.schedule == "" {
		j.logger.Info("janitor schedule not configured, skipping")
		return nil
	}

	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", j.schedule, err)
	}
	if _, err := j.cron.AddFunc(j.schedule, j.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	j.cron.Start()
	j.running = true

	j.logger.Info("cache janitor started",
		"schedule", j.schedule,
		"grace", j.grace.String(),
	)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()

	return nil
}

// RunOnce performs a single cleaning pass.
func (j *Janitor) RunOnce() {
	removed, err := j.store.Clean(j.grace)
	if err != nil {
		j.logger.Error("cache cleaning failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("cache cleaning completed", "removed", removed)
	} else {
		j.logger.Debug("cache cleaning completed, nothing removed")
	}
}

// Stop stops the schedule and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		ctx := j.cron.Stop()
		<-ctx.Done()
		j.running = false
		j.logger.Info("cache janitor stopped")
	}
}

// NextRun returns the next scheduled pass, or nil when not scheduled.
func (j *Janitor) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := j.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
