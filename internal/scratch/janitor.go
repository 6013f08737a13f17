package scratch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps the scratch root for directories older than a
// TTL. Normal operation releases every area after its response is sent; the
// janitor only catches leftovers from crashes or kill -9.
type Janitor struct {
	manager *Manager
	ttl     time.Duration
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewJanitor creates a Janitor sweeping areas older than ttl.
func NewJanitor(m *Manager, ttl time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		manager: m,
		ttl:     ttl,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start schedules the sweep on the given cron spec (standard 5-field
// expression, e.g. "*/10 * * * *") and runs until ctx is canceled.
func (j *Janitor) Start(ctx context.Context, spec string) error {
	if _, err := j.cron.AddFunc(spec, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	go func() {
		<-ctx.Done()
		j.cron.Stop()
	}()
	j.logger.Info("scratch janitor started",
		slog.String("schedule", spec),
		slog.Duration("ttl", j.ttl),
	)
	return nil
}

// Sweep removes expired scratch directories. Errors on individual entries
// are logged and skipped so one stuck directory cannot stall the sweep.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.manager.Root)
	if err != nil {
		j.logger.Warn("scratch sweep failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-j.ttl)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.manager.Root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			j.logger.Warn("scratch sweep: removal failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("scratch sweep removed orphaned dirs", slog.Int("count", removed))
	}
}
