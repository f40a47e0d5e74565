// Package scheduler triggers presence scans on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PetoAdam/homenavi/serial-presence/internal/presence"
)

// Scanner is the part of the presence engine the scheduler drives.
type Scanner interface {
	Scan(ctx context.Context) (presence.ScanResult, error)
}

type Scheduler struct {
	scanner Scanner
	spec    string
	cron    *cron.Cron
	entry   cron.EntryID
	timeout time.Duration
}

// New validates spec (six-field cron with seconds, or a descriptor such as
// "@every 5s"). Ticks that arrive while a scan is still running are dropped.
func New(s Scanner, spec string) (*Scheduler, error) {
	logger := slogLogger{}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	sch := &Scheduler{scanner: s, spec: spec, cron: c, timeout: 30 * time.Second}
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", spec, err)
	}
	return sch, nil
}

// Start registers the scan job and starts the cron loop. Scans run with a
// context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) })
	if err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}
	s.entry = id
	s.cron.Start()
	slog.Info("scan scheduler started", "schedule", s.spec)
	return nil
}

// RunOnce performs a single scan and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.scanner.Scan(scanCtx)
	if err != nil {
		slog.Warn("scheduled scan failed", "error", err, "degraded", res.Degraded)
		return
	}
	slog.Debug("scheduled scan done", "devices", len(res.Devices))
}

// Stop halts the schedule and waits for a running scan to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scan scheduler stopped")
}

type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
