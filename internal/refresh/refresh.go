// Package refresh rebuilds every configured calendar on a cron schedule so
// that requests are answered from a warm cache.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"calmerge/internal/config"
	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

// Rebuilder recomputes one calendar and replaces its cached value.
type Rebuilder interface {
	Rebuild(ctx context.Context, cal *config.CalendarConfig) (*model.Calendar, error)
}

// Refresher owns the cron scheduler.
type Refresher struct {
	cron    *cron.Cron
	cfg     *config.Config
	engine  Rebuilder
	timeout time.Duration
}

// New validates schedule and registers the refresh job. timeout bounds one full
// run over all calendars.
func New(schedule string, loc *time.Location, cfg *config.Config, engine Rebuilder, timeout time.Duration) (*Refresher, error) {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	r := &Refresher{
		cron:    cron.New(cron.WithLocation(loc)),
		cfg:     cfg,
		engine:  engine,
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the scheduler in its own goroutine.
func (r *Refresher) Start() {
	appLog.Info("refresh scheduler started", "calendars", len(r.cfg.Calendars))
	r.cron.Start()
}

// Stop stops scheduling and waits for a running job to finish or ctx to
// expire.
func (r *Refresher) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("refresh job still running at shutdown")
	}
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.RunOnce(ctx)
}

// RunOnce rebuilds every calendar in name order. Failures are logged and do
// not stop the remaining calendars.
func (r *Refresher) RunOnce(ctx context.Context) int {
	failed := 0
	for _, name := range r.cfg.Names() {
		cal, _ := r.cfg.Calendar(name)
		out, err := r.engine.Rebuild(ctx, cal)
		if err != nil {
			failed++
			appLog.Error("scheduled refresh failed", err, "calendar", name)
			continue
		}
		appLog.Debug("scheduled refresh done", "calendar", name, "events", len(out.Events))
	}
	return failed
}
