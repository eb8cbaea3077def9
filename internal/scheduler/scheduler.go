package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Refresher is implemented by the service layer to re-fetch the archive.
// Declared here to avoid a circular dependency on the service package.
type Refresher interface {
	Refresh(ctx context.Context, trigger string) error
}

// Scheduler re-fetches the weather archive on a fixed interval so lookups
// keep hitting a warm cache. The feed publishes roughly once per sol, so
// the interval is generous by default.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a new Scheduler. timeout bounds each refresh run; zero means
// 2 minutes, enough for the full archive document on a slow link.
func New(refresher Refresher, interval, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		refresher: refresher,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start schedules the periodic refresh and starts the underlying scheduler.
// The first run fires after one interval; boot warming covers startup.
func (s *Scheduler) Start() error {
	interval := s.interval
	if interval <= 0 {
		interval = time.Hour
	}

	_, err := s.scheduler.Every(interval).Do(s.runOnce)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.refresher.Refresh(ctx, "scheduled"); err != nil {
		if s.logger != nil {
			s.logger.Warn("scheduled archive refresh failed", zap.Error(err))
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("scheduled archive refresh complete")
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
