package usecase

import (
	"context"
	"log/slog"

	"SeiSync/internal/ports"
)

// Scheduler re-runs the sync periodically so records that stayed pending or
// errored get picked up again without operator intervention.
type Scheduler struct {
	driver ports.Scheduler
	job    func(context.Context)
	logger *slog.Logger
}

// NewScheduler binds a recurring job to the cron driver.
func NewScheduler(driver ports.Scheduler, job func(context.Context), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, job: job, logger: logger}
}

// Start registers the job with the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.job == nil {
		return nil
	}
	return s.driver.Start(ctx, func() {
		s.logger.Info("scheduled sync starting")
		s.job(ctx)
	})
}

// Stop tears down the underlying driver.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
