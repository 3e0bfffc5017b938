// Package sched triggers recurring bulk scans. Cron parsing is delegated
// entirely to gocron.
package sched

import (
	"context"
	"fmt"

	gocron "github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/bulk"
)

// Runner is the slice of the bulk orchestrator the scheduler depends on.
type Runner interface {
	ExecuteBulkScan(ctx context.Context, req bulk.Request) (bulk.Result, error)
	Active() []bulk.BatchStatus
}

// Scheduler fires named bulk scans on cron schedules.
type Scheduler struct {
	scheduler gocron.Scheduler
	runner    Runner
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, runner: runner, logger: logger}, nil
}

// Add registers a recurring bulk scan under name. The cron expression is
// validated by gocron when the job is created.
func (s *Scheduler) Add(name, cron string, req bulk.Request) error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(cron, false),
		gocron.NewTask(func() { s.fire(name, req) }),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// fire launches one scheduled execution. A firing is skipped while any
// batch from a previous firing is still active, so overlapping schedules
// cannot pile up.
func (s *Scheduler) fire(name string, req bulk.Request) {
	if len(s.runner.Active()) > 0 {
		s.logger.Warn("skipping scheduled bulk scan, previous batch still active",
			zap.String("schedule", name))
		return
	}
	res, err := s.runner.ExecuteBulkScan(context.Background(), req)
	if err != nil {
		s.logger.Error("scheduled bulk scan failed to start",
			zap.String("schedule", name), zap.Error(err))
		return
	}
	s.logger.Info("scheduled bulk scan started",
		zap.String("schedule", name),
		zap.String("batch_id", res.BatchID),
		zap.Int("total_images", res.TotalImages))
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler and waits for running tasks.
func (s *Scheduler) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}
