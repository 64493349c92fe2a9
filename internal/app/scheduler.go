/**
 * @description
 * Cron scheduler for the two billing cycles.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cycle is one engine run.
type Cycle interface {
	Name() string
	Run(ctx context.Context) error
}

type cycleFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (c cycleFunc) Name() string                  { return c.name }
func (c cycleFunc) Run(ctx context.Context) error { return c.run(ctx) }

// ReconcileCycle adapts a Reconciler to the scheduler.
func ReconcileCycle(r *Reconciler) Cycle {
	return cycleFunc{name: "payment_reconciliation", run: func(ctx context.Context) error {
		_, err := r.RunCycle(ctx)
		return err
	}}
}

// LifecycleCycle adapts a Lifecycle to the scheduler.
func LifecycleCycle(l *Lifecycle) Cycle {
	return cycleFunc{name: "resource_lifecycle", run: func(ctx context.Context) error {
		_, err := l.RunCycle(ctx)
		return err
	}}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	logger    *slog.Logger
	reconcile Cycle
	lifecycle Cycle
	pollEvery time.Duration
	scanEvery time.Duration
}

// NewScheduler creates a new scheduler instance. A job that is still running
// when its next tick fires is skipped for that tick.
func NewScheduler(reconcile, lifecycle Cycle, pollEvery, scanEvery time.Duration, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		logger:    logger,
		reconcile: reconcile,
		lifecycle: lifecycle,
		pollEvery: pollEvery,
		scanEvery: scanEvery,
	}
}

// Start runs the lifecycle cycle once, then registers both jobs and starts
// the cron scheduler.
func (s *Scheduler) Start() {
	if s.lifecycle != nil {
		s.runCycle(s.lifecycle)
	}

	s.schedule(s.reconcile, s.pollEvery)
	s.schedule(s.lifecycle, s.scanEvery)

	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) schedule(cycle Cycle, every time.Duration) {
	if cycle == nil {
		return
	}
	spec := fmt.Sprintf("@every %s", every)
	if _, err := s.cron.AddFunc(spec, func() { s.runCycle(cycle) }); err != nil {
		s.logger.Error("failed to schedule job", "job", cycle.Name(), "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", cycle.Name(), "schedule", spec)
}

// runCycle uses a fresh context: a started cycle runs its scanned set to the
// end even during shutdown.
func (s *Scheduler) runCycle(cycle Cycle) {
	start := time.Now()
	err := cycle.Run(context.Background())
	switch {
	case err == nil:
		s.logger.Debug("job finished", "job", cycle.Name(), "duration", time.Since(start))
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Info("job skipped; previous run still in progress", "job", cycle.Name())
	default:
		s.logger.Error("job failed", "job", cycle.Name(), "error", err, "duration", time.Since(start))
	}
}
