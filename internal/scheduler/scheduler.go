// Package scheduler triggers a run for the current partition date on a cron
// schedule. Ticks never overlap: a tick that fires while the previous run is
// still executing is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
)

// Runner executes one run synchronously.
type Runner interface {
	Run(ctx context.Context, params model.RunParams) (*model.Run, error)
}

// Scheduler manages the pipeline cron job.
type Scheduler struct {
	cron   *gocron.Scheduler
	runner Runner
	expr   string
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler firing on the standard 5-field cron expression
// expr, evaluated in loc. A nil logger uses slog.Default().
func New(runner Runner, expr string, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(loc),
		runner: runner,
		expr:   expr,
		loc:    loc,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start registers the job and starts the scheduler in the background. Runs
// started by the scheduler are cancelled when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	job, err := s.cron.Cron(s.expr).SingletonMode().Do(s.tick)
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule %q: %w", s.expr, err)
	}
	s.cron.StartAsync()

	s.logger.Info("scheduler started",
		"cron", s.expr,
		"timezone", s.loc.String(),
		"next_run", job.NextRun(),
	)
	return nil
}

// Stop stops scheduling and cancels an in-flight run.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// tick runs the pipeline for today's partition date.
func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	date := PartitionDate(s.now(), s.loc)

	s.logger.Info("scheduled run starting", "partition_date", model.FormatDate(date))
	run, err := s.runner.Run(ctx, model.RunParams{PartitionDate: date})
	switch {
	case errors.Is(err, runlock.ErrLocked):
		s.logger.Info("run already in progress, skipping tick", "partition_date", model.FormatDate(date))
	case err != nil:
		s.logger.Error("scheduled run failed", "partition_date", model.FormatDate(date), "err", err)
	default:
		s.logger.Info("scheduled run finished",
			"run_id", run.ID,
			"state", run.State,
			"partition_date", model.FormatDate(date),
		)
	}
}

// PartitionDate returns the calendar date of now in loc, as midnight UTC.
func PartitionDate(now time.Time, loc *time.Location) time.Time {
	return model.NormalizeDate(now.In(loc))
}
