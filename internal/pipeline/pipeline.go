package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/ledger"
	"github.com/rickgao/sp500-pipeline/internal/metrics"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
)

// saveTimeout bounds a ledger write made after the run context is done.
const saveTimeout = 10 * time.Second

// stageNames label stage metrics by the state a stage produces.
var stageNames = map[model.RunState]string{
	model.StateExtracted: "extract",
	model.StateFetched:   "fetch",
	model.StateStaged:    "stage",
	model.StateLoaded:    "load",
}

// Pipeline executes runs.
type Pipeline struct {
	stages  Stages
	runs    RunStore
	locker  runlock.Locker
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	runTimeout     time.Duration
	purgeAfterLoad bool

	// Background runs started by Trigger.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithRunTimeout bounds a whole run (0 = no limit).
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.runTimeout = d
	}
}

// WithPurgeAfterLoad deletes staged objects once a run is LOADED.
func WithPurgeAfterLoad(purge bool) Option {
	return func(p *Pipeline) {
		p.purgeAfterLoad = purge
	}
}

// New creates a Pipeline.
func New(stages Stages, runs RunStore, locker runlock.Locker, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: stages,
		runs:   runs,
		locker: locker,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = runlock.NewLocalLocker()
	}
	p.logger = p.logger.With("component", "pipeline")
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Run executes a run for params synchronously and returns it in its terminal
// state. A FAILED run is not an error; err is reserved for failures to
// coordinate or record the run (lock held, ledger unavailable).
//
// When the date's latest run is LOADED and params.Force is false, that run is
// returned unchanged and nothing executes.
func (p *Pipeline) Run(ctx context.Context, params model.RunParams) (*model.Run, error) {
	run, release, err := p.begin(ctx, params)
	if err != nil || release == nil {
		return run, err
	}
	defer p.release(release)

	return run, p.Execute(ctx, run)
}

// Trigger records a PENDING run and executes it in the background. It
// returns a snapshot of the new run, or of the skipped LOADED run with
// skipped set.
func (p *Pipeline) Trigger(ctx context.Context, params model.RunParams) (run *model.Run, skipped bool, err error) {
	run, release, err := p.begin(ctx, params)
	if err != nil {
		return nil, false, err
	}
	if release == nil {
		return run, true, nil
	}

	snapshot := *run
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(release)
		if err := p.Execute(p.baseCtx, run); err != nil {
			p.logger.Error("background run failed", "run_id", run.ID, "err", err)
		}
	}()
	return &snapshot, false, nil
}

// Reload loads the already staged objects for date into the warehouse
// without extracting or fetching. The run starts at STAGED.
func (p *Pipeline) Reload(ctx context.Context, date time.Time) (*model.Run, error) {
	release, err := p.locker.Acquire(ctx, model.FormatDate(date))
	if err != nil {
		return nil, err
	}
	defer p.release(release)

	run := model.NewRun(model.RunParams{PartitionDate: date, Force: true}, p.now())
	objs, err := p.stages.Stager.Discover(ctx, run.PartitionDate)
	if err != nil {
		return nil, fmt.Errorf("discover staged objects: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no staged objects for %s", model.FormatDate(date))
	}
	run.State = model.StateStaged
	run.Staged = objs
	if err := p.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	p.logger.Info("reloading staged partition",
		"run_id", run.ID,
		"partition_date", model.FormatDate(run.PartitionDate),
		"objects", len(objs),
	)
	return run, p.Execute(ctx, run)
}

// Shutdown waits for background runs to finish. If ctx expires first, the
// runs are cancelled and Shutdown waits for them to record their final state.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("cancelling in-flight runs")
	p.cancel()
	<-done
	return ctx.Err()
}

// begin takes the date lock, applies the skip rule and records a PENDING
// run. A nil release means the run was skipped.
func (p *Pipeline) begin(ctx context.Context, params model.RunParams) (*model.Run, func(context.Context) error, error) {
	date := model.NormalizeDate(params.PartitionDate)

	release, err := p.locker.Acquire(ctx, model.FormatDate(date))
	if err != nil {
		return nil, nil, err
	}

	if !params.Force {
		latest, err := p.runs.LatestForDate(ctx, date)
		switch {
		case err == nil && latest.State == model.StateLoaded:
			p.release(release)
			p.logger.Info("partition already loaded, skipping",
				"partition_date", model.FormatDate(date),
				"run_id", latest.ID,
			)
			return latest, nil, nil
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			p.release(release)
			return nil, nil, fmt.Errorf("check latest run: %w", err)
		}
	}

	run := model.NewRun(params, p.now())
	if err := p.runs.Create(ctx, run); err != nil {
		p.release(release)
		return nil, nil, err
	}

	p.logger.Info("run created",
		"run_id", run.ID,
		"partition_date", model.FormatDate(run.PartitionDate),
		"force", run.Force,
	)
	return run, release, nil
}

func (p *Pipeline) release(release func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := release(ctx); err != nil {
		p.logger.Warn("failed to release run lock", "err", err)
	}
}

// Execute advances run until it is LOADED or FAILED.
func (p *Pipeline) Execute(ctx context.Context, run *model.Run) error {
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	for !run.State.Terminal() {
		if err := p.Advance(ctx, run); err != nil {
			return err
		}
	}

	p.metrics.RunFinished(string(run.State), run.ErrorKind, p.now())
	if run.State == model.StateFailed {
		p.logger.Error("run failed",
			"run_id", run.ID,
			"partition_date", model.FormatDate(run.PartitionDate),
			"failed_at", run.FailedAt,
			"kind", run.ErrorKind,
			"err", run.ErrorMessage,
		)
		return nil
	}
	p.logger.Info("run loaded",
		"run_id", run.ID,
		"partition_date", model.FormatDate(run.PartitionDate),
		"roster", run.RosterCount,
		"quotes", run.QuoteCount,
		"failed_symbols", len(run.Failures),
		"duration", p.now().Sub(run.StartedAt),
	)
	return nil
}

// Advance performs exactly one transition and persists the result. The
// returned error only reports a failure to persist; a stage error moves the
// run to FAILED.
func (p *Pipeline) Advance(ctx context.Context, run *model.Run) error {
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already %s", run.ID, run.State)
	}
	target, err := run.State.Next()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		p.fail(run, target, etlerr.New(etlerr.KindCancelled, "pipeline."+stageNames[target], err))
	} else {
		start := p.now()
		err := p.runStage(ctx, run, target)
		p.metrics.ObserveStage(stageNames[target], p.now().Sub(start), err)
		if err != nil {
			p.fail(run, target, err)
		} else {
			run.State = target
			p.logger.Info("stage complete",
				"run_id", run.ID,
				"state", run.State,
				"duration", p.now().Sub(start),
			)
		}
	}

	run.UpdatedAt = p.now()
	if run.State.Terminal() {
		finished := run.UpdatedAt
		run.FinishedAt = &finished
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := p.runs.Save(saveCtx, run); err != nil {
		return fmt.Errorf("record run %s as %s: %w", run.ID, run.State, err)
	}
	return nil
}

// runStage executes the stage that produces target.
func (p *Pipeline) runStage(ctx context.Context, run *model.Run, target model.RunState) error {
	switch target {
	case model.StateExtracted:
		roster, err := p.stages.Extractor.Extract(ctx)
		if err != nil {
			return err
		}
		run.Roster = roster
		run.RosterCount = len(roster)
		return nil

	case model.StateFetched:
		if len(run.Roster) == 0 {
			return etlerr.Errorf(etlerr.KindInternal, "pipeline.fetch", "roster is not available to this process; re-trigger the run")
		}
		res, err := p.stages.Fetcher.Fetch(ctx, run.Roster)
		run.Failures = res.Failures
		if len(res.Failures) > 0 {
			p.logger.Warn("quote failure report",
				"run_id", run.ID,
				"failed", len(res.Failures),
				"roster", len(run.Roster),
				"symbols", res.FailedSymbols(),
			)
		}
		if err != nil {
			return err
		}
		run.Quotes = res.Quotes
		run.QuoteCount = len(res.Quotes)
		return nil

	case model.StateStaged:
		if len(run.Roster) == 0 {
			return etlerr.Errorf(etlerr.KindInternal, "pipeline.stage", "fetched data is not available to this process; re-trigger the run")
		}
		objs, err := p.stages.Stager.Stage(ctx, run.ID, run.PartitionDate, run.Roster, run.Quotes)
		if err != nil {
			return err
		}
		run.Staged = objs
		return nil

	case model.StateLoaded:
		summary, err := p.stages.Loader.Load(ctx, run.ID, run.PartitionDate, run.Staged)
		if err != nil {
			return err
		}
		run.Summary = &summary
		if p.purgeAfterLoad {
			if err := p.stages.Stager.Purge(ctx, run.Staged); err != nil {
				p.logger.Warn("failed to purge staged objects", "run_id", run.ID, "err", err)
			}
		}
		return nil
	}
	return fmt.Errorf("no stage produces %s", target)
}

// fail moves run to FAILED at target.
func (p *Pipeline) fail(run *model.Run, target model.RunState, err error) {
	run.State = model.StateFailed
	run.FailedAt = target
	run.ErrorKind = string(etlerr.KindOf(err))
	run.ErrorMessage = err.Error()
	p.logger.Warn("stage failed",
		"run_id", run.ID,
		"failed_at", target,
		"kind", run.ErrorKind,
		"err", err,
	)
}
