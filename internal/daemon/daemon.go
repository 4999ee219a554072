// Package daemon runs the scheduler loop: on a fixed tick it reconciles
// orphaned runs, finds due tasks and dispatches them one at a time through
// the run ledger.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/licitia/licitia-etl/internal/catalog"
	"github.com/licitia/licitia-etl/internal/ingest"
	"github.com/licitia/licitia-etl/internal/models"
	"github.com/licitia/licitia-etl/internal/repository"
	"github.com/licitia/licitia-etl/internal/status"
)

const (
	DefaultTick           = 60 * time.Second
	DefaultMaxRunDuration = 6 * time.Hour
)

// Config tunes the daemon loop.
type Config struct {
	// Tick is the poll interval between due-checks.
	Tick time.Duration
	// MaxRunDuration is how long a run may stay in running state before the
	// reconciliation pass declares it orphaned.
	MaxRunDuration time.Duration
}

// Daemon is the single-process scheduler. Dispatch is sequential: one task
// at a time, one tick at a time. A tick that overruns the interval delays
// the next tick instead of overlapping it.
type Daemon struct {
	tasks    repository.TaskRepository
	runs     repository.RunRepository
	ingester ingest.Ingester
	cfg      Config
	logger   zerolog.Logger

	// Injection points for tests.
	now          func() time.Time
	processAlive func(pid int) bool
}

func New(tasks repository.TaskRepository, runs repository.RunRepository, ingester ingest.Ingester, cfg Config, logger zerolog.Logger) *Daemon {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = DefaultMaxRunDuration
	}
	return &Daemon{
		tasks:        tasks,
		runs:         runs,
		ingester:     ingester,
		cfg:          cfg,
		logger:       logger.With().Str("component", "daemon").Logger(),
		now:          time.Now,
		processAlive: ProcessAlive,
	}
}

// Run executes the loop until the context is cancelled. A failed tick (for
// example the database being unreachable) is logged and retried on the next
// tick; it never terminates the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().Dur("tick", d.cfg.Tick).Msg("scheduler started")

	if err := d.Tick(ctx); err != nil {
		d.logger.Error().Err(err).Msg("tick failed")
	}

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick performs one scheduling pass: recover orphans, compute due tasks from
// a single clock reading, dispatch each sequentially.
func (d *Daemon) Tick(ctx context.Context) error {
	if recovered, err := d.recoverStaleRuns(); err != nil {
		d.logger.Error().Err(err).Msg("stale run recovery failed")
	} else if recovered > 0 {
		d.logger.Info().Int("runs", recovered).Msg("recovered orphaned runs")
	}

	tasks, err := d.tasks.ListWithLastRun()
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}

	// One clock reading drives both the due-check and the next-run display
	// for the whole tick.
	now := d.now()
	for _, st := range status.Due(tasks, now) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.dispatch(ctx, st.Task)
	}
	return nil
}

// dispatch runs one due task: open a ledger entry, invoke the ingester,
// close the entry. A run already in progress is a silent skip; an adapter
// failure is recorded on the run and the loop moves on.
func (d *Daemon) dispatch(ctx context.Context, task models.Task) {
	log := d.logger.With().
		Str("conjunto", task.Conjunto).
		Str("subconjunto", task.Subconjunto).
		Logger()

	run, err := d.runs.StartRun(task.TaskID, os.Getpid())
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyRunning) {
			log.Debug().Msg("run already in progress, skipping")
			return
		}
		log.Error().Err(err).Msg("could not start run")
		return
	}
	log.Info().Int64("run_id", run.RunID).Msg("task dispatched")

	res, err := d.ingester.Run(ctx, task.Conjunto, task.Subconjunto, d.ingestOptions(task))
	if err != nil {
		msg := err.Error()
		if ferr := d.runs.FinishRun(run.RunID, models.RunStatusFailed, nil, nil, &msg); ferr != nil {
			log.Error().Err(ferr).Int64("run_id", run.RunID).Msg("could not record failed run")
		}
		log.Error().Err(err).Int64("run_id", run.RunID).Msg("task failed")
		return
	}

	if err := d.runs.FinishRun(run.RunID, models.RunStatusOK, &res.RowsInserted, &res.RowsOmitted, nil); err != nil {
		log.Error().Err(err).Int64("run_id", run.RunID).Msg("could not record finished run")
		return
	}
	log.Info().
		Int64("run_id", run.RunID).
		Int64("inserted", res.RowsInserted).
		Int64("omitted", res.RowsOmitted).
		Msg("task completed")
}

// ingestOptions restricts year-ranged portals to the current year, matching
// the scheduled refresh semantics (full backfills are a manual operation).
func (d *Daemon) ingestOptions(task models.Task) ingest.Options {
	var opts ingest.Options
	if src, err := catalog.Lookup(task.Conjunto, task.Subconjunto); err == nil && src.RequiresYears {
		year := d.now().Year()
		opts.Years = fmt.Sprintf("%d-%d", year, year)
	}
	return opts
}

// recoverStaleRuns marks orphaned running runs as failed: the recorded
// process is gone (crash, container restart) or the run exceeded the
// maximum duration. Runs of a live process within the duration budget are
// left alone.
func (d *Daemon) recoverStaleRuns() (int, error) {
	running, err := d.runs.ListRunning()
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-d.cfg.MaxRunDuration)

	recovered := 0
	for _, run := range running {
		var reason string
		switch {
		case run.ProcessID != nil && !d.processAlive(*run.ProcessID):
			reason = fmt.Sprintf("process %d no longer alive", *run.ProcessID)
		case run.StartedAt.Before(cutoff):
			reason = fmt.Sprintf("run exceeded maximum duration of %s", d.cfg.MaxRunDuration)
		default:
			continue
		}
		if err := d.runs.FinishRun(run.RunID, models.RunStatusFailed, nil, nil, &reason); err != nil {
			d.logger.Error().Err(err).Int64("run_id", run.RunID).Msg("could not mark orphaned run failed")
			continue
		}
		recovered++
	}
	return recovered, nil
}
