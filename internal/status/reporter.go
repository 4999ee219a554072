// Package status derives the human-facing state of each task from the run
// ledger. It is a pure view: nothing here mutates tasks or runs.
package status

import (
	"time"

	"github.com/licitia/licitia-etl/internal/models"
	"github.com/licitia/licitia-etl/internal/schedule"
)

// State is the display state of a task.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateFailed    State = "failed"
)

// TaskStatus is one row of the status view.
type TaskStatus struct {
	models.TaskWithLastRun
	State State `json:"state"`
	// NextRunAt is the computed next execution, based on the last successful
	// run. Nil while the task is running.
	NextRunAt *time.Time `json:"next_run_at"`
	Due       bool       `json:"due"`
}

// Report derives the state of every task at the given reference instant.
// State comes from the latest run: running while unfinished, failed when the
// latest finished run failed, scheduled otherwise. The next execution is
// computed from the latest successful run, so a failed run never pushes the
// next attempt forward.
func Report(tasks []models.TaskWithLastRun, now time.Time) []TaskStatus {
	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		st := TaskStatus{TaskWithLastRun: t, State: StateScheduled}
		switch {
		case t.LastStatus != nil && *t.LastStatus == models.RunStatusRunning:
			st.State = StateRunning
		case t.LastStatus != nil && *t.LastStatus == models.RunStatusFailed:
			st.State = StateFailed
		}
		if st.State != StateRunning {
			next := schedule.NextRunAt(t.ScheduleExpr, t.LastOKFinishedAt, now)
			st.NextRunAt = &next
			st.Due = t.Enabled && !next.After(now)
		}
		out = append(out, st)
	}
	return out
}

// Due filters the report down to runnable work: enabled tasks that are due
// and not already running.
func Due(tasks []models.TaskWithLastRun, now time.Time) []TaskStatus {
	var due []TaskStatus
	for _, st := range Report(tasks, now) {
		if st.Due && st.State != StateRunning {
			due = append(due, st)
		}
	}
	return due
}
