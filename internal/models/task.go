package models

import (
	"time"

	"github.com/licitia/licitia-etl/internal/schedule"
)

// Task is a registered schedulable dataset: one (conjunto, subconjunto) pair.
type Task struct {
	TaskID       int64              `json:"task_id" db:"task_id"`
	Conjunto     string             `json:"conjunto" db:"conjunto"`
	Subconjunto  string             `json:"subconjunto" db:"subconjunto"`
	ScheduleExpr schedule.Frequency `json:"schedule_expr" db:"schedule_expr"`
	Enabled      bool               `json:"enabled" db:"enabled"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}

// TaskWithLastRun is the status-view row: a task joined with its most recent
// run and the finish time of its most recent successful run. The latter is
// the basis for next-execution computation; a failed run must not push the
// next attempt forward.
type TaskWithLastRun struct {
	Task
	LastRunID        *int64     `json:"last_run_id"`
	LastStartedAt    *time.Time `json:"last_started_at"`
	LastFinishedAt   *time.Time `json:"last_finished_at"`
	LastStatus       *RunStatus `json:"last_status"`
	LastRowsInserted *int64     `json:"last_rows_inserted"`
	LastRowsOmitted  *int64     `json:"last_rows_omitted"`
	LastProcessID    *int       `json:"last_process_id"`
	LastErrorMessage *string    `json:"last_error_message"`
	LastOKFinishedAt *time.Time `json:"last_ok_finished_at"`
}
