package models

import "time"

// RunStatus is the state of one execution attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusOK      RunStatus = "ok"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a finished state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusOK || s == RunStatusFailed
}

// Run is one execution attempt of a Task. Rows are append-only: a run is
// created in running state and mutated exactly once when it finishes.
// FinishedAt is nil iff Status is running (enforced by a table constraint).
type Run struct {
	RunID        int64      `json:"run_id" db:"run_id"`
	TaskID       int64      `json:"task_id" db:"task_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	RowsInserted *int64     `json:"rows_inserted" db:"rows_inserted"`
	RowsOmitted  *int64     `json:"rows_omitted" db:"rows_omitted"`
	ErrorMessage *string    `json:"error_message" db:"error_message"`
	ProcessID    *int       `json:"process_id" db:"process_id"`
}
