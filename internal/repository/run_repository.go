package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/licitia/licitia-etl/internal/models"
)

var (
	// ErrAlreadyRunning is the contention outcome of StartRun: another run of
	// the same task is still unfinished. Callers treat it as a skip, not a
	// failure.
	ErrAlreadyRunning = errors.New("run already in progress for task")
	// ErrRunNotRunning means FinishRun targeted a run that is not in running
	// state (already finished, or never existed). That is a programming
	// error; history is never overwritten silently.
	ErrRunNotRunning = errors.New("run is not in running state")
)

type RunRepository interface {
	// StartRun opens a ledger entry for the task. The overlap check and the
	// insert are a single conditional statement, so two concurrent callers
	// (daemon tick and a manual ingest, possibly in different processes)
	// cannot both create a running run.
	StartRun(taskID int64, processID int) (models.Run, error)
	// FinishRun transitions exactly one running run to ok or failed.
	FinishRun(runID int64, status models.RunStatus, rowsInserted, rowsOmitted *int64, errorMessage *string) error
	ListRunning() ([]models.Run, error)
	LastRuns(taskID int64, limit int) ([]models.Run, error)
}

type runRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) StartRun(taskID int64, processID int) (models.Run, error) {
	var run models.Run
	query := `
		INSERT INTO scheduler.runs (task_id, status, process_id)
		SELECT $1, 'running', $2
		WHERE NOT EXISTS (
			SELECT 1 FROM scheduler.runs WHERE task_id = $1 AND status = 'running'
		)
		RETURNING run_id, task_id, started_at, status, process_id
	`
	var pid sql.NullInt64
	err := r.db.QueryRow(query, taskID, processID).Scan(
		&run.RunID,
		&run.TaskID,
		&run.StartedAt,
		&run.Status,
		&pid,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return run, ErrAlreadyRunning
		}
		// Two callers can both pass the NOT EXISTS check under read
		// committed; the partial unique index on running runs catches the
		// loser, which is the same contention outcome.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return run, ErrAlreadyRunning
		}
		return run, fmt.Errorf("start run for task %d: %w", taskID, err)
	}
	if pid.Valid {
		p := int(pid.Int64)
		run.ProcessID = &p
	}
	return run, nil
}

func (r *runRepository) FinishRun(runID int64, status models.RunStatus, rowsInserted, rowsOmitted *int64, errorMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %d: %q is not a terminal status", runID, status)
	}
	query := `
		UPDATE scheduler.runs
		SET finished_at = NOW(), status = $2, rows_inserted = $3, rows_omitted = $4, error_message = $5
		WHERE run_id = $1 AND status = 'running'
	`
	res, err := r.db.Exec(query, runID, string(status), rowsInserted, rowsOmitted, errorMessage)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("finish run %d: %w", runID, ErrRunNotRunning)
	}
	return nil
}

func (r *runRepository) ListRunning() ([]models.Run, error) {
	query := `
		SELECT run_id, task_id, started_at, finished_at, status,
		       rows_inserted, rows_omitted, error_message, process_id
		FROM scheduler.runs
		WHERE status = 'running'
		ORDER BY started_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (r *runRepository) LastRuns(taskID int64, limit int) ([]models.Run, error) {
	query := `
		SELECT run_id, task_id, started_at, finished_at, status,
		       rows_inserted, rows_omitted, error_message, process_id
		FROM scheduler.runs
		WHERE task_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(query, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]models.Run, error) {
	var out []models.Run
	for rows.Next() {
		var run models.Run
		var (
			finished     sql.NullTime
			rowsInserted sql.NullInt64
			rowsOmitted  sql.NullInt64
			errMsg       sql.NullString
			pid          sql.NullInt64
		)
		if err := rows.Scan(
			&run.RunID,
			&run.TaskID,
			&run.StartedAt,
			&finished,
			&run.Status,
			&rowsInserted,
			&rowsOmitted,
			&errMsg,
			&pid,
		); err != nil {
			return nil, err
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		if rowsInserted.Valid {
			run.RowsInserted = &rowsInserted.Int64
		}
		if rowsOmitted.Valid {
			run.RowsOmitted = &rowsOmitted.Int64
		}
		if errMsg.Valid {
			run.ErrorMessage = &errMsg.String
		}
		if pid.Valid {
			p := int(pid.Int64)
			run.ProcessID = &p
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
