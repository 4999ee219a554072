package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/licitia/licitia-etl/internal/catalog"
	"github.com/licitia/licitia-etl/internal/models"
	"github.com/licitia/licitia-etl/internal/schedule"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskRepository interface {
	// Register upserts a task keyed on (conjunto, subconjunto). Registering
	// an existing task updates its schedule_expr and re-enables it; the
	// returned bool is true when a new row was inserted.
	Register(conjunto, subconjunto string, freq schedule.Frequency) (models.Task, bool, error)
	// RegisterDefaults registers every catalog dataset with its default
	// frequency, optionally restricted to the named conjuntos. Returns
	// (inserted, updated).
	RegisterDefaults(conjuntos ...string) (int, int, error)
	GetByName(conjunto, subconjunto string) (models.Task, error)
	ListEnabled() ([]models.Task, error)
	// ListWithLastRun returns every task joined with its most recent run and
	// the finish time of its most recent successful run.
	ListWithLastRun() ([]models.TaskWithLastRun, error)
	Disable(taskID int64) error
}

type taskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Register(conjunto, subconjunto string, freq schedule.Frequency) (models.Task, bool, error) {
	var task models.Task

	// Validation happens against the static catalog before any write.
	if _, err := catalog.Lookup(conjunto, subconjunto); err != nil {
		return task, false, err
	}
	freq, err := schedule.Parse(string(freq))
	if err != nil {
		return task, false, err
	}

	query := `
		INSERT INTO scheduler.tasks (conjunto, subconjunto, schedule_expr, enabled, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (conjunto, subconjunto)
		DO UPDATE SET schedule_expr = EXCLUDED.schedule_expr, enabled = TRUE, updated_at = NOW()
		RETURNING task_id, conjunto, subconjunto, schedule_expr, enabled, created_at, updated_at,
		          (xmax = 0) AS inserted
	`
	var inserted bool
	err = r.db.QueryRow(query, conjunto, subconjunto, string(freq)).Scan(
		&task.TaskID,
		&task.Conjunto,
		&task.Subconjunto,
		&task.ScheduleExpr,
		&task.Enabled,
		&task.CreatedAt,
		&task.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return task, false, fmt.Errorf("register task %s/%s: %w", conjunto, subconjunto, err)
	}
	return task, inserted, nil
}

func (r *taskRepository) RegisterDefaults(conjuntos ...string) (int, int, error) {
	tasks, err := catalog.DefaultTasks(conjuntos...)
	if err != nil {
		return 0, 0, err
	}
	var inserted, updated int
	for _, t := range tasks {
		_, isNew, err := r.Register(t.Conjunto, t.Subconjunto, t.ScheduleExpr)
		if err != nil {
			return inserted, updated, err
		}
		if isNew {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (r *taskRepository) GetByName(conjunto, subconjunto string) (models.Task, error) {
	query := `
		SELECT task_id, conjunto, subconjunto, schedule_expr, enabled, created_at, updated_at
		FROM scheduler.tasks
		WHERE conjunto = $1 AND subconjunto = $2
	`
	var task models.Task
	err := r.db.QueryRow(query, conjunto, subconjunto).Scan(
		&task.TaskID,
		&task.Conjunto,
		&task.Subconjunto,
		&task.ScheduleExpr,
		&task.Enabled,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return task, ErrTaskNotFound
		}
		return task, err
	}
	return task, nil
}

func (r *taskRepository) ListEnabled() ([]models.Task, error) {
	query := `
		SELECT task_id, conjunto, subconjunto, schedule_expr, enabled, created_at, updated_at
		FROM scheduler.tasks
		WHERE enabled = TRUE
		ORDER BY conjunto, subconjunto
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(
			&task.TaskID,
			&task.Conjunto,
			&task.Subconjunto,
			&task.ScheduleExpr,
			&task.Enabled,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) ListWithLastRun() ([]models.TaskWithLastRun, error) {
	query := `
		SELECT t.task_id, t.conjunto, t.subconjunto, t.schedule_expr, t.enabled, t.created_at, t.updated_at,
		       r.run_id, r.started_at, r.finished_at, r.status,
		       r.rows_inserted, r.rows_omitted, r.process_id, r.error_message,
		       ok.finished_at
		FROM scheduler.tasks t
		LEFT JOIN LATERAL (
			SELECT run_id, started_at, finished_at, status, rows_inserted, rows_omitted, process_id, error_message
			FROM scheduler.runs
			WHERE task_id = t.task_id
			ORDER BY started_at DESC
			LIMIT 1
		) r ON TRUE
		LEFT JOIN LATERAL (
			SELECT finished_at
			FROM scheduler.runs
			WHERE task_id = t.task_id AND status = 'ok'
			ORDER BY finished_at DESC
			LIMIT 1
		) ok ON TRUE
		ORDER BY t.conjunto, t.subconjunto
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskWithLastRun
	for rows.Next() {
		var row models.TaskWithLastRun
		var (
			lastRunID    sql.NullInt64
			lastStarted  sql.NullTime
			lastFinished sql.NullTime
			lastStatus   sql.NullString
			rowsInserted sql.NullInt64
			rowsOmitted  sql.NullInt64
			processID    sql.NullInt64
			errMsg       sql.NullString
			okFinished   sql.NullTime
		)
		if err := rows.Scan(
			&row.TaskID,
			&row.Conjunto,
			&row.Subconjunto,
			&row.ScheduleExpr,
			&row.Enabled,
			&row.CreatedAt,
			&row.UpdatedAt,
			&lastRunID,
			&lastStarted,
			&lastFinished,
			&lastStatus,
			&rowsInserted,
			&rowsOmitted,
			&processID,
			&errMsg,
			&okFinished,
		); err != nil {
			return nil, err
		}

		if lastRunID.Valid {
			row.LastRunID = &lastRunID.Int64
		}
		if lastStarted.Valid {
			row.LastStartedAt = &lastStarted.Time
		}
		if lastFinished.Valid {
			row.LastFinishedAt = &lastFinished.Time
		}
		if lastStatus.Valid {
			status := models.RunStatus(lastStatus.String)
			row.LastStatus = &status
		}
		if rowsInserted.Valid {
			row.LastRowsInserted = &rowsInserted.Int64
		}
		if rowsOmitted.Valid {
			row.LastRowsOmitted = &rowsOmitted.Int64
		}
		if processID.Valid {
			pid := int(processID.Int64)
			row.LastProcessID = &pid
		}
		if errMsg.Valid {
			row.LastErrorMessage = &errMsg.String
		}
		if okFinished.Valid {
			row.LastOKFinishedAt = &okFinished.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *taskRepository) Disable(taskID int64) error {
	res, err := r.db.Exec(`UPDATE scheduler.tasks SET enabled = FALSE, updated_at = NOW() WHERE task_id = $1`, taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}
