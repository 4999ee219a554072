package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/licitia/licitia-etl/internal/repository"
	"github.com/licitia/licitia-etl/internal/status"
)

// SchedulerHandler serves the read-only scheduler views. It never mutates
// task or run state.
type SchedulerHandler struct {
	db     *sql.DB
	tasks  repository.TaskRepository
	logger zerolog.Logger
}

func NewSchedulerHandler(db *sql.DB, tasks repository.TaskRepository, logger zerolog.Logger) *SchedulerHandler {
	return &SchedulerHandler{db: db, tasks: tasks, logger: logger}
}

// DatabaseStatus reports database connectivity: 200 when reachable, 503
// otherwise.
func (h *SchedulerHandler) DatabaseStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("database ping failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "database": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "database": "connected"})
}

// SchedulerStatus lists every task with its latest run, display state and
// computed next execution.
func (h *SchedulerHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	tasks, err := h.tasks.ListWithLastRun()
	if err != nil {
		h.logger.Error().Err(err).Msg("could not list tasks")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []struct{}{}})
		return
	}
	report := status.Report(tasks, time.Now())
	json.NewEncoder(w).Encode(map[string]interface{}{"tasks": report})
}

// DBInfo reports the sizes of the work schemas and the tables they contain.
func (h *SchedulerHandler) DBInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	type schemaSize struct {
		SchemaName string `json:"schema_name"`
		Size       string `json:"size"`
	}
	type tableInfo struct {
		Schema string `json:"schema"`
		Name   string `json:"name"`
	}

	sizeQuery := `
		SELECT n.nspname AS schema_name,
		       pg_size_pretty(SUM(pg_total_relation_size(c.oid))::bigint) AS size
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname IN ('raw', 'dim', 'scheduler')
		GROUP BY n.nspname
	`
	rows, err := h.db.QueryContext(r.Context(), sizeQuery)
	if err != nil {
		h.logger.Error().Err(err).Msg("db-info size query failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "database error"})
		return
	}
	defer rows.Close()

	var sizes []schemaSize
	for rows.Next() {
		var s schemaSize
		if err := rows.Scan(&s.SchemaName, &s.Size); err != nil {
			http.Error(w, "Failed to scan schema sizes: "+err.Error(), http.StatusInternalServerError)
			return
		}
		sizes = append(sizes, s)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error().Err(err).Msg("db-info size query failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "database error"})
		return
	}

	tableQuery := `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema IN ('raw', 'dim', 'scheduler')
		  AND table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name
	`
	tRows, err := h.db.QueryContext(r.Context(), tableQuery)
	if err != nil {
		h.logger.Error().Err(err).Msg("db-info table query failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "database error"})
		return
	}
	defer tRows.Close()

	var tables []tableInfo
	for tRows.Next() {
		var t tableInfo
		if err := tRows.Scan(&t.Schema, &t.Name); err != nil {
			http.Error(w, "Failed to scan tables: "+err.Error(), http.StatusInternalServerError)
			return
		}
		tables = append(tables, t)
	}
	if err := tRows.Err(); err != nil {
		h.logger.Error().Err(err).Msg("db-info table query failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "database error"})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"schemas": sizes,
		"tables":  tables,
	})
}
