package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/licitia/licitia-etl/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(sched *handlers.SchedulerHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Read-only scheduler views
	router.HandleFunc("/status", sched.DatabaseStatus).Methods(http.MethodGet)
	router.HandleFunc("/scheduler/status", sched.SchedulerStatus).Methods(http.MethodGet)
	router.HandleFunc("/db-info", sched.DBInfo).Methods(http.MethodGet)

	return router
}
