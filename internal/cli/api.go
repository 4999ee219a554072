package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/licitia/licitia-etl/internal/handlers"
	"github.com/licitia/licitia-etl/internal/middleware"
	"github.com/licitia/licitia-etl/internal/repository"
	"github.com/licitia/licitia-etl/internal/routes"
)

var apiPort string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the read-only status API",
	Long: `Serves the HTTP status endpoints: /health, /status (database
connectivity), /scheduler/status (per-task state and next execution) and
/db-info (schema and table sizes). The API never mutates scheduler
state; use the scheduler subcommands for that.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			return err
		}

		sched := handlers.NewSchedulerHandler(db, repository.NewTaskRepository(db), logger)
		router := routes.NewRouter(sched)
		loggedRouter := middleware.LoggingMiddleware(logger)(router)
		corsHandler := h.CORS(
			h.AllowedOrigins([]string{"*"}),
			h.AllowedMethods([]string{"GET", "OPTIONS"}),
			h.AllowedHeaders([]string{"Content-Type"}),
		)(loggedRouter)

		port := apiPort
		if port == "" {
			port = cfg.ServerPort
		}
		server := &http.Server{
			Addr:    ":" + port,
			Handler: corsHandler,
		}

		// Channel to listen for server errors
		serverErrCh := make(chan error, 1)
		go func() {
			logger.Info().Msgf("Server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrCh <- err
			}
		}()

		// Wait for an interrupt signal or a server error.
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
		case err := <-serverErrCh:
			logger.Error().Err(err).Msg("Server error occurred")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
		logger.Info().Msg("HTTP server shutdown complete.")
		return nil
	},
}

func init() {
	apiCmd.Flags().StringVar(&apiPort, "port", "", "listen port (defaults to the configured server port)")
	rootCmd.AddCommand(apiCmd)
}
