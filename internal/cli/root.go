// Package cli provides the licitia-etl command-line interface.
package cli

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/licitia/licitia-etl/internal/config"
)

// Version is set at build time.
var Version = "1.0.0"

var (
	verbose bool

	// Global config, logger and db handle, wired in PersistentPreRunE.
	cfg    *config.Config
	logger zerolog.Logger
	db     *sql.DB
)

var rootCmd = &cobra.Command{
	Use:   "licitia-etl",
	Short: "Ingestion scheduler for Spanish public-procurement datasets",
	Long: `licitia-etl ingests periodically refreshed public-procurement datasets
into PostgreSQL and re-runs those ingestions on a schedule.

Datasets are addressed as (conjunto, subconjunto) pairs (e.g. nacional
licitaciones). The scheduler daemon executes registered tasks at their
monthly, quarterly or annual anchor and keeps an append-only run ledger
with row counts and errors.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// Set up structured, level-based logging.
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
		if verbose {
			logger = logger.Level(zerolog.DebugLevel)
		} else {
			logger = logger.Level(zerolog.InfoLevel)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		if cfg.DatabaseURL != "" {
			// sql.Open is lazy; commands that need the database ping it.
			db, err = sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			db.Close()
		}
	},
}

// requireDB guards commands that cannot work without a configured database.
func requireDB() error {
	if db == nil {
		return fmt.Errorf("database not configured (set LICITIA_DATABASE_URL or DB_HOST/DB_NAME/DB_USER)")
	}
	return nil
}

// Execute runs the root command and returns its exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "licitia-etl %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(versionCmd)
}
