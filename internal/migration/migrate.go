package migration

import (
	"database/sql"
	"embed"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Embed SQL files from the local migrations folder
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Run applies all pending migrations. The scheduler schema is created up
// front so the goose version table can live inside it.
func Run(dbURL string, logger zerolog.Logger) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS scheduler"); err != nil {
		return err
	}

	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName("scheduler.goose_db_version")
	goose.SetLogger(newGooseAdapter(logger))

	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}

	logger.Info().Msg("Migrations completed successfully")
	return nil
}

// gooseAdapter routes goose output through zerolog.
type gooseAdapter struct {
	logger zerolog.Logger
}

func newGooseAdapter(logger zerolog.Logger) goose.Logger {
	return &gooseAdapter{logger: logger.With().Str("component", "goose").Logger()}
}

func (a *gooseAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Fatal().Msgf(format, v...)
}

func (a *gooseAdapter) Printf(format string, v ...interface{}) {
	a.logger.Info().Msgf(format, v...)
}
