// Package ingest loads columnar extracts of procurement datasets into L0
// tables. Extraction itself is delegated to per-portal scripts treated as
// black boxes; this package runs them, loads the CSV extract they produce,
// and reports row counts back to the run ledger.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/licitia/licitia-etl/internal/catalog"
)

// Result is what an ingestion reports back to the ledger. Re-running the
// same extract yields RowsInserted == 0 with everything counted as omitted.
type Result struct {
	RowsInserted int64 `json:"rows_inserted"`
	RowsOmitted  int64 `json:"rows_omitted"`
}

// Options tune a single ingestion run.
type Options struct {
	// Years is the year range (e.g. "2020-2024") for portals that require it.
	Years string
	// OnlyDownload runs the extraction scripts without loading.
	OnlyDownload bool
	// OnlyLoad loads an existing extract without re-running extraction.
	OnlyLoad bool
}

// IngestionError is an adapter failure: extraction or load went wrong. The
// daemon records its message on the failed run and moves on.
type IngestionError struct {
	Conjunto    string
	Subconjunto string
	Err         error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s/%s: %v", e.Conjunto, e.Subconjunto, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Ingester runs one ingestion for a dataset.
type Ingester interface {
	Run(ctx context.Context, conjunto, subconjunto string, opts Options) (Result, error)
}

// L0Ingester is the production Ingester: extraction scripts followed by an
// idempotent CSV load into the work schema.
type L0Ingester struct {
	loader     *Loader
	tmpDir     string
	scriptsDir string
	logger     zerolog.Logger
}

func NewL0Ingester(db *sql.DB, schema, tmpDir, scriptsDir string, batchSize int, logger zerolog.Logger) *L0Ingester {
	return &L0Ingester{
		loader:     NewLoader(db, schema, batchSize, logger),
		tmpDir:     tmpDir,
		scriptsDir: scriptsDir,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

func (i *L0Ingester) Run(ctx context.Context, conjunto, subconjunto string, opts Options) (Result, error) {
	src, err := catalog.Lookup(conjunto, subconjunto)
	if err != nil {
		return Result{}, err
	}
	if src.RequiresYears && !opts.OnlyLoad && opts.Years == "" {
		return Result{}, errors.Errorf("conjunto %s requires a year range (--anos X-Y)", conjunto)
	}

	if !opts.OnlyLoad {
		if err := i.extract(ctx, src, subconjunto, opts.Years); err != nil {
			return Result{}, &IngestionError{Conjunto: conjunto, Subconjunto: subconjunto, Err: err}
		}
	}
	if opts.OnlyDownload {
		return Result{}, nil
	}

	extractPath := catalog.ExtractPath(i.tmpDir, conjunto, subconjunto)
	table := catalog.TableName(conjunto, subconjunto)
	res, err := i.loader.Load(ctx, table, extractPath, src.NaturalIDColumn)
	if err != nil {
		return Result{}, &IngestionError{Conjunto: conjunto, Subconjunto: subconjunto, Err: err}
	}

	if err := i.archive(extractPath, conjunto); err != nil {
		// Load already succeeded and was counted; a stuck artifact is only
		// worth a warning.
		i.logger.Warn().Err(err).Str("extract", extractPath).Msg("could not archive extract")
	}
	return res, nil
}

// extract runs the portal's extraction commands in order. {sub} and {years}
// placeholders are expanded per invocation.
func (i *L0Ingester) extract(ctx context.Context, src catalog.Conjunto, subconjunto, years string) error {
	for _, argv := range src.ExtractCommands {
		expanded := make([]string, len(argv))
		for k, a := range argv {
			a = strings.ReplaceAll(a, "{sub}", subconjunto)
			a = strings.ReplaceAll(a, "{years}", years)
			expanded[k] = a
		}
		name := filepath.Join(i.scriptsDir, filepath.Base(expanded[0]))
		cmd := exec.CommandContext(ctx, name, expanded[1:]...)
		cmd.Env = append(os.Environ(), "LICITACIONES_TMP_DIR="+i.tmpDir)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return errors.Wrapf(err, "extraction step %s failed: %s", name, lastLine(out))
		}
		i.logger.Info().Str("step", name).Msg("extraction step completed")
	}
	return nil
}

// archive moves a loaded extract out of the live path so a later run starts
// from a fresh download rather than silently re-loading stale data.
func (i *L0Ingester) archive(extractPath, conjunto string) error {
	if _, err := os.Stat(extractPath); err != nil {
		return err
	}
	dir := filepath.Join(i.tmpDir, "processed", conjunto)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(extractPath), ".csv")
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.csv", base, uuid.NewString()))
	return os.Rename(extractPath, dest)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
