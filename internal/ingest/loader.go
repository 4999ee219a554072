package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	cpvPrincipalColumn = "cpv_principal"
	cpvSecondaryColumn = "cpvs"
)

// Loader loads one CSV extract into an L0 table.
//
// L0 tables carry a surrogate primary key (l0_id) plus the source-native
// natural_id, which is UNIQUE. Inserts go through ON CONFLICT (natural_id)
// DO NOTHING, so loading the same extract twice inserts nothing and counts
// every row as omitted. That natural-key dedup is what makes re-running a
// scheduled task safe.
type Loader struct {
	db        *sql.DB
	schema    string
	batchSize int
	logger    zerolog.Logger
}

func NewLoader(db *sql.DB, schema string, batchSize int, logger zerolog.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Loader{
		db:        db,
		schema:    schema,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "loader").Logger(),
	}
}

// Load reads the extract at path and upserts it into schema.table.
func (l *Loader) Load(ctx context.Context, table, path, naturalIDCol string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, errors.Wrap(err, "extract not found")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return Result{}, errors.Wrap(err, "read extract header")
	}
	if len(header) == 0 {
		return Result{}, errors.New("extract has no columns")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	nidIdx := indexOf(header, naturalIDCol)
	if nidIdx < 0 {
		// Some portals rename the id column between exports; fall back to
		// the first column.
		nidIdx = 0
		l.logger.Info().Str("column", header[0]).Msg("natural id column not found, using first column")
	}

	records, err := readAll(reader, len(header))
	if err != nil {
		return Result{}, err
	}
	l.logger.Info().Int("rows", len(records)).Str("table", table).Msg("extract loaded")

	// If no row carries a usable natural id, fall back to synthetic
	// positional ids so the dataset is still queryable. Such tables lose
	// cross-run dedup.
	synthetic := true
	for _, rec := range records {
		if validNaturalID(rec[nidIdx]) {
			synthetic = false
			break
		}
	}
	if synthetic && len(records) > 0 {
		l.logger.Info().Str("table", table).Msg("no valid natural ids, using synthetic ids")
	}

	if err := l.ensureTable(ctx, table, header, nidIdx); err != nil {
		return Result{}, err
	}
	return l.insert(ctx, table, header, nidIdx, records, synthetic)
}

func (l *Loader) ensureTable(ctx context.Context, table string, header []string, nidIdx int) error {
	cols := []string{
		`"l0_id" BIGSERIAL PRIMARY KEY`,
		`"natural_id" TEXT UNIQUE NOT NULL`,
	}
	for i, c := range header {
		if i == nidIdx {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s TEXT", pq.QuoteIdentifier(c)))
	}
	cols = append(cols,
		`"principal_prefix4" INTEGER`,
		`"principal_prefix6" INTEGER`,
		`"secondary_prefix6" INTEGER[]`,
		`"ingested_at" TIMESTAMPTZ DEFAULT NOW()`,
	)

	fullTable := fmt.Sprintf("%s.%s", pq.QuoteIdentifier(l.schema), pq.QuoteIdentifier(table))
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", fullTable, strings.Join(cols, ",\n  "))
	if _, err := l.db.ExecContext(ctx, createSQL); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}

	for _, col := range []string{"principal_prefix4", "principal_prefix6"} {
		idx := fmt.Sprintf("idx_%s_%s", table, col)
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pq.QuoteIdentifier(idx), fullTable, pq.QuoteIdentifier(col))
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "create index %s", idx)
		}
	}
	ginIdx := fmt.Sprintf("idx_%s_secondary_prefix6", table)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (%s)",
		pq.QuoteIdentifier(ginIdx), fullTable, pq.QuoteIdentifier("secondary_prefix6"))
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "create index %s", ginIdx)
	}
	return nil
}

func (l *Loader) insert(ctx context.Context, table string, header []string, nidIdx int, records [][]string, synthetic bool) (Result, error) {
	insertCols := []string{`"natural_id"`}
	for i, c := range header {
		if i == nidIdx {
			continue
		}
		insertCols = append(insertCols, pq.QuoteIdentifier(c))
	}
	insertCols = append(insertCols, `"principal_prefix4"`, `"principal_prefix6"`, `"secondary_prefix6"`)

	placeholders := make([]string, len(insertCols))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	fullTable := fmt.Sprintf("%s.%s", pq.QuoteIdentifier(l.schema), pq.QuoteIdentifier(table))
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (natural_id) DO NOTHING",
		fullTable, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "),
	)

	principalIdx := indexOf(header, cpvPrincipalColumn)
	secondaryIdx := indexOf(header, cpvSecondaryColumn)

	var res Result
	for start := 0; start < len(records); start += l.batchSize {
		end := start + l.batchSize
		if end > len(records) {
			end = len(records)
		}

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return res, errors.Wrap(err, "begin batch")
		}
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			tx.Rollback()
			return res, errors.Wrap(err, "prepare insert")
		}

		for rowIdx := start; rowIdx < end; rowIdx++ {
			rec := records[rowIdx]
			var nid string
			if synthetic {
				nid = fmt.Sprintf("%s_%d", table, rowIdx)
			} else {
				nid = strings.TrimSpace(rec[nidIdx])
				if !validNaturalID(nid) {
					continue
				}
			}

			args := []interface{}{nid}
			for i := range header {
				if i == nidIdx {
					continue
				}
				args = append(args, nullIfEmpty(rec[i]))
			}
			p4, p6, secondary := deriveCPVPrefixes(fieldAt(rec, principalIdx), fieldAt(rec, secondaryIdx))
			args = append(args, p4, p6, int64ArrayOrNil(secondary))

			r, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return res, errors.Wrapf(err, "insert row %d", rowIdx)
			}
			affected, _ := r.RowsAffected()
			res.RowsInserted += affected
			res.RowsOmitted += 1 - affected
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return res, errors.Wrap(err, "commit batch")
		}
	}

	l.logger.Info().
		Str("table", table).
		Int64("inserted", res.RowsInserted).
		Int64("omitted", res.RowsOmitted).
		Msg("load completed")
	return res, nil
}

func readAll(reader *csv.Reader, width int) ([][]string, error) {
	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read extract")
		}
		// Pad ragged rows so column lookups stay in bounds.
		for len(rec) < width {
			rec = append(rec, "")
		}
		records = append(records, rec[:width])
	}
}

func validNaturalID(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "nan")
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func fieldAt(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func int64ArrayOrNil(vals []int64) interface{} {
	if len(vals) == 0 {
		return nil
	}
	return pq.Array(vals)
}

func indexOf(header []string, name string) int {
	for i, c := range header {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}
