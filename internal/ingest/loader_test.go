package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllPadsRaggedRows(t *testing.T) {
	reader := csv.NewReader(strings.NewReader("a,b,c\n1,2\n"))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	require.NoError(t, err)

	records, err := readAll(reader, len(header))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"1", "2", ""}, records[0])
}

func TestValidNaturalID(t *testing.T) {
	assert.True(t, validNaturalID("https://example.org/exp/1"))
	assert.False(t, validNaturalID(""))
	assert.False(t, validNaturalID("   "))
	assert.False(t, validNaturalID("NaN"))
}

func TestIndexOfIsCaseInsensitive(t *testing.T) {
	header := []string{"ID", "objeto", "cpv_principal"}
	assert.Equal(t, 0, indexOf(header, "id"))
	assert.Equal(t, 2, indexOf(header, "CPV_PRINCIPAL"))
	assert.Equal(t, -1, indexOf(header, "missing"))
}

// TestLoadIsIdempotent needs a real database; set LICITIA_TEST_DATABASE_URL
// to run it. The second load of an identical extract must insert nothing.
func TestLoadIsIdempotent(t *testing.T) {
	dbURL := os.Getenv("LICITIA_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("LICITIA_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE SCHEMA IF NOT EXISTS l0_test")
	require.NoError(t, err)
	defer db.Exec("DROP SCHEMA l0_test CASCADE")

	dir := t.TempDir()
	path := filepath.Join(dir, "extract.csv")
	content := "id,objeto,cpv_principal,cpvs\n" +
		"url-1,Obra A,45233142-6,33600000-6\n" +
		"url-2,Obra B,,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader(db, "l0_test", 100, zerolog.Nop())
	ctx := context.Background()

	res, err := loader.Load(ctx, "test_dataset", path, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsInserted)
	assert.Equal(t, int64(0), res.RowsOmitted)

	res, err = loader.Load(ctx, "test_dataset", path, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RowsInserted)
	assert.Equal(t, int64(2), res.RowsOmitted)

	var count int64
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM l0_test.test_dataset").Scan(&count))
	assert.Equal(t, int64(2), count)
}
