package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_things.up.sql":   {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
		"V1__create_things.down.sql": {Data: []byte("DROP TABLE things;")},
		"V2__add_name.up.sql":        {Data: []byte("ALTER TABLE things ADD COLUMN name TEXT;")},
		"V2__add_name.down.sql":      {Data: []byte("ALTER TABLE things DROP COLUMN name;")},
		"README.md":                  {Data: []byte("ignored")},
		"bogus.up.sql":               {Data: []byte("ignored")},
	}
}

func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx))
	// Idempotent
	require.NoError(t, m.Initialize(ctx))

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	assert.NoError(t, err)
}

func TestCurrentVersion_beforeInitialize(t *testing.T) {
	m := NewMigrator(openMemory(t), testMigrations())
	_, err := m.CurrentVersion(context.Background())
	assert.Error(t, err)
}

func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	require.NoError(t, m.Up(ctx))

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	applied, err := m.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_things", applied[0].Description)
	assert.Equal(t, "add_name", applied[1].Description)
	assert.Len(t, applied[0].Checksum, 64)

	_, err = db.Exec("INSERT INTO things (id, name) VALUES (1, 'x')")
	assert.NoError(t, err)

	// Re-running is a no-op.
	require.NoError(t, m.Up(ctx))
}

func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	files := testMigrations()
	m := NewMigrator(db, files)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Up(ctx))

	files["V1__create_things.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")}
	err := m.Up(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modified")
}

func TestDown_rollsBackLatest(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, m.Down(ctx))
	require.Error(t, m.Down(ctx))
}

func TestEmbeddedMigrations_roundTrip(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Down(ctx))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sync_queue'").Scan(&n))
	assert.Zero(t, n)
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		in      string
		version int
		desc    string
		ok      bool
	}{
		{"V1__initial_schema", 1, "initial_schema", true},
		{"V12__add__double", 12, "add__double", true},
		{"V0__zero", 0, "", false},
		{"Vx__bad", 0, "", false},
		{"nounderscore", 0, "", false},
	}
	for _, tt := range tests {
		v, d, ok := parseMigrationName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.version, v)
			assert.Equal(t, tt.desc, d)
		}
	}
}
