package rollback

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopLoader struct{}

func (nopLoader) LoadChangesFor(string) ([]changelog.Entry, error) { return nil, nil }

func newRestoreFixture(t *testing.T) (*Engine, *sql.DB, string) {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlitedb.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	// One connection so the pragma checks below observe the restore conn.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE assets (id INTEGER PRIMARY KEY, url TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO assets (id, url) VALUES (1, 's3://new/one')`)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	engine := NewEngine(nopLoader{}, zap.NewNop(), WithDatabase(db, backupDir))
	return engine, db, backupDir
}

func writeBackup(t *testing.T, backupDir, migrationID, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, migrationID+".sql"), []byte(script), 0o644))
}

func foreignKeysEnabled(t *testing.T, db *sql.DB) bool {
	t.Helper()
	var enabled int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	return enabled == 1
}

func TestRestoreFromBackup(t *testing.T) {
	engine, db, backupDir := newRestoreFixture(t)

	writeBackup(t, backupDir, "mig-1", `
-- pre-migration snapshot
DELETE FROM assets;
INSERT INTO assets (id, url) VALUES (1, 's3://old/one');
INSERT INTO assets (id, url) VALUES (2, 's3://old/two');
`)

	plan, err := engine.RollbackViaDatabase(context.Background(), "mig-1", false)
	require.NoError(t, err)
	assert.Equal(t, "sql_script", plan.Method)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM assets").Scan(&count))
	assert.Equal(t, 2, count)

	var url string
	require.NoError(t, db.QueryRow("SELECT url FROM assets WHERE id = 1").Scan(&url))
	assert.Equal(t, "s3://old/one", url)

	assert.True(t, foreignKeysEnabled(t, db))
}

func TestRestoreRollsBackOnFailure(t *testing.T) {
	engine, db, backupDir := newRestoreFixture(t)

	// Second statement fails; the delete before it must not survive.
	writeBackup(t, backupDir, "mig-1", `
DELETE FROM assets;
INSERT INTO no_such_table VALUES (1);
`)

	_, err := engine.RollbackViaDatabase(context.Background(), "mig-1", false)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM assets").Scan(&count))
	assert.Equal(t, 1, count, "failed restore must leave the database untouched")

	assert.True(t, foreignKeysEnabled(t, db), "integrity checks stay enabled after a failed restore")
}

func TestRestoreDryRun(t *testing.T) {
	engine, db, backupDir := newRestoreFixture(t)

	writeBackup(t, backupDir, "mig-1", "DELETE FROM assets;")

	plan, err := engine.RollbackViaDatabase(context.Background(), "mig-1", true)
	require.NoError(t, err)
	assert.Equal(t, "mig-1", plan.MigrationID)
	assert.Greater(t, plan.SizeBytes, int64(0))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM assets").Scan(&count))
	assert.Equal(t, 1, count, "dry run must not execute the script")
}

func TestRestoreMissingBackup(t *testing.T) {
	engine, _, _ := newRestoreFixture(t)

	_, err := engine.RollbackViaDatabase(context.Background(), "mig-nope", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mig-nope")
}

func TestRestoreNotConfigured(t *testing.T) {
	engine := NewEngine(nopLoader{}, zap.NewNop())

	_, err := engine.RollbackViaDatabase(context.Background(), "mig-1", false)
	require.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- header comment
DELETE FROM assets;

INSERT INTO assets (id, url)
VALUES (1, 'x');
-- trailing comment
`)
	require.Len(t, stmts, 2)
	assert.Equal(t, "DELETE FROM assets", stmts[0])
	assert.Contains(t, stmts[1], "INSERT INTO assets")
}
