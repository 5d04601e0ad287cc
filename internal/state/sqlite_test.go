package state

import (
	"path/filepath"
	"testing"
	"time"

	"assetmigrate/internal/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get("mig-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.Save(&Record{
		MigrationID: "mig-1",
		Status:      StatusRunning,
		Phase:       "copy",
		TotalCount:  10,
		PID:         42,
		SessionID:   "s-1",
		Command:     "assetmigrate migrate",
		StartedAt:   time.Now(),
	}))

	rec, err = store.Get("mig-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, "copy", rec.Phase)
	assert.Equal(t, 42, rec.PID)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestSetStatus(t *testing.T) {
	store := newTestStore(t)

	err := store.SetStatus("missing", StatusFailed, "boom")
	require.Error(t, err)

	require.NoError(t, store.Save(&Record{
		MigrationID: "mig-1",
		Status:      StatusRunning,
		StartedAt:   time.Now(),
	}))

	require.NoError(t, store.SetStatus("mig-1", StatusFailed, "copy failed"))
	rec, err := store.Get("mig-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "copy failed", rec.ErrorMessage)
}

func TestList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(&Record{MigrationID: "mig-1", Status: StatusCompleted, StartedAt: time.Now()}))
	require.NoError(t, store.Save(&Record{MigrationID: "mig-2", Status: StatusRunning, StartedAt: time.Now()}))

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
