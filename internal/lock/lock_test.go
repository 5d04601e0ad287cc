package lock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"assetmigrate/internal/clock"
	"assetmigrate/internal/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func newTestLock(store Store, migrationID string, ttl time.Duration) *Lock {
	return New(store, migrationID, Config{
		TTL:          ttl,
		PollInterval: 10 * time.Millisecond,
	}, clock.Real(), zap.NewNop())
}

func TestAcquireAndContention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestLock(store, "mig-a", time.Minute)
	acquired, err := first.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	// A different migration ID must time out with false, not an error.
	second := newTestLock(store, "mig-b", time.Minute)
	acquired, err = second.Acquire(ctx, 50*time.Millisecond, false)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.Release(ctx))

	acquired, err = second.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAcquireResumeSameMigrationID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestLock(store, "mig-a", time.Minute)
	acquired, err := first.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	// Same migration ID resumes the live lock without modification.
	resumed := newTestLock(store, "mig-a", time.Minute)
	acquired, err = resumed.Acquire(ctx, 50*time.Millisecond, true)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Without allowResume the same ID contends like anyone else.
	again := newTestLock(store, "mig-a", time.Minute)
	acquired, err = again.Acquire(ctx, 50*time.Millisecond, false)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestReleaseIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLock(store, "mig-a", time.Minute)
	acquired, err := l.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	// Releasing a lock now owned by someone else is a no-op.
	other := newTestLock(store, "mig-b", time.Minute)
	acquired, err = other.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, l.Release(ctx))

	rec, err := store.Get(DefaultName)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mig-b", rec.MigrationID)
}

func TestExpiredLockReclaimed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := newTestLock(store, "mig-a", 30*time.Millisecond)
	acquired, err := stale.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(50 * time.Millisecond)

	next := newTestLock(store, "mig-b", time.Minute)
	acquired, err = next.Acquire(ctx, 200*time.Millisecond, false)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLock(store, "mig-a", time.Minute)
	acquired, err := l.Acquire(ctx, 100*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, acquired)

	before, err := store.Get(DefaultName)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	ok, err := l.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := store.Get(DefaultName)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))

	// After release the lock is lost and refresh reports it.
	require.NoError(t, l.Release(ctx))
	ok, err = l.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func(migrationID string) {
			defer wg.Done()
			l := newTestLock(store, migrationID, time.Minute)
			acquired, err := l.Acquire(ctx, 50*time.Millisecond, false)
			require.NoError(t, err)
			if acquired {
				wins <- migrationID
			}
		}("mig-" + id)
	}

	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	rec, err := store.Get(DefaultName)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, winners[0], rec.MigrationID)
}
