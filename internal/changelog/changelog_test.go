package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSequenceOrderAcrossFlushes(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, "mig-1", 2, zap.NewNop())
	require.NoError(t, err)

	m.SetPhase("copy")
	for i := 0; i < 5; i++ {
		require.NoError(t, m.LogChange(OpCopiedObject, map[string]any{"key": "obj"}))
	}
	require.NoError(t, m.Flush())

	entries, err := m.LoadChanges()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
		assert.Equal(t, "mig-1", entry.MigrationID)
		assert.Equal(t, "copy", entry.Phase)
	}
}

func TestAutoFlushAtThreshold(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, "mig-1", 2, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.LogChange(OpCopiedObject, nil))
	entries, err := m.LoadChanges()
	require.NoError(t, err)
	assert.Empty(t, entries, "below threshold, nothing flushed yet")

	require.NoError(t, m.LogChange(OpCopiedObject, nil))
	entries, err = m.LoadChanges()
	require.NoError(t, err)
	assert.Len(t, entries, 2, "threshold reached, buffer flushed")
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, "mig-1", 10, zap.NewNop())
	require.NoError(t, err)
	m.SetPhase("copy")
	require.NoError(t, m.LogChange(OpCopiedObject, nil))
	require.NoError(t, m.LogChange(OpCopiedObject, nil))
	require.NoError(t, m.Flush())

	// A new manager for the same migration continues the sequence.
	restarted, err := NewManager(dir, "mig-1", 10, zap.NewNop())
	require.NoError(t, err)
	restarted.SetPhase("rewrite")
	require.NoError(t, restarted.LogChange(OpURLRewrite, nil))
	require.NoError(t, restarted.Flush())

	entries, err := restarted.LoadChanges()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}
	assert.Equal(t, "rewrite", entries[2].Phase)
}

func TestPayloadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, "mig-1", 1, zap.NewNop())
	require.NoError(t, err)

	m.SetPhase("copy")
	require.NoError(t, m.LogChange(OpMovedAsset, map[string]any{
		"source_bucket": "assets",
		"source_key":    "img/logo.png",
		"target_bucket": "assets-new",
		"target_key":    "img/logo.png",
	}))

	entries, err := m.LoadChanges()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpMovedAsset, entries[0].Type)
	assert.Equal(t, "assets", entries[0].Payload["source_bucket"])
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, "mig-1", 10, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Flush())

	entries, err := m.LoadChanges()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()

	a, err := NewManager(dir, "mig-a", 1, zap.NewNop())
	require.NoError(t, err)
	a.SetPhase("copy")
	require.NoError(t, a.LogChange(OpCopiedObject, nil))
	a.SetPhase("rewrite")
	require.NoError(t, a.LogChange(OpURLRewrite, nil))

	b, err := NewManager(dir, "mig-b", 1, zap.NewNop())
	require.NoError(t, err)
	b.SetPhase("copy")
	require.NoError(t, b.LogChange(OpCopiedObject, nil))

	infos, err := a.ListMigrations()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := make(map[string]Info)
	for _, info := range infos {
		byID[info.MigrationID] = info
	}
	assert.Equal(t, 2, byID["mig-a"].Entries)
	assert.Equal(t, []string{"copy", "rewrite"}, byID["mig-a"].Phases)
	assert.Equal(t, 1, byID["mig-b"].Entries)
}
