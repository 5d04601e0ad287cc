package checkpoint

import (
	"fmt"
	"sort"
	"time"

	"assetmigrate/internal/state"

	"go.uber.org/zap"
)

// Manager owns checkpoint and quick-state persistence for one migration ID.
// No other component writes these records. Write failures always propagate:
// a run whose progress cannot be durably recorded must not continue.
type Manager struct {
	migrationID string
	store       Store
	states      state.Store
	logger      *zap.Logger
}

// NewManager creates a checkpoint manager for the given migration ID.
func NewManager(store Store, states state.Store, migrationID string, logger *zap.Logger) *Manager {
	return &Manager{
		migrationID: migrationID,
		store:       store,
		states:      states,
		logger:      logger,
	}
}

// SaveCheckpoint writes the full checkpoint, the quick state derived from
// it, and the state summary. The three writes land atomically.
func (m *Manager) SaveCheckpoint(cp *Checkpoint) error {
	cp.MigrationID = m.migrationID
	cp.Version = SchemaVersion
	cp.CreatedAt = time.Now()

	qs := &QuickState{
		MigrationID:  m.migrationID,
		Phase:        cp.Phase,
		ProcessedIDs: cp.ProcessedIDs,
		Batch:        cp.Batch,
		UpdatedAt:    cp.CreatedAt,
	}

	summary := Summary{
		MigrationID:    m.migrationID,
		Phase:          cp.Phase,
		ProcessedCount: len(cp.ProcessedIDs),
		TotalCount:     cp.TotalCount,
	}

	if err := m.store.SaveCheckpoint(cp, qs, summary); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved",
		zap.String("migration_id", m.migrationID),
		zap.String("phase", cp.Phase),
		zap.Int("processed", len(cp.ProcessedIDs)),
		zap.Int("batch", cp.Batch),
	)
	return nil
}

// SaveQuickState writes only the quick state, bypassing the full checkpoint.
func (m *Manager) SaveQuickState(qs *QuickState) error {
	qs.MigrationID = m.migrationID
	qs.UpdatedAt = time.Now()

	if err := m.store.SaveQuickState(qs); err != nil {
		return fmt.Errorf("failed to save quick state: %w", err)
	}
	return nil
}

// UpdateProcessedIDs merges newIDs into the quick state's processed-ID set
// and persists. The merge is a set union, so reapplying the same IDs is a
// no-op.
func (m *Manager) UpdateProcessedIDs(newIDs []string) error {
	qs, err := m.store.LoadQuickState(m.migrationID)
	if err != nil {
		return fmt.Errorf("failed to load quick state: %w", err)
	}
	if qs == nil {
		qs = &QuickState{MigrationID: m.migrationID}
	}

	qs.ProcessedIDs = mergeIDs(qs.ProcessedIDs, newIDs)
	return m.SaveQuickState(qs)
}

func mergeIDs(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range added {
		seen[id] = struct{}{}
	}

	merged := make([]string, 0, len(seen))
	for id := range seen {
		merged = append(merged, id)
	}
	sort.Strings(merged)
	return merged
}

// LoadLatestCheckpoint returns the latest full checkpoint, or nil for a
// fresh start.
func (m *Manager) LoadLatestCheckpoint() (*Checkpoint, error) {
	return m.store.LoadCheckpoint(m.migrationID)
}

// LoadQuickState returns the latest quick state, or nil if none exists.
func (m *Manager) LoadQuickState() (*QuickState, error) {
	return m.store.LoadQuickState(m.migrationID)
}

// RegisterMigrationStart initializes the shared migration-state record to
// status running.
func (m *Manager) RegisterMigrationStart(pid int, sessionID, command string, totalCount int) error {
	now := time.Now()
	rec := &state.Record{
		MigrationID: m.migrationID,
		Status:      state.StatusRunning,
		TotalCount:  totalCount,
		PID:         pid,
		SessionID:   sessionID,
		Command:     command,
		StartedAt:   now,
	}

	if err := m.states.Save(rec); err != nil {
		return fmt.Errorf("failed to register migration start: %w", err)
	}

	m.logger.Info("Migration registered",
		zap.String("migration_id", m.migrationID),
		zap.Int("pid", pid),
		zap.Int("total_count", totalCount),
	)
	return nil
}

// MarkMigrationCompleted transitions the shared state record to completed.
func (m *Manager) MarkMigrationCompleted() error {
	if err := m.states.SetStatus(m.migrationID, state.StatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to mark migration completed: %w", err)
	}
	return nil
}

// MarkMigrationFailed transitions the shared state record to failed with
// the terminal error message.
func (m *Manager) MarkMigrationFailed(errorMessage string) error {
	if err := m.states.SetStatus(m.migrationID, state.StatusFailed, errorMessage); err != nil {
		return fmt.Errorf("failed to mark migration failed: %w", err)
	}
	return nil
}

// Cleanup removes checkpoints older than the retention window. It is only
// invoked explicitly, never mid-run.
func (m *Manager) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	removed, err := m.store.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	if removed > 0 {
		m.logger.Info("Old checkpoints removed", zap.Int64("count", removed))
	}
	return removed, nil
}
