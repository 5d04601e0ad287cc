package checkpoint

import (
	"time"
)

// SchemaVersion is stamped into every full checkpoint so older snapshots can
// be recognized after an upgrade.
const SchemaVersion = 1

// Checkpoint is the durable progress snapshot for one migration run. It
// carries everything needed to resume without redoing completed work.
type Checkpoint struct {
	MigrationID  string         `json:"migration_id"`
	Version      int            `json:"version"`
	Phase        string         `json:"phase"`
	ProcessedIDs []string       `json:"processed_ids"`
	Batch        int            `json:"batch"`
	TotalCount   int            `json:"total_count"`
	Stats        map[string]any `json:"stats,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// QuickState is the lightweight, frequently written sibling of the full
// checkpoint, used for high-frequency progress updates and polling.
type QuickState struct {
	MigrationID  string    `json:"migration_id"`
	Phase        string    `json:"phase"`
	ProcessedIDs []string  `json:"processed_ids"`
	Batch        int       `json:"batch"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary holds the fields mirrored into the shared migration-state record
// on every full checkpoint write.
type Summary struct {
	MigrationID    string
	Phase          string
	ProcessedCount int
	TotalCount     int
}

// Store defines the persistence interface for checkpoints and quick states.
type Store interface {
	// SaveCheckpoint writes the full checkpoint, its derived quick state
	// and the state summary in one transaction: either all three land or
	// the previous checkpoint stays the latest.
	SaveCheckpoint(cp *Checkpoint, qs *QuickState, summary Summary) error

	// SaveQuickState writes only the quick state.
	SaveQuickState(qs *QuickState) error

	LoadCheckpoint(migrationID string) (*Checkpoint, error)
	LoadQuickState(migrationID string) (*QuickState, error)

	// DeleteOlderThan removes checkpoints and quick states created before
	// the cutoff. Returns the number of checkpoints removed.
	DeleteOlderThan(cutoff time.Time) (int64, error)
}
