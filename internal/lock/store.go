package lock

import (
	"time"
)

// DefaultName is the singleton lock key shared by every migration run. All
// invocations, CLI or queued, compete for this one record.
const DefaultName = "asset_migration"

// Record is the persisted lock record. At most one non-expired record exists
// per lock name.
type Record struct {
	Name        string    `json:"name"`
	MigrationID string    `json:"migration_id"`
	Owner       string    `json:"owner"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store defines the persistence interface for lock records.
type Store interface {
	// Get returns the current record for the lock name, expired or not,
	// or nil if none exists.
	Get(name string) (*Record, error)

	// TryAcquire atomically installs rec if no record exists for rec.Name
	// or the existing record expired at or before now. Returns false when
	// a live record is already in place. Concurrent callers resolve to
	// exactly one winner.
	TryAcquire(rec *Record, now time.Time) (bool, error)

	// Refresh extends the expiry of the record only while it is still
	// owned by migrationID and not expired. Returns false if the lock
	// was lost.
	Refresh(name, migrationID string, expiresAt, now time.Time) (bool, error)

	// Release deletes the record only if owned by migrationID. Releasing
	// a missing or foreign record is a no-op.
	Release(name, migrationID string) error
}
