package lock

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"assetmigrate/internal/sqlitedb"
)

// SQLiteStore implements Store using a single-row table guarded by a
// primary key on the lock name. The delete-then-insert inside one
// transaction is the compare-and-swap: only one concurrent acquirer can
// insert the row.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore creates a lock store on an already opened database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_lock (
		name TEXT PRIMARY KEY,
		migration_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the current record for the lock name, or nil if none exists.
func (s *SQLiteStore) Get(name string) (*Record, error) {
	query := `
	SELECT name, migration_id, owner, acquired_at, expires_at
	FROM migration_lock WHERE name = ?
	`

	row := s.db.QueryRow(query, name)

	var rec Record
	err := row.Scan(&rec.Name, &rec.MigrationID, &rec.Owner, &rec.AcquiredAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// TryAcquire atomically replaces a missing or expired record with rec.
func (s *SQLiteStore) TryAcquire(rec *Record, now time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var acquired bool
	err := sqlitedb.RetryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		// Reclaim an expired record before attempting the insert.
		if _, err := tx.Exec(
			`DELETE FROM migration_lock WHERE name = ? AND expires_at <= ?`,
			rec.Name, now,
		); err != nil {
			return fmt.Errorf("failed to reclaim expired lock: %w", err)
		}

		res, err := tx.Exec(
			`INSERT OR IGNORE INTO migration_lock (name, migration_id, owner, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Name, rec.MigrationID, rec.Owner, rec.AcquiredAt, rec.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lock record: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		acquired = n > 0

		return tx.Commit()
	})
	if err != nil {
		return false, err
	}

	return acquired, nil
}

// Refresh extends the expiry while the record is still owned and live.
func (s *SQLiteStore) Refresh(name, migrationID string, expiresAt, now time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var refreshed bool
	err := sqlitedb.RetryOnBusy(func() error {
		res, err := s.db.Exec(
			`UPDATE migration_lock SET expires_at = ?
			 WHERE name = ? AND migration_id = ? AND expires_at > ?`,
			expiresAt, name, migrationID, now,
		)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		refreshed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return refreshed, nil
}

// Release deletes the record only if owned by migrationID.
func (s *SQLiteStore) Release(name, migrationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqlitedb.RetryOnBusy(func() error {
		_, err := s.db.Exec(
			`DELETE FROM migration_lock WHERE name = ? AND migration_id = ?`,
			name, migrationID,
		)
		return err
	})
}
