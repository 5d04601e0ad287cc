package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"assetmigrate/internal/sqlitedb"
)

// SQLiteStore implements Store using SQLite. It shares the database file
// with the lock and migration-state stores so the checkpoint, quick state
// and state summary can be written in one transaction.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore creates a checkpoint store on an already opened database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		migration_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		phase TEXT,
		processed_ids TEXT NOT NULL,
		batch INTEGER DEFAULT 0,
		total_count INTEGER DEFAULT 0,
		stats TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quick_state (
		migration_id TEXT PRIMARY KEY,
		phase TEXT,
		processed_ids TEXT NOT NULL,
		batch INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveCheckpoint writes checkpoint, quick state and state summary atomically.
func (s *SQLiteStore) SaveCheckpoint(cp *Checkpoint, qs *QuickState, summary Summary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	processedIDs, err := json.Marshal(cp.ProcessedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode processed ids: %w", err)
	}
	stats, err := json.Marshal(cp.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	quickIDs, err := json.Marshal(qs.ProcessedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode quick state ids: %w", err)
	}

	return sqlitedb.RetryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.Exec(
			`INSERT INTO checkpoints
			 (migration_id, version, phase, processed_ids, batch, total_count, stats, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(migration_id) DO UPDATE SET
				version = excluded.version,
				phase = excluded.phase,
				processed_ids = excluded.processed_ids,
				batch = excluded.batch,
				total_count = excluded.total_count,
				stats = excluded.stats,
				created_at = excluded.created_at`,
			cp.MigrationID, cp.Version, cp.Phase, string(processedIDs),
			cp.Batch, cp.TotalCount, string(stats), cp.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}

		if err := upsertQuickState(tx, qs, quickIDs); err != nil {
			return err
		}

		// Mirror summary fields into the shared migration-state record.
		// The status column is owned by the run lifecycle, not by
		// checkpointing, so it is preserved on conflict.
		_, err = tx.Exec(
			`INSERT INTO migration_state
			 (migration_id, status, phase, processed_count, total_count, updated_at)
			 VALUES (?, 'running', ?, ?, ?, ?)
			 ON CONFLICT(migration_id) DO UPDATE SET
				phase = excluded.phase,
				processed_count = excluded.processed_count,
				total_count = excluded.total_count,
				updated_at = excluded.updated_at`,
			summary.MigrationID, summary.Phase, summary.ProcessedCount,
			summary.TotalCount, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to mirror state summary: %w", err)
		}

		return tx.Commit()
	})
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertQuickState(db execer, qs *QuickState, encodedIDs []byte) error {
	_, err := db.Exec(
		`INSERT INTO quick_state (migration_id, phase, processed_ids, batch, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(migration_id) DO UPDATE SET
			phase = excluded.phase,
			processed_ids = excluded.processed_ids,
			batch = excluded.batch,
			updated_at = excluded.updated_at`,
		qs.MigrationID, qs.Phase, string(encodedIDs), qs.Batch, qs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write quick state: %w", err)
	}
	return nil
}

// SaveQuickState writes only the quick state.
func (s *SQLiteStore) SaveQuickState(qs *QuickState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	encodedIDs, err := json.Marshal(qs.ProcessedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode quick state ids: %w", err)
	}

	return sqlitedb.RetryOnBusy(func() error {
		return upsertQuickState(s.db, qs, encodedIDs)
	})
}

// LoadCheckpoint returns the latest checkpoint for the migration ID, or nil
// if none exists.
func (s *SQLiteStore) LoadCheckpoint(migrationID string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT migration_id, version, phase, processed_ids, batch, total_count, stats, created_at
		 FROM checkpoints WHERE migration_id = ?`,
		migrationID,
	)

	var cp Checkpoint
	var processedIDs, stats string
	var phase sql.NullString

	err := row.Scan(&cp.MigrationID, &cp.Version, &phase, &processedIDs,
		&cp.Batch, &cp.TotalCount, &stats, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cp.Phase = phase.String
	if err := json.Unmarshal([]byte(processedIDs), &cp.ProcessedIDs); err != nil {
		return nil, fmt.Errorf("failed to decode processed ids: %w", err)
	}
	if stats != "" && stats != "null" {
		if err := json.Unmarshal([]byte(stats), &cp.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode stats: %w", err)
		}
	}

	return &cp, nil
}

// LoadQuickState returns the latest quick state for the migration ID, or nil
// if none exists.
func (s *SQLiteStore) LoadQuickState(migrationID string) (*QuickState, error) {
	row := s.db.QueryRow(
		`SELECT migration_id, phase, processed_ids, batch, updated_at
		 FROM quick_state WHERE migration_id = ?`,
		migrationID,
	)

	var qs QuickState
	var processedIDs string
	var phase sql.NullString

	err := row.Scan(&qs.MigrationID, &phase, &processedIDs, &qs.Batch, &qs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	qs.Phase = phase.String
	if err := json.Unmarshal([]byte(processedIDs), &qs.ProcessedIDs); err != nil {
		return nil, fmt.Errorf("failed to decode quick state ids: %w", err)
	}

	return &qs, nil
}

// DeleteOlderThan removes checkpoints and quick states created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int64
	err := sqlitedb.RetryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`DELETE FROM checkpoints WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM quick_state WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}

		return tx.Commit()
	})
	return removed, err
}
