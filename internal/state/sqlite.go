package state

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"assetmigrate/internal/sqlitedb"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore creates a migration-state store on an already opened database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_state (
		migration_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		phase TEXT,
		processed_count INTEGER DEFAULT 0,
		total_count INTEGER DEFAULT 0,
		error_message TEXT,
		pid INTEGER,
		session_id TEXT,
		command TEXT,
		started_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_migration_state_status ON migration_state(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the record for the migration ID, or nil if none exists.
func (s *SQLiteStore) Get(migrationID string) (*Record, error) {
	query := `
	SELECT migration_id, status, phase, processed_count, total_count,
	       error_message, pid, session_id, command, started_at, updated_at
	FROM migration_state WHERE migration_id = ?
	`

	rec, err := scanRecord(s.db.QueryRow(query, migrationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var phase, errorMessage, sessionID, command sql.NullString
	var pid sql.NullInt64
	var startedAt sql.NullTime

	err := row.Scan(
		&rec.MigrationID,
		&rec.Status,
		&phase,
		&rec.ProcessedCount,
		&rec.TotalCount,
		&errorMessage,
		&pid,
		&sessionID,
		&command,
		&startedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Phase = phase.String
	rec.ErrorMessage = errorMessage.String
	rec.SessionID = sessionID.String
	rec.Command = command.String
	rec.PID = int(pid.Int64)
	rec.StartedAt = startedAt.Time

	return &rec, nil
}

// Save upserts the record.
func (s *SQLiteStore) Save(rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec.UpdatedAt = time.Now()

	return sqlitedb.RetryOnBusy(func() error {
		query := `
		INSERT INTO migration_state
		(migration_id, status, phase, processed_count, total_count, error_message,
		 pid, session_id, command, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(migration_id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			processed_count = excluded.processed_count,
			total_count = excluded.total_count,
			error_message = excluded.error_message,
			pid = excluded.pid,
			session_id = excluded.session_id,
			command = excluded.command,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
		`

		_, err := s.db.Exec(query,
			rec.MigrationID, rec.Status, rec.Phase, rec.ProcessedCount, rec.TotalCount,
			rec.ErrorMessage, rec.PID, rec.SessionID, rec.Command, rec.StartedAt, rec.UpdatedAt,
		)
		return err
	})
}

// SetStatus transitions the record's status, recording an error message for
// failed runs.
func (s *SQLiteStore) SetStatus(migrationID string, status Status, errorMessage string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqlitedb.RetryOnBusy(func() error {
		res, err := s.db.Exec(
			`UPDATE migration_state SET status = ?, error_message = ?, updated_at = ?
			 WHERE migration_id = ?`,
			status, errorMessage, time.Now(), migrationID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no state record for migration %s", migrationID)
		}
		return nil
	})
}

// List returns all migration-state records, most recently updated first.
func (s *SQLiteStore) List() ([]*Record, error) {
	query := `
	SELECT migration_id, status, phase, processed_count, total_count,
	       error_message, pid, session_id, command, started_at, updated_at
	FROM migration_state ORDER BY updated_at DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
