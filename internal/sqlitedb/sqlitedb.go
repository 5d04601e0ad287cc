package sqlitedb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database configured for concurrent access. The lock,
// state and checkpoint stores all share one database file opened this way.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=foreign_keys(on)&_pragma=busy_timeout(60000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// RetryOnBusy retries the operation while SQLite reports lock contention.
func RetryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}

		if !IsBusyError(err) {
			return err
		}

		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}

	return err
}

// IsBusyError reports whether the error is a SQLite lock contention error.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
