package state

import (
	"time"
)

// Status represents the lifecycle status of a migration run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Record is the shared migration-state summary read by dashboards and
// pollers. The Checkpoint Manager is the only writer.
type Record struct {
	MigrationID    string    `json:"migration_id"`
	Status         Status    `json:"status"`
	Phase          string    `json:"phase"`
	ProcessedCount int       `json:"processed_count"`
	TotalCount     int       `json:"total_count"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	PID            int       `json:"pid"`
	SessionID      string    `json:"session_id"`
	Command        string    `json:"command"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines the persistence interface for migration-state records.
type Store interface {
	Get(migrationID string) (*Record, error)
	Save(rec *Record) error
	SetStatus(migrationID string, status Status, errorMessage string) error
	List() ([]*Record, error)
}
