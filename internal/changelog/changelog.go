package changelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one reversible operation recorded during a migration run. Entries
// are immutable once flushed; corrections are appended, never edited.
type Entry struct {
	MigrationID string         `json:"migration_id"`
	Sequence    int64          `json:"sequence"`
	Phase       string         `json:"phase"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Info summarizes one migration's change log for discovery and reporting.
type Info struct {
	MigrationID string    `json:"migration_id"`
	Entries     int       `json:"entries"`
	Phases      []string  `json:"phases"`
	LastChange  time.Time `json:"last_change"`
}

// Operation types recorded by the migration phases. The set is open: any
// tag may be logged, these are the ones the built-in reversers understand.
// "deleted_transform" cannot be undone and is only ever reported.
const (
	OpCopiedObject     = "copied_object"
	OpMovedAsset       = "moved_asset"
	OpURLRewrite       = "url_rewrite"
	OpDeletedTransform = "deleted_transform"
)

const logSuffix = ".log"

// Manager buffers change entries for one migration ID and appends them to
// that migration's log file. Sequence numbers are strictly increasing and
// gap-free, surviving process restarts by rescanning the existing log.
// Safe for concurrent use by workers; the file itself has a single writer.
type Manager struct {
	migrationID string
	dir         string
	flushEvery  int
	logger      *zap.Logger

	mu      sync.Mutex
	phase   string
	nextSeq int64
	buf     []Entry
}

// NewManager creates a change log manager. flushEvery is the buffered-entry
// count that triggers an automatic flush.
func NewManager(dir, migrationID string, flushEvery int, logger *zap.Logger) (*Manager, error) {
	if flushEvery <= 0 {
		flushEvery = 100
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory: %w", err)
	}

	m := &Manager{
		migrationID: migrationID,
		dir:         dir,
		flushEvery:  flushEvery,
		logger:      logger,
		nextSeq:     1,
	}

	// Resume the sequence after the last flushed entry so a restarted run
	// keeps the per-migration sequence gap-free.
	entries, err := m.LoadChanges()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		m.nextSeq = entries[len(entries)-1].Sequence + 1
	}

	return m, nil
}

func (m *Manager) logPath(migrationID string) string {
	return filepath.Join(m.dir, migrationID+logSuffix)
}

// SetPhase sets the phase tag applied to subsequently logged entries.
func (m *Manager) SetPhase(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = label
}

// LogChange appends an entry with the next sequence number and current
// phase. Reaching the flush threshold triggers an automatic flush.
func (m *Manager) LogChange(opType string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf = append(m.buf, Entry{
		MigrationID: m.migrationID,
		Sequence:    m.nextSeq,
		Phase:       m.phase,
		Type:        opType,
		Payload:     payload,
		Timestamp:   time.Now(),
	})
	m.nextSeq++

	if len(m.buf) >= m.flushEvery {
		return m.flushLocked()
	}
	return nil
}

// Flush durably appends all buffered entries and clears the buffer. Callers
// finalize a run with Flush before releasing the migration lock.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if len(m.buf) == 0 {
		return nil
	}

	f, err := os.OpenFile(m.logPath(m.migrationID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open change log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, entry := range m.buf {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode change entry %d: %w", entry.Sequence, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append change entry %d: %w", entry.Sequence, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush change log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync change log: %w", err)
	}

	m.logger.Debug("Change log flushed",
		zap.String("migration_id", m.migrationID),
		zap.Int("entries", len(m.buf)),
	)
	m.buf = m.buf[:0]
	return nil
}

// LoadChanges returns all flushed entries for this manager's migration ID
// in sequence order.
func (m *Manager) LoadChanges() ([]Entry, error) {
	return m.LoadChangesFor(m.migrationID)
}

// LoadChangesFor returns all flushed entries for the given migration ID in
// sequence order, or nil if that migration has no log.
func (m *Manager) LoadChangesFor(migrationID string) ([]Entry, error) {
	f, err := os.Open(m.logPath(migrationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt change log entry in %s: %w", migrationID, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	return entries, nil
}

// ListMigrations returns metadata for every migration log in the log store.
func (m *Manager) ListMigrations() ([]Info, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog directory: %w", err)
	}

	var infos []Info
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, logSuffix) {
			continue
		}

		migrationID := strings.TrimSuffix(name, logSuffix)
		entries, err := m.LoadChangesFor(migrationID)
		if err != nil {
			m.logger.Warn("Skipping unreadable change log",
				zap.String("migration_id", migrationID),
				zap.Error(err),
			)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		info := Info{
			MigrationID: migrationID,
			Entries:     len(entries),
			LastChange:  entries[len(entries)-1].Timestamp,
		}
		seen := make(map[string]struct{})
		for _, entry := range entries {
			if _, ok := seen[entry.Phase]; !ok {
				seen[entry.Phase] = struct{}{}
				info.Phases = append(info.Phases, entry.Phase)
			}
		}
		infos = append(infos, info)
	}

	return infos, nil
}
