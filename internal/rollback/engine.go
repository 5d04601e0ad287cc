package rollback

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"assetmigrate/internal/changelog"

	"go.uber.org/zap"
)

// Direction selects which side of the phase filter gets rolled back.
// "from" keeps the named phase and every later phase; "to" keeps the named
// phase and every earlier one. Both are inclusive of the named phase, with
// phase order taken from first appearance in the sequence-ordered log.
type Direction string

const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
)

// Reverser undoes one change-log entry of a particular operation type.
type Reverser func(ctx context.Context, entry changelog.Entry) error

// ChangeLoader is the slice of the change log manager the engine needs.
type ChangeLoader interface {
	LoadChangesFor(migrationID string) ([]changelog.Entry, error)
}

// Report summarizes one rollback pass. Per-entry reversal failures are
// accumulated here, not raised: partial success is reported, never hidden.
type Report struct {
	MigrationID string         `json:"migration_id"`
	PhaseFilter string         `json:"phase_filter,omitempty"`
	Direction   Direction      `json:"direction"`
	DryRun      bool           `json:"dry_run"`
	Total       int            `json:"total"`
	ByPhase     map[string]int `json:"by_phase"`
	Reversed    int            `json:"reversed"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Failures    []string       `json:"failures,omitempty"`
}

// Engine replays a migration's change log backward. Entries are undone in
// strict reverse sequence order because later operations may depend on
// earlier ones still being in place.
type Engine struct {
	changes   ChangeLoader
	reversers map[string]Reverser
	db        *sql.DB
	backupDir string
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDatabase enables the whole-database restore path against db, looking
// up backup scripts in backupDir.
func WithDatabase(db *sql.DB, backupDir string) Option {
	return func(e *Engine) {
		e.db = db
		e.backupDir = backupDir
	}
}

// NewEngine creates a rollback engine over the given change log.
func NewEngine(changes ChangeLoader, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		changes:   changes,
		reversers: make(map[string]Reverser),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the undo logic for one operation type. Entries whose
// type has no registered reverser are reported as skipped, never reversed.
func (e *Engine) Register(opType string, r Reverser) {
	e.reversers[opType] = r
}

// Rollback loads the migration's change log, applies the optional phase
// filter, and undoes the remaining entries highest sequence first. In dry
//-run mode nothing is undone; the report counts what a live pass would do.
func (e *Engine) Rollback(ctx context.Context, migrationID, phaseFilter string, direction Direction, dryRun bool) (*Report, error) {
	if direction == "" {
		direction = DirectionFrom
	}
	if direction != DirectionFrom && direction != DirectionTo {
		return nil, fmt.Errorf("invalid rollback direction %q", direction)
	}

	entries, err := e.changes.LoadChangesFor(migrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load change log: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no change log found for migration %s", migrationID)
	}

	selected, err := filterByPhase(entries, phaseFilter, direction)
	if err != nil {
		return nil, err
	}

	report := &Report{
		MigrationID: migrationID,
		PhaseFilter: phaseFilter,
		Direction:   direction,
		DryRun:      dryRun,
		Total:       len(selected),
		ByPhase:     make(map[string]int),
	}
	for _, entry := range selected {
		report.ByPhase[entry.Phase]++
	}

	// Highest sequence first.
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Sequence > selected[j].Sequence
	})

	for _, entry := range selected {
		reverser, ok := e.reversers[entry.Type]
		if !ok {
			e.logger.Info("Skipping irreversible change",
				zap.String("migration_id", migrationID),
				zap.Int64("sequence", entry.Sequence),
				zap.String("type", entry.Type),
			)
			report.Skipped++
			continue
		}

		if dryRun {
			report.Reversed++
			continue
		}

		if err := reverser(ctx, entry); err != nil {
			report.Failed++
			report.Failures = append(report.Failures,
				fmt.Sprintf("seq %d (%s): %v", entry.Sequence, entry.Type, err))
			e.logger.Error("Failed to reverse change",
				zap.Int64("sequence", entry.Sequence),
				zap.String("type", entry.Type),
				zap.Error(err),
			)
			continue
		}

		report.Reversed++
		e.logger.Debug("Change reversed",
			zap.Int64("sequence", entry.Sequence),
			zap.String("type", entry.Type),
		)
	}

	e.logger.Info("Rollback finished",
		zap.String("migration_id", migrationID),
		zap.Bool("dry_run", dryRun),
		zap.Int("total", report.Total),
		zap.Int("reversed", report.Reversed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// filterByPhase keeps entries on one side of the named phase, inclusive.
// With no filter all entries are kept.
func filterByPhase(entries []changelog.Entry, phaseFilter string, direction Direction) ([]changelog.Entry, error) {
	if phaseFilter == "" {
		return entries, nil
	}

	// Phase order is first-appearance order in the sequence-ordered log.
	phaseIndex := make(map[string]int)
	order := 0
	for _, entry := range entries {
		if _, ok := phaseIndex[entry.Phase]; !ok {
			phaseIndex[entry.Phase] = order
			order++
		}
	}

	pivot, ok := phaseIndex[phaseFilter]
	if !ok {
		return nil, fmt.Errorf("phase %q not present in change log", phaseFilter)
	}

	var selected []changelog.Entry
	for _, entry := range entries {
		idx := phaseIndex[entry.Phase]
		if (direction == DirectionFrom && idx >= pivot) ||
			(direction == DirectionTo && idx <= pivot) {
			selected = append(selected, entry)
		}
	}
	return selected, nil
}
