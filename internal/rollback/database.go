package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// RestorePlan describes a whole-database restore without executing it.
type RestorePlan struct {
	MigrationID string `json:"migration_id"`
	BackupPath  string `json:"backup_path"`
	SizeBytes   int64  `json:"size_bytes"`
	Method      string `json:"method"`
}

// RollbackViaDatabase restores the pre-migration database backup associated
// with the migration ID. Dry-run returns the plan without touching the
// database. The live path executes the backup script inside one transaction
// with foreign-key checks disabled; the checks are re-enabled on every exit
// path, and any statement failure rolls the whole restore back.
func (e *Engine) RollbackViaDatabase(ctx context.Context, migrationID string, dryRun bool) (*RestorePlan, error) {
	if e.db == nil {
		return nil, fmt.Errorf("database restore is not configured")
	}

	backupPath := filepath.Join(e.backupDir, migrationID+".sql")
	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("backup for migration %s is unavailable: %w", migrationID, err)
	}

	plan := &RestorePlan{
		MigrationID: migrationID,
		BackupPath:  backupPath,
		SizeBytes:   info.Size(),
		Method:      "sql_script",
	}

	if dryRun {
		e.logger.Info("Database restore plan",
			zap.String("migration_id", migrationID),
			zap.String("backup_path", backupPath),
			zap.Int64("size_bytes", info.Size()),
		)
		return plan, nil
	}

	script, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup script: %w", err)
	}

	if err := e.executeRestore(ctx, string(script)); err != nil {
		return nil, fmt.Errorf("database restore for migration %s failed: %w", migrationID, err)
	}

	e.logger.Info("Database restored from backup",
		zap.String("migration_id", migrationID),
		zap.String("backup_path", backupPath),
	)
	return plan, nil
}

func (e *Engine) executeRestore(ctx context.Context, script string) error {
	// Pin one connection: the foreign-key pragma is per-connection state.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign key checks: %w", err)
	}
	// Re-enable integrity checks no matter how the restore ends.
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
			e.logger.Error("Failed to re-enable foreign key checks", zap.Error(err))
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin restore transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restore statement failed: %w", err)
		}
	}

	return tx.Commit()
}

// splitStatements breaks a SQL backup script into individual statements,
// dropping comment-only and empty fragments.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, trimmed)
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.Join(lines, "\n"))
		}
	}
	return stmts
}
