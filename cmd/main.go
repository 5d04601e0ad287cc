package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"assetmigrate/internal/app"
	"assetmigrate/internal/changelog"
	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/config"
	"assetmigrate/internal/logger"
	"assetmigrate/internal/rollback"
	"assetmigrate/internal/sqlitedb"
	"assetmigrate/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "assetmigrate",
	Short: "Resumable bulk asset migration between S3-compatible backends",
	Long: `A single-active-runner migration coordinator: one lock-guarded run at a
time, durable checkpoints for resume, an append-only change log for rollback,
and classified retries for transient failures.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run an asset migration",
	RunE:  runMigrate,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Reverse a migration's recorded changes",
	RunE:  runRollback,
}

var restoreDBCmd = &cobra.Command{
	Use:   "restore-db",
	Short: "Restore the pre-migration database backup",
	RunE:  runRestoreDB,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration state and progress",
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List recorded migration change logs",
	RunE:  runLogs,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Source flags
	migrateCmd.Flags().String("src-endpoint", "", "Source S3 endpoint")
	migrateCmd.Flags().String("src-access-key", "", "Source access key")
	migrateCmd.Flags().String("src-secret-key", "", "Source secret key")
	migrateCmd.Flags().Bool("src-secure", false, "Use HTTPS for source")

	// Destination flags
	migrateCmd.Flags().String("dst-endpoint", "", "Target S3 endpoint")
	migrateCmd.Flags().String("dst-access-key", "", "Target access key")
	migrateCmd.Flags().String("dst-secret-key", "", "Target secret key")
	migrateCmd.Flags().Bool("dst-secure", true, "Use HTTPS for target")

	// Migration flags
	migrateCmd.Flags().String("migration-id", "", "Migration ID (generated if empty, required for resume)")
	migrateCmd.Flags().String("bucket", "", "Source bucket name (required)")
	migrateCmd.Flags().String("prefix", "", "Object prefix filter")
	migrateCmd.Flags().String("target-bucket", "", "Target bucket (defaults to source bucket)")
	migrateCmd.Flags().Int("concurrency", 16, "Number of concurrent workers")
	migrateCmd.Flags().Int64("multipart-threshold", 104857600, "Multipart upload threshold in bytes")
	migrateCmd.Flags().Int64("part-size", 67108864, "Multipart part size in bytes")
	migrateCmd.Flags().Bool("dry-run", false, "List objects without migrating")
	migrateCmd.Flags().Bool("skip-existing", true, "Skip objects already present with same size/etag")
	migrateCmd.Flags().Bool("resume", false, "Resume from checkpoint")
	migrateCmd.Flags().Bool("show-progress", true, "Show progress display")
	migrateCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")

	// Coordination core flags
	migrateCmd.Flags().String("state-db", "./migration_state.db", "State database file")
	migrateCmd.Flags().String("changelog-dir", "./changelogs", "Change log directory")
	migrateCmd.Flags().String("backup-dir", "./backups", "Database backup directory")
	migrateCmd.Flags().Int("retries", 5, "Maximum retry attempts per operation")
	migrateCmd.Flags().Int("retry-backoff-ms", 500, "Retry backoff unit in milliseconds")
	migrateCmd.Flags().Int("lock-timeout", 300, "Lock TTL in seconds")
	migrateCmd.Flags().Int("lock-acquire-timeout", 30, "Lock acquisition timeout in seconds")
	migrateCmd.Flags().Int("checkpoint-retention-hours", 168, "Checkpoint retention in hours")
	migrateCmd.Flags().Int("checkpoint-every", 500, "Objects per checkpoint batch")
	migrateCmd.Flags().Int("changelog-flush-every", 100, "Change log flush threshold")

	rollbackCmd.Flags().String("migration-id", "", "Migration ID to roll back (required)")
	rollbackCmd.Flags().String("phase", "", "Limit rollback to one side of this phase")
	rollbackCmd.Flags().String("direction", "from", "Phase filter direction: from|to")
	rollbackCmd.Flags().Bool("dry-run", false, "Report what would be reversed without executing")
	rollbackCmd.MarkFlagRequired("migration-id")

	restoreDBCmd.Flags().String("migration-id", "", "Migration ID whose backup to restore (required)")
	restoreDBCmd.Flags().Bool("dry-run", false, "Show the restore plan without executing")
	restoreDBCmd.MarkFlagRequired("migration-id")

	statusCmd.Flags().String("migration-id", "", "Migration ID (all migrations if empty)")
	statusCmd.Flags().String("state-db", "./migration_state.db", "State database file")

	logsCmd.Flags().String("changelog-dir", "./changelogs", "Change log directory")

	rootCmd.AddCommand(migrateCmd, rollbackCmd, restoreDBCmd, statusCmd, logsCmd)
}

func newMigrator(cmd *cobra.Command) (*app.Migrator, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, log, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	migrator, log, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	err = migrator.Run(ctx)

	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	return err
}

func runRollback(cmd *cobra.Command, args []string) error {
	migrator, log, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	migrationID, _ := cmd.Flags().GetString("migration-id")
	phase, _ := cmd.Flags().GetString("phase")
	direction, _ := cmd.Flags().GetString("direction")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	engine := migrator.NewRollbackEngine()
	report, err := engine.Rollback(context.Background(), migrationID, phase, rollback.Direction(direction), dryRun)
	if err != nil {
		return err
	}

	return printJSON(report)
}

func runRestoreDB(cmd *cobra.Command, args []string) error {
	migrator, log, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	migrationID, _ := cmd.Flags().GetString("migration-id")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	engine := migrator.NewRollbackEngine()
	plan, err := engine.RollbackViaDatabase(context.Background(), migrationID, dryRun)
	if err != nil {
		return err
	}

	return printJSON(plan)
}

func runStatus(cmd *cobra.Command, args []string) error {
	dbPath, _ := cmd.Flags().GetString("state-db")
	migrationID, _ := cmd.Flags().GetString("migration-id")

	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := state.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	if migrationID == "" {
		records, err := states.List()
		if err != nil {
			return err
		}
		return printJSON(records)
	}

	rec, err := states.Get(migrationID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no migration state for %s", migrationID)
	}

	checkpoints, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	qs, err := checkpoints.LoadQuickState(migrationID)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"state":       rec,
		"quick_state": qs,
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("changelog-dir")

	log, err := logger.New("warn")
	if err != nil {
		return err
	}
	defer log.Sync()

	// The manager's own migration ID is irrelevant for discovery scans.
	changes, err := changelog.NewManager(dir, "discovery-scan", 1, log)
	if err != nil {
		return err
	}

	infos, err := changes.ListMigrations()
	if err != nil {
		return err
	}
	return printJSON(infos)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
