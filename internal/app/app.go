package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/clock"
	"assetmigrate/internal/config"
	"assetmigrate/internal/lock"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/progress"
	"assetmigrate/internal/recovery"
	"assetmigrate/internal/rollback"
	"assetmigrate/internal/sqlitedb"
	"assetmigrate/internal/state"
	"assetmigrate/internal/storage"
	"assetmigrate/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase labels for this migrator's runs. The core stores them as opaque
// strings; the ordering matters only to rollback phase filters.
const (
	PhaseDiscovery = "discovery"
	PhaseCopy      = "copy"
	PhaseCleanup   = "cleanup"
)

// ErrLockHeld reports that another migration run holds the lock. This is a
// normal contention outcome, not a failure of this process.
var ErrLockHeld = errors.New("another migration run holds the lock")

// Migrator wires the coordination core around the object-copy pipeline.
type Migrator struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *sql.DB
	srcClient storage.Client
	dstClient storage.Client

	migLock     *lock.Lock
	states      state.Store
	checkpoints *checkpoint.Manager
	changes     *changelog.Manager
	retrier     *recovery.Manager
	metrics     *metrics.Collector
	workers     *worker.Pool
}

// New creates a migrator instance. A missing migration ID gets generated;
// resuming an earlier run requires passing its ID explicitly.
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	migrationID := cfg.Migration.ID
	if migrationID == "" {
		if cfg.Migration.Resume {
			return nil, fmt.Errorf("resume requires an explicit migration id")
		}
		migrationID = "mig-" + uuid.NewString()[:8]
		cfg.Migration.ID = migrationID
	}

	srcClient, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  cfg.Source.Endpoint,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Secure:    cfg.Source.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dstClient, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  cfg.Target.Endpoint,
		AccessKey: cfg.Target.AccessKey,
		SecretKey: cfg.Target.SecretKey,
		Secure:    cfg.Target.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create target client: %w", err)
	}

	db, err := sqlitedb.Open(cfg.Core.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	lockStore, err := lock.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	stateStore, err := state.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	checkpointStore, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	changes, err := changelog.NewManager(cfg.Core.ChangelogDir, migrationID, cfg.Core.ChangelogFlushEvery, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create change log: %w", err)
	}

	clk := clock.Real()
	migLock := lock.New(lockStore, migrationID, lock.Config{
		TTL:          time.Duration(cfg.Core.LockTimeoutS) * time.Second,
		PollInterval: time.Duration(cfg.Core.LockPollMs) * time.Millisecond,
	}, clk, logger)

	retrier := recovery.NewManager(cfg.Core.MaxRetries,
		time.Duration(cfg.Core.RetryBackoffMs)*time.Millisecond, clk, logger)

	metricsCollector := metrics.New()

	workerPool := worker.NewPool(cfg.Migration.Concurrency, worker.Config{
		TargetBucket:       cfg.Migration.TargetBucket,
		MultipartThreshold: cfg.Migration.MultipartThreshold,
		PartSize:           cfg.Migration.PartSize,
		SkipExisting:       cfg.Migration.SkipExisting,
	}, srcClient, dstClient, changes, retrier, metricsCollector, logger)

	return &Migrator{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		srcClient:   srcClient,
		dstClient:   dstClient,
		migLock:     migLock,
		states:      stateStore,
		checkpoints: checkpoint.NewManager(checkpointStore, stateStore, migrationID, logger),
		changes:     changes,
		retrier:     retrier,
		metrics:     metricsCollector,
		workers:     workerPool,
	}, nil
}

// Run executes the migration: lock, checkpoint, copy, finalize.
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("Starting migration",
		zap.String("migration_id", m.cfg.Migration.ID),
		zap.String("bucket", m.cfg.Migration.Bucket),
		zap.String("prefix", m.cfg.Migration.Prefix),
		zap.Int("concurrency", m.cfg.Migration.Concurrency),
		zap.Bool("resume", m.cfg.Migration.Resume),
		zap.Bool("dry_run", m.cfg.Migration.DryRun),
	)

	acquireTimeout := time.Duration(m.cfg.Core.LockAcquireTimeoutS) * time.Second
	acquired, err := m.migLock.Acquire(ctx, acquireTimeout, m.cfg.Migration.Resume)
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		if err := m.migLock.Release(context.Background()); err != nil {
			m.logger.Error("Failed to release lock", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := m.metrics.StartServer(":8080"); err != nil {
			m.logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()

	refreshDone := make(chan struct{})
	go m.refreshLock(runCtx, cancel, refreshDone)

	runErr := m.run(runCtx)
	cancel()
	<-refreshDone

	// The change log is finalized before the lock goes away, success or not.
	if flushErr := m.changes.Flush(); flushErr != nil {
		m.logger.Error("Failed to flush change log", zap.Error(flushErr))
		if runErr == nil {
			runErr = flushErr
		}
	}

	if runErr != nil {
		if markErr := m.checkpoints.MarkMigrationFailed(runErr.Error()); markErr != nil {
			m.logger.Error("Failed to mark migration failed", zap.Error(markErr))
		}
		return runErr
	}

	if m.cfg.Migration.DryRun {
		m.logger.Info("Dry run completed")
		return nil
	}

	if err := m.checkpoints.MarkMigrationCompleted(); err != nil {
		return err
	}

	retention := time.Duration(m.cfg.Core.CheckpointRetentionHours) * time.Hour
	if _, err := m.checkpoints.Cleanup(retention); err != nil {
		m.logger.Warn("Checkpoint cleanup failed", zap.Error(err))
	}

	m.logger.Info("Migration completed", zap.String("migration_id", m.cfg.Migration.ID))
	return nil
}

// refreshLock renews the lock at a third of its TTL. Losing the lock
// cancels the run: another process may already be mutating state.
func (m *Migrator) refreshLock(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(m.cfg.Core.LockTimeoutS) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.migLock.Refresh(ctx)
			m.metrics.IncLockRefresh(ok && err == nil)
			if err != nil {
				m.logger.Error("Lock refresh error", zap.Error(err))
				cancel()
				return
			}
			if !ok {
				m.logger.Error("Migration lock lost, stopping work")
				cancel()
				return
			}
		}
	}
}

func (m *Migrator) run(ctx context.Context) error {
	lister := &ObjectLister{client: m.srcClient, logger: m.logger}

	// Discovery: size the run and register it for external pollers.
	m.changes.SetPhase(PhaseDiscovery)
	m.metrics.GetProgressTracker().SetPhase(PhaseDiscovery)

	totalObjects, totalBytes, err := lister.CountObjects(ctx, m.cfg.Migration.Bucket, m.cfg.Migration.Prefix)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	m.metrics.SetTotalCounts(totalObjects, totalBytes)
	m.logger.Info("Discovery completed",
		zap.Int64("total_objects", totalObjects),
		zap.String("total_size", progress.FormatBytes(totalBytes)),
	)

	if !m.cfg.Migration.DryRun {
		sessionID := uuid.NewString()
		command := strings.Join(os.Args, " ")
		if err := m.checkpoints.RegisterMigrationStart(os.Getpid(), sessionID, command, int(totalObjects)); err != nil {
			return err
		}
	}

	processed := make(map[string]struct{})
	batch := 0
	if m.cfg.Migration.Resume {
		qs, err := m.checkpoints.LoadQuickState()
		if err != nil {
			return fmt.Errorf("failed to load resume state: %w", err)
		}
		if qs != nil {
			for _, id := range qs.ProcessedIDs {
				processed[id] = struct{}{}
			}
			batch = qs.Batch
			m.logger.Info("Resuming from quick state",
				zap.Int("already_processed", len(processed)),
				zap.Int("batch", batch),
			)
		}
	}

	return m.copyPhase(ctx, lister, processed, batch, int(totalObjects))
}

func (m *Migrator) copyPhase(ctx context.Context, lister *ObjectLister, processed map[string]struct{}, batch, totalObjects int) error {
	m.changes.SetPhase(PhaseCopy)
	m.metrics.GetProgressTracker().SetPhase(PhaseCopy)

	var display *progress.Display
	if m.cfg.Migration.ShowProgress && !m.cfg.Migration.DryRun && progress.IsTerminalSupported() {
		display = progress.NewDisplay(m.metrics.GetProgressTracker(), 2*time.Second)
		display.Start()
		defer display.Stop()
	}

	tasks := make(chan worker.Task, m.cfg.Migration.Concurrency*2)
	results := make(chan worker.Result, m.cfg.Migration.Concurrency*2)

	var wg sync.WaitGroup
	m.workers.Start(ctx, tasks, results, &wg)
	go func() {
		wg.Wait()
		close(results)
	}()

	listErrCh := make(chan error, 1)
	go func() {
		defer close(tasks)
		listErrCh <- lister.ListAndEnqueue(ctx, m.cfg.Migration.Bucket, m.cfg.Migration.Prefix,
			processed, tasks, m.cfg.Migration.DryRun)
	}()

	var (
		batchIDs  []string
		completed int
		failures  int
		lastErr   error
	)

	for result := range results {
		if result.Err != nil {
			failures++
			lastErr = result.Err
			continue
		}

		completed++
		if !result.Skipped {
			batchIDs = append(batchIDs, result.Key)
		}

		if len(batchIDs) >= m.cfg.Core.CheckpointEveryN {
			batch++
			if err := m.persistProgress(batchIDs, batch, totalObjects); err != nil {
				return err
			}
			batchIDs = batchIDs[:0]
		}
	}

	if err := <-listErrCh; err != nil {
		return err
	}

	if len(batchIDs) > 0 {
		batch++
	}
	if err := m.persistProgress(batchIDs, batch, totalObjects); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failures > 0 {
		return fmt.Errorf("%d objects failed to migrate: %w", failures, lastErr)
	}

	m.logger.Info("Copy phase completed",
		zap.Int("objects", completed),
		zap.Int("failures", failures),
	)
	return nil
}

// persistProgress merges the batch into the processed-ID set and writes a
// full checkpoint. Persistence failures abort the run: progress that cannot
// be recorded durably must not be silently dropped.
func (m *Migrator) persistProgress(batchIDs []string, batch, totalObjects int) error {
	if m.cfg.Migration.DryRun {
		return nil
	}
	if len(batchIDs) > 0 {
		if err := m.checkpoints.UpdateProcessedIDs(batchIDs); err != nil {
			return err
		}
	}

	qs, err := m.checkpoints.LoadQuickState()
	if err != nil {
		return err
	}
	var ids []string
	if qs != nil {
		ids = qs.ProcessedIDs
	}

	stats := m.retrier.GetRetryStats()
	cp := &checkpoint.Checkpoint{
		Phase:        PhaseCopy,
		ProcessedIDs: ids,
		Batch:        batch,
		TotalCount:   totalObjects,
		Stats: map[string]any{
			"total_retries":      stats.TotalRetries,
			"operations_retried": stats.OperationsRetried,
		},
	}
	if err := m.checkpoints.SaveCheckpoint(cp); err != nil {
		return err
	}
	m.metrics.IncCheckpoint()
	return nil
}

// NewRollbackEngine builds a rollback engine over this migrator's change
// log store, with storage reversers and the database restore path wired.
func (m *Migrator) NewRollbackEngine() *rollback.Engine {
	engine := rollback.NewEngine(m.changes, m.logger,
		rollback.WithDatabase(m.db, m.cfg.Core.BackupDir))
	engine.RegisterStorageReversers(m.srcClient, m.dstClient)
	return engine
}

// Close cleans up resources.
func (m *Migrator) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
