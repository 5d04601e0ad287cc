package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"assetmigrate/internal/clock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config contains lock behavior settings.
type Config struct {
	Name         string
	TTL          time.Duration // how long a held lock stays live without a refresh
	PollInterval time.Duration // wait between acquire attempts
}

// Lock is the mutual-exclusion gate for a migration run. Contention is a
// normal outcome: Acquire and Refresh report it as false, never as an error.
// Errors are reserved for the store itself failing.
type Lock struct {
	store       Store
	cfg         Config
	migrationID string
	owner       string
	clk         clock.Clock
	logger      *zap.Logger
}

// New creates a lock handle for the given migration ID.
func New(store Store, migrationID string, cfg Config, clk clock.Clock, logger *zap.Logger) *Lock {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8])

	return &Lock{
		store:       store,
		cfg:         cfg,
		migrationID: migrationID,
		owner:       owner,
		clk:         clk,
		logger:      logger,
	}
}

// Acquire polls for the lock until it is taken or the timeout elapses.
// Returns false when another migration holds a live lock for the whole
// window. With allowResume, a live lock already owned by the same migration
// ID succeeds immediately, which is how a crashed run picks up its own lock.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration, allowResume bool) (bool, error) {
	poll := l.cfg.PollInterval
	if poll > timeout && timeout > 0 {
		poll = timeout
	}

	deadline := l.clk.Now().Add(timeout)

	for {
		now := l.clk.Now()

		current, err := l.store.Get(l.cfg.Name)
		if err != nil {
			return false, fmt.Errorf("failed to read lock record: %w", err)
		}

		if current != nil && current.ExpiresAt.After(now) {
			if allowResume && current.MigrationID == l.migrationID {
				l.logger.Info("Resuming existing lock",
					zap.String("migration_id", l.migrationID),
					zap.Time("expires_at", current.ExpiresAt),
				)
				return true, nil
			}
		} else {
			acquired, err := l.store.TryAcquire(&Record{
				Name:        l.cfg.Name,
				MigrationID: l.migrationID,
				Owner:       l.owner,
				AcquiredAt:  now,
				ExpiresAt:   now.Add(l.cfg.TTL),
			}, now)
			if err != nil {
				return false, fmt.Errorf("failed to acquire lock: %w", err)
			}
			if acquired {
				l.logger.Info("Lock acquired",
					zap.String("migration_id", l.migrationID),
					zap.String("owner", l.owner),
				)
				return true, nil
			}
		}

		if !l.clk.Now().Add(poll).Before(deadline) {
			l.logger.Warn("Lock acquisition timed out",
				zap.String("migration_id", l.migrationID),
				zap.Duration("timeout", timeout),
			)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-l.clk.After(poll):
		}
	}
}

// Refresh extends the lock expiry. A false return means the lock was lost
// and the caller must stop work immediately.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	now := l.clk.Now()
	ok, err := l.store.Refresh(l.cfg.Name, l.migrationID, now.Add(l.cfg.TTL), now)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	if !ok {
		l.logger.Warn("Lock refresh failed - lock lost",
			zap.String("migration_id", l.migrationID))
	}
	return ok, nil
}

// Release deletes the lock record if this migration still owns it.
// Idempotent: releasing an already-released or foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.store.Release(l.cfg.Name, l.migrationID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.logger.Info("Lock released", zap.String("migration_id", l.migrationID))
	return nil
}
