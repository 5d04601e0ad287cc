package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"assetmigrate/internal/clock"

	"go.uber.org/zap"
)

// Stats holds cumulative retry counters for one manager instance. The
// counters live for the process only; retry state is run-scoped.
type Stats struct {
	TotalRetries      int `json:"total_retries"`
	OperationsRetried int `json:"operations_retried"`
}

// Manager wraps fallible operations with a classified retry policy. Fatal
// errors surface immediately; transient errors are retried with a growing
// backoff up to the configured attempt budget.
type Manager struct {
	maxRetries int
	baseDelay  time.Duration
	clk        clock.Clock
	logger     *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
	retried  map[string]struct{}
	total    int
}

// NewManager creates an error recovery manager. maxRetries is the total
// attempt budget per operation, baseDelay the backoff unit.
func NewManager(maxRetries int, baseDelay time.Duration, clk clock.Clock, logger *zap.Logger) *Manager {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Manager{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		clk:        clk,
		logger:     logger,
		attempts:   make(map[string]int),
		retried:    make(map[string]struct{}),
	}
}

// RetryOperation invokes op, retrying transient failures with a backoff of
// baseDelay times the attempt number. Fatal errors are returned immediately.
// Success clears the attempt counter for operationID.
func (m *Manager) RetryOperation(ctx context.Context, operationID string, op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		err := op()
		if err == nil {
			m.clearAttempts(operationID)
			return nil
		}
		lastErr = err

		if Classify(err) == Fatal {
			m.logger.Warn("Operation failed with fatal error, not retrying",
				zap.String("operation_id", operationID),
				zap.Error(err),
			)
			return err
		}

		m.recordRetry(operationID, attempt)
		m.logger.Warn("Operation attempt failed",
			zap.String("operation_id", operationID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", m.maxRetries),
			zap.Error(err),
		)

		if attempt < m.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clk.After(m.baseDelay * time.Duration(attempt)):
			}
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operationID, m.maxRetries, lastErr)
}

func (m *Manager) recordRetry(operationID string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[operationID] = attempt
	m.retried[operationID] = struct{}{}
	m.total++
}

func (m *Manager) clearAttempts(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, operationID)
}

// Attempts returns the recorded attempt count for an operation ID, zero
// after the operation last succeeded.
func (m *Manager) Attempts(operationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[operationID]
}

// GetRetryStats returns cumulative retry counters across all operation IDs
// this manager has seen.
func (m *Manager) GetRetryStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalRetries:      m.total,
		OperationsRetried: len(m.retried),
	}
}
