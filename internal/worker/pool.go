package worker

import (
	"context"
	"sync"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/recovery"
	"assetmigrate/internal/storage"

	"go.uber.org/zap"
)

// Pool manages the concurrent object-copy workers. Workers only touch the
// provider and the change log; checkpoint writes stay with the single
// orchestration loop consuming the results channel.
type Pool struct {
	size      int
	config    Config
	srcClient storage.Client
	dstClient storage.Client
	changes   *changelog.Manager
	retrier   *recovery.Manager
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(
	size int,
	config Config,
	srcClient storage.Client,
	dstClient storage.Client,
	changes *changelog.Manager,
	retrier *recovery.Manager,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		size:      size,
		config:    config,
		srcClient: srcClient,
		dstClient: dstClient,
		changes:   changes,
		retrier:   retrier,
		metrics:   metricsCollector,
		logger:    logger,
	}
}

// Start launches the workers. Each consumes tasks until the channel closes
// or the context is cancelled, sending one Result per task.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &TaskProcessor{
		config:    p.config,
		srcClient: p.srcClient,
		dstClient: p.dstClient,
		changes:   p.changes,
		retrier:   p.retrier,
		metrics:   p.metrics,
		logger:    logger,
	}

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}

			result := processor.Process(ctx, task)

			select {
			case results <- result:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
