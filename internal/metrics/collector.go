package metrics

import (
	"net/http"
	"time"

	"assetmigrate/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes migration metrics. Each collector carries
// its own registry so multiple migrator instances can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	objectsTotal  *prometheus.CounterVec
	bytesTotal    prometheus.Counter
	duration      prometheus.Histogram
	lockRefreshes *prometheus.CounterVec
	retriesTotal  prometheus.Counter
	checkpoints   prometheus.Counter

	progressTracker *progress.Tracker
}

// New creates a metrics collector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_objects_total",
				Help: "Total number of objects processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_object_duration_seconds",
				Help:    "Time taken to migrate an object",
				Buckets: prometheus.DefBuckets,
			},
		),
		lockRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_lock_refreshes_total",
				Help: "Migration lock refresh attempts",
			},
			[]string{"result"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_retries_total",
				Help: "Total operation retries",
			},
		),
		checkpoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_checkpoint_writes_total",
				Help: "Full checkpoint writes",
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.objectsTotal, c.bytesTotal, c.duration,
		c.lockRefreshes, c.retriesTotal, c.checkpoints)

	return c
}

// IncSuccess records a migrated object.
func (c *Collector) IncSuccess(bytes int64) {
	c.objectsTotal.WithLabelValues("success").Inc()
	c.bytesTotal.Add(float64(bytes))
	c.progressTracker.AddSuccess(bytes)
}

// IncFailed records a failed object.
func (c *Collector) IncFailed() {
	c.objectsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.AddFailed()
}

// IncSkipped records an object skipped as already migrated.
func (c *Collector) IncSkipped(bytes int64) {
	c.objectsTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped(bytes)
}

// IncLockRefresh records a lock refresh attempt.
func (c *Collector) IncLockRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "lost"
	}
	c.lockRefreshes.WithLabelValues(result).Inc()
}

// IncRetry records one operation retry.
func (c *Collector) IncRetry() {
	c.retriesTotal.Inc()
}

// IncCheckpoint records a full checkpoint write.
func (c *Collector) IncCheckpoint() {
	c.checkpoints.Inc()
}

// ObserveDuration observes one object's migration duration.
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// StartServer starts the metrics HTTP server.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

// GetProgressTracker returns the progress tracker.
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the totals for progress tracking.
func (c *Collector) SetTotalCounts(objects, bytes int64) {
	c.progressTracker.SetTotal(objects, bytes)
}
