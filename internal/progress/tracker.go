package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a point-in-time snapshot of migration progress.
type Status struct {
	Phase            string
	TotalObjects     int64
	ProcessedObjects int64
	SuccessObjects   int64
	FailedObjects    int64
	SkippedObjects   int64
	TotalBytes       int64
	ProcessedBytes   int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	AverageSpeed     float64 // bytes/second since start
	ETA              time.Duration
}

// Tracker accumulates per-object outcomes for the progress display.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a progress tracker.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{StartTime: now, LastUpdateTime: now},
	}
}

// SetTotal sets the total number of objects and bytes.
func (t *Tracker) SetTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalObjects = objects
	t.status.TotalBytes = bytes
}

// SetPhase records the phase currently executing.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Phase = phase
}

// AddSuccess records one migrated object.
func (t *Tracker) AddSuccess(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SuccessObjects++
	t.advance(bytes)
}

// AddFailed records one failed object.
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FailedObjects++
	t.advance(0)
}

// AddSkipped records one object skipped because it was already migrated.
func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SkippedObjects++
	t.advance(bytes)
}

func (t *Tracker) advance(bytes int64) {
	now := time.Now()
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
	t.status.LastUpdateTime = now

	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}

	remaining := t.status.TotalBytes - t.status.ProcessedBytes
	if remaining > 0 && t.status.AverageSpeed > 0 {
		t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
	} else {
		t.status.ETA = 0
	}
}

// GetStatus returns the current status.
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// PercentObjects returns the object-count progress percentage.
func (t *Tracker) PercentObjects() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status.TotalObjects == 0 {
		return 0
	}
	return float64(t.status.ProcessedObjects) / float64(t.status.TotalObjects) * 100
}

// FormatSpeed formats a transfer rate for display.
func FormatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond < 1024:
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	case bytesPerSecond < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	case bytesPerSecond < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB/s", bytesPerSecond/(1024*1024*1024))
	}
}

// FormatBytes formats a byte count for display.
func FormatBytes(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	case bytes < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "estimating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
