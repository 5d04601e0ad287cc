package progress

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Display periodically prints migration progress to the console.
type Display struct {
	tracker  *Tracker
	interval time.Duration
	stopCh   chan struct{}
}

// NewDisplay creates a progress display fed by the tracker.
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic display updates.
func (d *Display) Start() {
	go d.loop()
}

// Stop halts updates and prints the final summary.
func (d *Display) Stop() {
	close(d.stopCh)
}

func (d *Display) loop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render()
		case <-d.stopCh:
			d.renderFinal()
			return
		}
	}
}

func (d *Display) render() {
	status := d.tracker.GetStatus()
	percent := d.tracker.PercentObjects()

	fmt.Printf("\r[%s] %s %d/%d objects (%s/%s) %s ETA %s   ",
		status.Phase,
		progressBar(percent, 30),
		status.ProcessedObjects, status.TotalObjects,
		FormatBytes(status.ProcessedBytes), FormatBytes(status.TotalBytes),
		FormatSpeed(status.AverageSpeed),
		FormatDuration(status.ETA),
	)
}

func (d *Display) renderFinal() {
	status := d.tracker.GetStatus()
	elapsed := time.Since(status.StartTime)

	fmt.Println()
	fmt.Printf("Processed %d objects (%s) in %s\n",
		status.ProcessedObjects, FormatBytes(status.ProcessedBytes), FormatDuration(elapsed))
	fmt.Printf("  success: %d  failed: %d  skipped: %d  avg speed: %s\n",
		status.SuccessObjects, status.FailedObjects, status.SkippedObjects,
		FormatSpeed(status.AverageSpeed))
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("%s%s %.1f%%",
		strings.Repeat("#", filled), strings.Repeat("-", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is a terminal.
func IsTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
