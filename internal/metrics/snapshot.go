package metrics

import (
	"context"
	"time"
)

// Snapshot is the real-time view refreshed on a short fixed interval.
type Snapshot struct {
	ActiveOperations      int       `json:"active_operations"`
	OperationsLastMinute  int       `json:"operations_last_minute"`
	SuccessRate           float64   `json:"success_rate"`
	CurrentRevenue        int64     `json:"current_revenue"`
	AverageProcessingTime float64   `json:"average_processing_time_ms"`
	ErrorCount            int       `json:"error_count"`
	Timestamp             time.Time `json:"timestamp"`
}

// snapshotWindow bounds revenue and error counts to the trailing day.
const snapshotWindow = 24 * time.Hour

// RefreshSnapshot prunes expired records and recomputes the snapshot.
func (c *Collector) RefreshSnapshot(ctx context.Context) {
	c.Prune()
	snap := c.computeSnapshot()

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "metrics snapshot refreshed",
		"active_operations", snap.ActiveOperations,
		"success_rate", snap.SuccessRate,
		"error_count", snap.ErrorCount,
	)
}

// Snapshot returns the last computed snapshot, computing one if none exists yet.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	if snap.Timestamp.IsZero() {
		return c.computeSnapshot()
	}
	return snap
}

func (c *Collector) computeSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	minuteAgo := now.Add(-time.Minute)
	dayAgo := now.Add(-snapshotWindow)

	snap := Snapshot{ActiveOperations: len(c.active), Timestamp: now}

	recent := make(map[string]struct{})
	for _, t := range c.transitions {
		if !t.Timestamp.Before(minuteAgo) {
			recent[t.OperationID] = struct{}{}
		}
		if !t.Success && !t.Timestamp.Before(dayAgo) {
			snap.ErrorCount++
		}
	}
	snap.OperationsLastMinute = len(recent)

	var succeeded, attempts int
	for _, p := range c.payments {
		if p.Timestamp.Before(dayAgo) {
			continue
		}
		attempts++
		if p.Success {
			succeeded++
			snap.CurrentRevenue += p.Amount
		}
	}
	if attempts > 0 {
		snap.SuccessRate = float64(succeeded) / float64(attempts)
	}

	var total time.Duration
	for _, cpl := range c.completions {
		total += cpl.duration
	}
	if len(c.completions) > 0 {
		snap.AverageProcessingTime = ms(total / time.Duration(len(c.completions)))
	}
	return snap
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
