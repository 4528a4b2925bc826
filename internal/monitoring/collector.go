// Package monitoring summarizes recent pipeline runs and raises alerts when
// they need an operator.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/store"
)

// collectLimit bounds how many outcomes one snapshot reads.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsFailed    int     `json:"runs_failed"`
	FailRate      float64 `json:"fail_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`

	// Failures by reason and by the handling they need.
	ByReason      map[model.FailureReason]int `json:"by_reason"`
	ByDisposition map[model.Disposition]int   `json:"by_disposition"`
	// DocumentWaits counts failed runs still waiting on the CRM's document
	// automation.
	DocumentWaits int `json:"document_waits"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// OutcomeLister abstracts the store method needed by the collector.
type OutcomeLister interface {
	ListOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]model.RunOutcome, error)
}

// Collector gathers metrics from recorded run outcomes.
type Collector struct {
	outcomes OutcomeLister
	now      func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(outcomes OutcomeLister) *Collector {
	return &Collector{outcomes: outcomes, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		ByReason:      map[model.FailureReason]int{},
		ByDisposition: map[model.Disposition]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.outcomes.ListOutcomes(ctx, store.OutcomeFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list outcomes")
	}

	snap.RunsTotal = len(runs)
	var totalMs int64
	for _, r := range runs {
		if d := r.FinishedAt.Sub(r.StartedAt); d > 0 {
			totalMs += d.Milliseconds()
		}
		if r.Success {
			snap.RunsComplete++
			continue
		}
		snap.RunsFailed++
		snap.ByReason[r.Reason]++
		snap.ByDisposition[r.Retry]++
		if r.Reason == model.ReasonDocumentNotReady {
			snap.DocumentWaits++
		}
	}

	if snap.RunsTotal > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(snap.RunsTotal)
		snap.AvgDurationMs = totalMs / int64(snap.RunsTotal)
	}
	return snap, nil
}
