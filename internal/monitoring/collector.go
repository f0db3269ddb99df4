package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Readiness per stage, from the same predicates workers select with.
	Counts stage.Counts `json:"counts"`

	// Job metrics within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsActive    int     `json:"jobs_active"`
	JobsTimedOut  int     `json:"jobs_timed_out"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Per-item outcomes summed over finished jobs in the window.
	ItemsAttempted int `json:"items_attempted"`
	ItemsSucceeded int `json:"items_succeeded"`
	ItemsFailed    int `json:"items_failed"`

	// RecentErrors holds the newest failed jobs' error messages.
	RecentErrors []string `json:"recent_errors,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store         store.Store
	followUpAfter time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, followUpAfter time.Duration) *Collector {
	return &Collector{store: st, followUpAfter: followUpAfter}
}

const maxRecentErrors = 10

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := store.ReadinessCounts(ctx, c.store, stage.Params{
		Now:           now,
		FollowUpAfter: c.followUpAfter,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: readiness counts")
	}
	snap.Counts = counts

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for i := range jobs {
		j := &jobs[i]
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
			if job.IsTimeout(j) {
				snap.JobsTimedOut++
			}
			if len(snap.RecentErrors) < maxRecentErrors && j.ErrorMessage != "" {
				snap.RecentErrors = append(snap.RecentErrors, j.ErrorMessage)
			}
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		case model.JobStatusPending, model.JobStatusRunning:
			snap.JobsActive++
		}

		if j.Result != nil {
			snap.ItemsAttempted += j.Result.Attempted
			snap.ItemsSucceeded += j.Result.Succeeded
			snap.ItemsFailed += j.Result.Failed
		}
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	return snap, nil
}
