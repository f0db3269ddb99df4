package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// JobType identifies which pipeline stage a background job executes.
type JobType string

const (
	JobTypeDiscovery JobType = "discovery"
	JobTypeScrape    JobType = "scrape"
	JobTypeVerify    JobType = "verify"
	JobTypeDraft     JobType = "draft"
	JobTypeSend      JobType = "send"
	JobTypeFollowUp  JobType = "follow_up"
)

// JobTypes lists all job types in pipeline order.
var JobTypes = []JobType{
	JobTypeDiscovery,
	JobTypeScrape,
	JobTypeVerify,
	JobTypeDraft,
	JobTypeSend,
	JobTypeFollowUp,
}

// ParseJobType validates a user-supplied job type string.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	for _, known := range JobTypes {
		if t == known {
			return t, nil
		}
	}
	return "", eris.Errorf("unknown job type: %q", s)
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobParams is the opaque structured input a job was started with.
type JobParams struct {
	// TargetIDs restricts the run to these prospects (manual mode).
	// IDs that fail the stage's eligibility predicate are skipped.
	TargetIDs []string `json:"target_ids,omitempty"`
	// BatchSize overrides the configured batch size for this run.
	BatchSize int `json:"batch_size,omitempty"`
	// Query is the search query for discovery jobs.
	Query string `json:"query,omitempty"`
	// MaxResults caps discovery results for this run.
	MaxResults int `json:"max_results,omitempty"`
}

// JobResult summarizes per-item outcomes of a completed run.
type JobResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Job is one tracked execution attempt of a stage over a batch of prospects.
type Job struct {
	ID              string     `json:"id"`
	Type            JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	Params          JobParams  `json:"params"`
	ProgressCount   int        `json:"progress_count"`
	TotalTargets    int        `json:"total_targets"`
	Result          *JobResult `json:"result,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Age returns how long the job has been running (or pending, if never
// claimed), measured against now.
func (j *Job) Age(now time.Time) time.Duration {
	if j.StartedAt != nil {
		return now.Sub(*j.StartedAt)
	}
	return now.Sub(j.CreatedAt)
}
