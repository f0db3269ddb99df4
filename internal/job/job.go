// Package job manages background job lifecycle on top of the store:
// creation under the one-active-job-per-type rule, claiming, progress
// heartbeats, terminal transitions, and cooperative cancellation.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// TimeoutMessage is the error_message written to a job failed for
// exceeding its max execution time while its worker was still attached.
const TimeoutMessage = "timeout: exceeded max execution time"

// ConflictError reports that a job of the same type is already active.
type ConflictError struct {
	Type     model.JobType
	ActiveID string
}

func (e *ConflictError) Error() string {
	if e.ActiveID != "" {
		return fmt.Sprintf("job of type %s already active (id %s)", e.Type, e.ActiveID)
	}
	return fmt.Sprintf("job of type %s already active", e.Type)
}

// AlreadyTerminalError reports a cancel attempt on a finished job.
type AlreadyTerminalError struct {
	ID     string
	Status model.JobStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("job %s is already %s", e.ID, e.Status)
}

// Manager wraps the store's job operations with lifecycle policy.
type Manager struct {
	store        store.Store
	maxExecution time.Duration
}

// NewManager builds a Manager. maxExecution bounds how long a job may run
// before it is considered stale and reapable.
func NewManager(s store.Store, maxExecution time.Duration) *Manager {
	return &Manager{store: s, maxExecution: maxExecution}
}

// MaxExecution returns the configured per-job execution bound.
func (m *Manager) MaxExecution() time.Duration {
	return m.maxExecution
}

// Create starts a new job of the given type. If an active job of the same
// type exists and is within its execution bound, a *ConflictError is
// returned; a stale one is reaped first and creation proceeds.
func (m *Manager) Create(ctx context.Context, jobType model.JobType, params model.JobParams) (*model.Job, error) {
	j, err := m.store.CreateJob(ctx, jobType, params, m.maxExecution)
	if err != nil {
		if errors.Is(err, store.ErrJobConflict) {
			return nil, m.conflict(ctx, jobType)
		}
		return nil, eris.Wrapf(err, "job: create %s", jobType)
	}
	zap.L().Info("job created",
		zap.String("job_id", j.ID),
		zap.String("job_type", string(jobType)))
	return j, nil
}

// conflict builds a ConflictError, resolving the active job's id on a
// best-effort basis.
func (m *Manager) conflict(ctx context.Context, jobType model.JobType) error {
	ce := &ConflictError{Type: jobType}
	active, err := m.store.ActiveJobs(ctx)
	if err != nil {
		return ce
	}
	for _, j := range active {
		if j.Type == jobType {
			ce.ActiveID = j.ID
			break
		}
	}
	return ce
}

// Claim transitions a pending job to running.
func (m *Manager) Claim(ctx context.Context, id string) (*model.Job, error) {
	j, err := m.store.ClaimJob(ctx, id)
	return j, eris.Wrapf(err, "job: claim %s", id)
}

// SetTotal records the resolved target count for a running job.
func (m *Manager) SetTotal(ctx context.Context, id string, total int) error {
	return eris.Wrapf(m.store.SetJobTotal(ctx, id, total), "job: set total %s", id)
}

// Heartbeat records per-item progress. Progress never decreases.
func (m *Manager) Heartbeat(ctx context.Context, id string, progress int) error {
	return eris.Wrapf(m.store.HeartbeatJob(ctx, id, progress), "job: heartbeat %s", id)
}

// Complete marks a running job completed with its result summary.
func (m *Manager) Complete(ctx context.Context, id string, result model.JobResult) error {
	if err := m.store.CompleteJob(ctx, id, result); err != nil {
		return eris.Wrapf(err, "job: complete %s", id)
	}
	zap.L().Info("job completed",
		zap.String("job_id", id),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return nil
}

// Fail marks a job failed with the given message.
func (m *Manager) Fail(ctx context.Context, id string, errMsg string) error {
	if err := m.store.FailJob(ctx, id, errMsg); err != nil {
		return eris.Wrapf(err, "job: fail %s", id)
	}
	zap.L().Warn("job failed", zap.String("job_id", id), zap.String("error", errMsg))
	return nil
}

// FailTimeout marks a job failed for exceeding its execution bound.
// Progress already committed stays committed.
func (m *Manager) FailTimeout(ctx context.Context, id string) error {
	return m.Fail(ctx, id, TimeoutMessage)
}

// Cancel requests cancellation. A pending job is cancelled immediately; a
// running job is flagged so its worker stops at the next item boundary. A
// terminal job yields *AlreadyTerminalError.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.Job, error) {
	done, err := m.store.CancelPendingJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "job: cancel %s", id)
	}
	if !done {
		flagged, err := m.store.RequestJobCancel(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "job: cancel %s", id)
		}
		if !flagged {
			j, err := m.store.GetJob(ctx, id)
			if err != nil {
				return nil, eris.Wrapf(err, "job: cancel %s", id)
			}
			return nil, &AlreadyTerminalError{ID: id, Status: j.Status}
		}
	}

	zap.L().Info("job cancel requested", zap.String("job_id", id))
	return m.Get(ctx, id)
}

// MarkCancelled finalizes a running job whose worker honored a cancel
// request, keeping the partial result.
func (m *Manager) MarkCancelled(ctx context.Context, id string, result model.JobResult) error {
	return eris.Wrapf(m.store.MarkJobCancelled(ctx, id, result), "job: mark cancelled %s", id)
}

// CancelRequested reports whether cancellation has been requested for a
// running job. Workers poll this between items.
func (m *Manager) CancelRequested(ctx context.Context, id string) (bool, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return false, eris.Wrapf(err, "job: cancel requested %s", id)
	}
	return j.CancelRequested, nil
}

// Get fetches a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	return j, eris.Wrapf(err, "job: get %s", id)
}

// List returns jobs matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	jobs, err := m.store.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "job: list")
}

// Active returns all pending and running jobs.
func (m *Manager) Active(ctx context.Context) ([]model.Job, error) {
	jobs, err := m.store.ActiveJobs(ctx)
	return jobs, eris.Wrap(err, "job: active")
}

// ReapStale fails all active jobs older than the execution bound. Run
// periodically so jobs orphaned by a crashed worker do not block their
// type forever.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	n, err := m.store.ReapStaleJobs(ctx, m.maxExecution)
	if err != nil {
		return 0, eris.Wrap(err, "job: reap stale")
	}
	if n > 0 {
		zap.L().Warn("reaped stale jobs", zap.Int("count", n))
	}
	return n, nil
}

// IsTimeout reports whether a failed job was terminated for exceeding its
// execution bound, either by its own worker or by the reaper.
func IsTimeout(j *model.Job) bool {
	if j == nil || j.Status != model.JobStatusFailed {
		return false
	}
	return strings.HasPrefix(j.ErrorMessage, "timeout:") ||
		strings.HasPrefix(j.ErrorMessage, "reaped:")
}
