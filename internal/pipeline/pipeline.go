// Package pipeline coordinates stage execution: it answers readiness
// queries, starts stage jobs under the one-active-job-per-type rule, and
// runs their workers on a bounded pool.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/worker"
)

// NothingEligibleError means a stage was started with no prospect
// satisfying its predicate, so a job would have zero targets.
type NothingEligibleError struct {
	Stage stage.Stage
}

func (e *NothingEligibleError) Error() string {
	return fmt.Sprintf("no prospects eligible for stage %s", e.Stage)
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Counts stage.Counts `json:"counts"`
	Active []model.Job  `json:"active_jobs"`
	Recent []model.Job  `json:"recent_jobs"`
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Store         store.Store
	Jobs          *job.Manager
	Runner        *worker.Runner
	Discovery     *worker.DiscoveryWorker
	Units         map[stage.Stage]worker.Unit
	FollowUpAfter time.Duration

	// WorkerSlots bounds how many stage jobs execute concurrently.
	// Default 2.
	WorkerSlots int
}

// Orchestrator starts and tracks pipeline jobs. Workers run detached from
// the caller's context on baseCtx, so an HTTP request ending does not kill
// the job it started.
type Orchestrator struct {
	baseCtx       context.Context
	store         store.Store
	jobs          *job.Manager
	runner        *worker.Runner
	discovery     *worker.DiscoveryWorker
	units         map[stage.Stage]worker.Unit
	followUpAfter time.Duration

	launchers sync.WaitGroup
	eg        *errgroup.Group
}

// New builds an Orchestrator. baseCtx governs worker execution; cancel it
// to wind down in-flight jobs.
func New(baseCtx context.Context, deps Deps) *Orchestrator {
	slots := deps.WorkerSlots
	if slots <= 0 {
		slots = 2
	}
	eg := &errgroup.Group{}
	eg.SetLimit(slots)

	return &Orchestrator{
		baseCtx:       baseCtx,
		store:         deps.Store,
		jobs:          deps.Jobs,
		runner:        deps.Runner,
		discovery:     deps.Discovery,
		units:         deps.Units,
		followUpAfter: deps.FollowUpAfter,
		eg:            eg,
	}
}

// StartStage creates a job for the stage and launches its worker. It
// returns *job.ConflictError when the stage already has an active job and
// *NothingEligibleError when no prospect satisfies the stage predicate.
// The returned job is pending; the worker claims it asynchronously.
func (o *Orchestrator) StartStage(ctx context.Context, s stage.Stage, params model.JobParams) (*model.Job, error) {
	if _, err := model.ParseJobType(string(s)); err != nil {
		return nil, eris.Wrap(err, "pipeline: start stage")
	}

	if s == stage.Discovery {
		if params.Query == "" {
			return nil, eris.New("pipeline: discovery requires a query")
		}
	} else if err := o.checkEligible(ctx, s, params); err != nil {
		return nil, err
	}

	j, err := o.jobs.Create(ctx, s.JobType(), params)
	if err != nil {
		return nil, err
	}

	o.launch(j)
	return j, nil
}

// checkEligible pre-flights the stage predicate so starting an empty job
// fails fast instead of completing with zero targets.
func (o *Orchestrator) checkEligible(ctx context.Context, s stage.Stage, params model.JobParams) error {
	pred, ok := stage.For(s)
	if !ok {
		return eris.Errorf("pipeline: stage %s has no eligibility predicate", s)
	}
	sp := stage.Params{Now: time.Now().UTC(), FollowUpAfter: o.followUpAfter}

	if len(params.TargetIDs) > 0 {
		matches, err := o.store.FilterEligible(ctx, pred, sp, params.TargetIDs)
		if err != nil {
			return eris.Wrapf(err, "pipeline: check eligibility for %s", s)
		}
		if len(matches) == 0 {
			return &NothingEligibleError{Stage: s}
		}
		return nil
	}

	n, err := o.store.CountEligible(ctx, pred, sp)
	if err != nil {
		return eris.Wrapf(err, "pipeline: check eligibility for %s", s)
	}
	if n == 0 {
		return &NothingEligibleError{Stage: s}
	}
	return nil
}

// launch hands the job to the worker pool without blocking the caller.
// The launcher goroutine parks until a slot frees.
func (o *Orchestrator) launch(j *model.Job) {
	o.launchers.Add(1)
	go func() {
		defer o.launchers.Done()
		o.eg.Go(func() error {
			o.execute(j)
			return nil
		})
	}()
}

func (o *Orchestrator) execute(j *model.Job) {
	var err error
	if j.Type == model.JobTypeDiscovery {
		err = o.discovery.Run(o.baseCtx, j.ID)
	} else {
		unit, ok := o.units[stage.ForJobType(j.Type)]
		if !ok {
			zap.L().Error("no worker unit for job type",
				zap.String("job_id", j.ID), zap.String("job_type", string(j.Type)))
			return
		}
		err = o.runner.Run(o.baseCtx, j.ID, unit)
	}
	if err != nil {
		zap.L().Error("worker finished with error",
			zap.String("job_id", j.ID),
			zap.String("job_type", string(j.Type)),
			zap.Error(err))
	}
}

// GetStatus reports per-stage readiness together with active and recent
// jobs. The counts come from the same predicates workers select with.
func (o *Orchestrator) GetStatus(ctx context.Context) (*Status, error) {
	counts, err := store.ReadinessCounts(ctx, o.store, stage.Params{
		Now:           time.Now().UTC(),
		FollowUpAfter: o.followUpAfter,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: status")
	}

	active, err := o.jobs.Active(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: status")
	}
	recent, err := o.jobs.List(ctx, store.JobFilter{Limit: 20})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: status")
	}

	return &Status{Counts: counts, Active: active, Recent: recent}, nil
}

// GetJob fetches one job.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return o.jobs.Get(ctx, id)
}

// CancelJob requests cancellation of a job.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	return o.jobs.Cancel(ctx, id)
}

// ReapStale fails active jobs that exceeded the execution bound.
func (o *Orchestrator) ReapStale(ctx context.Context) (int, error) {
	return o.jobs.ReapStale(ctx)
}

// Wait blocks until all launched workers have finished.
func (o *Orchestrator) Wait() {
	o.launchers.Wait()
	_ = o.eg.Wait()
}
