package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/ratelimit"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// DefaultBatchSize bounds a job's batch when its params don't set one.
const DefaultBatchSize = 50

// RunnerConfig tunes Runner pacing.
type RunnerConfig struct {
	// ItemDelay is a courtesy pause between items.
	ItemDelay time.Duration

	// FollowUpAfter is the minimum age of the last contact before a
	// follow-up is due.
	FollowUpAfter time.Duration
}

// Runner claims a job and drives its stage Unit across the eligible batch.
// Each item commits independently; cancellation and the execution deadline
// are both honored at item boundaries only, so no item is ever half done.
type Runner struct {
	store   store.Store
	jobs    *job.Manager
	limiter *ratelimit.Limiter
	cfg     RunnerConfig
}

// NewRunner builds a Runner. limiter may be nil when no budget applies.
func NewRunner(s store.Store, jobs *job.Manager, limiter *ratelimit.Limiter, cfg RunnerConfig) *Runner {
	return &Runner{store: s, jobs: jobs, limiter: limiter, cfg: cfg}
}

// Run executes the job with the given unit. The returned error reports
// infrastructure trouble only; per-item failures land in the job result.
func (r *Runner) Run(ctx context.Context, jobID string, unit Unit) error {
	j, err := r.jobs.Claim(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "worker: run %s", jobID)
	}

	deadline := time.Now().Add(r.jobs.MaxExecution())
	params := stage.Params{Now: time.Now().UTC(), FollowUpAfter: r.cfg.FollowUpAfter}

	targets, err := r.resolveTargets(ctx, j, unit, params)
	if err != nil {
		r.finalizeFail(ctx, jobID, err)
		return eris.Wrapf(err, "worker: resolve targets %s", jobID)
	}
	if err := r.jobs.SetTotal(ctx, jobID, len(targets)); err != nil {
		return eris.Wrapf(err, "worker: run %s", jobID)
	}

	logger := zap.L().With(
		zap.String("job_id", jobID),
		zap.String("stage", string(unit.Stage())))
	logger.Info("job started", zap.Int("targets", len(targets)))

	var result model.JobResult
	for i := range targets {
		p := &targets[i]

		cancelled, err := r.jobs.CancelRequested(ctx, jobID)
		if err != nil {
			r.finalizeFail(ctx, jobID, err)
			return eris.Wrapf(err, "worker: run %s", jobID)
		}
		if cancelled {
			logger.Info("job cancelled", zap.Int("processed", result.Attempted))
			return r.jobs.MarkCancelled(finalizeCtx(ctx), jobID, result)
		}
		if time.Now().After(deadline) {
			logger.Warn("job deadline exceeded", zap.Int("processed", result.Attempted))
			return r.jobs.FailTimeout(finalizeCtx(ctx), jobID)
		}

		if timedOut, err := r.waitBudget(ctx, unit.BudgetName(), deadline); err != nil {
			return r.interrupted(ctx, jobID, result, err)
		} else if timedOut {
			logger.Warn("job deadline exceeded waiting for rate limit",
				zap.Int("processed", result.Attempted))
			return r.jobs.FailTimeout(finalizeCtx(ctx), jobID)
		}

		result.Attempted++
		if err := r.processOne(ctx, unit, p, logger); err != nil {
			if IsStorage(err) {
				r.finalizeFail(ctx, jobID, err)
				return eris.Wrapf(err, "worker: run %s", jobID)
			}
			result.Failed++
		} else {
			result.Succeeded++
		}

		if err := r.jobs.Heartbeat(ctx, jobID, result.Attempted); err != nil {
			return eris.Wrapf(err, "worker: run %s", jobID)
		}

		if r.cfg.ItemDelay > 0 && i < len(targets)-1 {
			select {
			case <-ctx.Done():
				return r.interrupted(ctx, jobID, result, ctx.Err())
			case <-time.After(r.cfg.ItemDelay):
			}
		}
	}

	logger.Info("job finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return r.jobs.Complete(finalizeCtx(ctx), jobID, result)
}

// resolveTargets picks the batch: explicit target ids are filtered through
// the stage predicate so a caller can never force an ineligible prospect
// into a stage; otherwise the predicate selects the oldest eligible rows.
func (r *Runner) resolveTargets(ctx context.Context, j *model.Job, unit Unit, params stage.Params) ([]model.Prospect, error) {
	pred, ok := stage.For(unit.Stage())
	if !ok {
		return nil, eris.Errorf("worker: stage %s has no eligibility predicate", unit.Stage())
	}

	if len(j.Params.TargetIDs) > 0 {
		return r.store.FilterEligible(ctx, pred, params, j.Params.TargetIDs)
	}

	batch := j.Params.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return r.store.SelectEligible(ctx, pred, params, batch)
}

// processOne runs the unit on one prospect and records any failure without
// letting it leak into the other items.
func (r *Runner) processOne(ctx context.Context, unit Unit, p *model.Prospect, logger *zap.Logger) error {
	err := unit.Process(ctx, p)
	if err == nil {
		return nil
	}
	if IsStorage(err) {
		return err
	}

	permanent := IsValidation(err)
	logger.Warn("item failed",
		zap.String("prospect_id", p.ID),
		zap.Bool("permanent", permanent),
		zap.Error(err))

	if failErr := unit.Fail(ctx, p, err.Error(), permanent); failErr != nil {
		return &StorageError{Err: failErr}
	}
	return err
}

// waitBudget blocks until the unit's budget admits the next item, bounded
// by the job deadline. timedOut is true when the deadline cut the wait.
func (r *Runner) waitBudget(ctx context.Context, budget string, deadline time.Time) (timedOut bool, err error) {
	if r.limiter == nil || budget == "" {
		return false, nil
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := r.limiter.Wait(waitCtx, budget); err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// interrupted finalizes a job stopped by context cancellation (process
// shutdown), keeping the partial result.
func (r *Runner) interrupted(ctx context.Context, jobID string, result model.JobResult, cause error) error {
	zap.L().Warn("job interrupted",
		zap.String("job_id", jobID),
		zap.Int("processed", result.Attempted),
		zap.Error(cause))
	if err := r.jobs.MarkCancelled(finalizeCtx(ctx), jobID, result); err != nil {
		return eris.Wrapf(err, "worker: interrupt %s", jobID)
	}
	return eris.Wrapf(cause, "worker: run %s interrupted", jobID)
}

func (r *Runner) finalizeFail(ctx context.Context, jobID string, cause error) {
	if err := r.jobs.Fail(finalizeCtx(ctx), jobID, cause.Error()); err != nil {
		zap.L().Error("failed to finalize job",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

// finalizeCtx detaches terminal-state writes from the caller's
// cancellation so a shutdown cannot leave a job stuck in running.
func finalizeCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
