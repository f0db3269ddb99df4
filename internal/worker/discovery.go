package worker

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// DiscoveryWorker runs discovery jobs. Unlike the stage units it creates
// prospects instead of advancing them, so it drives the job lifecycle
// itself rather than going through a Runner.
type DiscoveryWorker struct {
	store      store.Store
	jobs       *job.Manager
	searcher   Searcher
	maxResults int
}

// NewDiscoveryWorker builds a DiscoveryWorker. maxResults caps a query's
// result count when the job params don't set one.
func NewDiscoveryWorker(s store.Store, jobs *job.Manager, searcher Searcher, maxResults int) *DiscoveryWorker {
	if maxResults <= 0 {
		maxResults = DefaultBatchSize
	}
	return &DiscoveryWorker{store: s, jobs: jobs, searcher: searcher, maxResults: maxResults}
}

// Run executes a discovery job: search, then bulk-insert candidates with
// duplicates (by URL) silently skipped.
func (w *DiscoveryWorker) Run(ctx context.Context, jobID string) error {
	j, err := w.jobs.Claim(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "worker: discovery %s", jobID)
	}
	if j.Params.Query == "" {
		_ = w.jobs.Fail(ctx, jobID, "discovery requires a query")
		return eris.New("worker: discovery requires a query")
	}

	maxResults := j.Params.MaxResults
	if maxResults <= 0 {
		maxResults = w.maxResults
	}

	candidates, err := w.searcher.Search(ctx, j.Params.Query, maxResults)
	if err != nil {
		_ = w.jobs.Fail(context.WithoutCancel(ctx), jobID, err.Error())
		return eris.Wrapf(err, "worker: discovery search %s", jobID)
	}

	if err := w.jobs.SetTotal(ctx, jobID, len(candidates)); err != nil {
		return eris.Wrapf(err, "worker: discovery %s", jobID)
	}

	prospects := make([]model.Prospect, 0, len(candidates))
	for _, c := range candidates {
		prospects = append(prospects, model.Prospect{
			SourceType: c.SourceType,
			Name:       c.Name,
			URL:        c.URL,
			Domain:     c.Domain,
		})
	}

	inserted, err := w.store.BulkInsertProspects(ctx, prospects)
	if err != nil {
		_ = w.jobs.Fail(context.WithoutCancel(ctx), jobID, err.Error())
		return eris.Wrapf(err, "worker: discovery insert %s", jobID)
	}

	if err := w.jobs.Heartbeat(ctx, jobID, len(candidates)); err != nil {
		return eris.Wrapf(err, "worker: discovery %s", jobID)
	}

	zap.L().Info("discovery finished",
		zap.String("job_id", jobID),
		zap.String("query", j.Params.Query),
		zap.Int("found", len(candidates)),
		zap.Int64("new", inserted))

	return w.jobs.Complete(context.WithoutCancel(ctx), jobID, model.JobResult{
		Attempted: len(candidates),
		Succeeded: int(inserted),
		Failed:    0,
	})
}
