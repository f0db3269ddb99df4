package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/worker"
)

type extractorFunc func(ctx context.Context, p *model.Prospect) (worker.ContactInfo, error)

func (f extractorFunc) Extract(ctx context.Context, p *model.Prospect) (worker.ContactInfo, error) {
	return f(ctx, p)
}

type searcherFunc func(ctx context.Context, query string, maxResults int) ([]worker.Candidate, error)

func (f searcherFunc) Search(ctx context.Context, query string, maxResults int) ([]worker.Candidate, error) {
	return f(ctx, query, maxResults)
}

type harness struct {
	store *store.SQLiteStore
	jobs  *job.Manager
	orch  *Orchestrator
}

func newHarness(t *testing.T, extract extractorFunc, search searcherFunc) *harness {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	jobs := job.NewManager(s, time.Hour)
	runner := worker.NewRunner(s, jobs, nil, worker.RunnerConfig{FollowUpAfter: 72 * time.Hour})

	if extract == nil {
		extract = func(_ context.Context, p *model.Prospect) (worker.ContactInfo, error) {
			return worker.ContactInfo{Email: "x@" + p.Domain}, nil
		}
	}
	if search == nil {
		search = func(_ context.Context, _ string, _ int) ([]worker.Candidate, error) {
			return nil, nil
		}
	}

	orch := New(context.Background(), Deps{
		Store:     s,
		Jobs:      jobs,
		Runner:    runner,
		Discovery: worker.NewDiscoveryWorker(s, jobs, search, 50),
		Units: map[stage.Stage]worker.Unit{
			stage.Scrape: worker.NewScrapeUnit(s, extract),
		},
		FollowUpAfter: 72 * time.Hour,
		WorkerSlots:   4,
	})
	return &harness{store: s, jobs: jobs, orch: orch}
}

func (h *harness) seed(t *testing.T, urls ...string) {
	t.Helper()
	batch := make([]model.Prospect, 0, len(urls))
	for _, u := range urls {
		batch = append(batch, model.Prospect{SourceType: model.SourceTypeWebsite, URL: u, Domain: u})
	}
	_, err := h.store.BulkInsertProspects(context.Background(), batch)
	require.NoError(t, err)
}

func TestStartStageRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.seed(t, "a.test", "b.test")

	j, err := h.orch.StartStage(ctx, stage.Scrape, model.JobParams{})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusPending, j.Status)

	h.orch.Wait()

	got, err := h.orch.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Result.Succeeded)

	status, err := h.orch.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Counts.Discovered)
	require.Equal(t, 0, status.Counts.ScrapeReady)
	require.Equal(t, 2, status.Counts.VerifyReady)
}

func TestStartStageConflict(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, p *model.Prospect) (worker.ContactInfo, error) {
		<-release
		return worker.ContactInfo{Email: "x@" + p.Domain}, nil
	}, nil)
	ctx := context.Background()
	h.seed(t, "a.test")

	first, err := h.orch.StartStage(ctx, stage.Scrape, model.JobParams{})
	require.NoError(t, err)

	_, err = h.orch.StartStage(ctx, stage.Scrape, model.JobParams{})
	var ce *job.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, first.ID, ce.ActiveID)

	close(release)
	h.orch.Wait()
}

func TestStartStageNothingEligible(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.orch.StartStage(context.Background(), stage.Verify, model.JobParams{})
	var ne *NothingEligibleError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, stage.Verify, ne.Stage)
}

func TestStartStageExplicitIneligibleTargets(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.seed(t, "a.test")

	// A made-up id matches nothing; the job must not start.
	_, err := h.orch.StartStage(ctx, stage.Scrape, model.JobParams{TargetIDs: []string{"no-such-id"}})
	var ne *NothingEligibleError
	require.ErrorAs(t, err, &ne)
}

func TestStartStageUnknownStage(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.orch.StartStage(context.Background(), stage.Stage("enrich"), model.JobParams{})
	require.Error(t, err)
}

func TestDiscoveryRequiresQuery(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.orch.StartStage(context.Background(), stage.Discovery, model.JobParams{})
	require.Error(t, err)
}

func TestDiscoveryThroughOrchestrator(t *testing.T) {
	h := newHarness(t, nil, func(_ context.Context, query string, _ int) ([]worker.Candidate, error) {
		return []worker.Candidate{
			{SourceType: model.SourceTypeWebsite, Name: "Acme", URL: "https://acme.test", Domain: "acme.test"},
		}, nil
	})
	ctx := context.Background()

	j, err := h.orch.StartStage(ctx, stage.Discovery, model.JobParams{Query: "plumbers"})
	require.NoError(t, err)
	h.orch.Wait()

	got, err := h.orch.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)

	status, err := h.orch.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Counts.Discovered)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, func(_ context.Context, p *model.Prospect) (worker.ContactInfo, error) {
		once.Do(func() { close(started) })
		<-release
		return worker.ContactInfo{Email: "x@" + p.Domain}, nil
	}, nil)
	ctx := context.Background()
	h.seed(t, "a.test", "b.test", "c.test")

	j, err := h.orch.StartStage(ctx, stage.Scrape, model.JobParams{})
	require.NoError(t, err)

	<-started
	_, err = h.orch.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	close(release)
	h.orch.Wait()

	got, err := h.orch.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCancelled, got.Status)
	// At most the in-flight item completed.
	require.LessOrEqual(t, got.Result.Attempted, 1)
}

func TestConcurrentStartStageOneWinner(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, p *model.Prospect) (worker.ContactInfo, error) {
		<-release
		return worker.ContactInfo{Email: "x@" + p.Domain}, nil
	}, nil)
	ctx := context.Background()
	h.seed(t, "a.test")

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.StartStage(ctx, stage.Scrape, model.JobParams{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var ce *job.ConflictError
		require.ErrorAs(t, err, &ce)
		conflicts++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, conflicts)

	close(release)
	h.orch.Wait()
}
