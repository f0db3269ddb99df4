package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/ratelimit"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

type fixture struct {
	store  *store.SQLiteStore
	jobs   *job.Manager
	runner *Runner
}

func newFixture(t *testing.T, maxExecution time.Duration) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	jobs := job.NewManager(s, maxExecution)
	return &fixture{
		store:  s,
		jobs:   jobs,
		runner: NewRunner(s, jobs, nil, RunnerConfig{FollowUpAfter: 72 * time.Hour}),
	}
}

func (f *fixture) seed(t *testing.T, urls ...string) []model.Prospect {
	t.Helper()
	ctx := context.Background()
	batch := make([]model.Prospect, 0, len(urls))
	for _, u := range urls {
		batch = append(batch, model.Prospect{SourceType: model.SourceTypeWebsite, URL: u, Domain: u})
	}
	_, err := f.store.BulkInsertProspects(ctx, batch)
	require.NoError(t, err)

	list, err := f.store.ListProspects(ctx, store.ProspectFilter{Limit: 1000})
	require.NoError(t, err)
	return list
}

type fakeExtractor struct {
	fn func(ctx context.Context, p *model.Prospect) (ContactInfo, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, p *model.Prospect) (ContactInfo, error) {
	return f.fn(ctx, p)
}

type fakeVerifier struct {
	fn func(ctx context.Context, email string) (Verification, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, email string) (Verification, error) {
	return f.fn(ctx, email)
}

type fakeGenerator struct {
	compose  func(ctx context.Context, p *model.Prospect) (Draft, error)
	followUp func(ctx context.Context, p *model.Prospect, prior []model.MessageLog) (Draft, error)
}

func (f *fakeGenerator) Compose(ctx context.Context, p *model.Prospect) (Draft, error) {
	return f.compose(ctx, p)
}

func (f *fakeGenerator) ComposeFollowUp(ctx context.Context, p *model.Prospect, prior []model.MessageLog) (Draft, error) {
	return f.followUp(ctx, p, prior)
}

type fakeSender struct {
	calls int
	fn    func(ctx context.Context, to, subject, body string) (SendReceipt, error)
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) (SendReceipt, error) {
	f.calls++
	return f.fn(ctx, to, subject, body)
}

func TestRunnerPartialFailureIsolation(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	prospects := f.seed(t, "https://a.test", "https://b.test", "https://c.test")

	var failURL string
	for _, p := range prospects {
		if p.URL == "https://b.test" {
			failURL = p.URL
		}
	}
	require.NotEmpty(t, failURL)

	extractor := &fakeExtractor{fn: func(_ context.Context, p *model.Prospect) (ContactInfo, error) {
		if p.URL == failURL {
			return ContactInfo{}, eris.New("fetch: connection reset by peer")
		}
		return ContactInfo{Email: "x@" + p.Domain}, nil
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(ctx, j.ID, NewScrapeUnit(f.store, extractor)))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.Equal(t, model.JobResult{Attempted: 3, Succeeded: 2, Failed: 1}, *got.Result)
	require.Equal(t, 3, got.ProgressCount)
	require.Equal(t, 3, got.TotalTargets)

	// The failed prospect keeps its status and stays eligible for retry.
	list, err := f.store.ListProspects(ctx, store.ProspectFilter{Limit: 10})
	require.NoError(t, err)
	for _, p := range list {
		if p.URL == failURL {
			require.Equal(t, model.ScrapeStatusPending, p.ScrapeStatus)
			require.Contains(t, p.LastError, "connection reset")
		} else {
			require.Equal(t, model.ScrapeStatusScraped, p.ScrapeStatus)
			require.Empty(t, p.LastError)
		}
	}
}

func TestRunnerValidationFailureIsPermanent(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.seed(t, "https://bad.test")

	extractor := &fakeExtractor{fn: func(_ context.Context, _ *model.Prospect) (ContactInfo, error) {
		return ContactInfo{}, &ValidationError{Reason: "site is a parked domain"}
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(ctx, j.ID, NewScrapeUnit(f.store, extractor)))

	list, err := f.store.ListProspects(ctx, store.ProspectFilter{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, model.ScrapeStatusFailed, list[0].ScrapeStatus)

	// Permanently failed prospects leave the scrape predicate.
	pred, _ := stage.For(stage.Scrape)
	n, err := f.store.CountEligible(ctx, pred, stage.Params{Now: time.Now().UTC()})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

type storageFailUnit struct{}

func (storageFailUnit) Stage() stage.Stage { return stage.Scrape }
func (storageFailUnit) BudgetName() string { return "" }
func (storageFailUnit) Process(context.Context, *model.Prospect) error {
	return &StorageError{Err: eris.New("database is locked")}
}
func (storageFailUnit) Fail(context.Context, *model.Prospect, string, bool) error { return nil }

func TestRunnerStorageErrorAbortsJob(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.seed(t, "https://a.test", "https://b.test")

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)
	require.Error(t, f.runner.Run(ctx, j.ID, storageFailUnit{}))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "database is locked")
}

type cancellingUnit struct {
	inner Unit
	jobs  *job.Manager
	jobID string
}

func (u *cancellingUnit) Stage() stage.Stage { return u.inner.Stage() }
func (u *cancellingUnit) BudgetName() string { return u.inner.BudgetName() }
func (u *cancellingUnit) Process(ctx context.Context, p *model.Prospect) error {
	// Request cancellation mid-run, as an operator would.
	if _, err := u.jobs.Cancel(ctx, u.jobID); err != nil {
		return err
	}
	return u.inner.Process(ctx, p)
}
func (u *cancellingUnit) Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error {
	return u.inner.Fail(ctx, p, reason, permanent)
}

func TestRunnerCancelStopsAtItemBoundary(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.seed(t, "https://a.test", "https://b.test", "https://c.test")

	extractor := &fakeExtractor{fn: func(_ context.Context, p *model.Prospect) (ContactInfo, error) {
		return ContactInfo{Email: "x@" + p.Domain}, nil
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)

	unit := &cancellingUnit{inner: NewScrapeUnit(f.store, extractor), jobs: f.jobs, jobID: j.ID}
	require.NoError(t, f.runner.Run(ctx, j.ID, unit))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCancelled, got.Status)
	// The first item completed before the flag was observed.
	require.Equal(t, model.JobResult{Attempted: 1, Succeeded: 1}, *got.Result)
}

func TestRunnerTimeoutPreservesProgress(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.runner = NewRunner(f.store, f.jobs, nil, RunnerConfig{})
	ctx := context.Background()
	f.seed(t, "https://a.test", "https://b.test")

	extractor := &fakeExtractor{fn: func(_ context.Context, p *model.Prospect) (ContactInfo, error) {
		time.Sleep(60 * time.Millisecond)
		return ContactInfo{Email: "x@" + p.Domain}, nil
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(ctx, j.ID, NewScrapeUnit(f.store, extractor)))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)
	require.True(t, job.IsTimeout(got))
	// The item finished before the deadline check is kept.
	require.Equal(t, 1, got.ProgressCount)
}

func TestRunnerExplicitTargetsAreFiltered(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	prospects := f.seed(t, "https://a.test", "https://b.test")

	var eligible, ineligible string
	for _, p := range prospects {
		if p.URL == "https://a.test" {
			eligible = p.ID
		} else {
			ineligible = p.ID
		}
	}
	// b is already scraped: naming it explicitly must not re-scrape it.
	require.NoError(t, f.store.AdvanceScrape(ctx, ineligible, "x@b.test", ""))

	var processed []string
	extractor := &fakeExtractor{fn: func(_ context.Context, p *model.Prospect) (ContactInfo, error) {
		processed = append(processed, p.ID)
		return ContactInfo{Email: "x@" + p.Domain}, nil
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{
		TargetIDs: []string{eligible, ineligible},
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(ctx, j.ID, NewScrapeUnit(f.store, extractor)))

	require.Equal(t, []string{eligible}, processed)

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.TotalTargets)
}

func TestRunnerHonorsBudget(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.seed(t, "https://a.test", "https://b.test")

	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), []ratelimit.Budget{
		{Name: "scrape", Capacity: 1, Window: 40 * time.Millisecond},
	})
	require.NoError(t, err)
	f.runner = NewRunner(f.store, f.jobs, limiter, RunnerConfig{})

	extractor := &fakeExtractor{fn: func(_ context.Context, p *model.Prospect) (ContactInfo, error) {
		return ContactInfo{Email: "x@" + p.Domain}, nil
	}}

	j, err := f.jobs.Create(ctx, model.JobTypeScrape, model.JobParams{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, f.runner.Run(ctx, j.ID, NewScrapeUnit(f.store, extractor)))
	// The second item had to wait for the first admission to age out.
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Result.Succeeded)
}
