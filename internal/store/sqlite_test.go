package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func mustCreateJob(t *testing.T, s *SQLiteStore, jobType model.JobType) *model.Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), jobType, model.JobParams{BatchSize: 10}, time.Hour)
	require.NoError(t, err)
	return j
}

func seedProspect(t *testing.T, s *SQLiteStore, url string) *model.Prospect {
	t.Helper()
	n, err := s.BulkInsertProspects(context.Background(), []model.Prospect{
		{SourceType: model.SourceTypeWebsite, Name: "Acme", URL: url, Domain: "acme.test"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	list, err := s.ListProspects(context.Background(), ProspectFilter{Limit: 1000})
	require.NoError(t, err)
	for i := range list {
		if list[i].URL == url {
			return &list[i]
		}
	}
	t.Fatalf("seeded prospect %s not found", url)
	return nil
}

func TestCreateJobConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustCreateJob(t, s, model.JobTypeScrape)
	require.Equal(t, model.JobStatusPending, first.Status)

	_, err := s.CreateJob(ctx, model.JobTypeScrape, model.JobParams{}, time.Hour)
	require.ErrorIs(t, err, ErrJobConflict)

	// A different type is unaffected.
	_, err = s.CreateJob(ctx, model.JobTypeVerify, model.JobParams{}, time.Hour)
	require.NoError(t, err)
}

func TestCreateJobReapsStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := mustCreateJob(t, s, model.JobTypeScrape)

	// Backdate the job past the max execution window.
	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET created_at = ?, updated_at = ? WHERE id = ?`, old, old, stale.ID)
	require.NoError(t, err)

	fresh, err := s.CreateJob(ctx, model.JobTypeScrape, model.JobParams{}, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, fresh.ID)

	reaped, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, reaped.Status)
	require.Equal(t, ReapedMessage, reaped.ErrorMessage)
	require.NotNil(t, reaped.CompletedAt)
}

func TestCreateJobReapUsesStartedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := mustCreateJob(t, s, model.JobTypeDraft)

	// Old created_at but a recent start means the job is still live.
	old := time.Now().UTC().Add(-3 * time.Hour)
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET created_at = ? WHERE id = ?`, old, j.ID)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, model.JobTypeDraft, model.JobParams{}, time.Hour)
	require.ErrorIs(t, err, ErrJobConflict)
}

func TestClaimJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := mustCreateJob(t, s, model.JobTypeSend)

	claimed, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// Second claim loses the compare-and-set.
	_, err = s.ClaimJob(ctx, j.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHeartbeatMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := mustCreateJob(t, s, model.JobTypeScrape)

	// Heartbeats require a running job.
	require.ErrorIs(t, s.HeartbeatJob(ctx, j.ID, 1), ErrInvalidTransition)

	_, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetJobTotal(ctx, j.ID, 10))

	require.NoError(t, s.HeartbeatJob(ctx, j.ID, 5))
	require.NoError(t, s.HeartbeatJob(ctx, j.ID, 3))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.ProgressCount)
	require.Equal(t, 10, got.TotalTargets)
}

func TestCompleteAndFailTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := mustCreateJob(t, s, model.JobTypeVerify)
	_, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	result := model.JobResult{Attempted: 4, Succeeded: 3, Failed: 1}
	require.NoError(t, s.CompleteJob(ctx, j.ID, result))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, result, *got.Result)
	require.Equal(t, 4, got.ProgressCount)
	require.NotNil(t, got.CompletedAt)

	// Terminal jobs reject further transitions.
	require.ErrorIs(t, s.CompleteJob(ctx, j.ID, result), ErrInvalidTransition)
	require.ErrorIs(t, s.FailJob(ctx, j.ID, "boom"), ErrInvalidTransition)
}

func TestCancelFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := mustCreateJob(t, s, model.JobTypeScrape)
	ok, err := s.CancelPendingJob(ctx, pending.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCancelled, got.Status)

	running := mustCreateJob(t, s, model.JobTypeScrape)
	_, err = s.ClaimJob(ctx, running.ID)
	require.NoError(t, err)

	// A running job cannot be cancelled directly, only flagged.
	ok, err = s.CancelPendingJob(ctx, running.ID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.RequestJobCancel(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, got.CancelRequested)
	require.Equal(t, model.JobStatusRunning, got.Status)

	require.NoError(t, s.MarkJobCancelled(ctx, running.ID, model.JobResult{Attempted: 2, Succeeded: 2}))
	got, err = s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCancelled, got.Status)
	require.Equal(t, 2, got.Result.Succeeded)
}

func TestReapStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := mustCreateJob(t, s, model.JobTypeScrape)
	j2 := mustCreateJob(t, s, model.JobTypeVerify)
	_, err := s.ClaimJob(ctx, j2.ID)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET created_at = ? WHERE id = ?`, old, j1.ID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET started_at = ? WHERE id = ?`, old, j2.ID)
	require.NoError(t, err)

	fresh := mustCreateJob(t, s, model.JobTypeSend)

	n, err := s.ReapStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{j1.ID, j2.ID} {
		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.JobStatusFailed, got.Status)
		require.Equal(t, ReapedMessage, got.ErrorMessage)
	}

	got, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusPending, got.Status)
}

func TestListJobsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scrape := mustCreateJob(t, s, model.JobTypeScrape)
	verify := mustCreateJob(t, s, model.JobTypeVerify)
	_, err := s.ClaimJob(ctx, verify.ID)
	require.NoError(t, err)

	byType, err := s.ListJobs(ctx, JobFilter{Type: model.JobTypeScrape})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, scrape.ID, byType[0].ID)

	byStatus, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, verify.ID, byStatus[0].ID)

	active, err := s.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestBulkInsertIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []model.Prospect{
		{SourceType: model.SourceTypeWebsite, Name: "Acme", URL: "https://acme.test", Domain: "acme.test"},
		{SourceType: model.SourceTypeWebsite, Name: "Globex", URL: "https://globex.test", Domain: "globex.test"},
	}
	n, err := s.BulkInsertProspects(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// Reinserting the same URLs plus one new is counted as one insert.
	batch = append(batch, model.Prospect{
		SourceType: model.SourceTypeWebsite, Name: "Initech", URL: "https://initech.test", Domain: "initech.test",
	})
	n, err = s.BulkInsertProspects(ctx, batch)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	count, err := s.CountDiscovered(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestEligibilityAdvancesThroughStages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := stage.Params{Now: time.Now().UTC(), FollowUpAfter: 72 * time.Hour}

	p := seedProspect(t, s, "https://acme.test")

	countAt := func(st stage.Stage) int {
		t.Helper()
		pred, ok := stage.For(st)
		require.True(t, ok)
		n, err := s.CountEligible(ctx, pred, params)
		require.NoError(t, err)
		return n
	}
	selectAt := func(st stage.Stage) []model.Prospect {
		t.Helper()
		pred, ok := stage.For(st)
		require.True(t, ok)
		rows, err := s.SelectEligible(ctx, pred, params, 10)
		require.NoError(t, err)
		return rows
	}

	// Freshly discovered: only scrape is ready, and count matches selection.
	require.Equal(t, 1, countAt(stage.Scrape))
	require.Len(t, selectAt(stage.Scrape), 1)
	require.Equal(t, 0, countAt(stage.Verify))

	require.NoError(t, s.AdvanceScrape(ctx, p.ID, "ceo@acme.test", "Jordan Lee"))
	require.Equal(t, 0, countAt(stage.Scrape))
	require.Equal(t, 1, countAt(stage.Verify))
	require.Equal(t, 0, countAt(stage.Draft))

	require.NoError(t, s.AdvanceVerification(ctx, p.ID, model.VerificationStatusVerified))
	require.Equal(t, 0, countAt(stage.Verify))
	require.Equal(t, 1, countAt(stage.Draft))

	require.NoError(t, s.AdvanceDraft(ctx, p.ID, "Hello", "Hi Jordan,"))
	require.Equal(t, 0, countAt(stage.Draft))
	require.Equal(t, 1, countAt(stage.Send))
	require.Len(t, selectAt(stage.Send), 1)

	require.NoError(t, s.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID,
		Channel:    "email",
		Kind:       model.MessageKindInitial,
		Recipient:  "ceo@acme.test",
		Subject:    "Hello",
		Body:       "Hi Jordan,",
		MessageID:  "msg-1",
		Outcome:    model.MessageOutcomeSent,
	}, false))
	require.Equal(t, 0, countAt(stage.Send))

	got, err := s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.SendStatusSent, got.SendStatus)
	require.NotNil(t, got.LastContactedAt)
}

func TestEligibilitySkipsMissingEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := stage.Params{Now: time.Now().UTC(), FollowUpAfter: 72 * time.Hour}

	p := seedProspect(t, s, "https://noemail.test")
	require.NoError(t, s.AdvanceScrape(ctx, p.ID, "", ""))

	pred, ok := stage.For(stage.Verify)
	require.True(t, ok)
	n, err := s.CountEligible(ctx, pred, params)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFollowUpEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	params := stage.Params{Now: now, FollowUpAfter: 72 * time.Hour}

	p := seedProspect(t, s, "https://acme.test")
	require.NoError(t, s.AdvanceScrape(ctx, p.ID, "ceo@acme.test", ""))
	require.NoError(t, s.AdvanceVerification(ctx, p.ID, model.VerificationStatusVerified))
	require.NoError(t, s.AdvanceDraft(ctx, p.ID, "Hello", "Hi,"))

	pred, ok := stage.For(stage.FollowUp)
	require.True(t, ok)

	// Sent just now: too recent for a follow-up.
	require.NoError(t, s.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID, Channel: "email", Kind: model.MessageKindInitial,
		Recipient: "ceo@acme.test", Subject: "Hello", Body: "Hi,",
		Outcome: model.MessageOutcomeSent, SentAt: now,
	}, false))
	n, err := s.CountEligible(ctx, pred, params)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Backdate the contact past the follow-up window.
	old := now.Add(-96 * time.Hour)
	_, err = s.db.ExecContext(ctx, `UPDATE prospects SET last_contacted_at = ? WHERE id = ?`, old, p.ID)
	require.NoError(t, err)
	n, err = s.CountEligible(ctx, pred, params)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A sent follow-up removes the prospect from eligibility for good.
	require.NoError(t, s.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID, Channel: "email", Kind: model.MessageKindFollowUp,
		Recipient: "ceo@acme.test", Subject: "Re: Hello", Body: "Checking in,",
		Outcome: model.MessageOutcomeSent, SentAt: now,
	}, false))
	_, err = s.db.ExecContext(ctx, `UPDATE prospects SET last_contacted_at = ? WHERE id = ?`, old, p.ID)
	require.NoError(t, err)
	n, err = s.CountEligible(ctx, pred, params)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecordSendFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProspect(t, s, "https://acme.test")
	require.NoError(t, s.AdvanceScrape(ctx, p.ID, "ceo@acme.test", ""))
	require.NoError(t, s.AdvanceVerification(ctx, p.ID, model.VerificationStatusVerified))
	require.NoError(t, s.AdvanceDraft(ctx, p.ID, "Hello", "Hi,"))

	// Transient failure leaves send_status pending so a retry stays eligible.
	require.NoError(t, s.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID, Channel: "email", Kind: model.MessageKindInitial,
		Recipient: "ceo@acme.test", Subject: "Hello", Body: "Hi,",
		Outcome: model.MessageOutcomeFailed, Error: "rate limited",
	}, false))
	got, err := s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.SendStatusPending, got.SendStatus)
	require.Equal(t, "rate limited", got.LastError)

	// Permanent failure marks the prospect failed.
	require.NoError(t, s.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID, Channel: "email", Kind: model.MessageKindInitial,
		Recipient: "ceo@acme.test", Subject: "Hello", Body: "Hi,",
		Outcome: model.MessageOutcomeFailed, Error: "mailbox does not exist",
	}, true))
	got, err = s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.SendStatusFailed, got.SendStatus)

	msgs, err := s.ListMessages(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, model.MessageOutcomeFailed, msgs[0].Outcome)
}

func TestFilterEligible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := stage.Params{Now: time.Now().UTC(), FollowUpAfter: 72 * time.Hour}

	a := seedProspect(t, s, "https://a.test")
	b := seedProspect(t, s, "https://b.test")
	require.NoError(t, s.AdvanceScrape(ctx, b.ID, "x@b.test", ""))

	pred, ok := stage.For(stage.Scrape)
	require.True(t, ok)

	// b has already been scraped, so only a survives the filter.
	rows, err := s.FilterEligible(ctx, pred, params, []string{a.ID, b.ID, "missing-id"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, a.ID, rows[0].ID)

	rows, err = s.FilterEligible(ctx, pred, params, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestReadinessCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := stage.Params{Now: time.Now().UTC(), FollowUpAfter: 72 * time.Hour}

	a := seedProspect(t, s, "https://a.test")
	seedProspect(t, s, "https://b.test")
	require.NoError(t, s.AdvanceScrape(ctx, a.ID, "x@a.test", ""))

	counts, err := ReadinessCounts(ctx, s, params)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Discovered)
	require.Equal(t, 1, counts.ScrapeReady)
	require.Equal(t, 1, counts.VerifyReady)
	require.Equal(t, 0, counts.DraftReady)
	require.Equal(t, -1, counts.Ready(stage.Discovery))
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetProspect(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}
