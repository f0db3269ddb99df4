package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
)

// Sentinel errors returned by Store implementations. Callers check them
// with eris.Is / errors.Is and translate to user-facing error types.
var (
	// ErrJobConflict means an active (pending or running) job of the same
	// type already exists and is not stale.
	ErrJobConflict = eris.New("store: active job of this type already exists")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrInvalidTransition means the entity is not in a state that permits
	// the requested transition (e.g. completing an already-failed job).
	ErrInvalidTransition = eris.New("store: invalid state transition")
)

// ReapedMessage is the error_message written to a stale job that was
// forcibly failed so a new job of the same type could start.
const ReapedMessage = "reaped: exceeded max execution time"

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Type   model.JobType   `json:"job_type,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// ProspectFilter specifies criteria for listing prospects.
type ProspectFilter struct {
	SourceType         model.SourceType         `json:"source_type,omitempty"`
	ScrapeStatus       model.ScrapeStatus       `json:"scrape_status,omitempty"`
	VerificationStatus model.VerificationStatus `json:"verification_status,omitempty"`
	DraftStatus        model.DraftStatus        `json:"draft_status,omitempty"`
	SendStatus         model.SendStatus         `json:"send_status,omitempty"`
	Limit              int                      `json:"limit,omitempty"`
	Offset             int                      `json:"offset,omitempty"`
}

// Store defines the persistence interface for the outreach pipeline. It is
// the single owner of all entity state; workers never cache rows across
// batches.
type Store interface {
	// Jobs. CreateJob atomically reaps a stale active job of the same type
	// (older than maxAge) and inserts the new row in one transaction, so
	// two concurrent callers can never both observe "no active job".
	CreateJob(ctx context.Context, jobType model.JobType, params model.JobParams, maxAge time.Duration) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	ActiveJobs(ctx context.Context) ([]model.Job, error)
	ClaimJob(ctx context.Context, id string) (*model.Job, error)
	SetJobTotal(ctx context.Context, id string, total int) error
	HeartbeatJob(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, result model.JobResult) error
	FailJob(ctx context.Context, id string, errMsg string) error
	CancelPendingJob(ctx context.Context, id string) (bool, error)
	RequestJobCancel(ctx context.Context, id string) (bool, error)
	MarkJobCancelled(ctx context.Context, id string, result model.JobResult) error
	ReapStaleJobs(ctx context.Context, maxAge time.Duration) (int, error)

	// Prospects. Eligibility queries are built from stage.Predicate values
	// so counts and batch selection can never diverge.
	BulkInsertProspects(ctx context.Context, prospects []model.Prospect) (int64, error)
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error)
	CountDiscovered(ctx context.Context) (int, error)
	CountEligible(ctx context.Context, pred stage.Predicate, params stage.Params) (int, error)
	SelectEligible(ctx context.Context, pred stage.Predicate, params stage.Params, limit int) ([]model.Prospect, error)
	FilterEligible(ctx context.Context, pred stage.Predicate, params stage.Params, ids []string) ([]model.Prospect, error)

	// Per-stage prospect mutations, each a single-row single-transaction
	// update so a mid-run crash leaves at most one item untouched.
	AdvanceScrape(ctx context.Context, id, email, contactName string) error
	FailScrape(ctx context.Context, id, reason string) error
	AdvanceVerification(ctx context.Context, id string, status model.VerificationStatus) error
	AdvanceDraft(ctx context.Context, id, subject, body string) error
	SetProspectError(ctx context.Context, id, reason string) error

	// RecordSend appends a message log row and applies the matching
	// prospect update (send_status, last_contacted_at) in one transaction.
	// permanent only matters for failed outcomes: it advances send_status
	// to failed instead of leaving the prospect retryable.
	RecordSend(ctx context.Context, msg model.MessageLog, permanent bool) error
	ListMessages(ctx context.Context, prospectID string) ([]model.MessageLog, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ReadinessCounts computes per-stage readiness using the shared stage
// predicates. This is the single source of truth consumed by the
// orchestrator's pre-flight check and by any status endpoint; it issues one
// count query per stage and never caches.
func ReadinessCounts(ctx context.Context, s Store, params stage.Params) (stage.Counts, error) {
	var c stage.Counts

	discovered, err := s.CountDiscovered(ctx)
	if err != nil {
		return c, err
	}
	c.Discovered = discovered

	for _, st := range stage.Stages {
		pred, ok := stage.For(st)
		if !ok {
			continue
		}
		n, err := s.CountEligible(ctx, pred, params)
		if err != nil {
			return c, eris.Wrapf(err, "store: readiness count for %s", st)
		}
		switch st {
		case stage.Scrape:
			c.ScrapeReady = n
		case stage.Verify:
			c.VerifyReady = n
		case stage.Draft:
			c.DraftReady = n
		case stage.Send:
			c.SendReady = n
		case stage.FollowUp:
			c.FollowUpReady = n
		}
	}
	return c, nil
}
