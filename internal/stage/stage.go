// Package stage defines the pipeline stages and, critically, the single
// shared eligibility predicate per stage. Readiness counts and worker batch
// selection are both generated from the same Predicate value, so a caller
// can never observe a non-zero ready count while the worker's own selection
// returns no rows, or vice versa.
package stage

import (
	"time"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Stage is one step of the outreach pipeline.
type Stage string

const (
	Discovery Stage = "discovery"
	Scrape    Stage = "scrape"
	Verify    Stage = "verify"
	Draft     Stage = "draft"
	Send      Stage = "send"
	FollowUp  Stage = "follow_up"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{Discovery, Scrape, Verify, Draft, Send, FollowUp}

// ForJobType maps a job type to the stage it executes.
func ForJobType(t model.JobType) Stage {
	return Stage(t)
}

// JobType maps a stage to the job type that executes it.
func (s Stage) JobType() model.JobType {
	return model.JobType(s)
}

// Params carries the runtime inputs predicates depend on. Now is captured
// once per evaluation so a count and a selection issued together see the
// same follow-up cutoff.
type Params struct {
	Now           time.Time
	FollowUpAfter time.Duration
}

// followUpCutoff is the latest last_contacted_at still eligible for follow-up.
func (p Params) followUpCutoff() time.Time {
	return p.Now.Add(-p.FollowUpAfter)
}

// Counts reports per-stage readiness, each ready value computed from the
// same predicate the corresponding stage worker selects its batch with.
// Discovered is the total number of prospects discovery has produced.
type Counts struct {
	Discovered    int `json:"discovered"`
	ScrapeReady   int `json:"scrape_ready"`
	VerifyReady   int `json:"verify_ready"`
	DraftReady    int `json:"draft_ready"`
	SendReady     int `json:"send_ready"`
	FollowUpReady int `json:"follow_up_ready"`
}

// Ready returns the readiness count for the given stage. Discovery has no
// prospect precondition and always reports -1 (callers treat it as
// unconditionally startable).
func (c Counts) Ready(s Stage) int {
	switch s {
	case Scrape:
		return c.ScrapeReady
	case Verify:
		return c.VerifyReady
	case Draft:
		return c.DraftReady
	case Send:
		return c.SendReady
	case FollowUp:
		return c.FollowUpReady
	default:
		return -1
	}
}
