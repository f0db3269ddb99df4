package stage

import "github.com/sells-group/outreach-cli/internal/model"

// Predicate is the single definition of a stage's eligibility filter over
// the prospects table. Both Store.CountEligible and Store.SelectEligible
// build their queries from this value; the two must never diverge.
type Predicate struct {
	stage Stage
	build func(p Params) (string, []any)
}

// Stage returns the stage this predicate selects for.
func (p Predicate) Stage() Stage {
	return p.stage
}

// Clause returns the SQL WHERE fragment over the prospects table and its
// bind arguments. Placeholders use `?`; the Postgres store rebinds them to
// positional parameters.
func (p Predicate) Clause(params Params) (string, []any) {
	return p.build(params)
}

var predicates = map[Stage]Predicate{
	Scrape: {
		stage: Scrape,
		build: func(Params) (string, []any) {
			return `discovery_status = ? AND scrape_status = ?`,
				[]any{string(model.DiscoveryStatusDiscovered), string(model.ScrapeStatusPending)}
		},
	},
	Verify: {
		stage: Verify,
		build: func(Params) (string, []any) {
			return `scrape_status = ? AND contact_email IS NOT NULL AND contact_email <> '' AND verification_status = ?`,
				[]any{string(model.ScrapeStatusScraped), string(model.VerificationStatusUnverified)}
		},
	},
	Draft: {
		stage: Draft,
		build: func(Params) (string, []any) {
			return `verification_status = ? AND contact_email IS NOT NULL AND contact_email <> '' AND draft_status = ?`,
				[]any{string(model.VerificationStatusVerified), string(model.DraftStatusPending)}
		},
	},
	Send: {
		stage: Send,
		build: func(Params) (string, []any) {
			return `draft_status = ? AND send_status = ?`,
				[]any{string(model.DraftStatusDrafted), string(model.SendStatusPending)}
		},
	},
	FollowUp: {
		stage: FollowUp,
		build: func(p Params) (string, []any) {
			return `send_status = ? AND last_contacted_at IS NOT NULL AND last_contacted_at <= ?
				AND NOT EXISTS (
					SELECT 1 FROM message_logs m
					WHERE m.prospect_id = prospects.id AND m.kind = ? AND m.outcome = ?
				)`,
				[]any{
					string(model.SendStatusSent),
					p.followUpCutoff(),
					string(model.MessageKindFollowUp),
					string(model.MessageOutcomeSent),
				}
		},
	},
}

// For returns the eligibility predicate for a stage. Discovery creates
// prospects rather than selecting them, so it has no predicate and ok is
// false.
func For(s Stage) (Predicate, bool) {
	p, ok := predicates[s]
	return p, ok
}
