package worker

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// VerifyUnit checks contact email deliverability. An "invalid" verdict is
// a processed outcome, not a failure: the prospect advances to invalid and
// leaves the pipeline.
type VerifyUnit struct {
	store    store.Store
	verifier EmailVerifier
}

func NewVerifyUnit(s store.Store, verifier EmailVerifier) *VerifyUnit {
	return &VerifyUnit{store: s, verifier: verifier}
}

func (u *VerifyUnit) Stage() stage.Stage { return stage.Verify }
func (u *VerifyUnit) BudgetName() string { return "verify" }

func (u *VerifyUnit) Process(ctx context.Context, p *model.Prospect) error {
	v, err := u.verifier.Verify(ctx, p.ContactEmail)
	if err != nil {
		return err
	}
	if err := u.store.AdvanceVerification(ctx, p.ID, v.Status); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Fail marks a permanently unverifiable email invalid; transient verifier
// trouble leaves the prospect unverified for the next run.
func (u *VerifyUnit) Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error {
	if permanent {
		if err := u.store.AdvanceVerification(ctx, p.ID, model.VerificationStatusInvalid); err != nil {
			return err
		}
	}
	return u.store.SetProspectError(ctx, p.ID, reason)
}
