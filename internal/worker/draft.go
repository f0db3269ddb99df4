package worker

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// DraftUnit composes the initial outreach message for a prospect.
type DraftUnit struct {
	store     store.Store
	generator DraftGenerator
}

func NewDraftUnit(s store.Store, generator DraftGenerator) *DraftUnit {
	return &DraftUnit{store: s, generator: generator}
}

func (u *DraftUnit) Stage() stage.Stage { return stage.Draft }
func (u *DraftUnit) BudgetName() string { return "draft" }

func (u *DraftUnit) Process(ctx context.Context, p *model.Prospect) error {
	d, err := u.generator.Compose(ctx, p)
	if err != nil {
		return err
	}
	if d.Subject == "" || d.Body == "" {
		return &ValidationError{Reason: "generator returned an empty draft"}
	}
	if err := u.store.AdvanceDraft(ctx, p.ID, d.Subject, d.Body); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Fail records the error; the prospect stays draft-pending either way so
// an operator can fix the input and rerun.
func (u *DraftUnit) Fail(ctx context.Context, p *model.Prospect, reason string, _ bool) error {
	return u.store.SetProspectError(ctx, p.ID, reason)
}
