package worker

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// FollowUpUnit sends one follow-up to a prospect whose initial message has
// aged past the follow-up window without a reply. The eligibility
// predicate excludes anyone who already received a follow-up, so re-reads
// are not needed here; the message log is the guard.
type FollowUpUnit struct {
	store     store.Store
	generator DraftGenerator
	sender    MessageSender
}

func NewFollowUpUnit(s store.Store, generator DraftGenerator, sender MessageSender) *FollowUpUnit {
	return &FollowUpUnit{store: s, generator: generator, sender: sender}
}

func (u *FollowUpUnit) Stage() stage.Stage { return stage.FollowUp }
func (u *FollowUpUnit) BudgetName() string { return "email_send" }

func (u *FollowUpUnit) Process(ctx context.Context, p *model.Prospect) error {
	prior, err := u.store.ListMessages(ctx, p.ID)
	if err != nil {
		return &StorageError{Err: err}
	}
	for _, m := range prior {
		if m.Kind == model.MessageKindFollowUp && m.Outcome == model.MessageOutcomeSent {
			return nil
		}
	}

	d, err := u.generator.ComposeFollowUp(ctx, p, prior)
	if err != nil {
		return err
	}
	if d.Subject == "" || d.Body == "" {
		return &ValidationError{Reason: "generator returned an empty follow-up"}
	}

	receipt, err := u.sender.Send(ctx, p.ContactEmail, d.Subject, d.Body)
	if err != nil {
		return err
	}

	err = u.store.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID,
		Channel:    "email",
		Kind:       model.MessageKindFollowUp,
		Recipient:  p.ContactEmail,
		Subject:    d.Subject,
		Body:       d.Body,
		MessageID:  receipt.MessageID,
		Outcome:    model.MessageOutcomeSent,
	}, false)
	if err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Fail logs the failed follow-up. send_status is untouched in every case:
// the initial message already went out.
func (u *FollowUpUnit) Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error {
	return u.store.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID,
		Channel:    "email",
		Kind:       model.MessageKindFollowUp,
		Recipient:  p.ContactEmail,
		Outcome:    model.MessageOutcomeFailed,
		Error:      reason,
	}, permanent)
}
