package worker

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// SendUnit delivers the drafted initial message. It re-reads send_status
// immediately before delivery so a prospect selected by a stale batch can
// never be mailed twice.
type SendUnit struct {
	store  store.Store
	sender MessageSender
}

func NewSendUnit(s store.Store, sender MessageSender) *SendUnit {
	return &SendUnit{store: s, sender: sender}
}

func (u *SendUnit) Stage() stage.Stage { return stage.Send }
func (u *SendUnit) BudgetName() string { return "email_send" }

func (u *SendUnit) Process(ctx context.Context, p *model.Prospect) error {
	fresh, err := u.store.GetProspect(ctx, p.ID)
	if err != nil {
		return &StorageError{Err: err}
	}
	if fresh.SendStatus != model.SendStatusPending {
		return nil
	}
	if fresh.ContactEmail == "" {
		return &ValidationError{Reason: "prospect has no contact email"}
	}

	receipt, err := u.sender.Send(ctx, fresh.ContactEmail, fresh.DraftSubject, fresh.DraftBody)
	if err != nil {
		return err
	}

	err = u.store.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID,
		Channel:    "email",
		Kind:       model.MessageKindInitial,
		Recipient:  fresh.ContactEmail,
		Subject:    fresh.DraftSubject,
		Body:       fresh.DraftBody,
		MessageID:  receipt.MessageID,
		Outcome:    model.MessageOutcomeSent,
	}, false)
	if err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Fail logs the failed attempt in message_logs. A permanent failure flips
// send_status to failed; a transient one leaves it pending for retry.
func (u *SendUnit) Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error {
	return u.store.RecordSend(ctx, model.MessageLog{
		ProspectID: p.ID,
		Channel:    "email",
		Kind:       model.MessageKindInitial,
		Recipient:  p.ContactEmail,
		Subject:    p.DraftSubject,
		Body:       p.DraftBody,
		Outcome:    model.MessageOutcomeFailed,
		Error:      reason,
	}, permanent)
}
