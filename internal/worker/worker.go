// Package worker executes pipeline jobs. A Runner drives a stage Unit over
// a batch of eligible prospects, committing each item's outcome
// independently so one bad prospect never rolls back its siblings.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
)

// Candidate is a prospect produced by discovery before it is persisted.
type Candidate struct {
	SourceType model.SourceType
	Name       string
	URL        string
	Domain     string
}

// Searcher finds new prospect candidates for a query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Candidate, error)
}

// ContactInfo is what scraping extracts from a prospect's site.
type ContactInfo struct {
	Email string
	Name  string
}

// ContactExtractor pulls contact details from a prospect's site.
type ContactExtractor interface {
	Extract(ctx context.Context, p *model.Prospect) (ContactInfo, error)
}

// Verification is the verdict on a contact email's deliverability.
type Verification struct {
	Status model.VerificationStatus
	Score  int
}

// EmailVerifier checks whether a contact email is deliverable.
type EmailVerifier interface {
	Verify(ctx context.Context, email string) (Verification, error)
}

// Draft is a composed outreach message.
type Draft struct {
	Subject string
	Body    string
}

// DraftGenerator composes outreach messages for a prospect.
type DraftGenerator interface {
	Compose(ctx context.Context, p *model.Prospect) (Draft, error)
	ComposeFollowUp(ctx context.Context, p *model.Prospect, prior []model.MessageLog) (Draft, error)
}

// SendReceipt identifies a message accepted by the delivery provider.
type SendReceipt struct {
	MessageID string
}

// MessageSender delivers an outreach message.
type MessageSender interface {
	Send(ctx context.Context, to, subject, body string) (SendReceipt, error)
}

// Unit is one stage's per-prospect work. Process advances the prospect on
// success; Fail records the failure, permanently or retryably, without
// touching other prospects.
type Unit interface {
	Stage() stage.Stage
	BudgetName() string
	Process(ctx context.Context, p *model.Prospect) error
	Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error
}

// ValidationError is a permanent per-item failure: the prospect's data can
// never satisfy this stage, so retrying is pointless.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// StorageError is a database failure during item processing. Unlike
// provider errors it aborts the whole job: continuing without a working
// store would lose outcomes.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err marks a permanent per-item failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err marks a storage failure.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
