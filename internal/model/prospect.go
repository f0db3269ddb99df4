package model

import "time"

// SourceType describes where a prospect was discovered.
type SourceType string

const (
	SourceTypeWebsite SourceType = "website"
	SourceTypeSocial  SourceType = "social"
)

// DiscoveryStatus tracks whether a prospect has been produced by discovery.
type DiscoveryStatus string

const (
	DiscoveryStatusPending    DiscoveryStatus = "pending"
	DiscoveryStatusDiscovered DiscoveryStatus = "discovered"
)

// ScrapeStatus tracks contact extraction for a prospect.
type ScrapeStatus string

const (
	ScrapeStatusPending ScrapeStatus = "pending"
	ScrapeStatusScraped ScrapeStatus = "scraped"
	ScrapeStatusFailed  ScrapeStatus = "failed"
)

// VerificationStatus tracks email verification for a prospect.
type VerificationStatus string

const (
	VerificationStatusUnverified VerificationStatus = "unverified"
	VerificationStatusVerified   VerificationStatus = "verified"
	VerificationStatusInvalid    VerificationStatus = "invalid"
)

// DraftStatus tracks message drafting for a prospect.
type DraftStatus string

const (
	DraftStatusPending DraftStatus = "pending"
	DraftStatusDrafted DraftStatus = "drafted"
)

// SendStatus tracks outreach delivery for a prospect.
type SendStatus string

const (
	SendStatusPending SendStatus = "pending"
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
)

// Prospect is a discovered entity (website or social profile) tracked
// through the pipeline stages. Each stage status field is an independent
// state machine; a prospect becomes eligible for stage N+1 only once
// stage N reached its successful terminal value.
type Prospect struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	Domain     string     `json:"domain"`

	DiscoveryStatus    DiscoveryStatus    `json:"discovery_status"`
	ScrapeStatus       ScrapeStatus       `json:"scrape_status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	DraftStatus        DraftStatus        `json:"draft_status"`
	SendStatus         SendStatus         `json:"send_status"`

	ContactEmail string `json:"contact_email,omitempty"`
	ContactName  string `json:"contact_name,omitempty"`
	DraftSubject string `json:"draft_subject,omitempty"`
	DraftBody    string `json:"draft_body,omitempty"`

	// LastError records the most recent per-item failure reason. It is
	// informational: a transient failure leaves the stage status
	// unadvanced so the prospect stays eligible for retry.
	LastError string `json:"last_error,omitempty"`

	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
