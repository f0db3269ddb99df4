package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/hunter"
	"github.com/sells-group/outreach-cli/pkg/resend"
	"github.com/sells-group/outreach-cli/pkg/serper"
)

// SerperSearcher finds prospect candidates through Serper web search.
type SerperSearcher struct {
	client  serper.Client
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewSerperSearcher wraps a Serper client as a Searcher.
func NewSerperSearcher(client serper.Client) *SerperSearcher {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("serper", "search")
	return &SerperSearcher{
		client:  client,
		retry:   cfg,
		breaker: resilience.NewBreaker("serper", 0, 0),
	}
}

func (s *SerperSearcher) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*serper.SearchResponse, error) {
		return resilience.Call(ctx, s.breaker, func(ctx context.Context) (*serper.SearchResponse, error) {
			return s.client.Search(ctx, serper.SearchRequest{Query: query, Num: maxResults})
		})
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(resp.Organic))
	for _, hit := range resp.Organic {
		domain := domainOf(hit.Link)
		if domain == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			SourceType: model.SourceTypeWebsite,
			Name:       hit.Title,
			URL:        hit.Link,
			Domain:     domain,
		})
		if len(candidates) == maxResults {
			break
		}
	}
	return candidates, nil
}

func domainOf(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// HunterExtractor pulls contact details from Hunter's domain search.
type HunterExtractor struct {
	client  hunter.Client
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewHunterExtractor wraps a Hunter client as a ContactExtractor.
func NewHunterExtractor(client hunter.Client) *HunterExtractor {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("hunter", "domain_search")
	return &HunterExtractor{
		client:  client,
		retry:   cfg,
		breaker: resilience.NewBreaker("hunter", 0, 0),
	}
}

func (h *HunterExtractor) Extract(ctx context.Context, p *model.Prospect) (ContactInfo, error) {
	if p.Domain == "" {
		return ContactInfo{}, &ValidationError{Reason: "prospect has no domain"}
	}

	result, err := resilience.DoVal(ctx, h.retry, func(ctx context.Context) (*hunter.DomainSearchResult, error) {
		return resilience.Call(ctx, h.breaker, func(ctx context.Context) (*hunter.DomainSearchResult, error) {
			return h.client.DomainSearch(ctx, p.Domain)
		})
	})
	if err != nil {
		return ContactInfo{}, err
	}
	if len(result.Emails) == 0 {
		return ContactInfo{}, &ValidationError{Reason: "no contacts found for " + p.Domain}
	}

	best := result.Emails[0]
	for _, e := range result.Emails[1:] {
		if e.Confidence > best.Confidence {
			best = e
		}
	}

	return ContactInfo{
		Email: best.Value,
		Name:  strings.TrimSpace(best.FirstName + " " + best.LastName),
	}, nil
}

// HunterVerifier checks deliverability through Hunter's email verifier.
// Hunter's score is 0-100; minScore is the verified cutoff.
type HunterVerifier struct {
	client   hunter.Client
	minScore int
	retry    resilience.RetryConfig
	breaker  *resilience.Breaker
}

// NewHunterVerifier wraps a Hunter client as an EmailVerifier. The
// confidence threshold is a 0-1 fraction.
func NewHunterVerifier(client hunter.Client, confidenceThreshold float64) *HunterVerifier {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("hunter", "verify_email")
	return &HunterVerifier{
		client:   client,
		minScore: int(confidenceThreshold * 100),
		retry:    cfg,
		breaker:  resilience.NewBreaker("hunter", 0, 0),
	}
}

func (h *HunterVerifier) Verify(ctx context.Context, email string) (Verification, error) {
	result, err := resilience.DoVal(ctx, h.retry, func(ctx context.Context) (*hunter.VerifyResult, error) {
		return resilience.Call(ctx, h.breaker, func(ctx context.Context) (*hunter.VerifyResult, error) {
			return h.client.VerifyEmail(ctx, email)
		})
	})
	if err != nil {
		return Verification{}, err
	}

	status := model.VerificationStatusInvalid
	switch result.Status {
	case hunter.StatusValid, hunter.StatusAcceptAll:
		if result.Score >= h.minScore {
			status = model.VerificationStatusVerified
		}
	}

	return Verification{Status: status, Score: result.Score}, nil
}

const draftSystemPrompt = `You write short, personal cold outreach emails for a business development team.
Keep the email under 120 words, reference the recipient's business specifically, and end with one concrete ask.
Respond with the subject on the first line prefixed "Subject: ", then a blank line, then the body.`

// AnthropicDrafter composes outreach messages with the Anthropic API.
type AnthropicDrafter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.Breaker
}

// NewAnthropicDrafter wraps an Anthropic client as a DraftGenerator.
// The SDK retries transient failures itself, so the drafter only adds
// the circuit breaker.
func NewAnthropicDrafter(client anthropic.Client, modelID string, maxTokens int64) *AnthropicDrafter {
	return &AnthropicDrafter{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		breaker:   resilience.NewBreaker("anthropic", 0, 0),
	}
}

func (d *AnthropicDrafter) Compose(ctx context.Context, p *model.Prospect) (Draft, error) {
	prompt := fmt.Sprintf("Draft an introduction email to %s (%s) at %s.",
		contactOrCompany(p), p.Name, p.URL)
	return d.compose(ctx, prompt)
}

func (d *AnthropicDrafter) ComposeFollowUp(ctx context.Context, p *model.Prospect, prior []model.MessageLog) (Draft, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Draft a brief follow-up email to %s (%s). Prior outreach:\n",
		contactOrCompany(p), p.Name)
	for _, m := range prior {
		fmt.Fprintf(&sb, "- %s on %s: %s\n", m.Kind, m.SentAt.Format("2006-01-02"), m.Subject)
	}
	sb.WriteString("Do not repeat the original pitch; add one new reason to reply.")
	return d.compose(ctx, sb.String())
}

func (d *AnthropicDrafter) compose(ctx context.Context, prompt string) (Draft, error) {
	resp, err := resilience.Call(ctx, d.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return d.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     d.model,
			MaxTokens: d.maxTokens,
			System: []anthropic.SystemBlock{
				{Text: draftSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
			},
			Messages: []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return Draft{}, err
	}
	resp.Usage.LogCost(d.model, "draft")

	subject, body := splitDraft(resp.FirstText())
	return Draft{Subject: subject, Body: body}, nil
}

func contactOrCompany(p *model.Prospect) string {
	if p.ContactName != "" {
		return p.ContactName
	}
	return p.Name
}

// splitDraft separates a "Subject: ..." first line from the body. Text
// without the prefix becomes the body with an empty subject.
func splitDraft(text string) (string, string) {
	text = strings.TrimSpace(text)
	first, rest, found := strings.Cut(text, "\n")
	if !found {
		return "", text
	}
	if subject, ok := strings.CutPrefix(first, "Subject:"); ok {
		return strings.TrimSpace(subject), strings.TrimSpace(rest)
	}
	return "", text
}

// ResendSender delivers outreach email through Resend.
type ResendSender struct {
	client  resend.Client
	from    string
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewResendSender wraps a Resend client as a MessageSender.
func NewResendSender(client resend.Client, from string) *ResendSender {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("resend", "send_email")
	return &ResendSender{
		client:  client,
		from:    from,
		retry:   cfg,
		breaker: resilience.NewBreaker("resend", 0, 0),
	}
}

func (r *ResendSender) Send(ctx context.Context, to, subject, body string) (SendReceipt, error) {
	resp, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*resend.SendResponse, error) {
		return resilience.Call(ctx, r.breaker, func(ctx context.Context) (*resend.SendResponse, error) {
			return r.client.SendEmail(ctx, resend.SendRequest{
				From:    r.from,
				To:      []string{to},
				Subject: subject,
				Text:    body,
			})
		})
	})
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{MessageID: resp.ID}, nil
}
