package hunter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

const defaultBaseURL = "https://api.hunter.io/v2"

// Client performs contact lookups against the Hunter API.
type Client interface {
	DomainSearch(ctx context.Context, domain string) (*DomainSearchResult, error)
	VerifyEmail(ctx context.Context, email string) (*VerifyResult, error)
}

// DomainSearchResult is the payload of GET /domain-search.
type DomainSearchResult struct {
	Domain       string  `json:"domain"`
	Organization string  `json:"organization"`
	Emails       []Email `json:"emails"`
}

// Email is a single contact found for a domain.
type Email struct {
	Value      string `json:"value"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Position   string `json:"position"`
	Confidence int    `json:"confidence"`
}

// VerifyResult is the payload of GET /email-verifier.
type VerifyResult struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Score  int    `json:"score"`
}

// Verification statuses Hunter reports.
const (
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
	StatusAcceptAll  = "accept_all"
	StatusWebmail    = "webmail"
	StatusDisposable = "disposable"
	StatusUnknown    = "unknown"
)

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default client-side pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Hunter API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) DomainSearch(ctx context.Context, domain string) (*DomainSearchResult, error) {
	params := url.Values{}
	params.Set("domain", domain)

	var result DomainSearchResult
	if err := c.get(ctx, "/domain-search", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) VerifyEmail(ctx context.Context, email string) (*VerifyResult, error) {
	params := url.Values{}
	params.Set("email", email)

	var result VerifyResult
	if err := c.get(ctx, "/email-verifier", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// envelope is Hunter's standard response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "hunter: wait for rate limit")
	}

	params.Set("api_key", c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "hunter: create request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "hunter: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "hunter: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return eris.Wrap(err, "hunter: unmarshal envelope")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return eris.Wrap(err, "hunter: unmarshal data")
	}

	return nil
}

func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &resilience.RateLimitError{
			Provider:   "hunter",
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	err := eris.Errorf("hunter: unexpected status %d: %s", resp.StatusCode, string(body))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
