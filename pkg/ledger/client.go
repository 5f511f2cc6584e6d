// Package ledger provides a client for the external general-ledger
// posting API. Posting returns the external document id that the
// export idempotency ledger records.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/quillbooks/quill/internal/model"
)

// Client defines the external ledger operations used by the engine.
type Client interface {
	// PostEntry creates a journal entry document and returns its id.
	PostEntry(ctx context.Context, tenantID string, entry model.JournalEntry) (string, error)
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithRateLimit overrides the default posting rate limit (5 req/s).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates an HTTP ledger client with the given API token.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type postRequest struct {
	TenantID string             `json:"tenant_id"`
	Entry    model.JournalEntry `json:"entry"`
}

type postResponse struct {
	DocID string `json:"doc_id"`
}

func (c *httpClient) PostEntry(ctx context.Context, tenantID string, entry model.JournalEntry) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "ledger: rate limit wait")
		}
	}

	body, err := json.Marshal(postRequest{TenantID: tenantID, Entry: entry})
	if err != nil {
		return "", eris.Wrap(err, "ledger: marshal entry")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/journal-entries", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "ledger: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ledger: post entry")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", eris.Wrap(err, "ledger: read response")
	}
	if resp.StatusCode >= 300 {
		return "", eris.Errorf("ledger: post entry returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out postResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", eris.Wrap(err, "ledger: decode response")
	}
	if out.DocID == "" {
		return "", eris.New("ledger: response missing doc_id")
	}
	return out.DocID, nil
}

// localClient assigns document ids locally without calling out, for
// development and dry runs.
type localClient struct{}

// NewLocal returns a client that mints local document ids.
func NewLocal() Client {
	return localClient{}
}

func (localClient) PostEntry(_ context.Context, tenantID string, entry model.JournalEntry) (string, error) {
	return fmt.Sprintf("local-%s-%s", tenantID, uuid.NewString()), nil
}
