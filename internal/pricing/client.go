package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAuthFailed marks a 401/403 from the upstream. It is fatal for the whole
// run: a bad credential must surface immediately instead of degrading into
// thousands of wasted retries.
var ErrAuthFailed = errors.New("pricing: upstream authentication failed")

// ErrUpstream marks a transient upstream failure after retries were
// exhausted. Callers route the affected identifiers to the retry ledger.
var ErrUpstream = errors.New("pricing: upstream unavailable")

// Fetcher is what the sync processor depends on.
type Fetcher interface {
	FetchPrices(ctx context.Context, game string, externalIDs []string) ([]Price, error)
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// MaxAttempts bounds retries per upstream call (default 3).
	MaxAttempts int
	// BaseDelay doubles per attempt up to MaxDelay (defaults 1s / 8s).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Sleep is injectable for tests; defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c *Client) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return time.Second
}

func (c *Client) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return 8 * time.Second
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay is a pure function of the attempt number so retry timing is
// unit-testable without real sleeps.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// FetchPrices resolves prices for up to one batch of upstream product ids in
// a single call. On a successful call that returns nothing for a non-trivial
// batch it falls back to per-id lookups, to distinguish "nothing priced" from
// a bad batch filter. 401/403 returns ErrAuthFailed; transient failures are
// retried with exponential backoff and surface as ErrUpstream once exhausted.
func (c *Client) FetchPrices(ctx context.Context, game string, externalIDs []string) ([]Price, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}

	u := fmt.Sprintf("%s/v1/%s/prices?ids=%s",
		c.BaseURL, url.PathEscape(game), url.QueryEscape(strings.Join(externalIDs, ",")))

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []Price `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pricing: decode batch response: %w", err)
	}

	if len(resp.Results) == 0 && len(externalIDs) > 1 {
		return c.fetchEach(ctx, game, externalIDs)
	}
	return resp.Results, nil
}

// fetchEach is the batch fallback: one call per id, skipping ids that fail
// transiently so a single miss never sinks the rest.
func (c *Client) fetchEach(ctx context.Context, game string, externalIDs []string) ([]Price, error) {
	out := make([]Price, 0, len(externalIDs))
	for _, id := range externalIDs {
		u := fmt.Sprintf("%s/v1/%s/prices/%s",
			c.BaseURL, url.PathEscape(game), url.PathEscape(id))

		body, err := c.get(ctx, u)
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		if err != nil {
			continue
		}

		var p Price
		if err := json.Unmarshal(body, &p); err != nil {
			continue
		}
		if p.ExternalID == "" {
			p.ExternalID = id
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts(); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			resp.Body.Close()

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return body, nil
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return nil, fmt.Errorf("%w (http %d)", ErrAuthFailed, resp.StatusCode)
			case resp.StatusCode == http.StatusTooManyRequests:
				lastErr = fmt.Errorf("rate limited (http 429)")
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("server error (http %d)", resp.StatusCode)
			default:
				return nil, fmt.Errorf("pricing: unexpected http %d", resp.StatusCode)
			}
		}

		if attempt < c.maxAttempts() {
			if err := c.sleep(ctx, backoffDelay(attempt, c.baseDelay(), c.maxDelay())); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}
