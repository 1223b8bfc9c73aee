// Package ingest fetches disruption evidence from external aviation data
// sources. Sources are fetched in parallel through a registry that callers
// receive as a capability parameter; there is no global fetcher state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout = 10 * time.Second

	retryMaxAttempts = 3
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 10 * time.Second
)

// ErrTimeout is returned after all retries exhausted due to timeouts.
var ErrTimeout = errors.New("ingest: request timed out")

// StatusError is returned after all retries exhausted due to a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest: HTTP %d from %s", e.StatusCode, e.URL)
}

// retriableStatus reports whether a response status warrants a retry.
// Client errors other than 408/429 are permanent.
func retriableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Client is an HTTP client with exponential-backoff retry for source APIs.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
}

// NewClient builds a Client with the given per-request timeout.
func NewClient(timeout time.Duration, headers map[string]string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		headers:    headers,
	}
}

// Get fetches a URL, retrying on timeouts and transient status codes.
// Backoff doubles from 1s up to a 10s cap across 3 attempts.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse url: %w", err)
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		body, err := c.doGet(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var statusErr *StatusError
		timedOut := errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
		transient := timedOut || (errors.As(err, &statusErr) && retriableStatus(statusErr.StatusCode))
		if !transient || attempt == retryMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return nil, lastErr
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sekisho/1.0")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, rawURL)
		}
		return nil, fmt.Errorf("ingest: get %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ingest: read body: %w", err)
	}
	return body, nil
}
