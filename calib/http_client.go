package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB.
	maxResponseBytes = 50 << 20
)

// FetchOption configures FetchCorrespondences.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// StatusError is a non-200 response from a correspondence server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.URL, e.StatusCode)
}

// Temporary reports whether a retry could succeed: server errors, 408 and 429.
// Other client errors mean the set URL is wrong and will stay wrong.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// FetchCorrespondences downloads a correspondence set. The response's
// Content-Type selects JSON, YAML or zlib decoding; untyped or generic bodies
// are sniffed. Network errors and temporary statuses are retried with
// exponential backoff; decode errors and permanent statuses are not.
func FetchCorrespondences(ctx context.Context, url string, opts ...FetchOption) (*CorrespondenceSet, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch correspondences: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.maxRetries = max(cfg.maxRetries, 1)

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch correspondences: %w", ctx.Err())
			case <-time.After(cfg.baseBackoff << (attempt - 1)):
			}
		}

		payload, err := doFetch(ctx, client, url)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.Temporary() {
				return nil, fmt.Errorf("fetch correspondences: %w", err)
			}
			lastErr = err
			continue
		}

		cs, err := DecodeCorrespondencesAs(payload.body, FormatForMediaType(payload.contentType))
		if err != nil {
			return nil, fmt.Errorf("fetch correspondences from %s (%s): %w", url, payload.contentType, err)
		}
		return cs, nil
	}

	return nil, fmt.Errorf("fetch correspondences: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

type fetchedPayload struct {
	body        []byte
	contentType string
}

// doFetch performs a single GET. A gzip or deflate Content-Encoding is left
// to net/http; a zlib body must be declared by Content-Type or its header.
func doFetch(ctx context.Context, client *http.Client, url string) (fetchedPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchedPayload{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, application/zlib;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return fetchedPayload{}, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fetchedPayload{}, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fetchedPayload{}, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return fetchedPayload{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}
