// Package remote talks to the hosted researchroom backend: a PostgREST
// style REST interface for reads and writes and a Phoenix channel
// websocket for change notifications. Every failure is classified into
// the record error taxonomy.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Retry and backoff constants. Smaller than a typical API client: a
// failed fetch is retried implicitly by the next poll tick anyway.
const (
	maxRetries     = 3
	baseBackoff    = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	requestTimeout = 30 * time.Second
	userAgent      = "researchroom/0.1"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the project URL, e.g. "https://abc.supabase.co".
	BaseURL string
	// RealtimeURL is the websocket endpoint. Empty derives it from BaseURL.
	RealtimeURL string
	// DisableRealtime makes SubscribeToChanges fail, so sessions poll only.
	DisableRealtime bool
	APIKey          string
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client is an HTTP and websocket client for the backend.
type Client struct {
	baseURL     string
	realtimeURL string
	apiKey      string
	httpClient  *http.Client
	token       TokenSource
	logger      *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	heartbeat time.Duration
}

// NewClient creates a client. A missing URL or API key is a configuration
// error and fails construction.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}

	if opts.APIKey == "" {
		return nil, errors.New("remote: API key is required")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", opts.BaseURL)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}

	rt := opts.RealtimeURL
	if rt == "" && !opts.DisableRealtime {
		rt = deriveRealtimeURL(base)
	}

	if opts.DisableRealtime {
		rt = ""
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		realtimeURL: rt,
		apiKey:      opts.APIKey,
		httpClient:  opts.HTTPClient,
		token:       APIKeyToken(opts.APIKey, opts.Logger),
		logger:      opts.Logger,
		sleepFunc:   timeSleep,
		heartbeat:   heartbeatInterval,
	}, nil
}

// deriveRealtimeURL maps https://host to wss://host/realtime/v1/websocket.
func deriveRealtimeURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = ""

	return u.String()
}

// RealtimeURL returns the websocket endpoint, or "" if push is disabled.
func (c *Client) RealtimeURL() string {
	return c.realtimeURL
}

// request describes one REST call. body is held as bytes so that a retry
// can resend it.
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	prefer string
}

// do executes a request with retry and returns the response on 2xx. The
// caller closes the body.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, r, target)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", r.method),
					slog.String("path", r.path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s failed after %d retries: %w: %w",
				r.method, r.path, maxRetries, record.ErrRemoteUnavailable, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		reqID := resp.Header.Get("sb-request-id")
		if reqID == "" {
			reqID = resp.Header.Get("x-request-id")
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &Error{
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Message:    errorMessage(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, r request, target string) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
