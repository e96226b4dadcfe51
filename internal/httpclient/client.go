// Package httpclient provides a rate-limited HTTP executor shared by the
// filing-source and identifier-resolution clients. It enforces a minimum
// interval between requests to one destination, retries transient failures
// with backoff, and surfaces a typed error taxonomy so callers can tell
// "not found" apart from "rate limited" and "unreachable".
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "fundholdings/internal/errors"
)

// Request is a single remote call. Body is buffered so the call can be
// replayed across retry attempts.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options configures a Client.
type Options struct {
	// MinInterval is the minimum spacing between consecutive requests.
	MinInterval time.Duration
	// MaxRetries is the number of retry attempts after the first try.
	MaxRetries int
	// BaseDelay seeds the exponential backoff for rate-limit responses.
	BaseDelay time.Duration
	// MaxDelay caps any single backoff wait.
	MaxDelay time.Duration
	// Timeout applies per attempt.
	Timeout time.Duration
	// Headers are applied to every request (e.g. the EDGAR User-Agent).
	Headers map[string]string
	// RateLimitBodyMarker, when non-empty, treats any response whose body
	// contains the marker as a rate-limit signal regardless of status.
	// EDGAR signals throttling with a 403 carrying "Request Rate Threshold
	// Exceeded" rather than a 429.
	RateLimitBodyMarker string
	// Clock defaults to the system clock.
	Clock Clock
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client executes requests against one destination service with rate
// limiting and retries. One Client per destination; the limiter state is
// owned by the instance, not the process.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	opts       Options
	clock      Clock
	logger     *slog.Logger
}

// New creates a Client for a single destination service.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 100 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		opts:       opts,
		clock:      clock,
		logger:     logger,
	}
}

// Get executes a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodGet, URL: url})
}

// Post executes a POST request with the given body.
func (c *Client) Post(ctx context.Context, url string, contentType string, body []byte) (*Response, error) {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	return c.Execute(ctx, Request{Method: http.MethodPost, URL: url, Header: header, Body: body})
}

// Execute runs the request with rate limiting and retry logic. A 404 is
// returned immediately as a NOT_FOUND error without retrying; rate-limit
// signals back off exponentially; network errors and 5xx retry with a
// shorter backoff. Exhausted retries surface as RATE_LIMITED, NETWORK or
// SERVER errors respectively.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		// The limiter enforces the per-destination minimum interval;
		// callers block here rather than fail.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, req)
		if err != nil {
			lastErr = err
			c.logAttempt(ctx, req, attempt, 0, "network_error", err)
			if attempt < c.opts.MaxRetries {
				if serr := c.clock.Sleep(ctx, c.transientBackoff(attempt)); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, apperrors.NewNetworkError(
				fmt.Sprintf("request to %s failed after %d attempts", req.URL, attempt+1), lastErr)
		}

		switch {
		case c.isRateLimited(resp):
			lastErr = apperrors.NewRateLimitedError(
				fmt.Sprintf("rate limit signalled by %s", req.URL), nil)
			c.logAttempt(ctx, req, attempt, resp.StatusCode, "rate_limited", nil)
			if attempt < c.opts.MaxRetries {
				wait := c.rateLimitBackoff(attempt)
				c.logger.WarnContext(ctx, "rate_limit_backoff",
					slog.String("url", req.URL),
					slog.Duration("wait", wait),
					slog.Int("attempt", attempt+1))
				if serr := c.clock.Sleep(ctx, wait); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, lastErr

		case resp.StatusCode == http.StatusNotFound:
			// Absence is a valid result for several callers (e.g. a
			// filing with no primary document); never retried.
			c.logAttempt(ctx, req, attempt, resp.StatusCode, "not_found", nil)
			return resp, apperrors.NewNotFoundError(req.URL)

		case resp.StatusCode >= 500:
			lastErr = apperrors.NewServerError(
				fmt.Sprintf("%s returned status %d", req.URL, resp.StatusCode), nil)
			c.logAttempt(ctx, req, attempt, resp.StatusCode, "server_error", nil)
			if attempt < c.opts.MaxRetries {
				if serr := c.clock.Sleep(ctx, c.transientBackoff(attempt)); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, lastErr

		case resp.StatusCode >= 400:
			c.logAttempt(ctx, req, attempt, resp.StatusCode, "client_error", nil)
			return resp, apperrors.NewAppError(apperrors.ErrTypeNetwork,
				fmt.Sprintf("%s returned status %d", req.URL, resp.StatusCode), nil)

		default:
			c.logAttempt(ctx, req, attempt, resp.StatusCode, "ok", nil)
			return resp, nil
		}
	}

	return nil, lastErr
}

// attempt performs one HTTP round trip and buffers the body.
func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range c.opts.Headers {
		httpReq.Header.Set(key, value)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Set(key, value)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// isRateLimited reports whether the response signals throttling.
func (c *Client) isRateLimited(resp *Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if c.opts.RateLimitBodyMarker != "" && resp.StatusCode == http.StatusForbidden {
		return strings.Contains(string(resp.Body), c.opts.RateLimitBodyMarker)
	}
	return false
}

// rateLimitBackoff returns the exponential wait for a throttled attempt.
func (c *Client) rateLimitBackoff(attempt int) time.Duration {
	wait := c.opts.BaseDelay << uint(attempt)
	if wait > c.opts.MaxDelay {
		wait = c.opts.MaxDelay
	}
	return wait
}

// transientBackoff returns the shorter wait used for network and 5xx
// failures.
func (c *Client) transientBackoff(attempt int) time.Duration {
	wait := c.opts.BaseDelay * time.Duration(attempt+1)
	if wait > c.opts.MaxDelay {
		wait = c.opts.MaxDelay
	}
	return wait
}

// logAttempt records every attempt for compliance auditing.
func (c *Client) logAttempt(ctx context.Context, req Request, attempt, status int, outcome string, err error) {
	attrs := []any{
		slog.String("url", req.URL),
		slog.String("method", req.Method),
		slog.Int("attempt", attempt + 1),
		slog.String("outcome", outcome),
	}
	if status != 0 {
		attrs = append(attrs, slog.Int("status", status))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.DebugContext(ctx, "remote_request", attrs...)
}
