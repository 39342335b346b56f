// Package transport is the client end of the HTTP sync protocol. Client
// implements session.Remote against a syncd server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxRetries is the maximum number of retry attempts for rate limited requests
	MaxRetries = 3

	// DefaultBackoff is the initial backoff duration for exponential backoff
	DefaultBackoff = 1 * time.Second
)

// StatusError is an HTTP failure without a sync error envelope, such as a
// proxy error or a rejected token
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client
type Config struct {
	BaseURL string
	// Token is sent as a bearer token. Without one the client runs in dev
	// mode and names itself with DebugReplica.
	Token        string
	DebugReplica string
	HTTPClient   *http.Client
	// Backoff is the first wait after a 429 without Retry-After
	Backoff time.Duration
}

// Client wraps http.Client with authentication and retry logic
// Automatically injects:
// - Authorization: Bearer <token> (production) OR X-Debug-Replica (dev mode)
// - X-Correlation-ID: <uuid>
//
// 429 Too Many Requests is retried, respecting Retry-After.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	token        string
	debugReplica string
	backoff      time.Duration
}

// New creates a new authenticated client
func New(cfg Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   cfg.HTTPClient,
		token:        cfg.Token,
		debugReplica: cfg.DebugReplica,
		backoff:      cfg.Backoff,
	}
	if c.httpClient == nil {
		// calls are bounded by the caller's context
		c.httpClient = &http.Client{}
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	return c
}

// request is one call; the body is kept so it can be re-sent on retry
type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	header      http.Header
}

// do executes a request with auth headers and 429 retries. Responses with a
// status of 400 or above are returned as errors.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	correlationID := uuid.New().String()
	logger := log.Ctx(ctx).With().
		Str("method", req.method).
		Str("path", req.path).
		Str("correlationId", correlationID).
		Logger()

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, req, correlationID, &logger, attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 400 {
			return resp, nil
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= MaxRetries {
			return nil, decodeError(resp)
		}
		if err := c.waitRateLimit(ctx, resp, &logger, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, req request, correlationID string, logger *zerolog.Logger, attempt int) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.header {
		hr.Header[k] = v
	}
	if req.contentType != "" {
		hr.Header.Set("Content-Type", req.contentType)
	}
	hr.Header.Set("X-Correlation-ID", correlationID)
	if c.token != "" {
		hr.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.debugReplica != "" {
		hr.Header.Set(auth.DebugReplicaHeader, c.debugReplica)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(hr)
	duration := time.Since(start)
	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("retryCount", attempt).
		Msg("HTTP request completed")
	return resp, nil
}

// waitRateLimit sleeps for Retry-After, or an exponential backoff without it
func (c *Client) waitRateLimit(ctx context.Context, resp *http.Response, logger *zerolog.Logger, attempt int) error {
	resp.Body.Close()
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	if retryAfter == 0 {
		retryAfter = c.backoff * time.Duration(1<<attempt)
	}

	logger.Warn().
		Dur("retryAfter", retryAfter).
		Int("retryCount", attempt).
		Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
		Msg("Rate limited - backing off")

	t := time.NewTimer(retryAfter)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeError turns a failed response into the server's *syncx.Error, or a
// *StatusError when the body is not an envelope
func decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var se syncx.Error
	if json.Unmarshal(data, &se) == nil && se.Kind != "" {
		return &se
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// doJSON sends in as JSON and decodes the response into out
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req := request{method: method, path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.body = b
		req.contentType = "application/json"
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sessionPath(sessionID string, rest ...string) string {
	p := "/v1/sync/sessions/" + url.PathEscape(sessionID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
