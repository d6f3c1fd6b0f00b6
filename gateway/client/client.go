// Package client sends signed requests to routes behind the replay guard.
// Every attempt, including retries, carries a fresh timestamp and nonce.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reqguard/gateway/auth"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	maxResponseBytes   = 4 << 20
)

type Config struct {
	BaseURL     string
	Secret      string
	Digest      auth.Digest
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger

	// RetryNonIdempotent lets POST, PUT, PATCH and DELETE retry on any 5xx or
	// transport error. Off by default: those retry only on 503 or when the
	// connection was never established.
	RetryNonIdempotent bool
}

type Client struct {
	base        *url.URL
	signer      *auth.Signer
	http        *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryUnsafe bool
	sleep       func(context.Context, time.Duration) error
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestID returns the correlation id the gateway attaches to rejections.
func (r *Response) RequestID() string { return r.Header.Get(auth.HeaderRequestID) }

// StatusError reports a non-2xx response that was not retried, or the last
// one after retries ran out.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	if id := e.Response.RequestID(); id != "" {
		return fmt.Sprintf("unexpected status %d (request id %s)", e.Response.StatusCode, id)
	}
	return fmt.Sprintf("unexpected status %d", e.Response.StatusCode)
}

func New(cfg Config, opts ...auth.SignerOption) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute")
	}
	if cfg.Digest != "" {
		opts = append([]auth.SignerOption{auth.WithSignerDigest(cfg.Digest)}, opts...)
	}
	signer, err := auth.NewSigner(cfg.Secret, opts...)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		base:        base,
		signer:      signer,
		http:        httpClient,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		retryUnsafe: cfg.RetryNonIdempotent,
		sleep:       sleepContext,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	return c, nil
}

// DoJSON marshals payload (nil sends no body) and sends it signed.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = encoded
	}
	return c.Do(ctx, method, path, body, "application/json")
}

// Do sends body to path with exponential backoff; each attempt is signed
// again. Safe methods retry on transport errors and 5xx responses. Other
// methods retry only on 503 and dial failures unless RetryNonIdempotent is set,
// since the upstream may already have applied the request.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, contentType string) (*Response, error) {
	target := c.base.ResolveReference(&url.URL{Path: path})
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.attempt(ctx, method, target.String(), body, contentType)
		switch {
		case err == nil && resp.StatusCode < 300:
			return resp, nil
		case err == nil && resp.StatusCode < 500:
			return resp, &StatusError{Response: resp}
		case err == nil:
			lastErr = &StatusError{Response: resp}
			if !c.retryable(method, resp.StatusCode, nil) {
				return resp, lastErr
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			lastErr = err
			if !c.retryable(method, 0, err) {
				return nil, fmt.Errorf("signed request failed: %w", err)
			}
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoffDuration(attempt)
		c.logger.Debug("retrying signed request", "path", path, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) {
		return statusErr.Response, lastErr
	}
	return nil, fmt.Errorf("signed request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// retryable reports whether a 5xx status or transport error may be retried.
func (c *Client) retryable(method string, status int, err error) bool {
	if c.retryUnsafe || isSafeMethod(method) {
		return true
	}
	if err != nil {
		return isDialError(err)
	}
	return status == http.StatusServiceUnavailable
}

func isSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// isDialError reports failures that happened before any request bytes left
// the client.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if _, err := c.signer.SignRequest(req, body); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > c.maxDelay || d <= 0 {
		return c.maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
