// Package rest is the JSON-over-HTTP client shared by the market data and execution adapters:
// rate limited, retried with exponential backoff on transport errors, 429 and 5xx.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryWait  = 500 * time.Millisecond
)

// Signer returns extra headers for one request. It runs on every attempt so timestamps stay fresh.
type Signer func(method, path string, body []byte) (map[string]string, error)

// StatusError is a non-retried 4xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Options tune a Client. Zero values fall back to the defaults.
type Options struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	MaxRetries int
	RetryWait  time.Duration
	Signer     Signer
}

// Client talks JSON to one base URL.
type Client struct {
	http       *http.Client
	base       string
	limiter    *rate.Limiter
	maxRetries int
	retryWait  time.Duration
	signer     Signer
}

// New creates a Client for base.
func New(base string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = DefaultRetryWait
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		base:       base,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		maxRetries: opts.MaxRetries,
		retryWait:  opts.RetryWait,
		signer:     opts.Signer,
	}
}

// Base returns the base URL.
func (c *Client) Base() string { return c.base }

// Get decodes the JSON answer of GET base+path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the answer into out (which may be nil).
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Do runs one request with rate limiting and retries.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal body: %w", err)
		}
		payload = b
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rest: rate limiter: %w", err)
		}

		status, respBody, err := c.once(ctx, method, path, payload)
		switch {
		case err != nil:
			if ctx.Err() != nil || attempt == c.maxRetries {
				return fmt.Errorf("rest: %s %s failed after %d retries: %w", method, path, attempt, err)
			}
		case status == http.StatusTooManyRequests:
			slog.Warn("rest: rate limited by remote", "path", path, "attempt", attempt+1)
			if attempt == c.maxRetries {
				return &StatusError{Code: status, Body: string(respBody)}
			}
		case status >= 500:
			if attempt == c.maxRetries {
				return fmt.Errorf("rest: server error %d after %d retries: %s", status, c.maxRetries, respBody)
			}
		case status >= 400:
			return &StatusError{Code: status, Body: string(respBody)}
		default:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("rest: decode response: %w", err)
				}
			}
			return nil
		}
		c.sleep(ctx, attempt)
	}
	return fmt.Errorf("rest: exhausted %d retries", c.maxRetries)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		headers, err := c.signer(method, path, payload)
		if err != nil {
			return 0, nil, fmt.Errorf("sign: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// sleep waits retryWait·2^attempt or until ctx ends.
func (c *Client) sleep(ctx context.Context, attempt int) {
	t := time.NewTimer(c.retryWait << attempt)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
