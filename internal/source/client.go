package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseSize caps how much of a platform response is decoded (10MB).
const maxResponseSize = 10 * 1024 * 1024

const userAgent = "CatalogSyncer/1.0"

// ClientConfig holds the outbound HTTP settings shared by all adapters.
type ClientConfig struct {
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RequestFunc builds a fresh request for every attempt so bodies can be resent.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Client performs platform API calls with per-host rate limiting and bounded
// retry with exponential backoff on transient failures.
type Client struct {
	httpClient     *http.Client
	limit          rate.Limit
	burst          int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limit:          limit,
		burst:          burst,
		maxAttempts:    maxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Do sends the request built by newReq and decodes a successful JSON body into
// out (when non-nil). Authentication and other client errors fail immediately;
// rate limiting, timeouts and server errors are retried until MaxAttempts is
// reached, after which the error wraps ErrRetriesExhausted.
func (c *Client) Do(ctx context.Context, newReq RequestFunc, out any) (http.Header, error) {
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var header http.Header
		var retryAfter time.Duration
		header, retryAfter, err = c.doOnce(ctx, newReq, out)
		if err == nil {
			return header, nil
		}

		if !isRetryable(err) {
			return nil, err
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		if retryAfter > backoff {
			backoff = min(retryAfter, c.maxBackoff)
		}
		c.logger.Warn("platform request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxAttempts, err)
}

func (c *Client) doOnce(ctx context.Context, newReq RequestFunc, out any) (http.Header, time.Duration, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if err := c.limiter(req.URL.Host).Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, 0, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, 0, fmt.Errorf("%w: HTTP %d", ErrRequestFailed, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			return nil, 0, fmt.Errorf("%w: decode response: %v", ErrInvalidResponse, err)
		}
	}

	return resp.Header, 0, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[host] = l
	}
	return l
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
