package executor

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RetryConfig defines retry behaviour for executor API calls.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig retries rate limiting and gateway errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 502, 503, 504},
	}
}

// Delay returns the backoff before retry attempt (0-based), with ±25% jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

func (c RetryConfig) retryStatus(code int) bool {
	for _, s := range c.RetryableStatus {
		if s == code {
			return true
		}
	}
	return false
}

// RetryableHTTPClient wraps an http.Client with retries and rate limiting.
type RetryableHTTPClient struct {
	Client  *http.Client
	Retry   RetryConfig
	Limiter *rate.Limiter
}

// NewRetryableHTTPClient creates a client allowing requestsPerSecond calls
// with a burst of one.
func NewRetryableHTTPClient(client *http.Client, requestsPerSecond float64) *RetryableHTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &RetryableHTTPClient{
		Client:  client,
		Retry:   DefaultRetryConfig(),
		Limiter: rate.NewLimiter(limit, 1),
	}
}

// Do executes req, retrying transport errors and retryable status codes.
// Requests with a body must set GetBody so they can be replayed.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		clone := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = body
		}

		resp, err := c.Client.Do(clone)
		switch {
		case err != nil:
			lastErr = err
		case c.Retry.retryStatus(resp.StatusCode) && attempt < c.Retry.MaxRetries:
			resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode}
		default:
			return resp, nil
		}
		if attempt == c.Retry.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := c.Retry.Delay(attempt)
		log.Debug().Err(lastErr).Int("attempt", attempt+1).Dur("delay", delay).
			Str("url", req.URL.String()).Msg("request failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return http.StatusText(e.Code) + ": " + e.Body
	}
	return http.StatusText(e.Code)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
