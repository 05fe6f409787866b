// Package apiclient is the outbound HTTP client for the platform API. It
// injects the bearer credential, refreshes it once when the API reports it
// expired, and routes every call through a circuit breaker with retries.
package apiclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"pagehook/internal/types"
)

// RetryPolicy bounds retries of 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// Transport sends requests through a circuit breaker, retrying 429 and 5xx
// responses with backoff. Any other status, 401 included, is returned to the
// caller untouched.
type Transport struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    RetryPolicy
	userAgent string
	sleep     func(time.Duration)
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithSleep replaces time.Sleep between retries.
func WithSleep(fn func(time.Duration)) TransportOption {
	return func(t *Transport) { t.sleep = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) TransportOption {
	return func(t *Transport) { t.breaker = cb }
}

// NewTransport creates a Transport. A nil httpClient uses a client with a
// 15 second timeout.
func NewTransport(httpClient *http.Client, name string, policy RetryPolicy, userAgent string, opts ...TransportOption) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	t := &Transport{
		client:    httpClient,
		policy:    policy,
		userAgent: userAgent,
		sleep:     time.Sleep,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do sends req. The caller closes the response body.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + t.policy.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		rewindBody(req, body)

		resp, err := t.breaker.Execute(func() (*http.Response, error) {
			r, err := t.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if req.Context().Err() != nil {
			break
		}
		if attempt < attempts-1 {
			t.sleep(t.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, mapTransportError(lastResp, lastErr)
}

// snapshotBody reads the body once so it can be replayed on every attempt.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
	}
	return data, nil
}

func rewindBody(req *http.Request, body []byte) {
	if body == nil {
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// backoff honours Retry-After (seconds) and otherwise jitters between
// MinWait and MinWait*2^attempt, capped at MaxWait.
func (t *Transport) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			return min(time.Duration(s)*time.Second, t.policy.MaxWait)
		}
	}
	lo := float64(t.policy.MinWait)
	hi := math.Min(lo*math.Pow(2, float64(attempt)), float64(t.policy.MaxWait))
	if hi <= lo {
		return t.policy.MinWait
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

func mapTransportError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "api circuit open", err)
	}
	if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "api rate limit exceeded", err)
		}
		if resp.StatusCode >= 500 {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("api returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "api request failed", err)
}
