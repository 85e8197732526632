package erebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// DefaultTripBaseURL serves the public trip archives over HTTPS.
const DefaultTripBaseURL = "https://s3.amazonaws.com/capitalbikeshare-data"

type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// HTTPStore is a read-only Store over plain HTTP GET. Requests go through a
// circuit breaker and are retried on 429 and 5xx.
type HTTPStore struct {
	baseURL     string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	sleepFn     func(time.Duration)
}

type HTTPStoreOption func(*HTTPStore)

func WithHTTPClient(c *http.Client) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.client = c
	}
}

func WithRetryPolicy(p RetryPolicy) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.retryPolicy = p
	}
}

// WithSleepFunc replaces the sleep between retries; tests use it to skip delays.
func WithSleepFunc(fn func(time.Duration)) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.sleepFn = fn
	}
}

func NewHTTPStore(baseURL string, opts ...HTTPStoreOption) (*HTTPStore, error) {
	if baseURL == "" {
		baseURL = DefaultTripBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	s := &HTTPStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 5 * time.Minute},
		retryPolicy: DefaultRetryPolicy(),
		sleepFn:     time.Sleep,
	}
	s.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "erebus-http",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *HTTPStore) url(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *HTTPStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

func (s *HTTPStore) Put(ctx context.Context, key string, r io.Reader) error {
	return ErrReadOnly
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	return ErrReadOnly
}

// do returns a 2xx response or an error. 403 and 404 map to ErrNotFound.
func (s *HTTPStore) do(ctx context.Context, method, key string) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + s.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, s.url(key), nil)
		if err != nil {
			return nil, err
		}

		resp, err := s.breaker.Execute(func() (*http.Response, error) {
			r, doErr := s.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			switch {
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
			case resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, fmt.Errorf("GET %s: unexpected status %d", key, resp.StatusCode)
			}
			return resp, nil
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
			lastResp = nil
		}
		lastResp = resp

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			s.sleepFn(s.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("fetch %s failed after retries: %w", key, lastErr)
}

// computeBackoff honours Retry-After, otherwise uses exponential backoff with
// jitter clamped to [MinWait, MaxWait].
func (s *HTTPStore) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, s.retryPolicy.MaxWait)
			}
		}
	}

	base := float64(s.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(s.retryPolicy.MaxWait))
	minWait := float64(s.retryPolicy.MinWait)
	if base <= minWait {
		return s.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}
