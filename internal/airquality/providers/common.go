package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// BackoffConfig controls retry behaviour. Transient failures (transport
// errors, 5xx) are retried MaxRetries times with exponential backoff; a
// 429 is retried once after RateLimitDelay.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RateLimitDelay  time.Duration
}

// DefaultBackoff retries a transient failure once.
var DefaultBackoff = BackoffConfig{
	MaxRetries:      1,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	RateLimitDelay:  5 * time.Second,
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// Option configures a provider.
type Option func(*settings)

type settings struct {
	baseURL  string
	backoff  BackoffConfig
	throttle time.Duration
	clock    clockwork.Clock
	metrics  *metrics.Metrics
}

func defaultSettings(baseURL string) settings {
	return settings{
		baseURL:  baseURL,
		backoff:  DefaultBackoff,
		throttle: time.Second,
		clock:    clockwork.NewRealClock(),
	}
}

// WithBaseURL points the provider at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(s *settings) {
		if u != "" {
			s.baseURL = u
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b BackoffConfig) Option {
	return func(s *settings) { s.backoff = b }
}

// WithThrottle sets the gap between requests issued within one partition.
func WithThrottle(d time.Duration) Option {
	return func(s *settings) { s.throttle = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func newCircuitBreaker(source airquality.Source, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	log := logging.Component("providers")
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(source),
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		// A rejected credential is a configuration problem, not upstream
		// ill health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, airquality.ErrUnauthorized)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			m.BreakerState(name, to == gobreaker.StateOpen)
		},
	})
}

// doRequestWithResilience executes the HTTP request through the circuit
// breaker. 401/403 fail immediately with airquality.ErrUnauthorized; a 429
// waits RateLimitDelay and is retried once; transport errors and 5xx are
// retried with exponential backoff; other statuses fail immediately.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var (
		attempt     int
		rateLimited bool
	)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		// Ensure the request obeys context cancellation.
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			code := resp.StatusCode
			if code >= 200 && code < 300 {
				return resp, nil
			}
			discard(resp)

			switch {
			case code == http.StatusUnauthorized || code == http.StatusForbidden:
				return nil, fmt.Errorf("%w: status %d", airquality.ErrUnauthorized, code)
			case code == http.StatusTooManyRequests:
				return nil, errRateLimited
			case code >= 500:
				return nil, fmt.Errorf("%w: %d", errServerError, code)
			default:
				return nil, fmt.Errorf("%w: %d", errUnexpected, code)
			}
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		var delay time.Duration
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		case errors.Is(err, airquality.ErrUnauthorized), errors.Is(err, errUnexpected):
			return nil, err
		case errors.Is(err, errRateLimited):
			if rateLimited {
				return nil, fmt.Errorf("%w: still limited after waiting %s", airquality.ErrRateLimited, cfg.Backoff.RateLimitDelay)
			}
			rateLimited = true
			delay = cfg.Backoff.RateLimitDelay
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= cfg.Backoff.MaxRetries {
				return nil, err
			}
			delay = cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
			if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
				delay = cfg.Backoff.MaxInterval
			}
			attempt++
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			// continue to next attempt
		}
	}
}

// discard drains and closes a response body so the connection can be
// reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// containsPollutant reports whether filter admits p; an empty filter
// admits everything.
func containsPollutant(filter []airquality.Pollutant, p airquality.Pollutant) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == p {
			return true
		}
	}
	return false
}
