// Package fetch retrieves JSON documents from the upstream catalog through a
// proxy pool, backing off on rate limiting and rotating proxies on failure.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/proxy"
)

const (
	defaultMaxAttempts    = 10
	defaultRateLimitDelay = 500 * time.Millisecond
	defaultTimeout        = 3 * time.Second
	defaultUserAgent      = "Mozilla/5.0 (compatible; vinskraper/1.0)"
	maxBodyBytes          = 32 << 20
)

// Policy bounds the retry loop of a single Get.
type Policy struct {
	// MaxAttempts is the total attempt budget, 429 retries included.
	MaxAttempts int
	// RateLimitDelay is slept before retrying the same proxy after a 429.
	RateLimitDelay time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		RateLimitDelay: defaultRateLimitDelay,
		Timeout:        defaultTimeout,
	}
}

// Response is a successfully decoded upstream answer.
type Response struct {
	Body     json.RawMessage
	Proxy    proxy.Proxy
	Attempts int
}

// Pool is the proxy source consulted by Get.
type Pool interface {
	Next() (proxy.Proxy, error)
	Rotate(failed proxy.Proxy) (proxy.Proxy, error)
}

// TransportFactory builds the round tripper used for one proxy.
type TransportFactory func(proxy.Proxy) (http.RoundTripper, error)

type runtimeConfig struct {
	policy    Policy
	userAgent string
	transport TransportFactory
	sleep     func(context.Context, time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithPolicy overrides the retry policy. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(f *Fetcher) {
		if p.MaxAttempts > 0 {
			f.cfg.policy.MaxAttempts = p.MaxAttempts
		}
		if p.RateLimitDelay > 0 {
			f.cfg.policy.RateLimitDelay = p.RateLimitDelay
		}
		if p.Timeout > 0 {
			f.cfg.policy.Timeout = p.Timeout
		}
	}
}

// WithLimiter throttles every attempt through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithMetrics records attempt outcomes and rotations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLogger sets the fetcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = l.With().Str("component", "fetch").Logger() }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.cfg.userAgent = ua
		}
	}
}

// WithTransportFactory replaces proxy.NewTransport.
func WithTransportFactory(tf TransportFactory) Option {
	return func(f *Fetcher) {
		if tf != nil {
			f.cfg.transport = tf
		}
	}
}

// WithSleep replaces the context-aware sleep used between 429 retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) {
		if sleep != nil {
			f.cfg.sleep = sleep
		}
	}
}

// Fetcher issues GET requests. It is safe for concurrent use.
type Fetcher struct {
	cfg     runtimeConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	clients sync.Map // proxy key -> *http.Client
}

// New creates a fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg: runtimeConfig{
			policy:    DefaultPolicy(),
			userAgent: defaultUserAgent,
			transport: func(p proxy.Proxy) (http.RoundTripper, error) { return proxy.NewTransport(p) },
			sleep:     sleepWithContext,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Policy returns the effective retry policy.
func (f *Fetcher) Policy() Policy { return f.cfg.policy }

// Get fetches target with params, starting from the proxy the pool hands out.
func (f *Fetcher) Get(ctx context.Context, target string, params url.Values, pool Pool) (Response, error) {
	start, err := pool.Next()
	if err != nil {
		return Response{}, &ExhaustedError{URL: target, Pool: err}
	}
	return f.GetVia(ctx, start, target, params, pool)
}

type state int

const (
	stateAttempting state = iota
	stateBackoff
	stateRotating
	stateExhausted
)

// GetVia is Get with an explicit first proxy.
func (f *Fetcher) GetVia(ctx context.Context, start proxy.Proxy, target string, params url.Values, pool Pool) (Response, error) {
	endpoint, err := buildURL(target, params)
	if err != nil {
		return Response{}, err
	}

	var (
		current  = start
		attempts int
		last     error
		poolErr  error
		st       = stateAttempting
	)
	for {
		switch st {
		case stateAttempting:
			if attempts >= f.cfg.policy.MaxAttempts {
				st = stateExhausted
				continue
			}
			attempts++
			body, attemptErr := f.attempt(ctx, current, endpoint)
			if attemptErr == nil {
				f.metrics.ObserveFetch(metrics.OutcomeOK)
				return Response{Body: body, Proxy: current, Attempts: attempts}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, ctxErr
			}
			last = attemptErr

			var transient *TransientError
			if errors.As(attemptErr, &transient) {
				f.metrics.ObserveFetch(transient.Kind)
			}
			if transient.RateLimited() {
				st = stateBackoff
			} else {
				st = stateRotating
			}

		case stateBackoff:
			if attempts >= f.cfg.policy.MaxAttempts {
				st = stateExhausted
				continue
			}
			if err := f.cfg.sleep(ctx, f.cfg.policy.RateLimitDelay); err != nil {
				return Response{}, err
			}
			st = stateAttempting

		case stateRotating:
			if attempts >= f.cfg.policy.MaxAttempts {
				st = stateExhausted
				continue
			}
			next, rotateErr := pool.Rotate(current)
			if rotateErr != nil {
				poolErr = rotateErr
				st = stateExhausted
				continue
			}
			f.metrics.ObserveRotation()
			f.logger.Debug().
				Str("url", endpoint).
				Str("failed", current.String()).
				Str("next", next.String()).
				Err(last).
				Msg("rotating proxy")
			current = next
			st = stateAttempting

		case stateExhausted:
			return Response{}, &ExhaustedError{URL: endpoint, Attempts: attempts, Last: last, Pool: poolErr}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, p proxy.Proxy, endpoint string) (json.RawMessage, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	client, err := f.client(p)
	if err != nil {
		return nil, &TransientError{Kind: KindTransport, Proxy: p.String(), Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.cfg.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientError{Kind: KindTransport, Proxy: p.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Proxy: p.String()}
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{Kind: KindStatus, StatusCode: resp.StatusCode, Proxy: p.String()}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Kind: KindTransport, Proxy: p.String(), Err: fmt.Errorf("reading body: %w", err)}
	}
	if !json.Valid(body) {
		return nil, &TransientError{Kind: KindMalformed, StatusCode: resp.StatusCode, Proxy: p.String(), Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

func (f *Fetcher) client(p proxy.Proxy) (*http.Client, error) {
	key := p.Key()
	if cached, ok := f.clients.Load(key); ok {
		return cached.(*http.Client), nil
	}
	rt, err := f.cfg.transport(p)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: rt}
	actual, _ := f.clients.LoadOrStore(key, client)
	return actual.(*http.Client), nil
}

func buildURL(target string, params url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", target, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			q.Del(key)
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
