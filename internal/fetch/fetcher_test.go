package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/proxy"
)

const proxyHeader = "X-Test-Proxy"

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return fn(req) }

// taggingTransport sends every request straight to the test server and tags
// it with the proxy host it would have used.
func taggingTransport(base http.RoundTripper) TransportFactory {
	return func(p proxy.Proxy) (http.RoundTripper, error) {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set(proxyHeader, p.Host)
			return base.RoundTrip(req)
		}), nil
	}
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return nil
}

func newPool(t *testing.T, policy proxy.Policy, hosts ...string) *proxy.Pool {
	t.Helper()
	proxies := make([]proxy.Proxy, 0, len(hosts))
	for _, host := range hosts {
		proxies = append(proxies, proxy.Proxy{Scheme: proxy.SchemeHTTP, Host: host, Port: "8080"})
	}
	pool, err := proxy.NewPool(proxies, policy, true)
	require.NoError(t, err)
	return pool
}

func newTestFetcher(srv *httptest.Server, sleeper *sleepRecorder, opts ...Option) *Fetcher {
	base := append([]Option{
		WithTransportFactory(taggingTransport(srv.Client().Transport)),
		WithSleep(sleeper.sleep),
	}, opts...)
	return New(base...)
}

func TestGet_SuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "2", r.URL.Query().Get("currentPage"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(srv, &sleepRecorder{})
	resp, err := f.Get(context.Background(), srv.URL+"/search", url.Values{"currentPage": {"2"}}, newPool(t, proxy.SinglePass, "10.0.0.1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "10.0.0.1", resp.Proxy.Host)
}

func TestGet_RotatesUntilLastProxySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get(proxyHeader) != "10.0.0.4" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	f := newTestFetcher(srv, &sleepRecorder{}, WithMetrics(metrics.New(reg)))
	pool := newPool(t, proxy.SinglePass, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")

	resp, err := f.Get(context.Background(), srv.URL, nil, pool)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", resp.Proxy.Host)
	assert.Equal(t, 4, resp.Attempts)
	assert.Equal(t, int32(4), calls.Load())

	// The pool stays on the working proxy for later requests.
	next, err := pool.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", next.Host)
}

func TestGet_RateLimitedRetriesSameProxy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "10.0.0.1", r.Header.Get(proxyHeader))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	f := newTestFetcher(srv, sleeper)
	resp, err := f.Get(context.Background(), srv.URL, nil, newPool(t, proxy.SinglePass, "10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "10.0.0.1", resp.Proxy.Host)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.calls)
}

func TestGet_BudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(srv, &sleepRecorder{}, WithPolicy(Policy{MaxAttempts: 3}))
	_, err := f.Get(context.Background(), srv.URL, nil, newPool(t, proxy.Cyclic, "10.0.0.1", "10.0.0.2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.NotErrorIs(t, err, proxy.ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, KindStatus, transient.Kind)
	assert.Equal(t, http.StatusInternalServerError, transient.StatusCode)
}

func TestGet_SinglePassPoolRunsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	f := newTestFetcher(srv, &sleepRecorder{})
	_, err := f.Get(context.Background(), srv.URL, nil, newPool(t, proxy.SinglePass, "10.0.0.1", "10.0.0.2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, proxy.ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, KindMalformed, transient.Kind)
}

func TestGet_ExhaustedPoolBeforeFirstAttempt(t *testing.T) {
	pool := newPool(t, proxy.SinglePass, "10.0.0.1")
	only, err := pool.Next()
	require.NoError(t, err)
	_, err = pool.Rotate(only)
	require.ErrorIs(t, err, proxy.ErrExhausted)

	f := New()
	_, err = f.Get(context.Background(), "http://127.0.0.1/unused", nil, pool)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, proxy.ErrExhausted)
}

func TestGet_TransportFactoryErrorRotates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	good := taggingTransport(srv.Client().Transport)
	f := New(WithTransportFactory(func(p proxy.Proxy) (http.RoundTripper, error) {
		if p.Host == "bad" {
			return nil, errors.New("no route")
		}
		return good(p)
	}))

	resp, err := f.Get(context.Background(), srv.URL, nil, newPool(t, proxy.SinglePass, "bad", "good"))
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Proxy.Host)
}

func TestGet_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := newTestFetcher(srv, &sleepRecorder{}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := f.Get(ctx, srv.URL, nil, newPool(t, proxy.Cyclic, "10.0.0.1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestBuildURL_MergesParams(t *testing.T) {
	got, err := buildURL("https://example.test/search?searchType=product", url.Values{"q": {"123:relevance"}})
	require.NoError(t, err)

	parsed, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "product", parsed.Query().Get("searchType"))
	assert.Equal(t, "123:relevance", parsed.Query().Get("q"))
}
