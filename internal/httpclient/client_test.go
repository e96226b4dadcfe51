package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fundholdings/internal/errors"
	"fundholdings/internal/shared/testutil"
)

// fakeClock advances instantly and records every requested wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Clock = clock
	if opts.MinInterval == 0 {
		opts.MinInterval = time.Nanosecond
	}
	logger, _ := testutil.NewTestLogger(t)
	return New(opts, logger), clock
}

func TestExecute_Success(t *testing.T) {
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{
		Headers: map[string]string{"User-Agent": "GetFundHoldings.com admin@getfundholdings.com"},
	})

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "GetFundHoldings.com admin@getfundholdings.com", gotUserAgent)
}

func TestExecute_NotFoundIsNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, clock := newTestClient(t, Options{MaxRetries: 3})

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
	assert.Equal(t, 1, calls, "404 must not be retried")
	assert.Empty(t, clock.Sleeps())
}

func TestExecute_TooManyRequestsBacksOffThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data"))
	}))
	defer server.Close()

	client, clock := newTestClient(t, Options{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	})

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "data", string(resp.Body))
	assert.Equal(t, 3, calls)
	// Exponential: base<<0 then base<<1.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestExecute_RateLimitExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, clock := newTestClient(t, Options{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	})

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeRateLimited))
	assert.Len(t, clock.Sleeps(), 2)
}

func TestExecute_ForbiddenWithThresholdMarkerIsRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("<html>Request Rate Threshold Exceeded</html>"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, clock := newTestClient(t, Options{
		MaxRetries:          2,
		BaseDelay:           time.Second,
		RateLimitBodyMarker: "Request Rate Threshold Exceeded",
	})

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestExecute_PlainForbiddenIsNotRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("access denied"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{
		MaxRetries:          3,
		RateLimitBodyMarker: "Request Rate Threshold Exceeded",
	})

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNetwork))
	assert.Equal(t, 1, calls, "non-throttle 403 must not be retried")
}

func TestExecute_ServerErrorRetriesThenFails(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{MaxRetries: 2, BaseDelay: time.Second})

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeServer))
	assert.Equal(t, 3, calls)
}

func TestExecute_NetworkErrorSurfacesTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client, _ := newTestClient(t, Options{MaxRetries: 1, BaseDelay: time.Second})

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNetwork))
}

func TestExecute_PostReplaysBodyAcrossRetries(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		bodies = append(bodies, string(buf[:n]))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{MaxRetries: 1, BaseDelay: time.Second})

	resp, err := client.Post(context.Background(), server.URL, "application/json", []byte(`[{"idType":"ID_CUSIP"}]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1], "retry must resend the same body")
}

func TestExecute_ContextCancellationStopsBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	logger, _ := testutil.NewTestLogger(t)
	client := New(Options{
		MinInterval: time.Nanosecond,
		MaxRetries:  5,
		BaseDelay:   time.Second,
		Clock:       &cancellingClock{fakeClock: clock, cancel: cancel},
	}, logger)

	_, err := client.Get(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// cancellingClock cancels the context on the first sleep.
type cancellingClock struct {
	*fakeClock
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.once.Do(c.cancel)
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeClock.Sleep(ctx, d)
}

func TestExecute_MinIntervalEnforced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger, _ := testutil.NewTestLogger(t)
	client := New(Options{MinInterval: 50 * time.Millisecond}, logger)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
	}
	// Three requests through a burst-1 limiter need two full intervals.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
