package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/researchroom/internal/record"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c, err := NewClient(Options{
		BaseURL:         url,
		APIKey:          "anon-key",
		DisableRealtime: true,
		HTTPClient:      http.DefaultClient,
		Logger:          slog.Default(),
	})
	require.NoError(t, err)

	c.sleepFunc = noopSleep

	return c
}

func TestNewClient_RequiresURLAndKey(t *testing.T) {
	_, err := NewClient(Options{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Options{BaseURL: "https://x.supabase.co"})
	assert.Error(t, err)

	_, err = NewClient(Options{BaseURL: "not a url", APIKey: "k"})
	assert.Error(t, err)
}

func TestNewClient_DerivesRealtimeURL(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "https://abc.supabase.co/", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket", c.RealtimeURL())

	c, err = NewClient(Options{BaseURL: "http://localhost:54321", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:54321/realtime/v1/websocket", c.RealtimeURL())

	c, err = NewClient(Options{BaseURL: "http://localhost:54321", APIKey: "k", DisableRealtime: true})
	require.NoError(t, err)
	assert.Empty(t, c.RealtimeURL())
}

func TestDo_SendsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.do(context.Background(), request{method: http.MethodGet, path: "/rest/v1/rooms"})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_RetriesServerErrorsAndResendsBody(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body))

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.do(context.Background(), request{method: http.MethodPost, path: "/x", body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustedRetriesIsRemoteUnavailable(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("sb-request-id", "req-1")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream down"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.do(context.Background(), request{method: http.MethodGet, path: "/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrRemoteUnavailable)
	assert.Equal(t, int32(maxRetries+1), calls.Load())

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusBadGateway, rerr.StatusCode)
	assert.Equal(t, "req-1", rerr.RequestID)
	assert.Equal(t, "upstream down", rerr.Message)
}

func TestDo_ClassifiesClientErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, record.ErrPermission},
		{http.StatusForbidden, record.ErrPermission},
		{http.StatusNotFound, record.ErrNotFound},
		{http.StatusNotAcceptable, record.ErrNotFound},
		{http.StatusBadRequest, record.ErrInvalidInput},
		{http.StatusConflict, record.ErrInvalidInput},
		{http.StatusUnprocessableEntity, record.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)

			_, err := c.do(context.Background(), request{method: http.MethodGet, path: "/x"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
		})
	}
}

func TestDo_NetworkErrorIsRemoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)

	_, err := c.do(context.Background(), request{method: http.MethodGet, path: "/x"})
	assert.ErrorIs(t, err, record.ErrRemoteUnavailable)
}

func TestDo_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.sleepFunc = timeSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.do(ctx, request{method: http.MethodGet, path: "/x"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRetryBackoff_HonorsRetryAfter(t *testing.T) {
	c := newTestClient(t, "http://localhost")

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"7"}}}
	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))

	for attempt := range 10 {
		d := c.calcBackoff(attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
		assert.Positive(t, d)
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad column", errorMessage([]byte(`{"message":"bad column"}`)))
	assert.Equal(t, "bad column (try x)", errorMessage([]byte(`{"message":"bad column","hint":"try x"}`)))
	assert.Equal(t, "nope", errorMessage([]byte(`{"error":"nope"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text")))
}
