package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/marketharvest/internal/ratelimit"
)

func newTestTransport(t *testing.T, maxRetries int) *transport {
	t.Helper()
	limiter := ratelimit.New("test", 10000)
	log := logrus.WithField("test", t.Name())
	return newTransport(limiter, 5*time.Second, maxRetries, log)
}

func TestGetJSONSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/openInterest", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","openInterest":"12345.67"}`))
	}))
	defer server.Close()

	tr := newTestTransport(t, 3)

	var out struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
	}
	err := tr.getJSON(context.Background(), server.URL, "/fapi/v1/openInterest",
		map[string][]string{"symbol": {"BTCUSDT"}}, 1, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "12345.67", out.OpenInterest)
}

func TestGetJSONRetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tr := newTestTransport(t, 3)

	var out struct {
		OK bool `json:"ok"`
	}
	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, 3, calls)
}

func TestGetJSONExhaustsRetryCeiling(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := newTestTransport(t, 2)

	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	// initial attempt plus two retries
	assert.Equal(t, 3, calls)
}

func TestGetJSONDefinitiveNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	tr := newTestTransport(t, 3)

	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, nil)
	require.Error(t, err)
	assert.True(t, IsDefinitive(err))
	assert.Equal(t, 1, calls)
}

func TestGetJSONHonorsRetryAfter(t *testing.T) {
	var calls int
	var gap time.Duration
	var first time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap = time.Since(first)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tr := newTestTransport(t, 3)

	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, gap, time.Second)
}

func TestGetJSONTeapotTreatedAsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	tr := newTestTransport(t, 0)

	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, nil)
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindRateLimited, fe.Kind)
	assert.Equal(t, defaultRetryAfter, fe.RetryAfter)
}

func TestGetJSONContextCancelDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	tr := newTestTransport(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.getJSON(ctx, server.URL, "/x", nil, 1, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGetJSONMalformedBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated`))
	}))
	defer server.Close()

	tr := newTestTransport(t, 0)

	var out map[string]interface{}
	err := tr.getJSON(context.Background(), server.URL, "/x", nil, 1, nil, &out)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
