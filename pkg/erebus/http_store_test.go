package erebus

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func TestHTTPStore_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bucket/202401-capitalbikeshare-tripdata.zip":
			_, _ = w.Write([]byte("zipbytes"))
		case "/bucket/private.zip":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store, err := NewHTTPStore(srv.URL+"/bucket/", WithSleepFunc(noSleep))
	require.NoError(t, err)
	ctx := context.Background()

	rc, err := store.Get(ctx, ArchiveKey(2024, time.January))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "zipbytes", string(data))

	_, err = store.Get(ctx, ArchiveKey(2030, time.January))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "private.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(ctx, ArchiveKey(2024, time.January))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "nope.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, store.Put(ctx, "k", strings.NewReader("x")), ErrReadOnly)
	assert.ErrorIs(t, store.Delete(ctx, "k"), ErrReadOnly)
}

func TestHTTPStore_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var slept []time.Duration
	store, err := NewHTTPStore(srv.URL, WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }))
	require.NoError(t, err)

	rc, err := store.Get(context.Background(), "a.zip")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, slept, 2)
}

func TestHTTPStore_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var slept []time.Duration
	store, err := NewHTTPStore(srv.URL,
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 5 * time.Second}),
		WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }),
	)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "a.zip")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestHTTPStore_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := NewHTTPStore(srv.URL,
		WithRetryPolicy(RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond}),
		WithSleepFunc(noSleep),
	)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, _ = store.Get(context.Background(), "a.zip")
	}
	// the breaker trips after six consecutive failures
	assert.Equal(t, int32(6), calls.Load())
}
