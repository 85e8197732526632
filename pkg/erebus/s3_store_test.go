package erebus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style GET/HEAD/DELETE for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	denied  map[string]bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.bucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[key] {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<Error><Code>AccessDenied</Code></Error>`))
		return
	}

	switch r.Method {
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			}
			return
		}
		http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(data))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{
		bucket:  DefaultTripBucket,
		objects: map[string][]byte{"202401-capitalbikeshare-tripdata.zip": []byte("zip bytes")},
		denied:  map[string]bool{"202512-capitalbikeshare-tripdata.zip": true},
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	store, err := NewS3Store(context.Background(), S3Config{Endpoint: srv.URL})
	require.NoError(t, err)
	return store, fake
}

func TestS3Store_GetAndExists(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestS3Store(t)

	ok, err := store.Exists(ctx, "202401-capitalbikeshare-tripdata.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Get(ctx, "202401-capitalbikeshare-tripdata.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "zip bytes", string(data))
}

func TestS3Store_MissingObjects(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestS3Store(t)

	ok, err := store.Exists(ctx, "209901-capitalbikeshare-tripdata.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "209901-capitalbikeshare-tripdata.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	// anonymous reads of unknown keys are denied rather than not found
	_, err = store.Get(ctx, "202512-capitalbikeshare-tripdata.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_Delete(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestS3Store(t)

	require.NoError(t, store.Delete(ctx, "202401-capitalbikeshare-tripdata.zip"))
	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()
}
