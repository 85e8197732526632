package erebus

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "2024/202401.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "2024/202401.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "2024/202401.zip", strings.NewReader("payload")))

	ok, err = store.Exists(ctx, "2024/202401.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Get(ctx, "2024/202401.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(ctx, "2024/202401.zip"))
	require.NoError(t, store.Delete(ctx, "2024/202401.zip"), "deleting a missing key is not an error")
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside", "/etc/passwd", "", "a/../../b"} {
		err := store.Put(context.Background(), key, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
