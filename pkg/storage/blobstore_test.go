package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewBlobStore(local, NewSignedURLSigner("secret", time.Minute), "http://localhost/api/v1/files/")
}

func TestBlobStorePutReadDelete(t *testing.T) {
	store := newTestBlobStore(t)
	ctx := context.Background()

	key, err := store.Put(ctx, "../../etc/passwd photo.jpg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(key, "/passwd_photo.jpg"), key)
	assert.NotContains(t, key, "..")

	data, err := store.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Read(ctx, key)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestBlobStorePublicURLRoundTrip(t *testing.T) {
	store := newTestBlobStore(t)
	key, err := store.Put(context.Background(), "report.pdf", []byte("%PDF"))
	require.NoError(t, err)

	url, expiresAt, err := store.PublicURL(key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost/api/v1/files/"))
	assert.True(t, expiresAt.After(time.Now()))

	token := strings.TrimPrefix(url, "http://localhost/api/v1/files/")
	resolved, err := store.ResolveToken(token)
	require.NoError(t, err)
	assert.Equal(t, key, resolved)
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.ErrorIs(t, local.Save("../outside", []byte("x")), ErrInvalidKey)
	_, err = local.Open("/etc/passwd")
	require.ErrorIs(t, err, ErrInvalidKey)
}
