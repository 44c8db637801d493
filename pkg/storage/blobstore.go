package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BlobStore is the object store used for evidence files, package bundles and
// export artifacts. Keys are opaque to callers; download URLs are HMAC signed
// and resolved back through the /files/:token route.
type BlobStore struct {
	local   *LocalStorage
	signer  *SignedURLSigner
	baseURL string
	now     func() time.Time
}

// NewBlobStore wires a local directory with a URL signer. baseURL is the
// public prefix of the file download route, e.g. https://host/api/v1/files.
func NewBlobStore(local *LocalStorage, signer *SignedURLSigner, baseURL string) *BlobStore {
	return &BlobStore{
		local:   local,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Put stores data under a freshly minted key derived from name.
func (b *BlobStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := b.newKey(name)
	if err := b.local.Save(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns a reader for the object at key.
func (b *BlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.local.Open(key)
}

// Read loads the full object at key.
func (b *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes the object at key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.local.Delete(key)
}

// Size reports the stored size of key in bytes.
func (b *BlobStore) Size(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.local.Size(key)
}

// PublicURL returns a time-limited download URL for key.
func (b *BlobStore) PublicURL(key string) (string, time.Time, error) {
	token, expiresAt, err := b.signer.Sign("blob", key)
	if err != nil {
		return "", time.Time{}, err
	}
	return b.baseURL + "/" + token, expiresAt, nil
}

// ResolveToken validates a download token and returns the object key it grants.
func (b *BlobStore) ResolveToken(token string) (string, error) {
	_, key, err := b.signer.Verify(token)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (b *BlobStore) newKey(name string) string {
	now := b.now().UTC()
	base := unsafeNameChars.ReplaceAllString(path.Base(strings.ReplaceAll(name, "\\", "/")), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "object"
	}
	if len(base) > 96 {
		base = base[len(base)-96:]
	}
	return fmt.Sprintf("%04d/%02d/%s/%s", now.Year(), now.Month(), uuid.NewString(), base)
}
