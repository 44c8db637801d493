package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
)

type blobStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) (string, time.Time, error)
}

// EvidenceUpload carries the uploaded file and its declared metadata.
type EvidenceUpload struct {
	Filename string
	MimeType string
	Size     int64
	Content  io.Reader
}

type ingested struct {
	key    string
	hashes models.HashSet
	size   int64
	mime   string
}

// ingestor hashes an upload in a single pass while buffering it, then hands
// the bytes to the blob store.
type ingestor struct {
	hasher  *hashing.Engine
	blobs   blobStore
	metrics *MetricsService
	logger  *zap.Logger
	maxSize int64
	mimeSet map[string]struct{}
}

func newIngestor(hasher *hashing.Engine, blobs blobStore, metrics *MetricsService, logger *zap.Logger, maxSize int64, allowed []string) *ingestor {
	if maxSize <= 0 {
		maxSize = 200 * 1024 * 1024
	}
	set := make(map[string]struct{}, len(allowed))
	for _, mt := range allowed {
		set[normalizeMIME(mt)] = struct{}{}
	}
	return &ingestor{hasher: hasher, blobs: blobs, metrics: metrics, logger: logger, maxSize: maxSize, mimeSet: set}
}

func (in *ingestor) validate(upload EvidenceUpload) error {
	if upload.Content == nil {
		return appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if strings.TrimSpace(upload.Filename) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "file name is required")
	}
	if upload.Size > in.maxSize {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", in.maxSize))
	}
	if len(in.mimeSet) > 0 {
		if _, ok := in.mimeSet[normalizeMIME(upload.MimeType)]; !ok {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "file type is not allowed"),
				map[string]interface{}{"mimeType": upload.MimeType})
		}
	}
	return nil
}

// store reads the upload to EOF. Nothing is written to the blob store unless
// every digest was computed.
func (in *ingestor) store(ctx context.Context, upload EvidenceUpload, computedBy string) (*ingested, error) {
	start := time.Now()
	var buf bytes.Buffer
	limited := io.LimitReader(upload.Content, in.maxSize+1)
	hashes, size, err := in.hasher.Compute(io.TeeReader(limited, &buf), computedBy)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to read and hash upload")
	}
	if size == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}
	if size > in.maxSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", in.maxSize))
	}
	key, err := in.blobs.Put(ctx, upload.Filename, buf.Bytes())
	if err != nil {
		return nil, appErrors.Transient(err, "failed to store evidence file")
	}
	in.metrics.ObserveHashing(size, time.Since(start))
	return &ingested{key: key, hashes: hashes, size: size, mime: normalizeMIME(upload.MimeType)}, nil
}

// discard removes a blob whose item was never persisted.
func (in *ingestor) discard(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := in.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		in.logger.Warn("failed to remove orphaned evidence blob", zap.String("storage_key", key), zap.Error(err))
	}
}

func normalizeMIME(raw string) string {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return mediaType
}
