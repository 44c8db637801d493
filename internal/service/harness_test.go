package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository/memory"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
	"github.com/noah-isme/msa-evidence-api/pkg/storage"
)

var (
	inspector = models.Actor{UserID: "u-inspector", UnitID: "unit-hn", Role: models.RoleInspector}
	reviewer  = models.Actor{UserID: "u-reviewer", UnitID: "unit-hn", Role: models.RoleReviewer}
	admin     = models.Actor{UserID: "u-admin", UnitID: "unit-hq", Role: models.RoleAdmin}
)

type failingSink struct{}

func (failingSink) Emit(context.Context, *models.AuditEvent) error {
	return errors.New("audit sink unavailable")
}

type harness struct {
	store      *memory.Store
	local      *storage.LocalStorage
	blobs      *storage.BlobStore
	metrics    *MetricsService
	engine     *StatusEngine
	evidence   *EvidenceService
	review     *ReviewService
	derivation *DerivationService
	custody    *CustodyService
	packages   *PackageService
	exports    *ExportService
}

func newHarness(t *testing.T, sink AuditSink) *harness {
	t.Helper()
	store := memory.NewStore()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	blobs := storage.NewBlobStore(local, storage.NewSignedURLSigner("test-secret", time.Minute), "http://localhost/api/v1/files")
	hasher, err := hashing.NewEngine([]string{models.HashSHA256, models.HashSHA1, models.HashMD5})
	require.NoError(t, err)

	if sink == nil {
		sink = store.Audit()
	}
	logger := zap.NewNop()
	metrics := NewMetricsService()
	audit := NewAuditEmitter(sink, metrics, logger)
	locks := keylock.New()
	engine := NewStatusEngine(store.Evidence(), locks, audit, metrics, nil, logger)
	cfg := EvidenceServiceConfig{MaxFileSize: 4 << 20, AllowedMIMEs: []string{"image/jpeg", "application/pdf"}}
	custody := NewCustodyService(store.Custody(), audit, logger)
	packages := NewPackageService(store.Packages(), store.Evidence(), store.Custody(), blobs, locks, audit, metrics, nil, logger, PackageServiceConfig{})

	return &harness{
		store:      store,
		local:      local,
		blobs:      blobs,
		metrics:    metrics,
		engine:     engine,
		evidence:   NewEvidenceService(store.Evidence(), store.Custody(), engine, hasher, blobs, audit, nil, metrics, nil, logger, cfg),
		review:     NewReviewService(engine),
		derivation: NewDerivationService(engine, hasher, blobs, audit, metrics, logger, cfg),
		custody:    custody,
		packages:   packages,
		exports:    NewExportService(store.Exports(), store.Packages(), store.Evidence(), nil, blobs, audit, metrics, nil, logger),
	}
}

func jpegUpload(content string) EvidenceUpload {
	return EvidenceUpload{
		Filename: "storefront.jpg",
		MimeType: "image/jpeg",
		Size:     int64(len(content)),
		Content:  strings.NewReader(content),
	}
}

func completeRequest() dto.CreateEvidenceRequest {
	lat, lng := 21.0285, 105.8542
	captured := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return dto.CreateEvidenceRequest{
		Type:       models.EvidenceTypePhoto,
		Source:     "mobile",
		CapturedAt: &captured,
		Location:   &dto.LocationRequest{Latitude: &lat, Longitude: &lng},
		Tags:       []string{"Counterfeit", "counterfeit ", "shoes"},
	}
}

func (h *harness) createDraft(t *testing.T) *models.EvidenceItem {
	t.Helper()
	item, err := h.evidence.Create(context.Background(), completeRequest(), jpegUpload("jpeg-bytes-"+t.Name()), inspector)
	require.NoError(t, err)
	return item
}

// advance moves a fresh item through the workflow up to target.
func (h *harness) advance(t *testing.T, target models.EvidenceStatus) *models.EvidenceItem {
	t.Helper()
	ctx := context.Background()
	item := h.createDraft(t)
	steps := []struct {
		status models.EvidenceStatus
		run    func() (*models.EvidenceItem, error)
	}{
		{models.EvidenceStatusSubmitted, func() (*models.EvidenceItem, error) {
			return h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{}, inspector)
		}},
		{models.EvidenceStatusInReview, func() (*models.EvidenceItem, error) {
			return h.review.StartReview(ctx, item.ID, dto.StartReviewRequest{}, reviewer)
		}},
		{models.EvidenceStatusApproved, func() (*models.EvidenceItem, error) {
			return h.review.Approve(ctx, item.ID, dto.DecisionRequest{Reason: "Chất lượng đạt yêu cầu"}, reviewer)
		}},
		{models.EvidenceStatusSealed, func() (*models.EvidenceItem, error) {
			return h.review.Seal(ctx, item.ID, dto.SealRequest{}, reviewer)
		}},
	}
	if target == models.EvidenceStatusDraft {
		return item
	}
	for _, step := range steps {
		var err error
		item, err = step.run()
		require.NoError(t, err)
		if step.status == target {
			return item
		}
	}
	t.Fatalf("unsupported target %s", target)
	return nil
}

func (h *harness) history(t *testing.T, id string) []models.CustodyEventType {
	t.Helper()
	events, err := h.evidence.History(context.Background(), id)
	require.NoError(t, err)
	types := make([]models.CustodyEventType, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func readBlob(t *testing.T, blobs *storage.BlobStore, key string) []byte {
	t.Helper()
	data, err := blobs.Read(context.Background(), key)
	require.NoError(t, err)
	return data
}

func bytesUpload(name, mime string, data []byte) EvidenceUpload {
	return EvidenceUpload{Filename: name, MimeType: mime, Size: int64(len(data)), Content: bytes.NewReader(data)}
}
