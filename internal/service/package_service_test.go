package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
)

func zipEntries(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = content
	}
	return out
}

func TestPackageServiceItemsOrderingAndDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, second, third := h.createDraft(t), h.createDraft(t), h.createDraft(t)

	pkg, err := h.packages.CreatePackage(ctx, dto.CreatePackageRequest{Name: "Case 2026-041"}, inspector)
	require.NoError(t, err)
	assert.Equal(t, models.PackageStatusDraft, pkg.Status)
	assert.Equal(t, inspector.UnitID, pkg.OwnerUnitID)

	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: first.ID}, inspector)
	require.NoError(t, err)
	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: second.ID}, inspector)
	require.NoError(t, err)
	order := 1
	pkg, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: third.ID, Order: &order}, inspector)
	require.NoError(t, err)

	require.Len(t, pkg.Items, 3)
	assert.Equal(t, third.ID, pkg.Items[0].EvidenceID)
	assert.Equal(t, first.ID, pkg.Items[1].EvidenceID)
	assert.Equal(t, 3, pkg.Items[2].Order)

	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: first.ID}, inspector)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Contains(t, err.Error(), "evidence already in package")

	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: "missing"}, inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))

	pkg, err = h.packages.RemoveEvidence(ctx, pkg.ID, third.ID, inspector)
	require.NoError(t, err)
	require.Len(t, pkg.Items, 2)
	assert.Equal(t, 1, pkg.Items[0].Order)

	assert.Equal(t, []models.CustodyEventType{models.CustodyUpload, models.CustodyPackageAdd, models.CustodyPackageRemove}, h.history(t, third.ID))
}

func TestPackageServiceGenerateOnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusApproved)

	pkg, err := h.packages.CreatePackage(ctx, dto.CreatePackageRequest{Name: "handoff", IncludeMetadata: true, IncludeCustodyExcerpt: true}, inspector)
	require.NoError(t, err)
	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: item.ID}, inspector)
	require.NoError(t, err)

	generated, err := h.packages.Generate(ctx, pkg.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, models.PackageStatusGenerated, generated.Status)
	assert.Equal(t, 1, generated.ItemCount)
	assert.Equal(t, item.File.SizeBytes, generated.TotalSizeBytes)
	require.NotNil(t, generated.GeneratedAt)

	bundle := readBlob(t, h.blobs, generated.BundleKey)
	sum := sha256.Sum256(bundle)
	assert.Equal(t, hex.EncodeToString(sum[:]), generated.BundleSHA256)

	entries := zipEntries(t, bundle)
	require.Contains(t, entries, "manifest.yaml")
	require.Contains(t, entries, "custody.csv")
	assert.Len(t, entries, 3)

	var manifest bundleManifest
	require.NoError(t, yaml.Unmarshal(entries["manifest.yaml"], &manifest))
	require.Len(t, manifest.Items, 1)
	entry := manifest.Items[0]
	assert.Equal(t, item.ID, entry.EvidenceID)
	assert.Equal(t, item.Hashes.Primary(), entry.Hashes.Primary())
	require.NotNil(t, entry.Metadata)
	assert.Equal(t, models.EvidenceStatusApproved, entry.Metadata.Status)
	assert.Equal(t, readBlob(t, h.blobs, item.File.StorageKey), entries[entry.Path])

	_, err = h.packages.Generate(ctx, pkg.ID, reviewer)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition.Code))
	assert.Contains(t, err.Error(), "only DRAFT packages can be generated")

	_, err = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: h.createDraft(t).ID}, inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition.Code))

	stored, err := h.packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PackageStatusGenerated, stored.Status)
	assert.Equal(t, generated.Items, stored.Items)

	history := h.history(t, item.ID)
	assert.Equal(t, models.CustodyExport, history[len(history)-1])
}

func TestPackageServiceEncryptedBundle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.createDraft(t)

	_, err := h.packages.CreatePackage(ctx, dto.CreatePackageRequest{Name: "sealed", Encrypt: true}, inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	svc := NewPackageService(h.store.Packages(), h.store.Evidence(), h.store.Custody(), h.blobs, keylock.New(), nil, nil, nil, zap.NewNop(),
		PackageServiceConfig{Recipients: []age.Recipient{identity.Recipient()}})

	pkg, err := svc.CreatePackage(ctx, dto.CreatePackageRequest{Name: "sealed", Encrypt: true}, inspector)
	require.NoError(t, err)
	_, err = svc.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: item.ID}, inspector)
	require.NoError(t, err)
	generated, err := svc.Generate(ctx, pkg.ID, inspector)
	require.NoError(t, err)
	assert.True(t, generated.Encrypted)

	r, err := age.Decrypt(bytes.NewReader(readBlob(t, h.blobs, generated.BundleKey)), identity)
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	entries := zipEntries(t, plain)
	assert.Contains(t, entries, "manifest.yaml")
	assert.NotContains(t, entries, "custody.csv")
}

func TestPackageServiceGenerateEmptyPackage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pkg, err := h.packages.CreatePackage(ctx, dto.CreatePackageRequest{Name: "empty"}, inspector)
	require.NoError(t, err)

	_, err = h.packages.Generate(ctx, pkg.ID, inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	_, err = h.packages.Generate(ctx, "missing", inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestPackageServiceConcurrentAddKeepsOneCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.createDraft(t)
	pkg, err := h.packages.CreatePackage(ctx, dto.CreatePackageRequest{Name: "race"}, inspector)
	require.NoError(t, err)

	const workers = 20
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.packages.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: item.ID}, inspector)
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code), "got %v", err)
	}
	assert.Equal(t, 1, successes)

	stored, err := h.packages.Get(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, 1, stored.ItemCount)

	adds := 0
	for _, eventType := range h.history(t, item.ID) {
		if eventType == models.CustodyPackageAdd {
			adds++
		}
	}
	assert.Equal(t, 1, adds)
}

type exportFailingCustody struct {
	custodyStore
}

func (c exportFailingCustody) Append(ctx context.Context, event *models.CustodyEvent) error {
	if event.EventType == models.CustodyExport {
		return errors.New("ledger unavailable")
	}
	return c.custodyStore.Append(ctx, event)
}

func TestPackageServiceGenerateCountsMissingCustody(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.createDraft(t)
	audit := NewAuditEmitter(h.store.Audit(), h.metrics, zap.NewNop())
	svc := NewPackageService(h.store.Packages(), h.store.Evidence(), exportFailingCustody{h.store.Custody()}, h.blobs, keylock.New(), audit, h.metrics, nil, zap.NewNop(), PackageServiceConfig{})

	pkg, err := svc.CreatePackage(ctx, dto.CreatePackageRequest{Name: "ledger down"}, inspector)
	require.NoError(t, err)
	_, err = svc.AddEvidence(ctx, pkg.ID, dto.AddPackageItemRequest{EvidenceID: item.ID}, inspector)
	require.NoError(t, err)

	generated, err := svc.Generate(ctx, pkg.ID, inspector)
	require.NoError(t, err)
	assert.Equal(t, models.PackageStatusGenerated, generated.Status)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().CustodyWriteFailures)

	var payload models.JSONMap
	for _, event := range h.store.Audit().Events() {
		if event.Action == models.AuditPackageGenerated {
			payload = event.Payload
		}
	}
	require.NotNil(t, payload)
	assert.Equal(t, []string{item.ID}, payload["custodyMissing"])
}
