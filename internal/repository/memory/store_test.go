package memory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
)

func TestEvidenceSaveIsAllOrNothing(t *testing.T) {
	store := NewStore()
	repo := store.Evidence()
	ctx := context.Background()

	item := &models.EvidenceItem{
		Type:   models.EvidenceTypePhoto,
		Status: models.EvidenceStatusDraft,
		Hashes: models.HashSet{{Algorithm: models.HashSHA256, Value: "aa"}},
	}
	require.NoError(t, repo.Save(ctx, repository.ChangeSet{
		Inserts: []*models.EvidenceItem{item},
		Events:  []*models.CustodyEvent{{EventType: models.CustodyUpload}},
	}))
	require.NotEmpty(t, item.ID)

	stale := item.Clone()
	fresh := item.Clone()
	fresh.Status = models.EvidenceStatusSubmitted
	require.NoError(t, repo.Save(ctx, repository.ChangeSet{Updates: []*models.EvidenceItem{fresh}}))
	assert.Equal(t, 2, fresh.Version)

	stale.Status = models.EvidenceStatusArchived
	err := repo.Save(ctx, repository.ChangeSet{
		Updates: []*models.EvidenceItem{stale},
		Events:  []*models.CustodyEvent{{EvidenceID: item.ID, EventType: models.CustodyArchive}},
	})
	require.ErrorIs(t, err, repository.ErrVersionConflict)

	stored, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusSubmitted, stored.Status)

	events, err := store.Custody().ListByEvidence(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, events, "rolled back change set must not leave custody events")
}

func TestEvidenceUpdateKeepsHashesAndFile(t *testing.T) {
	store := NewStore()
	repo := store.Evidence()
	ctx := context.Background()

	item := &models.EvidenceItem{
		Status: models.EvidenceStatusDraft,
		File:   models.FileRef{StorageKey: "k1"},
		Hashes: models.HashSet{{Algorithm: models.HashSHA256, Value: "aa"}},
	}
	require.NoError(t, repo.Save(ctx, repository.ChangeSet{Inserts: []*models.EvidenceItem{item}}))

	item.Hashes = models.HashSet{{Algorithm: models.HashSHA256, Value: "bb"}}
	item.File.StorageKey = "k2"
	item.Notes = "checked"
	require.NoError(t, repo.Save(ctx, repository.ChangeSet{Updates: []*models.EvidenceItem{item}}))

	stored, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "aa", stored.Hashes.Primary())
	assert.Equal(t, "k1", stored.File.StorageKey)
	assert.Equal(t, "checked", stored.Notes)
}

func TestEvidenceGetReturnsCopiesAndNotFound(t *testing.T) {
	store := NewStore()
	repo := store.Evidence()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	require.True(t, errors.Is(err, sql.ErrNoRows))

	item := &models.EvidenceItem{Tags: []string{"a"}}
	require.NoError(t, repo.Save(ctx, repository.ChangeSet{Inserts: []*models.EvidenceItem{item}}))
	item.Tags[0] = "mutated"

	stored, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Tags[0])
}

func TestEvidenceListFiltersAndPaginates(t *testing.T) {
	store := NewStore()
	repo := store.Evidence()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		item := &models.EvidenceItem{
			SubmitterUnitID: "unit-1",
			Status:          models.EvidenceStatusDraft,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if i%2 == 0 {
			item.Links = models.EvidenceLinks{{EntityType: models.EntityCase, EntityID: "case-1"}}
		}
		require.NoError(t, repo.Save(ctx, repository.ChangeSet{Inserts: []*models.EvidenceItem{item}}))
	}

	items, total, err := repo.List(ctx, models.EvidenceFilter{EntityType: models.EntityCase, EntityID: "case-1", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.True(t, items[0].CreatedAt.After(items[1].CreatedAt))

	items, _, err = repo.List(ctx, models.EvidenceFilter{Page: 9, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCustodySequenceIsStrictlyIncreasingUnderConcurrency(t *testing.T) {
	store := NewStore()
	ledger := store.Custody()
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ledger.Append(ctx, &models.CustodyEvent{EvidenceID: "ev-1", EventType: models.CustodyVerify, Timestamp: at})
		}()
	}
	wg.Wait()

	events, err := ledger.ListByEvidence(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestCustodyListRangeIsHalfOpen(t *testing.T) {
	store := NewStore()
	ledger := store.Custody()
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{day.Add(-time.Second), day, day.Add(12 * time.Hour), day.Add(24 * time.Hour)} {
		require.NoError(t, ledger.Append(ctx, &models.CustodyEvent{EvidenceID: "ev-1", EventType: models.CustodyLink, Timestamp: ts}))
	}
	to := day.Add(24 * time.Hour)
	events, err := ledger.List(ctx, models.CustodyFilter{From: &day, To: &to})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Equal(day))
}

func TestPackageUpdateDetectsStaleVersion(t *testing.T) {
	store := NewStore()
	repo := store.Packages()
	ctx := context.Background()

	pkg := &models.EvidencePackage{Name: "p", OwnerUnitID: "unit-1", Status: models.PackageStatusDraft}
	require.NoError(t, repo.Create(ctx, pkg))

	first, err := repo.GetByID(ctx, pkg.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, pkg.ID)
	require.NoError(t, err)

	first.InsertItem(models.PackageItem{EvidenceID: "ev-1"}, nil)
	require.NoError(t, repo.Update(ctx, first))

	second.InsertItem(models.PackageItem{EvidenceID: "ev-1"}, nil)
	require.ErrorIs(t, repo.Update(ctx, second), repository.ErrVersionConflict)

	stored, err := repo.GetByID(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1)
}

func TestExportTransitionAndDownloads(t *testing.T) {
	store := NewStore()
	repo := store.Exports()
	ctx := context.Background()

	job := &models.ExportJob{Type: models.ExportTypePackage}
	require.NoError(t, repo.Create(ctx, job))

	_, err := repo.IncrementDownload(ctx, job.ID, time.Now())
	require.True(t, errors.Is(err, sql.ErrNoRows))

	size := int64(10)
	updated, err := repo.Transition(ctx, job.ID, []models.ExportStatus{models.ExportStatusQueued},
		repository.UpdateExportJobParams{Status: models.ExportStatusCompleted, FileSizeBytes: &size})
	require.NoError(t, err)
	assert.Equal(t, size, updated.FileSizeBytes)

	_, err = repo.Transition(ctx, job.ID, []models.ExportStatus{models.ExportStatusQueued},
		repository.UpdateExportJobParams{Status: models.ExportStatusFailed})
	require.True(t, errors.Is(err, sql.ErrNoRows))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.IncrementDownload(ctx, job.ID, time.Now())
		}()
	}
	wg.Wait()

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), stored.DownloadCount)
	assert.NotNil(t, stored.LastDownloadedAt)
}
