package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeItem() *EvidenceItem {
	captured := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &EvidenceItem{
		ID:              "ev-1",
		Type:            EvidenceTypePhoto,
		Source:          "MOBILE_CAPTURE",
		CapturedAt:      &captured,
		Location:        &GeoLocation{Latitude: 21.02, Longitude: 105.84},
		File:            FileRef{StorageKey: "k", Filename: "a.jpg", MimeType: "image/jpeg", SizeBytes: 10},
		SubmitterUserID: "u-1",
		SubmitterUnitID: "unit-1",
		Hashes:          HashSet{{Algorithm: HashSHA256, Value: "ab"}},
		Status:          EvidenceStatusDraft,
	}
}

func TestMissingFields(t *testing.T) {
	item := completeItem()
	assert.Empty(t, item.MissingFields())

	item.Location = nil
	item.Hashes = nil
	assert.Equal(t, []string{"location", "hashes"}, item.MissingFields())
}

func TestCloneDoesNotAlias(t *testing.T) {
	item := completeItem()
	item.Tags = []string{"a"}
	decision := ReviewDecisionApproved
	item.Review = &ReviewRecord{Decision: &decision}

	clone := item.Clone()
	clone.Tags[0] = "b"
	clone.Location.Latitude = 0
	*clone.Review.Decision = ReviewDecisionRejected
	clone.DerivedVersionIDs = append(clone.DerivedVersionIDs, "ev-2")

	assert.Equal(t, "a", item.Tags[0])
	assert.Equal(t, 21.02, item.Location.Latitude)
	assert.Equal(t, ReviewDecisionApproved, *item.Review.Decision)
	assert.Empty(t, item.DerivedVersionIDs)
}

func TestIsImmutable(t *testing.T) {
	item := completeItem()
	assert.False(t, item.IsImmutable())
	item.Status = EvidenceStatusSealed
	assert.True(t, item.IsImmutable())
	item.Status = EvidenceStatusArchived
	assert.True(t, item.IsImmutable())
}

func TestHashSetScanRoundTrip(t *testing.T) {
	set := HashSet{{Algorithm: HashSHA256, Value: "abc"}, {Algorithm: HashMD5, Value: "def"}}
	raw, err := set.Value()
	require.NoError(t, err)

	var scanned HashSet
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, "abc", scanned.Primary())
	md5, ok := scanned.Get("md5")
	require.True(t, ok)
	assert.Equal(t, "def", md5.Value)
}

func TestPackageInsertAndRemoveRenumber(t *testing.T) {
	pkg := &EvidencePackage{}
	pkg.InsertItem(PackageItem{EvidenceID: "a"}, nil)
	pkg.InsertItem(PackageItem{EvidenceID: "b"}, nil)
	first := 1
	pkg.InsertItem(PackageItem{EvidenceID: "c"}, &first)
	tooFar := 10
	pkg.InsertItem(PackageItem{EvidenceID: "d"}, &tooFar)

	ids := make([]string, 0, len(pkg.Items))
	for i, item := range pkg.Items {
		ids = append(ids, item.EvidenceID)
		assert.Equal(t, i+1, item.Order)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids)
	assert.True(t, pkg.HasEvidence("b"))

	require.True(t, pkg.RemoveItem("a"))
	assert.False(t, pkg.RemoveItem("a"))
	assert.Equal(t, "b", pkg.Items[1].EvidenceID)
	assert.Equal(t, 2, pkg.Items[1].Order)
}
