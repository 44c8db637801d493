package models

import (
	"database/sql/driver"
	"sort"
	"time"
)

// PackageStatus is the lifecycle state of an evidence package.
type PackageStatus string

const (
	PackageStatusDraft     PackageStatus = "DRAFT"
	PackageStatusGenerated PackageStatus = "GENERATED"
)

// PackageItem is one ordered entry of a package.
type PackageItem struct {
	EvidenceID string    `json:"evidenceId" yaml:"evidenceId"`
	Order      int       `json:"order" yaml:"order"`
	AddedAt    time.Time `json:"addedAt" yaml:"addedAt"`
	AddedBy    string    `json:"addedBy" yaml:"addedBy"`
}

// PackageItems is persisted as a JSONB array sorted by Order.
type PackageItems []PackageItem

// Value marshals the items to JSON for persistence.
func (p PackageItems) Value() (driver.Value, error) {
	if p == nil {
		p = PackageItems{}
	}
	return marshalJSONB([]PackageItem(p), "package items")
}

// Scan unmarshals the JSONB items.
func (p *PackageItems) Scan(value interface{}) error {
	*p = nil
	return scanJSONB(value, p, "package items")
}

// EvidencePackage groups evidence items for hand-off.
type EvidencePackage struct {
	ID                    string        `db:"id" json:"packageId"`
	Name                  string        `db:"name" json:"name"`
	OwnerUnitID           string        `db:"owner_unit_id" json:"ownerUnitId"`
	Status                PackageStatus `db:"status" json:"status"`
	Items                 PackageItems  `db:"items" json:"items"`
	IncludeMetadata       bool          `db:"include_metadata" json:"includeMetadata"`
	IncludeCustodyExcerpt bool          `db:"include_custody_excerpt" json:"includeCustodyExcerpt"`
	Encrypted             bool          `db:"encrypted" json:"encrypted"`
	BundleKey             string        `db:"bundle_key" json:"bundleKey,omitempty"`
	BundleSHA256          string        `db:"bundle_sha256" json:"bundleSha256,omitempty"`
	ItemCount             int           `db:"item_count" json:"itemCount"`
	TotalSizeBytes        int64         `db:"total_size_bytes" json:"totalSizeBytes"`
	GeneratedAt           *time.Time    `db:"generated_at" json:"generatedAt,omitempty"`
	GeneratedBy           string        `db:"generated_by" json:"generatedBy,omitempty"`
	CreatedBy             string        `db:"created_by" json:"createdBy"`
	Version               int           `db:"version" json:"version"`
	CreatedAt             time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updatedAt"`
}

// HasEvidence reports whether evidenceID is already in the package.
func (p *EvidencePackage) HasEvidence(evidenceID string) bool {
	for _, item := range p.Items {
		if item.EvidenceID == evidenceID {
			return true
		}
	}
	return false
}

// InsertItem places item at the 1-based position order, or appends when order
// is nil or past the end, then renumbers so orders stay contiguous.
func (p *EvidencePackage) InsertItem(item PackageItem, order *int) {
	items := p.sortedItems()
	pos := len(items)
	if order != nil && *order >= 1 && *order <= len(items) {
		pos = *order - 1
	}
	items = append(items, PackageItem{})
	copy(items[pos+1:], items[pos:])
	items[pos] = item
	p.Items = renumber(items)
}

// RemoveItem drops evidenceID from the package and renumbers.
func (p *EvidencePackage) RemoveItem(evidenceID string) bool {
	items := p.sortedItems()
	for i, item := range items {
		if item.EvidenceID == evidenceID {
			p.Items = renumber(append(items[:i], items[i+1:]...))
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *EvidencePackage) Clone() *EvidencePackage {
	if p == nil {
		return nil
	}
	out := *p
	out.Items = append(PackageItems(nil), p.Items...)
	out.GeneratedAt = cloneTime(p.GeneratedAt)
	return &out
}

func (p *EvidencePackage) sortedItems() PackageItems {
	items := append(PackageItems(nil), p.Items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items
}

func renumber(items PackageItems) PackageItems {
	for i := range items {
		items[i].Order = i + 1
	}
	return items
}
