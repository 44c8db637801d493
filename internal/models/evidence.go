package models

import (
	"database/sql/driver"
	"strings"
	"time"

	"github.com/lib/pq"
)

// EvidenceType classifies the captured material.
type EvidenceType string

const (
	EvidenceTypePhoto    EvidenceType = "PHOTO"
	EvidenceTypeVideo    EvidenceType = "VIDEO"
	EvidenceTypeDocument EvidenceType = "DOCUMENT"
	EvidenceTypeAudio    EvidenceType = "AUDIO"
	EvidenceTypeOther    EvidenceType = "OTHER"
)

// EvidenceStatus is the lifecycle state of an evidence item.
type EvidenceStatus string

const (
	EvidenceStatusDraft        EvidenceStatus = "DRAFT"
	EvidenceStatusSubmitted    EvidenceStatus = "SUBMITTED"
	EvidenceStatusInReview     EvidenceStatus = "IN_REVIEW"
	EvidenceStatusApproved     EvidenceStatus = "APPROVED"
	EvidenceStatusRejected     EvidenceStatus = "REJECTED"
	EvidenceStatusNeedMoreInfo EvidenceStatus = "NEED_MORE_INFO"
	EvidenceStatusSealed       EvidenceStatus = "SEALED"
	EvidenceStatusArchived     EvidenceStatus = "ARCHIVED"
)

// ReviewDecision is the outcome recorded by a reviewer.
type ReviewDecision string

const (
	ReviewDecisionApproved     ReviewDecision = "APPROVED"
	ReviewDecisionRejected     ReviewDecision = "REJECTED"
	ReviewDecisionNeedMoreInfo ReviewDecision = "NEED_MORE_INFO"
)

// Hash algorithm identifiers.
const (
	HashSHA256     = "SHA-256"
	HashSHA1       = "SHA-1"
	HashMD5        = "MD5"
	HashBLAKE3     = "BLAKE3"
	HashBLAKE2b256 = "BLAKE2b-256"
)

// EvidenceHash is one digest computed at ingestion.
type EvidenceHash struct {
	Algorithm  string    `json:"algorithm" yaml:"algorithm"`
	Value      string    `json:"value" yaml:"value"`
	ComputedAt time.Time `json:"computedAt" yaml:"computedAt"`
	ComputedBy string    `json:"computedBy" yaml:"computedBy"`
}

// HashSet is the ordered set of digests of an evidence file.
type HashSet []EvidenceHash

// Value marshals the hash set to JSON for persistence.
func (h HashSet) Value() (driver.Value, error) {
	if h == nil {
		h = HashSet{}
	}
	return marshalJSONB([]EvidenceHash(h), "hash set")
}

// Scan unmarshals the JSONB hash set.
func (h *HashSet) Scan(value interface{}) error {
	*h = nil
	return scanJSONB(value, h, "hash set")
}

// Get returns the digest for algorithm, if present.
func (h HashSet) Get(algorithm string) (EvidenceHash, bool) {
	for _, hash := range h {
		if strings.EqualFold(hash.Algorithm, algorithm) {
			return hash, true
		}
	}
	return EvidenceHash{}, false
}

// Primary returns the SHA-256 value or an empty string.
func (h HashSet) Primary() string {
	if hash, ok := h.Get(HashSHA256); ok {
		return hash.Value
	}
	return ""
}

// GeoLocation is where the evidence was captured.
type GeoLocation struct {
	Latitude       float64  `json:"lat" yaml:"lat"`
	Longitude      float64  `json:"lng" yaml:"lng"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty" yaml:"accuracyMeters,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Address        string   `json:"address,omitempty" yaml:"address,omitempty"`
}

// Value marshals the location to JSON for persistence.
func (l GeoLocation) Value() (driver.Value, error) {
	return marshalJSONB(l, "location")
}

// Scan unmarshals the JSONB location.
func (l *GeoLocation) Scan(value interface{}) error {
	*l = GeoLocation{}
	return scanJSONB(value, l, "location")
}

// FileRef points at the stored artifact.
type FileRef struct {
	StorageKey      string   `json:"storageKey" yaml:"storageKey"`
	Filename        string   `json:"filename" yaml:"filename"`
	MimeType        string   `json:"mimeType" yaml:"mimeType"`
	SizeBytes       int64    `json:"sizeBytes" yaml:"sizeBytes"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty" yaml:"durationSeconds,omitempty"`
	PageCount       *int     `json:"pageCount,omitempty" yaml:"pageCount,omitempty"`
}

// Value marshals the file reference to JSON for persistence.
func (f FileRef) Value() (driver.Value, error) {
	return marshalJSONB(f, "file ref")
}

// Scan unmarshals the JSONB file reference.
func (f *FileRef) Scan(value interface{}) error {
	*f = FileRef{}
	return scanJSONB(value, f, "file ref")
}

// ReviewRecord captures reviewer assignment and decision.
type ReviewRecord struct {
	AssignedReviewerID string          `json:"assignedReviewerId,omitempty"`
	AssignedAt         *time.Time      `json:"assignedAt,omitempty"`
	Decision           *ReviewDecision `json:"decision,omitempty"`
	DecisionAt         *time.Time      `json:"decisionAt,omitempty"`
	DecisionReason     string          `json:"decisionReason,omitempty"`
	DecidedBy          string          `json:"decidedBy,omitempty"`
}

// Value marshals the review to JSON for persistence.
func (r ReviewRecord) Value() (driver.Value, error) {
	return marshalJSONB(r, "review record")
}

// Scan unmarshals the JSONB review.
func (r *ReviewRecord) Scan(value interface{}) error {
	*r = ReviewRecord{}
	return scanJSONB(value, r, "review record")
}

// EntityType names an external record evidence can be linked to.
type EntityType string

const (
	EntityCase       EntityType = "CASE"
	EntityTask       EntityType = "TASK"
	EntityPlan       EntityType = "PLAN"
	EntityStore      EntityType = "STORE"
	EntityInspection EntityType = "INSPECTION"
	EntityLead       EntityType = "LEAD"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCase, EntityTask, EntityPlan, EntityStore, EntityInspection, EntityLead:
		return true
	}
	return false
}

// EvidenceLink associates an item with an external entity.
type EvidenceLink struct {
	EntityType EntityType `json:"entityType" yaml:"entityType"`
	EntityID   string     `json:"entityId" yaml:"entityId"`
	LinkedAt   time.Time  `json:"linkedAt" yaml:"linkedAt"`
	LinkedBy   string     `json:"linkedBy" yaml:"linkedBy"`
}

// EvidenceLinks is persisted as a JSONB array.
type EvidenceLinks []EvidenceLink

// Value marshals the links to JSON for persistence.
func (l EvidenceLinks) Value() (driver.Value, error) {
	if l == nil {
		l = EvidenceLinks{}
	}
	return marshalJSONB([]EvidenceLink(l), "evidence links")
}

// Scan unmarshals the JSONB links.
func (l *EvidenceLinks) Scan(value interface{}) error {
	*l = nil
	return scanJSONB(value, l, "evidence links")
}

// Index returns the position of the link to entityType/entityID or -1.
func (l EvidenceLinks) Index(entityType EntityType, entityID string) int {
	for i, link := range l {
		if link.EntityType == entityType && link.EntityID == entityID {
			return i
		}
	}
	return -1
}

// EvidenceItem is the canonical evidence record.
type EvidenceItem struct {
	ID                 string          `db:"id" json:"evidenceId"`
	Type               EvidenceType    `db:"type" json:"type"`
	Source             string          `db:"source" json:"source"`
	CapturedAt         *time.Time      `db:"captured_at" json:"capturedAt,omitempty"`
	Location           *GeoLocation    `db:"location" json:"location,omitempty"`
	File               FileRef         `db:"file" json:"file"`
	SubmitterUserID    string          `db:"submitter_user_id" json:"submitterUserId"`
	SubmitterUnitID    string          `db:"submitter_unit_id" json:"submitterUnitId"`
	Hashes             HashSet         `db:"hashes" json:"hashes"`
	Status             EvidenceStatus  `db:"status" json:"status"`
	Review             *ReviewRecord   `db:"review" json:"review,omitempty"`
	Links              EvidenceLinks   `db:"links" json:"links"`
	Scope              string          `db:"scope" json:"scope,omitempty"`
	SensitivityLabel   string          `db:"sensitivity_label" json:"sensitivityLabel,omitempty"`
	Tags               pq.StringArray  `db:"tags" json:"tags"`
	Notes              string          `db:"notes" json:"notes,omitempty"`
	OriginalEvidenceID *string         `db:"original_evidence_id" json:"originalEvidenceId,omitempty"`
	DerivedVersionIDs  pq.StringArray  `db:"derived_version_ids" json:"derivedVersionIds"`
	DerivationReason   string          `db:"derivation_reason" json:"derivationReason,omitempty"`
	DerivedAt          *time.Time      `db:"derived_at" json:"derivedAt,omitempty"`
	DerivedBy          string          `db:"derived_by" json:"derivedBy,omitempty"`
	SealedAt           *time.Time      `db:"sealed_at" json:"sealedAt,omitempty"`
	SealedBy           string          `db:"sealed_by" json:"sealedBy,omitempty"`
	Version            int             `db:"version" json:"version"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// IsImmutable reports whether only lineage bookkeeping may still change.
func (e *EvidenceItem) IsImmutable() bool {
	return e.Status == EvidenceStatusSealed || e.Status == EvidenceStatusArchived
}

// MissingFields lists the required fields absent from the item, in a stable
// order, for completeness validation before submission.
func (e *EvidenceItem) MissingFields() []string {
	var missing []string
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(e.Source) == "" {
		missing = append(missing, "source")
	}
	if e.CapturedAt == nil || e.CapturedAt.IsZero() {
		missing = append(missing, "capturedAt")
	}
	if e.Location == nil {
		missing = append(missing, "location")
	}
	if e.File.StorageKey == "" {
		missing = append(missing, "file.storageKey")
	}
	if e.File.Filename == "" {
		missing = append(missing, "file.filename")
	}
	if e.File.MimeType == "" {
		missing = append(missing, "file.mimeType")
	}
	if e.File.SizeBytes <= 0 {
		missing = append(missing, "file.sizeBytes")
	}
	if e.SubmitterUserID == "" {
		missing = append(missing, "submitter.userId")
	}
	if e.SubmitterUnitID == "" {
		missing = append(missing, "submitter.unitId")
	}
	if len(e.Hashes) == 0 {
		missing = append(missing, "hashes")
	}
	return missing
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e *EvidenceItem) Clone() *EvidenceItem {
	if e == nil {
		return nil
	}
	out := *e
	out.CapturedAt = cloneTime(e.CapturedAt)
	if e.Location != nil {
		loc := *e.Location
		out.Location = &loc
	}
	if e.Review != nil {
		review := *e.Review
		review.AssignedAt = cloneTime(e.Review.AssignedAt)
		review.DecisionAt = cloneTime(e.Review.DecisionAt)
		if e.Review.Decision != nil {
			d := *e.Review.Decision
			review.Decision = &d
		}
		out.Review = &review
	}
	out.Hashes = append(HashSet(nil), e.Hashes...)
	out.Links = append(EvidenceLinks(nil), e.Links...)
	out.Tags = append(pq.StringArray(nil), e.Tags...)
	out.DerivedVersionIDs = append(pq.StringArray(nil), e.DerivedVersionIDs...)
	if e.OriginalEvidenceID != nil {
		id := *e.OriginalEvidenceID
		out.OriginalEvidenceID = &id
	}
	out.DerivedAt = cloneTime(e.DerivedAt)
	out.SealedAt = cloneTime(e.SealedAt)
	return &out
}

// EvidenceFilter narrows evidence listing queries.
type EvidenceFilter struct {
	Status     EvidenceStatus
	Type       EvidenceType
	UnitID     string
	Submitter  string
	EntityType EntityType
	EntityID   string
	Tag        string
	Page       int
	PageSize   int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
