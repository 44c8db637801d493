package dto

import (
	"time"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// LocationRequest carries capture coordinates.
type LocationRequest struct {
	Latitude       *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Longitude      *float64 `json:"lng" validate:"required,min=-180,max=180"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty" validate:"omitempty,min=0"`
	Confidence     *float64 `json:"confidence,omitempty" validate:"omitempty,min=0,max=1"`
	Address        string   `json:"address,omitempty"`
}

// Model converts the request into the stored location.
func (l *LocationRequest) Model() *models.GeoLocation {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return nil
	}
	return &models.GeoLocation{
		Latitude:       *l.Latitude,
		Longitude:      *l.Longitude,
		AccuracyMeters: l.AccuracyMeters,
		Confidence:     l.Confidence,
		Address:        l.Address,
	}
}

// LinkRequest references an external entity.
type LinkRequest struct {
	EntityType models.EntityType `json:"entityType" form:"entityType" validate:"required"`
	EntityID   string            `json:"entityId" form:"entityId" validate:"required,max=128"`
}

// CreateEvidenceRequest is the metadata part of POST /evidence. Source,
// capture time and location may be filled later while the item is a draft.
type CreateEvidenceRequest struct {
	Type             models.EvidenceType `json:"type" validate:"required,oneof=PHOTO VIDEO DOCUMENT AUDIO OTHER"`
	Source           string              `json:"source" validate:"omitempty,max=64"`
	CapturedAt       *time.Time          `json:"capturedAt,omitempty"`
	Location         *LocationRequest    `json:"location,omitempty" validate:"omitempty"`
	DurationSeconds  *float64            `json:"durationSeconds,omitempty" validate:"omitempty,min=0"`
	PageCount        *int                `json:"pageCount,omitempty" validate:"omitempty,min=0"`
	Scope            string              `json:"scope,omitempty" validate:"omitempty,max=128"`
	SensitivityLabel string              `json:"sensitivityLabel,omitempty" validate:"omitempty,max=64"`
	Tags             []string            `json:"tags,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
	Notes            string              `json:"notes,omitempty" validate:"omitempty,max=4000"`
	Links            []LinkRequest       `json:"links,omitempty" validate:"omitempty,max=32,dive"`
}

// UpdateEvidenceRequest patches descriptive metadata. Nil fields are left
// unchanged.
type UpdateEvidenceRequest struct {
	Source           *string          `json:"source,omitempty" validate:"omitempty,max=64"`
	CapturedAt       *time.Time       `json:"capturedAt,omitempty"`
	Location         *LocationRequest `json:"location,omitempty" validate:"omitempty"`
	Scope            *string          `json:"scope,omitempty" validate:"omitempty,max=128"`
	SensitivityLabel *string          `json:"sensitivityLabel,omitempty" validate:"omitempty,max=64"`
	Tags             []string         `json:"tags,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
	Notes            *string          `json:"notes,omitempty" validate:"omitempty,max=4000"`
}

// EvidenceQuery mirrors GET /evidence filters.
type EvidenceQuery struct {
	Status     models.EvidenceStatus `form:"status"`
	Type       models.EvidenceType   `form:"type"`
	UnitID     string                `form:"unitId"`
	Submitter  string                `form:"submitterId"`
	EntityType models.EntityType     `form:"entityType"`
	EntityID   string                `form:"entityId"`
	Tag        string                `form:"tag"`
	Page       int                   `form:"page"`
	PageSize   int                   `form:"pageSize"`
}

// StartReviewRequest assigns a reviewer. An empty reviewer id assigns the
// caller.
type StartReviewRequest struct {
	ReviewerID string `json:"reviewerId"`
	Note       string `json:"note"`
}

// DecisionRequest carries the mandatory reason of a review decision.
type DecisionRequest struct {
	Reason string `json:"reason"`
}

// SubmitRequest is the optional note attached to a submission.
type SubmitRequest struct {
	Note string `json:"note"`
}

// SealRequest is the optional note attached to sealing.
type SealRequest struct {
	Note string `json:"note"`
}

// ArchiveRequest must set AdminOverride; the caller also needs an
// administrative role.
type ArchiveRequest struct {
	Reason        string `json:"reason"`
	AdminOverride bool   `json:"adminOverride"`
}

// DeriveEvidenceRequest is the metadata part of POST /evidence/:id/derive.
type DeriveEvidenceRequest struct {
	Reason          string   `json:"reason" form:"reason"`
	AdminOverride   bool     `json:"adminOverride" form:"adminOverride"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty" form:"durationSeconds"`
	PageCount       *int     `json:"pageCount,omitempty" form:"pageCount"`
}

// VerificationResponse reports an integrity check.
type VerificationResponse struct {
	EvidenceID string    `json:"evidenceId"`
	Verified   bool      `json:"verified"`
	Algorithms []string  `json:"algorithms"`
	Mismatch   string    `json:"mismatch,omitempty"`
	Expected   string    `json:"expected,omitempty"`
	Actual     string    `json:"actual,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// DownloadURLResponse is a signed, expiring blob URL.
type DownloadURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
