package dto

import (
	"time"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// CreateExportRequest queues an export job.
type CreateExportRequest struct {
	Type       models.ExportType          `json:"type" validate:"required,oneof=PACKAGE CUSTODY_LOG EVIDENCE"`
	ResourceID string                     `json:"resourceId"`
	Format     models.CustodyExportFormat `json:"format,omitempty"`
	From       *time.Time                 `json:"from,omitempty"`
	To         *time.Time                 `json:"to,omitempty"`
	Compress   bool                       `json:"compress,omitempty"`
}

// CompleteExportRequest reports the produced artifact size.
type CompleteExportRequest struct {
	FileSizeBytes int64  `json:"fileSizeBytes" validate:"min=0"`
	FileKey       string `json:"fileKey,omitempty"`
}

// ExportDownloadResponse is returned by POST /exports/:id/download.
type ExportDownloadResponse struct {
	Job       *models.ExportJob `json:"job"`
	URL       string            `json:"url,omitempty"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
}
