package models

import (
	"database/sql/driver"
	"time"
)

// ExportType enumerates the artifacts an export job can produce.
type ExportType string

const (
	ExportTypePackage    ExportType = "PACKAGE"
	ExportTypeCustodyLog ExportType = "CUSTODY_LOG"
	ExportTypeEvidence   ExportType = "EVIDENCE"
)

// ExportStatus captures background job lifecycle states.
type ExportStatus string

const (
	ExportStatusQueued     ExportStatus = "QUEUED"
	ExportStatusProcessing ExportStatus = "PROCESSING"
	ExportStatusCompleted  ExportStatus = "COMPLETED"
	ExportStatusFailed     ExportStatus = "FAILED"
)

// ExportParams stores request-scoped options persisted as JSONB.
type ExportParams struct {
	Format   CustodyExportFormat `json:"format,omitempty"`
	From     *time.Time          `json:"from,omitempty"`
	To       *time.Time          `json:"to,omitempty"`
	Compress bool                `json:"compress,omitempty"`
}

// Value marshals params to JSON for persistence.
func (p ExportParams) Value() (driver.Value, error) {
	return marshalJSONB(p, "export params")
}

// Scan unmarshals JSON payloads into the params struct.
func (p *ExportParams) Scan(value interface{}) error {
	*p = ExportParams{}
	return scanJSONB(value, p, "export params")
}

// ExportJob is persisted background export metadata.
type ExportJob struct {
	ID               string       `db:"id" json:"jobId"`
	Type             ExportType   `db:"type" json:"type"`
	ResourceID       string       `db:"resource_id" json:"resourceId,omitempty"`
	Params           ExportParams `db:"params" json:"params"`
	RequestedBy      string       `db:"requested_by" json:"requestedBy"`
	RequestedUnitID  string       `db:"requested_unit_id" json:"requestedUnitId,omitempty"`
	Status           ExportStatus `db:"status" json:"status"`
	FileKey          string       `db:"file_key" json:"-"`
	FileSizeBytes    int64        `db:"file_size_bytes" json:"fileSizeBytes"`
	ElapsedMs        int64        `db:"elapsed_ms" json:"elapsedMs"`
	DownloadCount    int64        `db:"download_count" json:"downloadCount"`
	LastDownloadedAt *time.Time   `db:"last_downloaded_at" json:"lastDownloadedAt,omitempty"`
	ErrorMessage     string       `db:"error_message" json:"errorMessage,omitempty"`
	StartedAt        *time.Time   `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time   `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy.
func (j *ExportJob) Clone() *ExportJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Params.From = cloneTime(j.Params.From)
	out.Params.To = cloneTime(j.Params.To)
	out.LastDownloadedAt = cloneTime(j.LastDownloadedAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return &out
}

// ExportCompletion is the outcome of an export job.
type ExportCompletion struct {
	FileKey       string
	FileSizeBytes int64
}
