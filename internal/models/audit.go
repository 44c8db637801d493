package models

import "time"

// Audit event names emitted by the evidence engine.
const (
	AuditEvidenceCreated       = "evidence.created"
	AuditEvidenceStatusChanged = "evidence.status_changed"
	AuditEvidenceDerived       = "evidence.derived"
	AuditEvidenceLinked        = "evidence.linked"
	AuditEvidenceUnlinked      = "evidence.unlinked"
	AuditEvidenceUpdated       = "evidence.metadata_updated"
	AuditEvidenceVerified      = "evidence.verified"
	AuditEvidenceDownloadURL   = "evidence.download_url_issued"
	AuditPackageCreated        = "package.created"
	AuditPackageItemAdded      = "package.item_added"
	AuditPackageItemRemoved    = "package.item_removed"
	AuditPackageGenerated      = "package.generated"
	AuditExportCreated         = "export.created"
	AuditExportCompleted       = "export.completed"
	AuditExportFailed          = "export.failed"
	AuditExportDownloaded      = "export.downloaded"
	AuditCustodyExported       = "custody.exported"
)

// Audit resource types.
const (
	AuditResourceEvidence = "evidence"
	AuditResourcePackage  = "package"
	AuditResourceExport   = "export_job"
	AuditResourceCustody  = "custody_log"
)

// AuditEvent is a structured audit record handed to the audit sinks.
type AuditEvent struct {
	ID           string    `db:"id" json:"id"`
	ActorUserID  string    `db:"actor_user_id" json:"actorUserId"`
	ActorUnitID  string    `db:"actor_unit_id" json:"actorUnitId"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resourceType"`
	ResourceID   string    `db:"resource_id" json:"resourceId"`
	Payload      JSONMap   `db:"payload" json:"payload,omitempty"`
	RequestID    string    `db:"request_id" json:"requestId,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}
