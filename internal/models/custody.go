package models

import "time"

// CustodyEventType names one handling action in the chain of custody.
type CustodyEventType string

const (
	CustodyUpload          CustodyEventType = "UPLOAD"
	CustodySubmit          CustodyEventType = "SUBMIT"
	CustodyStartReview     CustodyEventType = "START_REVIEW"
	CustodyApprove         CustodyEventType = "APPROVE"
	CustodyReject          CustodyEventType = "REJECT"
	CustodyRequestMoreInfo CustodyEventType = "REQUEST_MORE_INFO"
	CustodySeal            CustodyEventType = "SEAL"
	CustodyDerive          CustodyEventType = "DERIVE"
	CustodyLink            CustodyEventType = "LINK"
	CustodyUnlink          CustodyEventType = "UNLINK"
	CustodyMetadataUpdate  CustodyEventType = "METADATA_UPDATE"
	CustodyArchive         CustodyEventType = "ARCHIVE"
	CustodyPackageAdd      CustodyEventType = "PACKAGE_ADD"
	CustodyPackageRemove   CustodyEventType = "PACKAGE_REMOVE"
	CustodyExport          CustodyEventType = "EXPORT"
	CustodyDownload        CustodyEventType = "DOWNLOAD"
	CustodyVerify          CustodyEventType = "VERIFY"
)

// CustodyEvent is one append-only ledger entry. Sequence is assigned by the
// store on append and breaks timestamp ties.
type CustodyEvent struct {
	ID          string           `db:"id" json:"id"`
	Sequence    int64            `db:"seq" json:"sequence"`
	EvidenceID  string           `db:"evidence_id" json:"evidenceId"`
	EventType   CustodyEventType `db:"event_type" json:"eventType"`
	ActorUserID string           `db:"actor_user_id" json:"actorUserId"`
	ActorUnitID string           `db:"actor_unit_id" json:"actorUnitId"`
	Timestamp   time.Time        `db:"occurred_at" json:"timestamp"`
	Context     JSONMap          `db:"context" json:"context,omitempty"`
	Note        string           `db:"note" json:"note,omitempty"`
}

// CustodyFilter selects ledger entries for export. From is inclusive and To
// exclusive.
type CustodyFilter struct {
	EvidenceID string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// CustodyExportFormat is the rendering of an exported ledger.
type CustodyExportFormat string

const (
	CustodyFormatJSON   CustodyExportFormat = "json"
	CustodyFormatCSV    CustodyExportFormat = "csv"
	CustodyFormatPDF    CustodyExportFormat = "pdf"
	CustodyFormatSyslog CustodyExportFormat = "syslog"
	CustodyFormatCBOR   CustodyExportFormat = "cbor"
)

// Valid reports whether f is a supported export format.
func (f CustodyExportFormat) Valid() bool {
	switch f {
	case CustodyFormatJSON, CustodyFormatCSV, CustodyFormatPDF, CustodyFormatSyslog, CustodyFormatCBOR:
		return true
	}
	return false
}
