package dto

import (
	"time"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// CustodyExportQuery mirrors GET /custody/export. From is inclusive, To
// exclusive.
type CustodyExportQuery struct {
	From       *time.Time                 `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To         *time.Time                 `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Format     models.CustodyExportFormat `form:"format"`
	EvidenceID string                     `form:"evidenceId"`
	Compress   bool                       `form:"compress"`
}
