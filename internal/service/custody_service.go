package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/export"
)

// maxCustodyExportRows bounds a single export. Larger ranges are refused
// rather than cut short.
const maxCustodyExportRows = 100000

var custodyHeaders = []string{"sequence", "timestamp", "evidenceId", "eventType", "actorUserId", "actorUnitId", "note", "context"}

// CustodyExport is a rendered ledger extract.
type CustodyExport struct {
	Content     []byte
	ContentType string
	Filename    string
	Format      models.CustodyExportFormat
	Events      int
}

// CustodyService reads and renders the append-only custody ledger.
type CustodyService struct {
	repo    custodyStore
	audit   *AuditEmitter
	logger  *zap.Logger
	maxRows int
	now     func() time.Time
}

// NewCustodyService constructs the service.
func NewCustodyService(repo custodyStore, audit *AuditEmitter, logger *zap.Logger) *CustodyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustodyService{
		repo:    repo,
		audit:   audit,
		logger:  logger,
		maxRows: maxCustodyExportRows,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append records one event. The store assigns its id and sequence.
func (s *CustodyService) Append(ctx context.Context, event *models.CustodyEvent) error {
	if event == nil || event.EvidenceID == "" || event.EventType == "" {
		return appErrors.Clone(appErrors.ErrValidation, "custody event requires evidenceId and eventType")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.repo.Append(ctx, event); err != nil {
		return appErrors.Transient(err, "failed to append custody event")
	}
	return nil
}

// List returns the events of one item ordered by sequence.
func (s *CustodyService) List(ctx context.Context, evidenceID string) ([]models.CustodyEvent, error) {
	events, err := s.repo.ListByEvidence(ctx, evidenceID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list custody events")
	}
	return events, nil
}

// Export renders the filtered ledger and records who exported it.
func (s *CustodyService) Export(ctx context.Context, query dto.CustodyExportQuery, actor models.Actor) (*CustodyExport, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	out, err := s.render(ctx, query)
	if err != nil {
		return nil, err
	}
	payload := models.JSONMap{
		"format":     string(out.Format),
		"compressed": query.Compress,
		"events":     out.Events,
	}
	if query.From != nil {
		payload["from"] = query.From.UTC().Format(time.RFC3339)
	}
	if query.To != nil {
		payload["to"] = query.To.UTC().Format(time.RFC3339)
	}
	if query.EvidenceID != "" {
		payload["evidenceId"] = query.EvidenceID
	}
	s.audit.Emit(ctx, actor, models.AuditCustodyExported, models.AuditResourceCustody, query.EvidenceID, payload)
	return out, nil
}

// render produces the export without auditing it.
func (s *CustodyService) render(ctx context.Context, query dto.CustodyExportQuery) (*CustodyExport, error) {
	format := query.Format
	if format == "" {
		format = models.CustodyFormatJSON
	}
	if !format.Valid() {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "unsupported export format"),
			map[string]interface{}{"format": format})
	}
	if query.From != nil && query.To != nil && !query.From.Before(*query.To) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from must be before to")
	}

	events, err := s.repo.List(ctx, models.CustodyFilter{
		EvidenceID: query.EvidenceID,
		From:       query.From,
		To:         query.To,
		Limit:      s.maxRows + 1,
	})
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load custody events")
	}
	if len(events) > s.maxRows {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("custody export exceeds %d events; narrow the range", s.maxRows)),
			map[string]interface{}{"limit": s.maxRows, "evidenceId": query.EvidenceID})
	}

	content, contentType, err := renderCustody(events, format, query)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render custody export")
	}
	filename := fmt.Sprintf("custody-%s.%s", s.now().Format("20060102T150405Z"), format)
	if query.Compress {
		content, err = export.Zstd(content)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compress custody export")
		}
		contentType = "application/zstd"
		filename += ".zst"
	}
	return &CustodyExport{Content: content, ContentType: contentType, Filename: filename, Format: format, Events: len(events)}, nil
}

func renderCustody(events []models.CustodyEvent, format models.CustodyExportFormat, query dto.CustodyExportQuery) ([]byte, string, error) {
	switch format {
	case models.CustodyFormatCSV:
		data, err := export.RenderCSV(custodyTable(events))
		return data, "text/csv", err
	case models.CustodyFormatPDF:
		data, err := export.RenderPDF(custodyTable(events), export.PDFOptions{
			Title:    "Chain of Custody",
			Subtitle: custodyRangeLabel(query),
			Footer:   fmt.Sprintf("%d events", len(events)),
		})
		return data, "application/pdf", err
	case models.CustodyFormatSyslog:
		data, err := export.RenderSyslog(custodySyslog(events), export.SyslogOptions{AppName: "evidence-api"})
		return data, "text/plain", err
	case models.CustodyFormatCBOR:
		data, err := export.MarshalCBOR(events)
		return data, "application/cbor", err
	default:
		if events == nil {
			events = []models.CustodyEvent{}
		}
		data, err := json.Marshal(events)
		return data, "application/json", err
	}
}

func custodyTable(events []models.CustodyEvent) export.Table {
	rows := make([][]string, 0, len(events))
	for _, event := range events {
		eventContext := ""
		if len(event.Context) > 0 {
			if raw, err := json.Marshal(event.Context); err == nil {
				eventContext = string(raw)
			}
		}
		rows = append(rows, []string{
			strconv.FormatInt(event.Sequence, 10),
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			event.EvidenceID,
			string(event.EventType),
			event.ActorUserID,
			event.ActorUnitID,
			event.Note,
			eventContext,
		})
	}
	return export.Table{
		Headers: custodyHeaders,
		Rows:    rows,
		Widths:  []float64{0.6, 1.6, 2.2, 1.3, 1.2, 1, 1.5, 3},
	}
}

func custodySyslog(events []models.CustodyEvent) []export.SyslogRecord {
	records := make([]export.SyslogRecord, 0, len(events))
	for _, event := range events {
		params := map[string]string{
			"seq":        strconv.FormatInt(event.Sequence, 10),
			"evidenceId": event.EvidenceID,
			"actor":      event.ActorUserID,
		}
		if event.ActorUnitID != "" {
			params["unit"] = event.ActorUnitID
		}
		message := fmt.Sprintf("%s %s by %s", event.EventType, event.EvidenceID, event.ActorUserID)
		if event.Note != "" {
			message += ": " + event.Note
		}
		records = append(records, export.SyslogRecord{
			Timestamp: event.Timestamp,
			MessageID: string(event.EventType),
			Message:   message,
			Params:    params,
		})
	}
	return records
}

func custodyRangeLabel(query dto.CustodyExportQuery) string {
	from, to := "beginning", "now"
	if query.From != nil {
		from = query.From.UTC().Format(time.RFC3339)
	}
	if query.To != nil {
		to = query.To.UTC().Format(time.RFC3339)
	}
	label := from + " to " + to
	if query.EvidenceID != "" {
		label += " / evidence " + query.EvidenceID
	}
	return label
}
