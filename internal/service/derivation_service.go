package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
)

// DerivationService creates new versions of evidence without touching the
// origin's content or hashes.
type DerivationService struct {
	engine *StatusEngine
	ingest *ingestor
	audit  *AuditEmitter
	logger *zap.Logger
}

// NewDerivationService constructs the service. Uploads obey the same limits
// as direct ingestion.
func NewDerivationService(engine *StatusEngine, hasher *hashing.Engine, blobs blobStore, audit *AuditEmitter, metrics *MetricsService, logger *zap.Logger, cfg EvidenceServiceConfig) *DerivationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DerivationService{
		engine: engine,
		ingest: newIngestor(hasher, blobs, metrics, logger, cfg.MaxFileSize, cfg.AllowedMIMEs),
		audit:  audit,
		logger: logger,
	}
}

// Derive stores upload as a new DRAFT item descended from originID. Sealed and
// archived origins need an administrative override.
func (s *DerivationService) Derive(ctx context.Context, originID string, upload EvidenceUpload, req dto.DeriveEvidenceRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "derivation reason is required")
	}
	if err := s.ingest.validate(upload); err != nil {
		return nil, err
	}
	stored, err := s.ingest.store(ctx, upload, actor.UserID)
	if err != nil {
		return nil, err
	}

	var derived *models.EvidenceItem
	origin, err := s.engine.mutate(ctx, originID, "derive", "", func(origin *models.EvidenceItem, at time.Time) (repository.ChangeSet, error) {
		if origin.IsImmutable() && !(req.AdminOverride && actor.IsElevated()) {
			return repository.ChangeSet{}, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
				"deriving from sealed or archived evidence requires an administrative override"),
				map[string]interface{}{"evidenceId": origin.ID, "operation": "derive", "currentStatus": origin.Status})
		}
		derived = deriveItem(origin, stored, upload, req, reason, actor, at)
		origin.DerivedVersionIDs = append(origin.DerivedVersionIDs, derived.ID)

		originEvent := newCustodyEvent(origin.ID, models.CustodyDerive, actor, at, models.JSONMap{
			"derivedEvidenceId": derived.ID,
			"reason":            reason,
			"adminOverride":     req.AdminOverride,
		}, "")
		uploadEvent := newCustodyEvent(derived.ID, models.CustodyUpload, actor, at, models.JSONMap{
			"sha256":             derived.Hashes.Primary(),
			"sizeBytes":          derived.File.SizeBytes,
			"filename":           derived.File.Filename,
			"mimeType":           derived.File.MimeType,
			"algorithms":         hashAlgorithms(derived.Hashes),
			"derivedFrom":        origin.ID,
			"derivationReason":   reason,
			"originSha256":       origin.Hashes.Primary(),
			"originStatusAtTime": string(origin.Status),
		}, "")
		return repository.ChangeSet{
			Inserts: []*models.EvidenceItem{derived},
			Updates: []*models.EvidenceItem{origin},
			Events:  []*models.CustodyEvent{originEvent, uploadEvent},
		}, nil
	})
	if err != nil {
		s.ingest.discard(ctx, stored.key)
		return nil, err
	}

	s.logger.Info("evidence derived",
		zap.String("origin_id", origin.ID),
		zap.String("evidence_id", derived.ID),
		zap.String("actor_user_id", actor.UserID),
		zap.Bool("admin_override", req.AdminOverride),
	)
	s.audit.Emit(ctx, actor, models.AuditEvidenceDerived, models.AuditResourceEvidence, derived.ID, models.JSONMap{
		"originalEvidenceId": origin.ID,
		"reason":             reason,
		"adminOverride":      req.AdminOverride,
		"sha256":             derived.Hashes.Primary(),
	})
	return derived, nil
}

func deriveItem(origin *models.EvidenceItem, stored *ingested, upload EvidenceUpload, req dto.DeriveEvidenceRequest, reason string, actor models.Actor, at time.Time) *models.EvidenceItem {
	copied := origin.Clone()
	originID := origin.ID
	derivedAt := at
	return &models.EvidenceItem{
		ID:         uuid.NewString(),
		Type:       copied.Type,
		Source:     copied.Source,
		CapturedAt: copied.CapturedAt,
		Location:   copied.Location,
		File: models.FileRef{
			StorageKey:      stored.key,
			Filename:        upload.Filename,
			MimeType:        stored.mime,
			SizeBytes:       stored.size,
			DurationSeconds: req.DurationSeconds,
			PageCount:       req.PageCount,
		},
		SubmitterUserID:    actor.UserID,
		SubmitterUnitID:    submitterUnit(actor, origin),
		Hashes:             stored.hashes,
		Status:             models.EvidenceStatusDraft,
		Links:              copied.Links,
		Scope:              copied.Scope,
		SensitivityLabel:   copied.SensitivityLabel,
		Tags:               copied.Tags,
		Notes:              copied.Notes,
		OriginalEvidenceID: &originID,
		DerivedVersionIDs:  []string{},
		DerivationReason:   reason,
		DerivedAt:          &derivedAt,
		DerivedBy:          actor.UserID,
		CreatedAt:          at,
	}
}

// submitterUnit falls back to the origin's unit for actors without one, such
// as service accounts.
func submitterUnit(actor models.Actor, origin *models.EvidenceItem) string {
	if actor.UnitID != "" {
		return actor.UnitID
	}
	return origin.SubmitterUnitID
}
