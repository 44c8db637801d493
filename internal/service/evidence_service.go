package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
)

type custodyStore interface {
	Append(ctx context.Context, event *models.CustodyEvent) error
	ListByEvidence(ctx context.Context, evidenceID string) ([]models.CustodyEvent, error)
	List(ctx context.Context, filter models.CustodyFilter) ([]models.CustodyEvent, error)
}

// EvidenceServiceConfig holds ingestion limits.
type EvidenceServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	CacheTTL     time.Duration
}

// EvidenceService ingests evidence and manages its descriptive metadata,
// links and integrity checks.
type EvidenceService struct {
	repo      evidenceStore
	custody   custodyStore
	engine    *StatusEngine
	hasher    *hashing.Engine
	ingest    *ingestor
	blobs     blobStore
	audit     *AuditEmitter
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       EvidenceServiceConfig
	now       func() time.Time
}

// NewEvidenceService constructs the service.
func NewEvidenceService(repo evidenceStore, custody custodyStore, engine *StatusEngine, hasher *hashing.Engine, blobs blobStore, audit *AuditEmitter, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg EvidenceServiceConfig) *EvidenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &EvidenceService{
		repo:      repo,
		custody:   custody,
		engine:    engine,
		hasher:    hasher,
		ingest:    newIngestor(hasher, blobs, metrics, logger, cfg.MaxFileSize, cfg.AllowedMIMEs),
		blobs:     blobs,
		audit:     audit,
		cache:     cache,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create hashes and stores the upload and records a DRAFT item with its
// UPLOAD custody event.
func (s *EvidenceService) Create(ctx context.Context, req dto.CreateEvidenceRequest, upload EvidenceUpload, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor.UnitID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "submitter unit is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid evidence payload")
	}
	now := s.now()
	links, err := buildLinks(req.Links, actor, now)
	if err != nil {
		return nil, err
	}
	if err := s.ingest.validate(upload); err != nil {
		return nil, err
	}
	stored, err := s.ingest.store(ctx, upload, actor.UserID)
	if err != nil {
		return nil, err
	}

	item := &models.EvidenceItem{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Source:     strings.TrimSpace(req.Source),
		CapturedAt: req.CapturedAt,
		Location:   req.Location.Model(),
		File: models.FileRef{
			StorageKey:      stored.key,
			Filename:        upload.Filename,
			MimeType:        stored.mime,
			SizeBytes:       stored.size,
			DurationSeconds: req.DurationSeconds,
			PageCount:       req.PageCount,
		},
		SubmitterUserID:   actor.UserID,
		SubmitterUnitID:   actor.UnitID,
		Hashes:            stored.hashes,
		Status:            models.EvidenceStatusDraft,
		Links:             links,
		Scope:             req.Scope,
		SensitivityLabel:  req.SensitivityLabel,
		Tags:              normalizeTags(req.Tags),
		Notes:             req.Notes,
		DerivedVersionIDs: []string{},
		CreatedAt:         now,
	}
	event := newCustodyEvent(item.ID, models.CustodyUpload, actor, now, models.JSONMap{
		"sha256":     item.Hashes.Primary(),
		"sizeBytes":  item.File.SizeBytes,
		"filename":   item.File.Filename,
		"mimeType":   item.File.MimeType,
		"algorithms": hashAlgorithms(item.Hashes),
	}, "")
	if err := s.repo.Save(ctx, repository.ChangeSet{Inserts: []*models.EvidenceItem{item}, Events: []*models.CustodyEvent{event}}); err != nil {
		s.ingest.discard(ctx, stored.key)
		return nil, appErrors.Transient(err, "failed to persist evidence")
	}

	s.audit.Emit(ctx, actor, models.AuditEvidenceCreated, models.AuditResourceEvidence, item.ID, models.JSONMap{
		"type":      string(item.Type),
		"status":    string(item.Status),
		"sha256":    item.Hashes.Primary(),
		"sizeBytes": item.File.SizeBytes,
	})
	return item, nil
}

// Get returns one item, served from cache when enabled.
func (s *EvidenceService) Get(ctx context.Context, id string) (*models.EvidenceItem, error) {
	var cached models.EvidenceItem
	if hit, _ := s.cache.Get(ctx, evidenceCacheKey(id), &cached); hit {
		return &cached, nil
	}
	item, err := loadEvidence(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, evidenceCacheKey(id), item, s.cfg.CacheTTL)
	return item, nil
}

// List returns a page of evidence. Inspectors only see their own unit.
func (s *EvidenceService) List(ctx context.Context, query dto.EvidenceQuery, actor models.Actor) ([]models.EvidenceItem, *models.Pagination, error) {
	filter := models.EvidenceFilter{
		Status:     query.Status,
		Type:       query.Type,
		UnitID:     query.UnitID,
		Submitter:  query.Submitter,
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
		Tag:        query.Tag,
		Page:       query.Page,
		PageSize:   query.PageSize,
	}
	if actor.Role == models.RoleInspector {
		filter.UnitID = actor.UnitID
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Transient(err, "failed to list evidence")
	}
	return items, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// History returns the custody events of an item in append order.
func (s *EvidenceService) History(ctx context.Context, id string) ([]models.CustodyEvent, error) {
	if _, err := loadEvidence(ctx, s.repo, id); err != nil {
		return nil, err
	}
	events, err := s.custody.ListByEvidence(ctx, id)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load custody history")
	}
	return events, nil
}

// Verify rehashes the stored blob against the hashes recorded at ingestion.
// Stored hashes are never modified; the outcome is logged as a VERIFY
// custody event.
func (s *EvidenceService) Verify(ctx context.Context, id string, actor models.Actor) (*dto.VerificationResponse, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	item, err := loadEvidence(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.blobs.Open(ctx, item.File.StorageKey)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to open evidence file")
	}
	defer rc.Close() //nolint:errcheck

	result := &dto.VerificationResponse{
		EvidenceID: item.ID,
		Algorithms: hashAlgorithms(item.Hashes),
		CheckedAt:  s.now(),
	}
	verifyErr := s.hasher.Verify(rc, item.Hashes)
	var mismatch *hashing.MismatchError
	switch {
	case verifyErr == nil:
		result.Verified = true
	case errors.As(verifyErr, &mismatch):
		result.Mismatch = mismatch.Algorithm
		result.Expected = mismatch.Expected
		result.Actual = mismatch.Actual
	default:
		return nil, appErrors.Transient(verifyErr, "failed to verify evidence file")
	}

	eventContext := models.JSONMap{"verified": result.Verified, "algorithms": result.Algorithms}
	if result.Mismatch != "" {
		eventContext["mismatch"] = result.Mismatch
	}
	if err := s.custody.Append(ctx, newCustodyEvent(item.ID, models.CustodyVerify, actor, result.CheckedAt, eventContext, "")); err != nil {
		return nil, appErrors.Transient(err, "failed to record verification")
	}
	if !result.Verified {
		s.logger.Error("evidence integrity mismatch",
			zap.String("evidence_id", item.ID),
			zap.String("algorithm", result.Mismatch),
		)
	}
	s.audit.Emit(ctx, actor, models.AuditEvidenceVerified, models.AuditResourceEvidence, item.ID, models.JSONMap{
		"verified": result.Verified,
		"mismatch": result.Mismatch,
	})
	return result, nil
}

// UpdateMetadata patches descriptive metadata. Sealed and archived items are
// immutable. Capture details (source, capturedAt, location) complete a draft
// and may only change while the item is DRAFT or NEED_MORE_INFO.
func (s *EvidenceService) UpdateMetadata(ctx context.Context, id string, req dto.UpdateEvidenceRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid metadata payload")
	}
	var changed []string
	item, err := s.engine.mutate(ctx, id, "update metadata", "", func(item *models.EvidenceItem, at time.Time) (repository.ChangeSet, error) {
		if item.IsImmutable() {
			return repository.ChangeSet{}, immutableError(item, "update metadata")
		}
		capture := req.Source != nil || req.CapturedAt != nil || req.Location != nil
		if capture && item.Status != models.EvidenceStatusDraft && item.Status != models.EvidenceStatusNeedMoreInfo {
			return repository.ChangeSet{}, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
				"source, capturedAt and location can only change while DRAFT or NEED_MORE_INFO"),
				map[string]interface{}{"evidenceId": item.ID, "currentStatus": item.Status})
		}
		changed = applyMetadata(item, req)
		if len(changed) == 0 {
			return repository.ChangeSet{}, appErrors.Clone(appErrors.ErrValidation, "no metadata fields to update")
		}
		event := newCustodyEvent(item.ID, models.CustodyMetadataUpdate, actor, at, models.JSONMap{"fields": changed}, "")
		return repository.ChangeSet{Updates: []*models.EvidenceItem{item}, Events: []*models.CustodyEvent{event}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, actor, models.AuditEvidenceUpdated, models.AuditResourceEvidence, item.ID, models.JSONMap{"fields": changed})
	return item, nil
}

// Link associates the item with an external entity.
func (s *EvidenceService) Link(ctx context.Context, id string, req dto.LinkRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validateLink(req); err != nil {
		return nil, err
	}
	item, err := s.engine.mutate(ctx, id, "link", "", func(item *models.EvidenceItem, at time.Time) (repository.ChangeSet, error) {
		if item.IsImmutable() {
			return repository.ChangeSet{}, immutableError(item, "link")
		}
		if item.Links.Index(req.EntityType, req.EntityID) >= 0 {
			return repository.ChangeSet{}, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "evidence is already linked to this entity"),
				map[string]interface{}{"evidenceId": item.ID, "entityType": req.EntityType, "entityId": req.EntityID})
		}
		item.Links = append(item.Links, models.EvidenceLink{EntityType: req.EntityType, EntityID: req.EntityID, LinkedAt: at, LinkedBy: actor.UserID})
		event := newCustodyEvent(item.ID, models.CustodyLink, actor, at, models.JSONMap{
			"entityType": string(req.EntityType),
			"entityId":   req.EntityID,
		}, "")
		return repository.ChangeSet{Updates: []*models.EvidenceItem{item}, Events: []*models.CustodyEvent{event}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, actor, models.AuditEvidenceLinked, models.AuditResourceEvidence, item.ID, models.JSONMap{
		"entityType": string(req.EntityType),
		"entityId":   req.EntityID,
	})
	return item, nil
}

// Unlink removes an association.
func (s *EvidenceService) Unlink(ctx context.Context, id string, req dto.LinkRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validateLink(req); err != nil {
		return nil, err
	}
	item, err := s.engine.mutate(ctx, id, "unlink", "", func(item *models.EvidenceItem, at time.Time) (repository.ChangeSet, error) {
		if item.IsImmutable() {
			return repository.ChangeSet{}, immutableError(item, "unlink")
		}
		idx := item.Links.Index(req.EntityType, req.EntityID)
		if idx < 0 {
			return repository.ChangeSet{}, appErrors.Clone(appErrors.ErrNotFound, "link not found")
		}
		item.Links = append(item.Links[:idx:idx], item.Links[idx+1:]...)
		event := newCustodyEvent(item.ID, models.CustodyUnlink, actor, at, models.JSONMap{
			"entityType": string(req.EntityType),
			"entityId":   req.EntityID,
		}, "")
		return repository.ChangeSet{Updates: []*models.EvidenceItem{item}, Events: []*models.CustodyEvent{event}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, actor, models.AuditEvidenceUnlinked, models.AuditResourceEvidence, item.ID, models.JSONMap{
		"entityType": string(req.EntityType),
		"entityId":   req.EntityID,
	})
	return item, nil
}

// DownloadURL issues a signed, expiring URL for the evidence file.
func (s *EvidenceService) DownloadURL(ctx context.Context, id string, actor models.Actor) (*dto.DownloadURLResponse, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	item, err := loadEvidence(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	url, expiresAt, err := s.blobs.PublicURL(item.File.StorageKey)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to sign download url")
	}
	event := newCustodyEvent(item.ID, models.CustodyDownload, actor, s.now(), models.JSONMap{
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	}, "")
	if err := s.custody.Append(ctx, event); err != nil {
		return nil, appErrors.Transient(err, "failed to record download")
	}
	s.audit.Emit(ctx, actor, models.AuditEvidenceDownloadURL, models.AuditResourceEvidence, item.ID, models.JSONMap{
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
	return &dto.DownloadURLResponse{URL: url, ExpiresAt: expiresAt}, nil
}

func applyMetadata(item *models.EvidenceItem, req dto.UpdateEvidenceRequest) []string {
	var changed []string
	if req.Source != nil {
		item.Source = strings.TrimSpace(*req.Source)
		changed = append(changed, "source")
	}
	if req.CapturedAt != nil {
		captured := req.CapturedAt.UTC()
		item.CapturedAt = &captured
		changed = append(changed, "capturedAt")
	}
	if loc := req.Location.Model(); loc != nil {
		item.Location = loc
		changed = append(changed, "location")
	}
	if req.Scope != nil {
		item.Scope = *req.Scope
		changed = append(changed, "scope")
	}
	if req.SensitivityLabel != nil {
		item.SensitivityLabel = *req.SensitivityLabel
		changed = append(changed, "sensitivityLabel")
	}
	if req.Tags != nil {
		item.Tags = normalizeTags(req.Tags)
		changed = append(changed, "tags")
	}
	if req.Notes != nil {
		item.Notes = *req.Notes
		changed = append(changed, "notes")
	}
	return changed
}

func validateLink(req dto.LinkRequest) error {
	if !req.EntityType.Valid() {
		return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "unsupported entity type"),
			map[string]interface{}{"entityType": req.EntityType})
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "entityId is required")
	}
	return nil
}

func buildLinks(reqs []dto.LinkRequest, actor models.Actor, at time.Time) (models.EvidenceLinks, error) {
	links := models.EvidenceLinks{}
	for _, req := range reqs {
		if err := validateLink(req); err != nil {
			return nil, err
		}
		if links.Index(req.EntityType, req.EntityID) >= 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate link in request")
		}
		links = append(links, models.EvidenceLink{EntityType: req.EntityType, EntityID: req.EntityID, LinkedAt: at, LinkedBy: actor.UserID})
	}
	return links, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func hashAlgorithms(hashes models.HashSet) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Algorithm
	}
	return out
}
