package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/export"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
)

type packageStore interface {
	Create(ctx context.Context, pkg *models.EvidencePackage) error
	GetByID(ctx context.Context, id string) (*models.EvidencePackage, error)
	ListByUnit(ctx context.Context, unitID string) ([]models.EvidencePackage, error)
	Update(ctx context.Context, pkg *models.EvidencePackage) error
}

// PackageServiceConfig carries bundle encryption settings.
type PackageServiceConfig struct {
	Recipients []age.Recipient
}

// PackageService assembles evidence into packages and generates their
// bundles.
type PackageService struct {
	packages  packageStore
	evidence  evidenceStore
	custody   custodyStore
	blobs     blobStore
	locks     *keylock.KeyLock
	audit     *AuditEmitter
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PackageServiceConfig
	now       func() time.Time
}

// NewPackageService constructs the service.
func NewPackageService(packages packageStore, evidence evidenceStore, custody custodyStore, blobs blobStore, locks *keylock.KeyLock, audit *AuditEmitter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg PackageServiceConfig) *PackageService {
	if locks == nil {
		locks = keylock.New()
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PackageService{
		packages:  packages,
		evidence:  evidence,
		custody:   custody,
		blobs:     blobs,
		locks:     locks,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreatePackage opens a DRAFT package owned by the actor's unit.
func (s *PackageService) CreatePackage(ctx context.Context, req dto.CreatePackageRequest, actor models.Actor) (*models.EvidencePackage, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid package payload")
	}
	if req.Encrypt && len(s.cfg.Recipients) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "package encryption is not configured")
	}
	pkg := &models.EvidencePackage{
		ID:                    uuid.NewString(),
		Name:                  strings.TrimSpace(req.Name),
		OwnerUnitID:           actor.UnitID,
		Status:                models.PackageStatusDraft,
		Items:                 models.PackageItems{},
		IncludeMetadata:       req.IncludeMetadata,
		IncludeCustodyExcerpt: req.IncludeCustodyExcerpt,
		Encrypted:             req.Encrypt,
		CreatedBy:             actor.UserID,
		CreatedAt:             s.now(),
	}
	if err := s.packages.Create(ctx, pkg); err != nil {
		return nil, appErrors.Transient(err, "failed to create package")
	}
	s.audit.Emit(ctx, actor, models.AuditPackageCreated, models.AuditResourcePackage, pkg.ID, models.JSONMap{
		"name":      pkg.Name,
		"encrypted": pkg.Encrypted,
	})
	return pkg, nil
}

// Get returns a package.
func (s *PackageService) Get(ctx context.Context, id string) (*models.EvidencePackage, error) {
	return s.load(ctx, id)
}

// List returns the packages of the actor's unit.
func (s *PackageService) List(ctx context.Context, actor models.Actor) ([]models.EvidencePackage, error) {
	pkgs, err := s.packages.ListByUnit(ctx, actor.UnitID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list packages")
	}
	return pkgs, nil
}

// AddEvidence places an item in a DRAFT package. A nil order appends.
func (s *PackageService) AddEvidence(ctx context.Context, packageID string, req dto.AddPackageItemRequest, actor models.Actor) (*models.EvidencePackage, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid package item payload")
	}
	return s.changeItems(ctx, packageID, req.EvidenceID, "add evidence", actor, func(pkg *models.EvidencePackage, at time.Time) error {
		if _, err := loadEvidence(ctx, s.evidence, req.EvidenceID); err != nil {
			return err
		}
		if pkg.HasEvidence(req.EvidenceID) {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "evidence already in package"),
				map[string]interface{}{"packageId": pkg.ID, "evidenceId": req.EvidenceID})
		}
		pkg.InsertItem(models.PackageItem{EvidenceID: req.EvidenceID, AddedAt: at, AddedBy: actor.UserID}, req.Order)
		return nil
	}, models.CustodyPackageAdd, models.AuditPackageItemAdded)
}

// RemoveEvidence drops an item from a DRAFT package.
func (s *PackageService) RemoveEvidence(ctx context.Context, packageID, evidenceID string, actor models.Actor) (*models.EvidencePackage, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.changeItems(ctx, packageID, evidenceID, "remove evidence", actor, func(pkg *models.EvidencePackage, _ time.Time) error {
		if !pkg.RemoveItem(evidenceID) {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "evidence not in package"),
				map[string]interface{}{"packageId": pkg.ID, "evidenceId": evidenceID})
		}
		return nil
	}, models.CustodyPackageRemove, models.AuditPackageItemRemoved)
}

func (s *PackageService) changeItems(ctx context.Context, packageID, evidenceID, operation string, actor models.Actor, change func(*models.EvidencePackage, time.Time) error, eventType models.CustodyEventType, action string) (*models.EvidencePackage, error) {
	unlock := s.locks.Lock("package:" + packageID)
	defer unlock()

	pkg, err := s.load(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != models.PackageStatusDraft {
		return nil, packageStateError(pkg, operation)
	}
	previous := pkg.Clone()
	at := s.now()
	if err := change(pkg, at); err != nil {
		return nil, err
	}
	pkg.ItemCount = len(pkg.Items)
	if err := s.update(ctx, pkg, operation); err != nil {
		return nil, err
	}

	event := newCustodyEvent(evidenceID, eventType, actor, at, models.JSONMap{
		"packageId":   pkg.ID,
		"packageName": pkg.Name,
	}, "")
	if err := s.custody.Append(ctx, event); err != nil {
		// Without the custody record the membership change must not stand.
		previous.Version = pkg.Version
		if rollbackErr := s.packages.Update(context.WithoutCancel(ctx), previous); rollbackErr != nil {
			s.logger.Error("failed to revert package after custody failure",
				zap.String("package_id", pkg.ID), zap.Error(rollbackErr))
		}
		return nil, appErrors.Transient(err, "failed to record package custody event")
	}

	s.audit.Emit(ctx, actor, action, models.AuditResourcePackage, pkg.ID, models.JSONMap{
		"evidenceId": evidenceID,
		"itemCount":  len(pkg.Items),
	})
	return pkg, nil
}

// Generate builds the package bundle exactly once and moves the package to
// GENERATED.
func (s *PackageService) Generate(ctx context.Context, packageID string, actor models.Actor) (*models.EvidencePackage, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock("package:" + packageID)
	defer unlock()

	start := time.Now()
	pkg, err := s.load(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != models.PackageStatusDraft {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, "only DRAFT packages can be generated"),
			map[string]interface{}{"packageId": pkg.ID, "currentStatus": pkg.Status})
	}
	if len(pkg.Items) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "package has no items")
	}
	if pkg.Encrypted && len(s.cfg.Recipients) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "package encryption is not configured")
	}

	at := s.now()
	items, err := s.packageEvidence(ctx, pkg)
	if err != nil {
		return nil, err
	}
	bundle, totalSize, err := s.buildBundle(ctx, pkg, items, actor, at)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("package-%s.zip", pkg.ID)
	if pkg.Encrypted {
		bundle, err = export.Encrypt(bundle, s.cfg.Recipients...)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encrypt package bundle")
		}
		name += ".age"
	}
	sum := sha256.Sum256(bundle)
	key, err := s.blobs.Put(ctx, name, bundle)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to store package bundle")
	}

	pkg.Status = models.PackageStatusGenerated
	pkg.BundleKey = key
	pkg.BundleSHA256 = hex.EncodeToString(sum[:])
	pkg.ItemCount = len(items)
	pkg.TotalSizeBytes = totalSize
	pkg.GeneratedAt = &at
	pkg.GeneratedBy = actor.UserID
	if err := s.update(ctx, pkg, "generate"); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("failed to remove orphaned package bundle", zap.String("storage_key", key), zap.Error(delErr))
		}
		return nil, err
	}

	var custodyFailures []string
	for _, item := range items {
		event := newCustodyEvent(item.ID, models.CustodyExport, actor, at, models.JSONMap{
			"packageId":    pkg.ID,
			"bundleSha256": pkg.BundleSHA256,
			"encrypted":    pkg.Encrypted,
		}, "")
		if err := s.custody.Append(ctx, event); err != nil {
			custodyFailures = append(custodyFailures, item.ID)
			s.metrics.RecordCustodyFailure(string(models.CustodyExport))
			s.logger.Error("failed to record package export custody event",
				zap.String("package_id", pkg.ID), zap.String("evidence_id", item.ID), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	s.metrics.ObservePackageGeneration(elapsed)
	s.logger.Info("package generated",
		zap.String("package_id", pkg.ID),
		zap.Int("item_count", pkg.ItemCount),
		zap.Int64("total_size_bytes", pkg.TotalSizeBytes),
		zap.Duration("elapsed", elapsed),
	)
	s.audit.Emit(ctx, actor, models.AuditPackageGenerated, models.AuditResourcePackage, pkg.ID, models.JSONMap{
		"itemCount":      pkg.ItemCount,
		"totalSizeBytes": pkg.TotalSizeBytes,
		"durationMs":     elapsed.Milliseconds(),
		"bundleSha256":   pkg.BundleSHA256,
		"encrypted":      pkg.Encrypted,
		"custodyMissing": custodyFailures,
	})
	return pkg, nil
}

func (s *PackageService) packageEvidence(ctx context.Context, pkg *models.EvidencePackage) ([]*models.EvidenceItem, error) {
	entries := append(models.PackageItems(nil), pkg.Items...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Order < entries[j].Order })
	items := make([]*models.EvidenceItem, 0, len(entries))
	for _, entry := range entries {
		item, err := loadEvidence(ctx, s.evidence, entry.EvidenceID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

type bundleManifest struct {
	PackageID   string                `yaml:"packageId"`
	Name        string                `yaml:"name"`
	OwnerUnitID string                `yaml:"ownerUnitId"`
	GeneratedAt time.Time             `yaml:"generatedAt"`
	GeneratedBy string                `yaml:"generatedBy"`
	ItemCount   int                   `yaml:"itemCount"`
	Items       []bundleManifestEntry `yaml:"items"`
}

type bundleManifestEntry struct {
	Order      int                   `yaml:"order"`
	EvidenceID string                `yaml:"evidenceId"`
	Path       string                `yaml:"path"`
	SizeBytes  int64                 `yaml:"sizeBytes"`
	Hashes     models.HashSet        `yaml:"hashes"`
	Metadata   *bundleManifestDetail `yaml:"metadata,omitempty"`
}

type bundleManifestDetail struct {
	Type               models.EvidenceType   `yaml:"type"`
	Status             models.EvidenceStatus `yaml:"status"`
	Source             string                `yaml:"source,omitempty"`
	CapturedAt         *time.Time            `yaml:"capturedAt,omitempty"`
	Location           *models.GeoLocation   `yaml:"location,omitempty"`
	Filename           string                `yaml:"filename"`
	MimeType           string                `yaml:"mimeType"`
	SubmitterUserID    string                `yaml:"submitterUserId"`
	SubmitterUnitID    string                `yaml:"submitterUnitId"`
	Scope              string                `yaml:"scope,omitempty"`
	SensitivityLabel   string                `yaml:"sensitivityLabel,omitempty"`
	Tags               []string              `yaml:"tags,omitempty"`
	Links              []models.EvidenceLink `yaml:"links,omitempty"`
	OriginalEvidenceID string                `yaml:"originalEvidenceId,omitempty"`
}

func (s *PackageService) buildBundle(ctx context.Context, pkg *models.EvidencePackage, items []*models.EvidenceItem, actor models.Actor, at time.Time) ([]byte, int64, error) {
	bundle := export.NewBundleWriter(at)
	manifest := bundleManifest{
		PackageID:   pkg.ID,
		Name:        pkg.Name,
		OwnerUnitID: pkg.OwnerUnitID,
		GeneratedAt: at,
		GeneratedBy: actor.UserID,
		ItemCount:   len(items),
	}
	var total int64
	for i, item := range items {
		entryPath := path.Join("evidence", fmt.Sprintf("%03d-%s-%s", i+1, item.ID, path.Base(item.File.Filename)))
		rc, err := s.blobs.Open(ctx, item.File.StorageKey)
		if err != nil {
			return nil, 0, appErrors.Transient(err, "failed to open evidence file")
		}
		n, err := bundle.Add(entryPath, rc, isCompressedMedia(item.File.MimeType))
		_ = rc.Close()
		if err != nil {
			return nil, 0, appErrors.Transient(err, "failed to add evidence to bundle")
		}
		total += n
		entry := bundleManifestEntry{
			Order:      i + 1,
			EvidenceID: item.ID,
			Path:       entryPath,
			SizeBytes:  n,
			Hashes:     item.Hashes,
		}
		if pkg.IncludeMetadata {
			entry.Metadata = manifestDetail(item)
		}
		manifest.Items = append(manifest.Items, entry)
	}
	if err := bundle.AddYAML("manifest.yaml", manifest); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write package manifest")
	}
	if pkg.IncludeCustodyExcerpt {
		excerpt, err := s.custodyExcerpt(ctx, items)
		if err != nil {
			return nil, 0, err
		}
		if err := bundle.AddBytes("custody.csv", excerpt); err != nil {
			return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write custody excerpt")
		}
	}
	data, err := bundle.Close()
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize bundle")
	}
	return data, total, nil
}

func (s *PackageService) custodyExcerpt(ctx context.Context, items []*models.EvidenceItem) ([]byte, error) {
	var events []models.CustodyEvent
	for _, item := range items {
		itemEvents, err := s.custody.ListByEvidence(ctx, item.ID)
		if err != nil {
			return nil, appErrors.Transient(err, "failed to load custody excerpt")
		}
		events = append(events, itemEvents...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	data, err := export.RenderCSV(custodyTable(events))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render custody excerpt")
	}
	return data, nil
}

func manifestDetail(item *models.EvidenceItem) *bundleManifestDetail {
	detail := &bundleManifestDetail{
		Type:             item.Type,
		Status:           item.Status,
		Source:           item.Source,
		CapturedAt:       item.CapturedAt,
		Location:         item.Location,
		Filename:         item.File.Filename,
		MimeType:         item.File.MimeType,
		SubmitterUserID:  item.SubmitterUserID,
		SubmitterUnitID:  item.SubmitterUnitID,
		Scope:            item.Scope,
		SensitivityLabel: item.SensitivityLabel,
		Tags:             item.Tags,
		Links:            item.Links,
	}
	if item.OriginalEvidenceID != nil {
		detail.OriginalEvidenceID = *item.OriginalEvidenceID
	}
	return detail
}

func isCompressedMedia(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "image/"), strings.HasPrefix(mimeType, "video/"), strings.HasPrefix(mimeType, "audio/"):
		return true
	case mimeType == "application/zip", mimeType == "application/gzip":
		return true
	}
	return false
}

func (s *PackageService) load(ctx context.Context, id string) (*models.EvidencePackage, error) {
	pkg, err := s.packages.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "package not found"),
				map[string]interface{}{"packageId": id})
		}
		return nil, appErrors.Transient(err, "failed to load package")
	}
	return pkg, nil
}

func (s *PackageService) update(ctx context.Context, pkg *models.EvidencePackage, operation string) error {
	if err := s.packages.Update(ctx, pkg); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			details := map[string]interface{}{"packageId": pkg.ID, "operation": operation}
			if current, loadErr := s.packages.GetByID(ctx, pkg.ID); loadErr == nil {
				details["currentStatus"] = current.Status
			}
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition,
				"package was modified concurrently; reload and retry"), details)
		}
		return appErrors.Transient(err, "failed to update package")
	}
	return nil
}

func packageStateError(pkg *models.EvidencePackage, operation string) error {
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot %s: package is %s", operation, pkg.Status)),
		map[string]interface{}{"packageId": pkg.ID, "operation": operation, "currentStatus": pkg.Status})
}
