package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/jobs"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Transition(ctx context.Context, id string, from []models.ExportStatus, params repository.UpdateExportJobParams) (*models.ExportJob, error)
	IncrementDownload(ctx context.Context, id string, at time.Time) (*models.ExportJob, error)
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
}

// custodyExportRoles may read the cross-unit custody ledger.
var custodyExportRoles = []models.UserRole{models.RoleAuditor, models.RoleReviewer, models.RoleAdmin, models.RoleSuperAdmin}

func hasRole(actor models.Actor, roles []models.UserRole) bool {
	for _, role := range roles {
		if actor.Role == role {
			return true
		}
	}
	return false
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// ExportService manages the lifecycle of asynchronous export jobs.
type ExportService struct {
	repo      exportJobStore
	packages  packageStore
	evidence  evidenceStore
	queue     jobDispatcher
	blobs     blobStore
	audit     *AuditEmitter
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewExportService constructs the service. A nil queue leaves jobs QUEUED for
// an external processor to complete.
func NewExportService(repo exportJobStore, packages packageStore, evidence evidenceStore, queue jobDispatcher, blobs blobStore, audit *AuditEmitter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		repo:      repo,
		packages:  packages,
		evidence:  evidence,
		queue:     queue,
		blobs:     blobs,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue attaches the dispatcher once the worker queue exists.
func (s *ExportService) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

// CreateExport validates the request, persists a QUEUED job and enqueues it.
func (s *ExportService) CreateExport(ctx context.Context, req dto.CreateExportRequest, actor models.Actor) (*models.ExportJob, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload")
	}
	if err := s.validateResource(ctx, req, actor); err != nil {
		return nil, err
	}

	params := models.ExportParams{Compress: req.Compress}
	if req.Type == models.ExportTypeCustodyLog {
		params.Format = req.Format
		if params.Format == "" {
			params.Format = models.CustodyFormatJSON
		}
		params.From = req.From
		params.To = req.To
	}
	job := &models.ExportJob{
		ID:              uuid.NewString(),
		Type:            req.Type,
		ResourceID:      strings.TrimSpace(req.ResourceID),
		Params:          params,
		RequestedBy:     actor.UserID,
		RequestedUnitID: actor.UnitID,
		Status:          models.ExportStatusQueued,
		CreatedAt:       s.now(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Transient(err, "failed to create export job")
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
			msg := "failed to enqueue job"
			if _, updateErr := s.repo.Transition(ctx, job.ID, []models.ExportStatus{models.ExportStatusQueued}, repository.UpdateExportJobParams{
				Status:       models.ExportStatusFailed,
				ErrorMessage: &msg,
			}); updateErr != nil {
				s.logger.Warn("failed to mark export job failed", zap.String("job_id", job.ID), zap.Error(updateErr))
			}
			s.metrics.RecordExportJob(string(job.Type), string(models.ExportStatusFailed))
			return nil, appErrors.Transient(err, "failed to enqueue export job")
		}
	}
	s.metrics.RecordExportJob(string(job.Type), string(job.Status))
	payload := models.JSONMap{
		"type":       string(job.Type),
		"resourceId": job.ResourceID,
	}
	if job.Type == models.ExportTypeCustodyLog {
		payload["format"] = string(params.Format)
		payload["compressed"] = params.Compress
		if params.From != nil {
			payload["from"] = params.From.UTC().Format(time.RFC3339)
		}
		if params.To != nil {
			payload["to"] = params.To.UTC().Format(time.RFC3339)
		}
	}
	s.audit.Emit(ctx, actor, models.AuditExportCreated, models.AuditResourceExport, job.ID, payload)
	return job, nil
}

// validateResource checks the export target and whether the actor may read
// it. Package exports only ship bundles that were already generated; the
// export path never generates a package on the requester's behalf.
func (s *ExportService) validateResource(ctx context.Context, req dto.CreateExportRequest, actor models.Actor) error {
	resourceID := strings.TrimSpace(req.ResourceID)
	switch req.Type {
	case models.ExportTypePackage:
		if resourceID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "resourceId is required for package exports")
		}
		pkg, err := s.packages.GetByID(ctx, resourceID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "package not found"),
					map[string]interface{}{"packageId": resourceID})
			}
			return appErrors.Transient(err, "failed to load package")
		}
		if !actor.IsElevated() && pkg.OwnerUnitID != actor.UnitID {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied, "package belongs to another unit"),
				map[string]interface{}{"packageId": pkg.ID})
		}
		if pkg.Status != models.PackageStatusGenerated {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, "only GENERATED packages can be exported"),
				map[string]interface{}{"packageId": pkg.ID, "currentStatus": pkg.Status})
		}
	case models.ExportTypeEvidence:
		if resourceID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "resourceId is required for evidence exports")
		}
		if _, err := loadEvidence(ctx, s.evidence, resourceID); err != nil {
			return err
		}
	case models.ExportTypeCustodyLog:
		if !hasRole(actor, custodyExportRoles) {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
				fmt.Sprintf("role %s may not export the custody log", actor.Role)),
				map[string]interface{}{"role": actor.Role})
		}
		if req.Format != "" && !req.Format.Valid() {
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "unsupported export format"),
				map[string]interface{}{"format": req.Format})
		}
		if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
			return appErrors.Clone(appErrors.ErrValidation, "from must be before to")
		}
	}
	return nil
}

// Get returns one job.
func (s *ExportService) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "export job not found"),
				map[string]interface{}{"jobId": id})
		}
		return nil, appErrors.Transient(err, "failed to load export job")
	}
	return job, nil
}

// StartExport marks a job PROCESSING. Retried jobs may already be processing.
func (s *ExportService) StartExport(ctx context.Context, id string) (*models.ExportJob, error) {
	now := s.now()
	job, err := s.repo.Transition(ctx, id, []models.ExportStatus{models.ExportStatusQueued, models.ExportStatusProcessing}, repository.UpdateExportJobParams{
		Status:    models.ExportStatusProcessing,
		StartedAt: &now,
	})
	if err != nil {
		return nil, s.transitionError(ctx, id, "start", err)
	}
	return job, nil
}

// CompleteExport records the produced artifact. Only QUEUED or PROCESSING
// jobs can complete.
func (s *ExportService) CompleteExport(ctx context.Context, id string, req dto.CompleteExportRequest, actor models.Actor) (*models.ExportJob, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export completion payload")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	elapsed := now.Sub(current.CreatedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	size := req.FileSizeBytes
	params := repository.UpdateExportJobParams{
		Status:        models.ExportStatusCompleted,
		FileSizeBytes: &size,
		ElapsedMs:     &elapsed,
		CompletedAt:   &now,
	}
	if req.FileKey != "" {
		key := req.FileKey
		params.FileKey = &key
	}
	job, err := s.repo.Transition(ctx, id, []models.ExportStatus{models.ExportStatusQueued, models.ExportStatusProcessing}, params)
	if err != nil {
		return nil, s.transitionError(ctx, id, "complete", err)
	}
	s.metrics.RecordExportJob(string(job.Type), string(job.Status))
	s.logger.Info("export job completed",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int64("file_size_bytes", job.FileSizeBytes),
		zap.Int64("elapsed_ms", job.ElapsedMs),
	)
	s.audit.Emit(ctx, actor, models.AuditExportCompleted, models.AuditResourceExport, job.ID, models.JSONMap{
		"type":          string(job.Type),
		"fileSizeBytes": job.FileSizeBytes,
		"elapsedMs":     job.ElapsedMs,
	})
	return job, nil
}

// FailExport records a terminal failure.
func (s *ExportService) FailExport(ctx context.Context, id, message string, actor models.Actor) (*models.ExportJob, error) {
	if strings.TrimSpace(message) == "" {
		message = "export failed"
	}
	now := s.now()
	job, err := s.repo.Transition(ctx, id, []models.ExportStatus{models.ExportStatusQueued, models.ExportStatusProcessing}, repository.UpdateExportJobParams{
		Status:       models.ExportStatusFailed,
		ErrorMessage: &message,
		CompletedAt:  &now,
	})
	if err != nil {
		return nil, s.transitionError(ctx, id, "fail", err)
	}
	s.metrics.RecordExportJob(string(job.Type), string(job.Status))
	s.audit.Emit(ctx, actor, models.AuditExportFailed, models.AuditResourceExport, job.ID, models.JSONMap{
		"type":  string(job.Type),
		"error": message,
	})
	return job, nil
}

// DownloadExport counts one download of a COMPLETED job and signs a URL for
// its artifact. Concurrent downloads are each counted exactly once.
func (s *ExportService) DownloadExport(ctx context.Context, id string, actor models.Actor) (*dto.ExportDownloadResponse, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	job, err := s.repo.IncrementDownload(ctx, id, s.now())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Transient(err, "failed to record export download")
		}
		current, loadErr := s.Get(ctx, id)
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, "only COMPLETED exports can be downloaded"),
			map[string]interface{}{"jobId": id, "currentStatus": current.Status})
	}

	resp := &dto.ExportDownloadResponse{Job: job}
	if job.FileKey != "" && s.blobs != nil {
		url, expiresAt, err := s.blobs.PublicURL(job.FileKey)
		if err != nil {
			return nil, appErrors.Transient(err, "failed to sign export url")
		}
		resp.URL = url
		resp.ExpiresAt = &expiresAt
	}
	s.audit.Emit(ctx, actor, models.AuditExportDownloaded, models.AuditResourceExport, job.ID, models.JSONMap{
		"downloadCount": job.DownloadCount,
	})
	return resp, nil
}

// RecoverPending re-enqueues unfinished jobs after a restart.
func (s *ExportService) RecoverPending(ctx context.Context) {
	if s.queue == nil {
		return
	}
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Warn("failed to recover queued export jobs", zap.Error(err))
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
			s.logger.Warn("failed to requeue pending export job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (s *ExportService) transitionError(ctx context.Context, id, operation string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Transient(err, "failed to update export job")
	}
	current, loadErr := s.Get(ctx, id)
	if loadErr != nil {
		return loadErr
	}
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot %s export job in status %s", operation, current.Status)),
		map[string]interface{}{"jobId": id, "operation": operation, "currentStatus": current.Status})
}

type artifactStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Size(ctx context.Context, key string) (int64, error)
}

// ExportWorker bridges queue jobs to the artifact builders.
type ExportWorker struct {
	exports   *ExportService
	packages  *PackageService
	custody   *CustodyService
	evidence  evidenceStore
	custodyDB custodyStore
	store     artifactStore
	logger    *zap.Logger
}

// NewExportWorker constructs a worker.
func NewExportWorker(exports *ExportService, packages *PackageService, custody *CustodyService, evidence evidenceStore, custodyDB custodyStore, store artifactStore, logger *zap.Logger) *ExportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportWorker{
		exports:   exports,
		packages:  packages,
		custody:   custody,
		evidence:  evidence,
		custodyDB: custodyDB,
		store:     store,
		logger:    logger,
	}
}

// Handle processes a queue job. Errors are retried by the queue.
func (w *ExportWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.exports.StartExport(ctx, job.ID)
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrInvalidTransition.Code) || appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			w.logger.Info("skipping export job", zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		return err
	}
	requester := models.Actor{UserID: record.RequestedBy, UnitID: record.RequestedUnitID}

	var key string
	var size int64
	switch record.Type {
	case models.ExportTypePackage:
		key, size, err = w.packageArtifact(ctx, record)
	case models.ExportTypeCustodyLog:
		key, size, err = w.custodyArtifact(ctx, record, requester)
	case models.ExportTypeEvidence:
		key, size, err = w.evidenceArtifact(ctx, record, requester)
	default:
		err = fmt.Errorf("unsupported export type %s", record.Type)
	}
	if err != nil {
		return err
	}

	_, err = w.exports.CompleteExport(ctx, record.ID, dto.CompleteExportRequest{FileSizeBytes: size, FileKey: key}, models.SystemActor())
	return err
}

// GiveUp marks a job FAILED once the queue exhausted its retries.
func (w *ExportWorker) GiveUp(ctx context.Context, job jobs.Job, cause error) {
	if _, err := w.exports.FailExport(context.WithoutCancel(ctx), job.ID, cause.Error(), models.SystemActor()); err != nil {
		w.logger.Warn("failed to mark export job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *ExportWorker) packageArtifact(ctx context.Context, record *models.ExportJob) (string, int64, error) {
	pkg, err := w.packages.Get(ctx, record.ResourceID)
	if err != nil {
		return "", 0, err
	}
	if pkg.Status != models.PackageStatusGenerated || pkg.BundleKey == "" {
		return "", 0, fmt.Errorf("package %s has no generated bundle (status %s)", pkg.ID, pkg.Status)
	}
	size, err := w.store.Size(ctx, pkg.BundleKey)
	if err != nil {
		return "", 0, fmt.Errorf("stat package bundle: %w", err)
	}
	return pkg.BundleKey, size, nil
}

func (w *ExportWorker) custodyArtifact(ctx context.Context, record *models.ExportJob, requester models.Actor) (string, int64, error) {
	out, err := w.custody.Export(ctx, dto.CustodyExportQuery{
		From:       record.Params.From,
		To:         record.Params.To,
		Format:     record.Params.Format,
		EvidenceID: record.ResourceID,
		Compress:   record.Params.Compress,
	}, requester)
	if err != nil {
		return "", 0, err
	}
	key, err := w.store.Put(ctx, out.Filename, out.Content)
	if err != nil {
		return "", 0, fmt.Errorf("store custody export: %w", err)
	}
	return key, int64(len(out.Content)), nil
}

func (w *ExportWorker) evidenceArtifact(ctx context.Context, record *models.ExportJob, requester models.Actor) (string, int64, error) {
	item, err := loadEvidence(ctx, w.evidence, record.ResourceID)
	if err != nil {
		return "", 0, err
	}
	event := newCustodyEvent(item.ID, models.CustodyExport, requester, time.Now().UTC(), models.JSONMap{
		"exportJobId": record.ID,
		"sha256":      item.Hashes.Primary(),
	}, "")
	if err := w.custodyDB.Append(ctx, event); err != nil {
		return "", 0, fmt.Errorf("record evidence export custody: %w", err)
	}
	return item.File.StorageKey, item.File.SizeBytes, nil
}
