// Package memory holds in-process implementations of the evidence
// repositories. They share one lock so a change set and its custody events
// become visible together, mirroring the postgres transaction.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
)

// Store is the shared state behind every memory repository.
type Store struct {
	mu       sync.RWMutex
	seq      int64
	evidence map[string]*models.EvidenceItem
	custody  []models.CustodyEvent
	packages map[string]*models.EvidencePackage
	exports  map[string]*models.ExportJob
	audit    []models.AuditEvent
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		evidence: make(map[string]*models.EvidenceItem),
		packages: make(map[string]*models.EvidencePackage),
		exports:  make(map[string]*models.ExportJob),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Evidence returns the evidence repository view.
func (s *Store) Evidence() *EvidenceRepository { return &EvidenceRepository{s: s} }

// Custody returns the custody ledger view.
func (s *Store) Custody() *CustodyRepository { return &CustodyRepository{s: s} }

// Packages returns the package repository view.
func (s *Store) Packages() *PackageRepository { return &PackageRepository{s: s} }

// Exports returns the export job repository view.
func (s *Store) Exports() *ExportRepository { return &ExportRepository{s: s} }

// Audit returns the audit sink view.
func (s *Store) Audit() *AuditRepository { return &AuditRepository{s: s} }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, sql.ErrNoRows)
}

// EvidenceRepository keeps evidence items in memory.
type EvidenceRepository struct {
	s *Store
}

// GetByID returns a copy of the stored item.
func (r *EvidenceRepository) GetByID(_ context.Context, id string) (*models.EvidenceItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	item, ok := r.s.evidence[id]
	if !ok {
		return nil, notFound("evidence", id)
	}
	return item.Clone(), nil
}

// List filters, sorts newest first and paginates.
func (r *EvidenceRepository) List(_ context.Context, filter models.EvidenceFilter) ([]models.EvidenceItem, int, error) {
	r.s.mu.RLock()
	matched := make([]models.EvidenceItem, 0, len(r.s.evidence))
	for _, item := range r.s.evidence {
		if matchesEvidence(item, filter) {
			matched = append(matched, *item.Clone())
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page, size := normalizePage(filter.Page, filter.PageSize)
	start := (page - 1) * size
	if start >= total {
		return []models.EvidenceItem{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Save applies the change set all or nothing.
func (r *EvidenceRepository) Save(_ context.Context, cs repository.ChangeSet) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range cs.Updates {
		stored, ok := s.evidence[item.ID]
		if !ok || stored.Version != item.Version {
			return fmt.Errorf("update evidence %s at version %d: %w", item.ID, item.Version, repository.ErrVersionConflict)
		}
	}
	for _, item := range cs.Inserts {
		if item.ID != "" {
			if _, exists := s.evidence[item.ID]; exists {
				return fmt.Errorf("insert evidence %s: duplicate id", item.ID)
			}
		}
	}

	now := s.now()
	for _, item := range cs.Inserts {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		item.Version = 1
		s.evidence[item.ID] = item.Clone()
	}
	for _, item := range cs.Updates {
		item.UpdatedAt = now
		item.Version++
		s.evidence[item.ID] = applyMutable(s.evidence[item.ID], item)
	}
	for _, event := range cs.Events {
		s.appendLocked(event)
	}
	return nil
}

// applyMutable copies the columns an update is allowed to write; identity,
// file, hashes and lineage origin stay as first stored.
func applyMutable(stored, item *models.EvidenceItem) *models.EvidenceItem {
	next := stored.Clone()
	src := item.Clone()
	next.Source = src.Source
	next.CapturedAt = src.CapturedAt
	next.Location = src.Location
	next.Status = src.Status
	next.Review = src.Review
	next.Links = src.Links
	next.Scope = src.Scope
	next.SensitivityLabel = src.SensitivityLabel
	next.Tags = src.Tags
	next.Notes = src.Notes
	next.DerivedVersionIDs = src.DerivedVersionIDs
	next.SealedAt = src.SealedAt
	next.SealedBy = src.SealedBy
	next.Version = src.Version
	next.UpdatedAt = src.UpdatedAt
	return next
}

func matchesEvidence(item *models.EvidenceItem, f models.EvidenceFilter) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.Type != "" && item.Type != f.Type {
		return false
	}
	if f.UnitID != "" && item.SubmitterUnitID != f.UnitID {
		return false
	}
	if f.Submitter != "" && item.SubmitterUserID != f.Submitter {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range item.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EntityType != "" && f.EntityID != "" && item.Links.Index(f.EntityType, f.EntityID) < 0 {
		return false
	}
	return true
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 50
	}
	return page, size
}

// CustodyRepository is the in-memory custody ledger. Events are only ever
// appended.
type CustodyRepository struct {
	s *Store
}

// Append stamps id, timestamp and sequence and records the event.
func (r *CustodyRepository) Append(_ context.Context, event *models.CustodyEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendLocked(event)
	return nil
}

func (s *Store) appendLocked(event *models.CustodyEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.seq++
	event.Sequence = s.seq
	stored := *event
	stored.Context = event.Context.Clone()
	s.custody = append(s.custody, stored)
}

// ListByEvidence returns the events of one item in append order.
func (r *CustodyRepository) ListByEvidence(ctx context.Context, evidenceID string) ([]models.CustodyEvent, error) {
	return r.List(ctx, models.CustodyFilter{EvidenceID: evidenceID})
}

// List returns events matching filter in append order.
func (r *CustodyRepository) List(_ context.Context, filter models.CustodyFilter) ([]models.CustodyEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]models.CustodyEvent, 0)
	for _, event := range r.s.custody {
		if filter.EvidenceID != "" && event.EvidenceID != filter.EvidenceID {
			continue
		}
		if filter.From != nil && event.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !event.Timestamp.Before(*filter.To) {
			continue
		}
		copied := event
		copied.Context = event.Context.Clone()
		out = append(out, copied)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// PackageRepository keeps packages in memory.
type PackageRepository struct {
	s *Store
}

// Create stores a new package at version 1.
func (r *PackageRepository) Create(_ context.Context, pkg *models.EvidencePackage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	if _, exists := r.s.packages[pkg.ID]; exists {
		return fmt.Errorf("create evidence package %s: duplicate id", pkg.ID)
	}
	now := r.s.now()
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = now
	}
	pkg.UpdatedAt = now
	pkg.Version = 1
	r.s.packages[pkg.ID] = pkg.Clone()
	return nil
}

// GetByID returns a copy of the stored package.
func (r *PackageRepository) GetByID(_ context.Context, id string) (*models.EvidencePackage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	pkg, ok := r.s.packages[id]
	if !ok {
		return nil, notFound("evidence package", id)
	}
	return pkg.Clone(), nil
}

// ListByUnit returns the packages owned by unitID, newest first.
func (r *PackageRepository) ListByUnit(_ context.Context, unitID string) ([]models.EvidencePackage, error) {
	r.s.mu.RLock()
	out := make([]models.EvidencePackage, 0)
	for _, pkg := range r.s.packages {
		if pkg.OwnerUnitID == unitID {
			out = append(out, *pkg.Clone())
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update replaces the package when the caller's version is current.
func (r *PackageRepository) Update(_ context.Context, pkg *models.EvidencePackage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.packages[pkg.ID]
	if !ok || stored.Version != pkg.Version {
		return fmt.Errorf("update package %s at version %d: %w", pkg.ID, pkg.Version, repository.ErrVersionConflict)
	}
	pkg.UpdatedAt = r.s.now()
	pkg.Version++
	next := pkg.Clone()
	next.CreatedAt = stored.CreatedAt
	next.OwnerUnitID = stored.OwnerUnitID
	next.CreatedBy = stored.CreatedBy
	r.s.packages[pkg.ID] = next
	return nil
}

// ExportRepository keeps export jobs in memory.
type ExportRepository struct {
	s *Store
}

// Create stores a new job, queued unless a status is set.
func (r *ExportRepository) Create(_ context.Context, job *models.ExportJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	now := r.s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	r.s.exports[job.ID] = job.Clone()
	return nil
}

// GetByID returns a copy of the stored job.
func (r *ExportRepository) GetByID(_ context.Context, id string) (*models.ExportJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	job, ok := r.s.exports[id]
	if !ok {
		return nil, notFound("export job", id)
	}
	return job.Clone(), nil
}

// Transition changes the job status when it is currently in one of from.
func (r *ExportRepository) Transition(_ context.Context, id string, from []models.ExportStatus, params repository.UpdateExportJobParams) (*models.ExportJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.exports[id]
	if !ok {
		return nil, notFound("export job", id)
	}
	allowed := false
	for _, status := range from {
		if job.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("transition export job %s from %s: %w", id, job.Status, sql.ErrNoRows)
	}
	job.Status = params.Status
	job.UpdatedAt = r.s.now()
	if params.FileKey != nil {
		job.FileKey = *params.FileKey
	}
	if params.FileSizeBytes != nil {
		job.FileSizeBytes = *params.FileSizeBytes
	}
	if params.ElapsedMs != nil {
		job.ElapsedMs = *params.ElapsedMs
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = *params.ErrorMessage
	}
	if params.StartedAt != nil {
		started := *params.StartedAt
		job.StartedAt = &started
	}
	if params.CompletedAt != nil {
		completed := *params.CompletedAt
		job.CompletedAt = &completed
	}
	return job.Clone(), nil
}

// IncrementDownload bumps the counter of a completed job under the store lock.
func (r *ExportRepository) IncrementDownload(_ context.Context, id string, at time.Time) (*models.ExportJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.exports[id]
	if !ok || job.Status != models.ExportStatusCompleted {
		return nil, notFound("completed export job", id)
	}
	job.DownloadCount++
	downloaded := at
	job.LastDownloadedAt = &downloaded
	job.UpdatedAt = at
	return job.Clone(), nil
}

// ListQueued returns unfinished jobs, oldest first.
func (r *ExportRepository) ListQueued(_ context.Context, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	r.s.mu.RLock()
	out := make([]models.ExportJob, 0)
	for _, job := range r.s.exports {
		if job.Status == models.ExportStatusQueued || job.Status == models.ExportStatusProcessing {
			out = append(out, *job.Clone())
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditRepository records audit events in memory.
type AuditRepository struct {
	s *Store
}

// Emit records the event.
func (r *AuditRepository) Emit(_ context.Context, event *models.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.s.now()
	}
	stored := *event
	stored.Payload = event.Payload.Clone()
	r.s.audit = append(r.s.audit, stored)
	return nil
}

// ListByResource returns the audit events of one resource in emit order.
func (r *AuditRepository) ListByResource(_ context.Context, resourceType, resourceID string) ([]models.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]models.AuditEvent, 0)
	for _, event := range r.s.audit {
		if event.ResourceType == resourceType && event.ResourceID == resourceID {
			copied := event
			copied.Payload = event.Payload.Clone()
			out = append(out, copied)
		}
	}
	return out, nil
}

// Events returns every recorded audit event in emit order.
func (r *AuditRepository) Events() []models.AuditEvent {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]models.AuditEvent(nil), r.s.audit...)
}
