package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

const evidenceColumns = `id, type, source, captured_at, location, file, submitter_user_id, submitter_unit_id,
       hashes, status, review, links, scope, sensitivity_label, tags, notes, original_evidence_id,
       derived_version_ids, derivation_reason, derived_at, derived_by, sealed_at, sealed_by, version,
       created_at, updated_at`

// ChangeSet is one atomic unit of evidence writes: new items, updates
// guarded by the version the caller read, and the custody events that
// describe them.
type ChangeSet struct {
	Inserts []*models.EvidenceItem
	Updates []*models.EvidenceItem
	Events  []*models.CustodyEvent
}

// EvidenceRepository persists evidence items.
type EvidenceRepository struct {
	db *sqlx.DB
}

// NewEvidenceRepository constructs the repository.
func NewEvidenceRepository(db *sqlx.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// GetByID retrieves one evidence row.
func (r *EvidenceRepository) GetByID(ctx context.Context, id string) (*models.EvidenceItem, error) {
	query := `SELECT ` + evidenceColumns + ` FROM evidence_items WHERE id = $1`
	var item models.EvidenceItem
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, fmt.Errorf("get evidence %s: %w", id, err)
	}
	return &item, nil
}

// List returns evidence applying filters, newest first, with the total count.
func (r *EvidenceRepository) List(ctx context.Context, filter models.EvidenceFilter) ([]models.EvidenceItem, int, error) {
	args := make([]interface{}, 0, 8)
	conditions := make([]string, 0, 8)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.UnitID != "" {
		args = append(args, filter.UnitID)
		conditions = append(conditions, fmt.Sprintf("submitter_unit_id = $%d", len(args)))
	}
	if filter.Submitter != "" {
		args = append(args, filter.Submitter)
		conditions = append(conditions, fmt.Sprintf("submitter_user_id = $%d", len(args)))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	if filter.EntityType != "" && filter.EntityID != "" {
		args = append(args, fmt.Sprintf(`[{"entityType":%q,"entityId":%q}]`, filter.EntityType, filter.EntityID))
		conditions = append(conditions, fmt.Sprintf("links @> $%d::jsonb", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM evidence_items"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count evidence: %w", err)
	}

	page, size := normalizePage(filter.Page, filter.PageSize)
	query := fmt.Sprintf("SELECT %s FROM evidence_items%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d",
		evidenceColumns, where, size, (page-1)*size)

	var items []models.EvidenceItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list evidence: %w", err)
	}
	return items, total, nil
}

// Save applies the change set in a single transaction. Every update must
// carry the version it was read at; a concurrent writer makes the update
// affect no rows and the whole set rolls back with ErrVersionConflict. On
// success the items carry their new versions and the events their ledger
// sequence.
func (r *EvidenceRepository) Save(ctx context.Context, cs ChangeSet) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evidence tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, item := range cs.Inserts {
		if err = insertEvidence(ctx, tx, item, now); err != nil {
			return err
		}
	}
	for _, item := range cs.Updates {
		if err = updateEvidence(ctx, tx, item, now); err != nil {
			return err
		}
	}
	for _, event := range cs.Events {
		if err = insertCustodyEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit evidence tx: %w", err)
	}
	for _, item := range cs.Updates {
		item.Version++
	}
	return nil
}

func insertEvidence(ctx context.Context, tx *sqlx.Tx, item *models.EvidenceItem, now time.Time) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Version = 1
	const query = `INSERT INTO evidence_items (id, type, source, captured_at, location, file, submitter_user_id,
    submitter_unit_id, hashes, status, review, links, scope, sensitivity_label, tags, notes, original_evidence_id,
    derived_version_ids, derivation_reason, derived_at, derived_by, sealed_at, sealed_by, version, created_at, updated_at)
VALUES (:id, :type, :source, :captured_at, :location, :file, :submitter_user_id, :submitter_unit_id, :hashes,
    :status, :review, :links, :scope, :sensitivity_label, :tags, :notes, :original_evidence_id, :derived_version_ids,
    :derivation_reason, :derived_at, :derived_by, :sealed_at, :sealed_by, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// updateEvidence never touches id, type, file or hashes: those are fixed at
// ingestion.
func updateEvidence(ctx context.Context, tx *sqlx.Tx, item *models.EvidenceItem, now time.Time) error {
	item.UpdatedAt = now
	const query = `UPDATE evidence_items SET source = :source, captured_at = :captured_at, location = :location,
    status = :status, review = :review, links = :links, scope = :scope, sensitivity_label = :sensitivity_label,
    tags = :tags, notes = :notes, derived_version_ids = :derived_version_ids, sealed_at = :sealed_at,
    sealed_by = :sealed_by, version = :version + 1, updated_at = :updated_at
WHERE id = :id AND version = :version`
	res, err := tx.NamedExecContext(ctx, query, item)
	if err != nil {
		return fmt.Errorf("update evidence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check evidence update rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update evidence %s at version %d: %w", item.ID, item.Version, ErrVersionConflict)
	}
	return nil
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
