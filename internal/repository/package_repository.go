package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

const packageColumns = `id, name, owner_unit_id, status, items, include_metadata, include_custody_excerpt, encrypted,
       bundle_key, bundle_sha256, item_count, total_size_bytes, generated_at, generated_by, created_by, version,
       created_at, updated_at`

// PackageRepository persists evidence packages.
type PackageRepository struct {
	db *sqlx.DB
}

// NewPackageRepository constructs the repository.
func NewPackageRepository(db *sqlx.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

// Create inserts a new package row.
func (r *PackageRepository) Create(ctx context.Context, pkg *models.EvidencePackage) error {
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = now
	}
	pkg.UpdatedAt = now
	pkg.Version = 1
	const query = `INSERT INTO evidence_packages (id, name, owner_unit_id, status, items, include_metadata,
    include_custody_excerpt, encrypted, bundle_key, bundle_sha256, item_count, total_size_bytes, generated_at,
    generated_by, created_by, version, created_at, updated_at)
VALUES (:id, :name, :owner_unit_id, :status, :items, :include_metadata, :include_custody_excerpt, :encrypted,
    :bundle_key, :bundle_sha256, :item_count, :total_size_bytes, :generated_at, :generated_by, :created_by,
    :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, pkg); err != nil {
		return fmt.Errorf("create evidence package: %w", err)
	}
	return nil
}

// GetByID returns a package by its identifier.
func (r *PackageRepository) GetByID(ctx context.Context, id string) (*models.EvidencePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM evidence_packages WHERE id = $1`
	var pkg models.EvidencePackage
	if err := r.db.GetContext(ctx, &pkg, query, id); err != nil {
		return nil, fmt.Errorf("get evidence package %s: %w", id, err)
	}
	return &pkg, nil
}

// ListByUnit returns the packages owned by a unit, newest first.
func (r *PackageRepository) ListByUnit(ctx context.Context, unitID string) ([]models.EvidencePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM evidence_packages WHERE owner_unit_id = $1 ORDER BY created_at DESC`
	var pkgs []models.EvidencePackage
	if err := r.db.SelectContext(ctx, &pkgs, query, unitID); err != nil {
		return nil, fmt.Errorf("list evidence packages: %w", err)
	}
	return pkgs, nil
}

// Update writes the mutable package fields guarded by the version the
// caller read.
func (r *PackageRepository) Update(ctx context.Context, pkg *models.EvidencePackage) error {
	pkg.UpdatedAt = time.Now().UTC()
	const query = `UPDATE evidence_packages SET name = :name, status = :status, items = :items, encrypted = :encrypted,
    bundle_key = :bundle_key, bundle_sha256 = :bundle_sha256, item_count = :item_count,
    total_size_bytes = :total_size_bytes, generated_at = :generated_at, generated_by = :generated_by,
    version = :version + 1, updated_at = :updated_at
WHERE id = :id AND version = :version`
	res, err := r.db.NamedExecContext(ctx, query, pkg)
	if err != nil {
		return fmt.Errorf("update evidence package: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check package update rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update package %s at version %d: %w", pkg.ID, pkg.Version, ErrVersionConflict)
	}
	pkg.Version++
	return nil
}
