package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// AuditRepository stores audit events in postgres.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Emit persists one audit event.
func (r *AuditRepository) Emit(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, actor_user_id, actor_unit_id, action, resource_type, resource_id, payload, request_id, created_at)
VALUES (:id, :actor_user_id, :actor_unit_id, :action, :resource_type, :resource_id, :payload, :request_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByResource returns audit events of one resource, oldest first.
func (r *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]models.AuditEvent, error) {
	const query = `SELECT id, actor_user_id, actor_unit_id, action, resource_type, resource_id, payload, request_id, created_at
FROM audit_logs WHERE resource_type = $1 AND resource_id = $2 ORDER BY created_at ASC`
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, resourceType, resourceID); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
