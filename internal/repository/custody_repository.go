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

const custodyColumns = `seq, id, evidence_id, event_type, actor_user_id, actor_unit_id, occurred_at, context, note`

// CustodyRepository is the append-only custody ledger. It deliberately has no
// update or delete operations; the schema additionally rejects them.
type CustodyRepository struct {
	db *sqlx.DB
}

// NewCustodyRepository constructs the repository.
func NewCustodyRepository(db *sqlx.DB) *CustodyRepository {
	return &CustodyRepository{db: db}
}

// Append inserts one event and stamps its ledger sequence.
func (r *CustodyRepository) Append(ctx context.Context, event *models.CustodyEvent) error {
	return insertCustodyEvent(ctx, r.db, event)
}

// ListByEvidence returns every event of one evidence item in append order.
func (r *CustodyRepository) ListByEvidence(ctx context.Context, evidenceID string) ([]models.CustodyEvent, error) {
	query := `SELECT ` + custodyColumns + ` FROM custody_events WHERE evidence_id = $1 ORDER BY seq ASC`
	var events []models.CustodyEvent
	if err := r.db.SelectContext(ctx, &events, query, evidenceID); err != nil {
		return nil, fmt.Errorf("list custody events: %w", err)
	}
	return events, nil
}

// List returns events matching filter in append order.
func (r *CustodyRepository) List(ctx context.Context, filter models.CustodyFilter) ([]models.CustodyEvent, error) {
	args := make([]interface{}, 0, 3)
	conditions := make([]string, 0, 3)
	if filter.EvidenceID != "" {
		args = append(args, filter.EvidenceID)
		conditions = append(conditions, fmt.Sprintf("evidence_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("occurred_at < $%d", len(args)))
	}

	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + custodyColumns + ` FROM custody_events`)
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY seq ASC")
	if filter.Limit > 0 {
		builder.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	var events []models.CustodyEvent
	if err := r.db.SelectContext(ctx, &events, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list custody events: %w", err)
	}
	return events, nil
}

func insertCustodyEvent(ctx context.Context, q sqlx.QueryerContext, event *models.CustodyEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	const query = `INSERT INTO custody_events (id, evidence_id, event_type, actor_user_id, actor_unit_id, occurred_at, context, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`
	if err := q.QueryRowxContext(ctx, query,
		event.ID,
		event.EvidenceID,
		event.EventType,
		event.ActorUserID,
		event.ActorUnitID,
		event.Timestamp,
		event.Context,
		event.Note,
	).Scan(&event.Sequence); err != nil {
		return fmt.Errorf("append custody event: %w", err)
	}
	return nil
}
