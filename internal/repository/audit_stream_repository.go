package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// AuditStreamRepository publishes audit events onto a Redis stream for
// downstream SIEM consumers.
type AuditStreamRepository struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewAuditStreamRepository constructs the stream publisher.
func NewAuditStreamRepository(client *redis.Client, stream string, maxLen int64) *AuditStreamRepository {
	if stream == "" {
		stream = "audit:evidence"
	}
	return &AuditStreamRepository{client: client, stream: stream, maxLen: maxLen}
}

// Emit appends the event to the stream.
func (r *AuditStreamRepository) Emit(ctx context.Context, event *models.AuditEvent) error {
	if r.client == nil {
		return fmt.Errorf("audit stream %s: redis client not configured", r.stream)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"id":           event.ID,
			"action":       event.Action,
			"actorUserId":  event.ActorUserID,
			"actorUnitId":  event.ActorUnitID,
			"resourceType": event.ResourceType,
			"resourceId":   event.ResourceID,
			"requestId":    event.RequestID,
			"createdAt":    event.CreatedAt.Format(time.RFC3339Nano),
			"payload":      string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
