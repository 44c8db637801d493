package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/pkg/middleware/requestid"
)

// AuditSink accepts structured audit events.
type AuditSink interface {
	Emit(ctx context.Context, event *models.AuditEvent) error
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []AuditSink

// Emit implements AuditSink.
func (m MultiSink) Emit(ctx context.Context, event *models.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		copied := *event
		if err := sink.Emit(ctx, &copied); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditEmitter delivers audit events after the primary operation commits. A
// delivery failure never fails the operation; it is logged at WARN and counted
// on audit_delivery_failures_total instead.
type AuditEmitter struct {
	sink    AuditSink
	metrics *MetricsService
	logger  *zap.Logger
}

// NewAuditEmitter constructs the emitter. A nil sink drops events.
func NewAuditEmitter(sink AuditSink, metrics *MetricsService, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{sink: sink, metrics: metrics, logger: logger}
}

// Emit records action by actor against one resource.
func (e *AuditEmitter) Emit(ctx context.Context, actor models.Actor, action, resourceType, resourceID string, payload models.JSONMap) {
	if e == nil || e.sink == nil {
		return
	}
	event := &models.AuditEvent{
		ActorUserID:  actor.UserID,
		ActorUnitID:  actor.UnitID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
		RequestID:    requestid.FromContext(ctx),
	}
	if err := e.sink.Emit(ctx, event); err != nil {
		e.metrics.RecordAuditFailure(action)
		e.logger.Warn("audit delivery failed",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.String("actor_user_id", actor.UserID),
			zap.Error(err),
		)
	}
}
