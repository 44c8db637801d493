package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
)

type evidenceStore interface {
	GetByID(ctx context.Context, id string) (*models.EvidenceItem, error)
	List(ctx context.Context, filter models.EvidenceFilter) ([]models.EvidenceItem, int, error)
	Save(ctx context.Context, cs repository.ChangeSet) error
}

// evidenceTransitions is the complete lifecycle table. Any status other than
// ARCHIVED may additionally move to ARCHIVED through the administrative path.
var evidenceTransitions = map[models.EvidenceStatus][]models.EvidenceStatus{
	models.EvidenceStatusDraft:        {models.EvidenceStatusSubmitted},
	models.EvidenceStatusSubmitted:    {models.EvidenceStatusInReview},
	models.EvidenceStatusInReview:     {models.EvidenceStatusApproved, models.EvidenceStatusRejected, models.EvidenceStatusNeedMoreInfo},
	models.EvidenceStatusApproved:     {models.EvidenceStatusSealed},
	models.EvidenceStatusNeedMoreInfo: {models.EvidenceStatusSubmitted},
	models.EvidenceStatusRejected:     {},
	models.EvidenceStatusSealed:       {},
	models.EvidenceStatusArchived:     {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to models.EvidenceStatus) bool {
	next, ok := evidenceTransitions[from]
	if !ok {
		return false
	}
	if to == models.EvidenceStatusArchived {
		return from != models.EvidenceStatusArchived
	}
	for _, candidate := range next {
		if candidate == to {
			return true
		}
	}
	return false
}

// TransitionRequest describes one status change.
type TransitionRequest struct {
	EvidenceID string
	Operation  string
	Target     models.EvidenceStatus
	Event      models.CustodyEventType
	Note       string
	Context    models.JSONMap
	// Mutate runs on the reloaded item after the transition was validated and
	// before it is persisted. A returned error aborts the transition.
	Mutate func(item *models.EvidenceItem, at time.Time) error
}

// StatusEngine is the only writer of evidence status. It serializes every
// mutation of an item behind a per-id lock and persists the item together
// with its custody events.
type StatusEngine struct {
	repo    evidenceStore
	locks   *keylock.KeyLock
	audit   *AuditEmitter
	metrics *MetricsService
	cache   *CacheService
	logger  *zap.Logger
	now     func() time.Time
}

// NewStatusEngine constructs the engine.
func NewStatusEngine(repo evidenceStore, locks *keylock.KeyLock, audit *AuditEmitter, metrics *MetricsService, cache *CacheService, logger *zap.Logger) *StatusEngine {
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusEngine{
		repo:    repo,
		locks:   locks,
		audit:   audit,
		metrics: metrics,
		cache:   cache,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Check validates moving item to target on behalf of operation.
func (e *StatusEngine) Check(item *models.EvidenceItem, operation string, target models.EvidenceStatus) error {
	details := map[string]interface{}{
		"evidenceId":    item.ID,
		"operation":     operation,
		"currentStatus": item.Status,
		"targetStatus":  target,
	}
	if target == models.EvidenceStatusSealed && item.Status != models.EvidenceStatusApproved {
		return appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
			fmt.Sprintf("only APPROVED evidence can be sealed (current status %s)", item.Status)), details)
	}
	if !CanTransition(item.Status, target) {
		return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot %s evidence in status %s (target %s)", operation, item.Status, target)), details)
	}
	return nil
}

// Apply performs one transition. Concurrent requests on the same item run one
// after the other; a request whose precondition no longer holds fails with
// INVALID_STATE_TRANSITION.
func (e *StatusEngine) Apply(ctx context.Context, actor models.Actor, req TransitionRequest) (*models.EvidenceItem, error) {
	if req.Target == models.EvidenceStatusArchived && !actor.IsElevated() {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied, "archiving requires an administrative role"),
			map[string]interface{}{"evidenceId": req.EvidenceID, "operation": req.Operation})
	}

	var from models.EvidenceStatus
	item, err := e.mutate(ctx, req.EvidenceID, req.Operation, req.Target, func(item *models.EvidenceItem, at time.Time) (repository.ChangeSet, error) {
		if err := e.Check(item, req.Operation, req.Target); err != nil {
			return repository.ChangeSet{}, err
		}
		from = item.Status
		if req.Mutate != nil {
			if err := req.Mutate(item, at); err != nil {
				return repository.ChangeSet{}, err
			}
		}
		item.Status = req.Target

		eventContext := req.Context.Clone()
		if eventContext == nil {
			eventContext = models.JSONMap{}
		}
		eventContext["fromStatus"] = string(from)
		eventContext["toStatus"] = string(req.Target)
		return repository.ChangeSet{
			Updates: []*models.EvidenceItem{item},
			Events:  []*models.CustodyEvent{newCustodyEvent(item.ID, req.Event, actor, at, eventContext, req.Note)},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(string(from), string(req.Target))
	e.logger.Info("evidence status changed",
		zap.String("evidence_id", item.ID),
		zap.String("operation", req.Operation),
		zap.String("from", string(from)),
		zap.String("to", string(req.Target)),
		zap.String("actor_user_id", actor.UserID),
	)
	payload := models.JSONMap{
		"operation":  req.Operation,
		"fromStatus": string(from),
		"toStatus":   string(req.Target),
	}
	if req.Note != "" {
		payload["note"] = req.Note
	}
	e.audit.Emit(ctx, actor, models.AuditEvidenceStatusChanged, models.AuditResourceEvidence, item.ID, payload)
	return item, nil
}

type mutationFunc func(item *models.EvidenceItem, at time.Time) (repository.ChangeSet, error)

// mutate loads the item under its lock, lets fn build the change set and
// saves it. A version conflict means another process won the race; it is
// reported against the status the item has now.
func (e *StatusEngine) mutate(ctx context.Context, id, operation string, target models.EvidenceStatus, fn mutationFunc) (*models.EvidenceItem, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	item, err := loadEvidence(ctx, e.repo, id)
	if err != nil {
		return nil, err
	}
	cs, err := fn(item, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, cs); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, e.conflict(ctx, id, operation, target)
		}
		return nil, appErrors.Transient(err, "failed to persist evidence change")
	}
	keys := make([]string, 0, len(cs.Updates))
	for _, updated := range cs.Updates {
		keys = append(keys, evidenceCacheKey(updated.ID))
	}
	_ = e.cache.Invalidate(ctx, keys...)
	return item, nil
}

func (e *StatusEngine) conflict(ctx context.Context, id, operation string, target models.EvidenceStatus) error {
	details := map[string]interface{}{"evidenceId": id, "operation": operation}
	if target != "" {
		details["targetStatus"] = target
	}
	if current, err := e.repo.GetByID(ctx, id); err == nil {
		details["currentStatus"] = current.Status
	}
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition,
		"evidence was modified concurrently; reload and retry"), details)
}

func loadEvidence(ctx context.Context, repo evidenceStore, id string) (*models.EvidenceItem, error) {
	item, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "evidence not found"),
				map[string]interface{}{"evidenceId": id})
		}
		return nil, appErrors.Transient(err, "failed to load evidence")
	}
	return item, nil
}

func newCustodyEvent(evidenceID string, eventType models.CustodyEventType, actor models.Actor, at time.Time, eventContext models.JSONMap, note string) *models.CustodyEvent {
	return &models.CustodyEvent{
		EvidenceID:  evidenceID,
		EventType:   eventType,
		ActorUserID: actor.UserID,
		ActorUnitID: actor.UnitID,
		Timestamp:   at,
		Context:     eventContext,
		Note:        note,
	}
}

func immutableError(item *models.EvidenceItem, operation string) error {
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
		fmt.Sprintf("evidence in status %s is immutable", item.Status)),
		map[string]interface{}{"evidenceId": item.ID, "operation": operation, "currentStatus": item.Status})
}

func requireActor(actor models.Actor) error {
	if actor.UserID == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "actor userId is required")
	}
	return nil
}
