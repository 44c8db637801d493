package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
)

// ReviewService drives evidence through submission, review decisions,
// sealing and archival. Every operation is one StatusEngine transition.
type ReviewService struct {
	engine *StatusEngine
}

// NewReviewService constructs the service.
func NewReviewService(engine *StatusEngine) *ReviewService {
	return &ReviewService{engine: engine}
}

// SubmitForReview moves a complete DRAFT or NEED_MORE_INFO item to SUBMITTED.
func (s *ReviewService) SubmitForReview(ctx context.Context, id string, req dto.SubmitRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.engine.Apply(ctx, actor, TransitionRequest{
		EvidenceID: id,
		Operation:  "submit",
		Target:     models.EvidenceStatusSubmitted,
		Event:      models.CustodySubmit,
		Note:       strings.TrimSpace(req.Note),
		Mutate: func(item *models.EvidenceItem, _ time.Time) error {
			missing := item.MissingFields()
			if len(missing) == 0 {
				return nil
			}
			return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("evidence is incomplete: missing %s", strings.Join(missing, ", "))),
				map[string]interface{}{"evidenceId": item.ID, "missingFields": missing})
		},
	})
}

// StartReview assigns a reviewer and moves SUBMITTED to IN_REVIEW.
func (s *ReviewService) StartReview(ctx context.Context, id string, req dto.StartReviewRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		reviewer = actor.UserID
	}
	return s.engine.Apply(ctx, actor, TransitionRequest{
		EvidenceID: id,
		Operation:  "start review",
		Target:     models.EvidenceStatusInReview,
		Event:      models.CustodyStartReview,
		Note:       strings.TrimSpace(req.Note),
		Context:    models.JSONMap{"reviewerId": reviewer},
		Mutate: func(item *models.EvidenceItem, at time.Time) error {
			assigned := at
			item.Review = &models.ReviewRecord{AssignedReviewerID: reviewer, AssignedAt: &assigned}
			return nil
		},
	})
}

// Approve records an APPROVED decision.
func (s *ReviewService) Approve(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error) {
	return s.decide(ctx, id, req, actor, "approve", models.ReviewDecisionApproved, models.EvidenceStatusApproved, models.CustodyApprove)
}

// Reject records a REJECTED decision.
func (s *ReviewService) Reject(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error) {
	return s.decide(ctx, id, req, actor, "reject", models.ReviewDecisionRejected, models.EvidenceStatusRejected, models.CustodyReject)
}

// RequestMoreInfo sends the item back to the submitter.
func (s *ReviewService) RequestMoreInfo(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error) {
	return s.decide(ctx, id, req, actor, "request more info", models.ReviewDecisionNeedMoreInfo, models.EvidenceStatusNeedMoreInfo, models.CustodyRequestMoreInfo)
}

func (s *ReviewService) decide(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor, operation string, decision models.ReviewDecision, target models.EvidenceStatus, event models.CustodyEventType) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	return s.engine.Apply(ctx, actor, TransitionRequest{
		EvidenceID: id,
		Operation:  operation,
		Target:     target,
		Event:      event,
		Note:       reason,
		Context:    models.JSONMap{"decision": string(decision)},
		Mutate: func(item *models.EvidenceItem, at time.Time) error {
			if reason == "" {
				return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "decision reason is required"),
					map[string]interface{}{"evidenceId": item.ID, "operation": operation})
			}
			review := models.ReviewRecord{}
			if item.Review != nil {
				review = *item.Review
			}
			decided := at
			d := decision
			review.Decision = &d
			review.DecisionAt = &decided
			review.DecisionReason = reason
			review.DecidedBy = actor.UserID
			item.Review = &review
			return nil
		},
	})
}

// Seal makes an APPROVED item permanently immutable.
func (s *ReviewService) Seal(ctx context.Context, id string, req dto.SealRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.engine.Apply(ctx, actor, TransitionRequest{
		EvidenceID: id,
		Operation:  "seal",
		Target:     models.EvidenceStatusSealed,
		Event:      models.CustodySeal,
		Note:       strings.TrimSpace(req.Note),
		Mutate: func(item *models.EvidenceItem, at time.Time) error {
			sealed := at
			item.SealedAt = &sealed
			item.SealedBy = actor.UserID
			return nil
		},
	})
}

// Archive retires an item through the administrative override path.
func (s *ReviewService) Archive(ctx context.Context, id string, req dto.ArchiveRequest, actor models.Actor) (*models.EvidenceItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !req.AdminOverride || !actor.IsElevated() {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrPermissionDenied,
			"archiving requires adminOverride and an administrative role"),
			map[string]interface{}{"evidenceId": id, "operation": "archive"})
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "archive reason is required")
	}
	return s.engine.Apply(ctx, actor, TransitionRequest{
		EvidenceID: id,
		Operation:  "archive",
		Target:     models.EvidenceStatusArchived,
		Event:      models.CustodyArchive,
		Note:       reason,
		Context:    models.JSONMap{"adminOverride": true},
	})
}
