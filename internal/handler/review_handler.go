package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/response"
)

type reviewService interface {
	SubmitForReview(ctx context.Context, id string, req dto.SubmitRequest, actor models.Actor) (*models.EvidenceItem, error)
	StartReview(ctx context.Context, id string, req dto.StartReviewRequest, actor models.Actor) (*models.EvidenceItem, error)
	Approve(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error)
	Reject(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error)
	RequestMoreInfo(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error)
	Seal(ctx context.Context, id string, req dto.SealRequest, actor models.Actor) (*models.EvidenceItem, error)
	Archive(ctx context.Context, id string, req dto.ArchiveRequest, actor models.Actor) (*models.EvidenceItem, error)
}

// ReviewHandler drives the evidence status workflow.
type ReviewHandler struct {
	service reviewService
}

// NewReviewHandler constructs the handler.
func NewReviewHandler(service reviewService) *ReviewHandler {
	return &ReviewHandler{service: service}
}

// transition decodes the optional body into a fresh R and runs op.
func transition[R any](c *gin.Context, op func(context.Context, string, R, models.Actor) (*models.EvidenceItem, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req R
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, err)
		return
	}
	item, err := op(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Submit godoc
// @Summary Submit a draft for review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.SubmitRequest false "Note"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /evidence/{id}/submit [post]
func (h *ReviewHandler) Submit(c *gin.Context) {
	transition(c, h.service.SubmitForReview)
}

// StartReview godoc
// @Summary Assign a reviewer and start review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.StartReviewRequest false "Reviewer"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/start-review [post]
func (h *ReviewHandler) StartReview(c *gin.Context) {
	transition(c, h.service.StartReview)
}

// Approve godoc
// @Summary Approve evidence under review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/approve [post]
func (h *ReviewHandler) Approve(c *gin.Context) {
	transition(c, h.service.Approve)
}

// Reject godoc
// @Summary Reject evidence under review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/reject [post]
func (h *ReviewHandler) Reject(c *gin.Context) {
	transition(c, h.service.Reject)
}

// RequestMoreInfo godoc
// @Summary Send evidence back to the submitter
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/request-more-info [post]
func (h *ReviewHandler) RequestMoreInfo(c *gin.Context) {
	transition(c, h.service.RequestMoreInfo)
}

// Seal godoc
// @Summary Seal approved evidence
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.SealRequest false "Note"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/seal [post]
func (h *ReviewHandler) Seal(c *gin.Context) {
	transition(c, h.service.Seal)
}

// Archive godoc
// @Summary Archive evidence (administrators)
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.ArchiveRequest true "Archive request"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/archive [post]
func (h *ReviewHandler) Archive(c *gin.Context) {
	transition(c, h.service.Archive)
}
