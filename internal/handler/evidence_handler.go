package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/response"
)

type evidenceService interface {
	Create(ctx context.Context, req dto.CreateEvidenceRequest, upload service.EvidenceUpload, actor models.Actor) (*models.EvidenceItem, error)
	Get(ctx context.Context, id string) (*models.EvidenceItem, error)
	List(ctx context.Context, query dto.EvidenceQuery, actor models.Actor) ([]models.EvidenceItem, *models.Pagination, error)
	History(ctx context.Context, id string) ([]models.CustodyEvent, error)
	Verify(ctx context.Context, id string, actor models.Actor) (*dto.VerificationResponse, error)
	UpdateMetadata(ctx context.Context, id string, req dto.UpdateEvidenceRequest, actor models.Actor) (*models.EvidenceItem, error)
	Link(ctx context.Context, id string, req dto.LinkRequest, actor models.Actor) (*models.EvidenceItem, error)
	Unlink(ctx context.Context, id string, req dto.LinkRequest, actor models.Actor) (*models.EvidenceItem, error)
	DownloadURL(ctx context.Context, id string, actor models.Actor) (*dto.DownloadURLResponse, error)
}

type derivationService interface {
	Derive(ctx context.Context, originID string, upload service.EvidenceUpload, req dto.DeriveEvidenceRequest, actor models.Actor) (*models.EvidenceItem, error)
}

// EvidenceHandler exposes evidence ingestion and query endpoints.
type EvidenceHandler struct {
	evidence   evidenceService
	derivation derivationService
}

// NewEvidenceHandler constructs the handler.
func NewEvidenceHandler(evidence evidenceService, derivation derivationService) *EvidenceHandler {
	return &EvidenceHandler{evidence: evidence, derivation: derivation}
}

// Create godoc
// @Summary Upload evidence
// @Description The metadata part is a JSON document matching CreateEvidenceRequest.
// @Tags Evidence
// @Accept multipart/form-data
// @Produce json
// @Param metadata formData string true "Evidence metadata (JSON)"
// @Param file formData file true "Evidence file"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /evidence [post]
func (h *EvidenceHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateEvidenceRequest
	raw := c.PostForm("metadata")
	if strings.TrimSpace(raw) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "metadata is required"))
		return
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid evidence metadata"))
		return
	}
	upload, src, err := formUpload(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer src.Close()

	item, err := h.evidence.Create(c.Request.Context(), req, upload, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, item)
}

// List godoc
// @Summary List evidence
// @Tags Evidence
// @Produce json
// @Param status query string false "Status filter"
// @Param type query string false "Type filter"
// @Param unitId query string false "Submitter unit"
// @Param entityType query string false "Linked entity type"
// @Param entityId query string false "Linked entity id"
// @Param tag query string false "Tag"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /evidence [get]
func (h *EvidenceHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.EvidenceQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid query parameters"))
		return
	}
	query.Status = models.EvidenceStatus(strings.ToUpper(string(query.Status)))
	query.Type = models.EvidenceType(strings.ToUpper(string(query.Type)))

	items, pagination, err := h.evidence.List(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get evidence
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /evidence/{id} [get]
func (h *EvidenceHandler) Get(c *gin.Context) {
	item, err := h.evidence.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Update godoc
// @Summary Update evidence metadata
// @Tags Evidence
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.UpdateEvidenceRequest true "Metadata patch"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id} [patch]
func (h *EvidenceHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid metadata payload"))
		return
	}
	item, err := h.evidence.UpdateMetadata(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Custody godoc
// @Summary Custody history of one item
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/custody [get]
func (h *EvidenceHandler) Custody(c *gin.Context) {
	events, err := h.evidence.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

// Verify godoc
// @Summary Re-hash the stored file and compare against the recorded digests
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/verify [get]
func (h *EvidenceHandler) Verify(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.evidence.Verify(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// DownloadURL godoc
// @Summary Issue a signed download URL
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/download-url [get]
func (h *EvidenceHandler) DownloadURL(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.evidence.DownloadURL(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Link godoc
// @Summary Link evidence to an external entity
// @Tags Evidence
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.LinkRequest true "Link"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/links [post]
func (h *EvidenceHandler) Link(c *gin.Context) {
	h.changeLink(c, h.evidence.Link)
}

// Unlink godoc
// @Summary Remove a link from evidence
// @Tags Evidence
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.LinkRequest true "Link"
// @Success 200 {object} response.Envelope
// @Router /evidence/{id}/links [delete]
func (h *EvidenceHandler) Unlink(c *gin.Context) {
	h.changeLink(c, h.evidence.Unlink)
}

func (h *EvidenceHandler) changeLink(c *gin.Context, op func(context.Context, string, dto.LinkRequest, models.Actor) (*models.EvidenceItem, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid link payload"))
		return
	}
	req.EntityType = models.EntityType(strings.ToUpper(string(req.EntityType)))
	item, err := op(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Derive godoc
// @Summary Create a derived version of an evidence item
// @Tags Evidence
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Origin evidence ID"
// @Param reason formData string true "Derivation reason"
// @Param adminOverride formData bool false "Derive from an immutable origin"
// @Param file formData file true "Derived file"
// @Success 201 {object} response.Envelope
// @Router /evidence/{id}/derive [post]
func (h *EvidenceHandler) Derive(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DeriveEvidenceRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid derivation payload"))
		return
	}
	upload, src, err := formUpload(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer src.Close()

	item, err := h.derivation.Derive(c.Request.Context(), c.Param("id"), upload, req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, item)
}
