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

type packageService interface {
	CreatePackage(ctx context.Context, req dto.CreatePackageRequest, actor models.Actor) (*models.EvidencePackage, error)
	Get(ctx context.Context, id string) (*models.EvidencePackage, error)
	List(ctx context.Context, actor models.Actor) ([]models.EvidencePackage, error)
	AddEvidence(ctx context.Context, packageID string, req dto.AddPackageItemRequest, actor models.Actor) (*models.EvidencePackage, error)
	RemoveEvidence(ctx context.Context, packageID, evidenceID string, actor models.Actor) (*models.EvidencePackage, error)
	Generate(ctx context.Context, packageID string, actor models.Actor) (*models.EvidencePackage, error)
}

// PackageHandler manages evidence packages.
type PackageHandler struct {
	service packageService
}

// NewPackageHandler constructs the handler.
func NewPackageHandler(service packageService) *PackageHandler {
	return &PackageHandler{service: service}
}

// Create godoc
// @Summary Create a draft package
// @Tags Packages
// @Accept json
// @Produce json
// @Param payload body dto.CreatePackageRequest true "Package"
// @Success 201 {object} response.Envelope
// @Router /packages [post]
func (h *PackageHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreatePackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid package payload"))
		return
	}
	pkg, err := h.service.CreatePackage(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, pkg)
}

// List godoc
// @Summary List packages of the caller's unit
// @Tags Packages
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /packages [get]
func (h *PackageHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	pkgs, err := h.service.List(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pkgs, nil)
}

// Get godoc
// @Summary Get a package
// @Tags Packages
// @Produce json
// @Param id path string true "Package ID"
// @Success 200 {object} response.Envelope
// @Router /packages/{id} [get]
func (h *PackageHandler) Get(c *gin.Context) {
	pkg, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pkg, nil)
}

// AddItem godoc
// @Summary Add evidence to a draft package
// @Tags Packages
// @Accept json
// @Produce json
// @Param id path string true "Package ID"
// @Param payload body dto.AddPackageItemRequest true "Item"
// @Success 200 {object} response.Envelope
// @Router /packages/{id}/items [post]
func (h *PackageHandler) AddItem(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.AddPackageItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid package item payload"))
		return
	}
	pkg, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pkg, nil)
}

// RemoveItem godoc
// @Summary Remove evidence from a draft package
// @Tags Packages
// @Produce json
// @Param id path string true "Package ID"
// @Param evidenceId path string true "Evidence ID"
// @Success 200 {object} response.Envelope
// @Router /packages/{id}/items/{evidenceId} [delete]
func (h *PackageHandler) RemoveItem(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	pkg, err := h.service.RemoveEvidence(c.Request.Context(), c.Param("id"), c.Param("evidenceId"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pkg, nil)
}

// Generate godoc
// @Summary Build the package bundle
// @Tags Packages
// @Produce json
// @Param id path string true "Package ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /packages/{id}/generate [post]
func (h *PackageHandler) Generate(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	pkg, err := h.service.Generate(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pkg, nil)
}
