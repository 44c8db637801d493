package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/response"
)

type exportService interface {
	CreateExport(ctx context.Context, req dto.CreateExportRequest, actor models.Actor) (*models.ExportJob, error)
	Get(ctx context.Context, id string) (*models.ExportJob, error)
	CompleteExport(ctx context.Context, id string, req dto.CompleteExportRequest, actor models.Actor) (*models.ExportJob, error)
	DownloadExport(ctx context.Context, id string, actor models.Actor) (*dto.ExportDownloadResponse, error)
}

type custodyExporter interface {
	Export(ctx context.Context, query dto.CustodyExportQuery, actor models.Actor) (*service.CustodyExport, error)
}

// ExportHandler exposes export jobs and the synchronous custody log export.
type ExportHandler struct {
	exports exportService
	custody custodyExporter
}

// NewExportHandler constructs the handler.
func NewExportHandler(exports exportService, custody custodyExporter) *ExportHandler {
	return &ExportHandler{exports: exports, custody: custody}
}

// Create godoc
// @Summary Queue an export job
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body dto.CreateExportRequest true "Export"
// @Success 202 {object} response.Envelope
// @Router /exports [post]
func (h *ExportHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload"))
		return
	}
	req.Type = models.ExportType(strings.ToUpper(string(req.Type)))
	job, err := h.exports.CreateExport(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// Get godoc
// @Summary Get an export job
// @Tags Exports
// @Produce json
// @Param id path string true "Export ID"
// @Success 200 {object} response.Envelope
// @Router /exports/{id} [get]
func (h *ExportHandler) Get(c *gin.Context) {
	job, err := h.exports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// Complete godoc
// @Summary Mark an export job completed
// @Tags Exports
// @Accept json
// @Produce json
// @Param id path string true "Export ID"
// @Param payload body dto.CompleteExportRequest true "Artifact"
// @Success 200 {object} response.Envelope
// @Router /exports/{id}/complete [post]
func (h *ExportHandler) Complete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CompleteExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid completion payload"))
		return
	}
	job, err := h.exports.CompleteExport(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// Download godoc
// @Summary Record a download and issue the artifact URL
// @Tags Exports
// @Produce json
// @Param id path string true "Export ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /exports/{id}/download [post]
func (h *ExportHandler) Download(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.exports.DownloadExport(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// CustodyExport godoc
// @Summary Export the custody log
// @Tags Custody
// @Produce text/csv,application/json,application/pdf,application/cbor,text/plain,application/zstd
// @Param from query string false "Inclusive lower bound (RFC3339)"
// @Param to query string false "Exclusive upper bound (RFC3339)"
// @Param format query string false "csv, json, pdf, syslog or cbor"
// @Param evidenceId query string false "Restrict to one evidence item"
// @Param compress query bool false "zstd-compress the output"
// @Success 200 {file} file
// @Router /custody/export [get]
func (h *ExportHandler) CustodyExport(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.CustodyExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid custody export query"))
		return
	}
	query.Format = models.CustodyExportFormat(strings.ToLower(string(query.Format)))
	result, err := h.custody.Export(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, result.Filename, result.ContentType, result.Content)
}
