package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/response"
	"github.com/noah-isme/msa-evidence-api/pkg/storage"
)

type blobReader interface {
	ResolveToken(token string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// FileHandler serves blobs behind signed download tokens.
type FileHandler struct {
	blobs blobReader
}

// NewFileHandler constructs the handler.
func NewFileHandler(blobs blobReader) *FileHandler {
	return &FileHandler{blobs: blobs}
}

// Download godoc
// @Summary Download a blob through a signed token
// @Tags Files
// @Produce application/octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /files/{token} [get]
func (h *FileHandler) Download(c *gin.Context) {
	key, err := h.blobs.ResolveToken(c.Param("token"))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "download link is invalid or expired"))
		return
	}
	rc, err := h.blobs.Open(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "file not found"))
			return
		}
		response.Error(c, appErrors.Transient(err, "file store unavailable"))
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": `attachment; filename="` + path.Base(key) + `"`,
	})
}
