package handler

import (
	"encoding/json"
	"mime/multipart"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/msa-evidence-api/internal/middleware"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext resolves the caller or reports whether the request is
// unauthenticated.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

// bindOptionalJSON decodes the body into dst, tolerating an empty body.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body")
	}
	return nil
}

// formUpload opens the "file" part of a multipart request. The caller closes
// the returned file.
func formUpload(c *gin.Context) (service.EvidenceUpload, multipart.File, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return service.EvidenceUpload{}, nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	src, err := header.Open()
	if err != nil {
		return service.EvidenceUpload{}, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}
	return service.EvidenceUpload{
		Filename: header.Filename,
		MimeType: strings.TrimSpace(header.Header.Get("Content-Type")),
		Size:     header.Size,
		Content:  src,
	}, src, nil
}
