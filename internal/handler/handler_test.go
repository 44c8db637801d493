package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/middleware"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/response"
	"github.com/noah-isme/msa-evidence-api/pkg/storage"
)

var inspectorClaims = &models.JWTClaims{UserID: "u-1", UnitID: "unit-hn", Role: models.RoleInspector}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func multipartBody(t *testing.T, fields map[string]string, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, mw.WriteField(key, value))
	}
	if filename != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

type evidenceServiceStub struct {
	evidenceService
	gotReq    dto.CreateEvidenceRequest
	gotUpload service.EvidenceUpload
	gotBytes  []byte
	gotActor  models.Actor
	err       error
}

func (s *evidenceServiceStub) Create(ctx context.Context, req dto.CreateEvidenceRequest, upload service.EvidenceUpload, actor models.Actor) (*models.EvidenceItem, error) {
	s.gotReq, s.gotUpload, s.gotActor = req, upload, actor
	s.gotBytes, _ = io.ReadAll(upload.Content)
	if s.err != nil {
		return nil, s.err
	}
	return &models.EvidenceItem{ID: "ev-1", Type: req.Type, Status: models.EvidenceStatusDraft}, nil
}

func (s *evidenceServiceStub) Get(ctx context.Context, id string) (*models.EvidenceItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.EvidenceItem{ID: id}, nil
}

type derivationServiceStub struct {
	gotReq dto.DeriveEvidenceRequest
}

func (s *derivationServiceStub) Derive(ctx context.Context, originID string, upload service.EvidenceUpload, req dto.DeriveEvidenceRequest, actor models.Actor) (*models.EvidenceItem, error) {
	s.gotReq = req
	return &models.EvidenceItem{ID: "ev-2", OriginalEvidenceID: &originID}, nil
}

func TestEvidenceHandlerCreateMultipart(t *testing.T) {
	svc := &evidenceServiceStub{}
	h := NewEvidenceHandler(svc, nil)

	meta, _ := json.Marshal(dto.CreateEvidenceRequest{Type: models.EvidenceTypePhoto, Tags: []string{"storefront"}})
	body, contentType := multipartBody(t, map[string]string{"metadata": string(meta)}, "shop.jpg", "image/jpeg", []byte("jpeg-bytes"))

	c, w := newGinContext(http.MethodPost, "/evidence", nil)
	c.Request, _ = http.NewRequest(http.MethodPost, "/evidence", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Set(middleware.ContextUserKey, inspectorClaims)

	h.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.EvidenceTypePhoto, svc.gotReq.Type)
	assert.Equal(t, "shop.jpg", svc.gotUpload.Filename)
	assert.Equal(t, "image/jpeg", svc.gotUpload.MimeType)
	assert.Equal(t, []byte("jpeg-bytes"), svc.gotBytes)
	assert.Equal(t, models.Actor{UserID: "u-1", UnitID: "unit-hn", Role: models.RoleInspector}, svc.gotActor)
}

func TestEvidenceHandlerCreateRejectsBadRequests(t *testing.T) {
	h := NewEvidenceHandler(&evidenceServiceStub{}, nil)

	c, w := newGinContext(http.MethodPost, "/evidence", nil)
	h.Create(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body, contentType := multipartBody(t, nil, "shop.jpg", "image/jpeg", []byte("x"))
	c, w = newGinContext(http.MethodPost, "/evidence", nil)
	c.Request, _ = http.NewRequest(http.MethodPost, "/evidence", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, contentType = multipartBody(t, map[string]string{"metadata": `{"type":"PHOTO"}`}, "", "", nil)
	c, w = newGinContext(http.MethodPost, "/evidence", nil)
	c.Request, _ = http.NewRequest(http.MethodPost, "/evidence", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "file is required", decodeEnvelope(t, w).Error.Message)
}

func TestEvidenceHandlerGetMapsErrors(t *testing.T) {
	h := NewEvidenceHandler(&evidenceServiceStub{err: appErrors.Clone(appErrors.ErrNotFound, "evidence not found")}, nil)
	c, w := newGinContext(http.MethodGet, "/evidence/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	h.Get(c)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeEnvelope(t, w).Error.Code)

	h = NewEvidenceHandler(&evidenceServiceStub{err: appErrors.Transient(errors.New("db down"), "evidence store unavailable")}, nil)
	c, w = newGinContext(http.MethodGet, "/evidence/ev-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	h.Get(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestEvidenceHandlerDeriveBindsForm(t *testing.T) {
	derivation := &derivationServiceStub{}
	h := NewEvidenceHandler(&evidenceServiceStub{}, derivation)

	body, contentType := multipartBody(t, map[string]string{"reason": "blur faces", "adminOverride": "true"}, "blurred.jpg", "image/jpeg", []byte("y"))
	c, w := newGinContext(http.MethodPost, "/evidence/ev-1/derive", nil)
	c.Request, _ = http.NewRequest(http.MethodPost, "/evidence/ev-1/derive", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	h.Derive(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "blur faces", derivation.gotReq.Reason)
	assert.True(t, derivation.gotReq.AdminOverride)
}

type reviewServiceStub struct {
	reviewService
	decision dto.DecisionRequest
	submit   dto.SubmitRequest
	err      error
}

func (s *reviewServiceStub) SubmitForReview(ctx context.Context, id string, req dto.SubmitRequest, actor models.Actor) (*models.EvidenceItem, error) {
	s.submit = req
	return &models.EvidenceItem{ID: id, Status: models.EvidenceStatusSubmitted}, s.err
}

func (s *reviewServiceStub) Approve(ctx context.Context, id string, req dto.DecisionRequest, actor models.Actor) (*models.EvidenceItem, error) {
	s.decision = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.EvidenceItem{ID: id, Status: models.EvidenceStatusApproved}, nil
}

func TestReviewHandlerSubmitWithoutBody(t *testing.T) {
	svc := &reviewServiceStub{}
	h := NewReviewHandler(svc)

	c, w := newGinContext(http.MethodPost, "/evidence/ev-1/submit", nil)
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	c.Set(middleware.ContextUserKey, inspectorClaims)

	h.Submit(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.submit.Note)
}

func TestReviewHandlerApprove(t *testing.T) {
	svc := &reviewServiceStub{}
	h := NewReviewHandler(svc)

	c, w := newGinContext(http.MethodPost, "/evidence/ev-1/approve", []byte(`{"reason":"clear photo"}`))
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Approve(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clear photo", svc.decision.Reason)

	c, w = newGinContext(http.MethodPost, "/evidence/ev-1/approve", []byte(`{"reason":`))
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Approve(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.err = appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, "cannot approve"), map[string]interface{}{"currentStatus": "REJECTED"})
	c, w = newGinContext(http.MethodPost, "/evidence/ev-1/approve", []byte(`{"reason":"late"}`))
	c.Params = gin.Params{{Key: "id", Value: "ev-1"}}
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Approve(c)
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "INVALID_STATE_TRANSITION", env.Error.Code)
	assert.Equal(t, "REJECTED", env.Error.Details["currentStatus"])
}

type exportServiceStub struct {
	exportService
	created dto.CreateExportRequest
}

func (s *exportServiceStub) CreateExport(ctx context.Context, req dto.CreateExportRequest, actor models.Actor) (*models.ExportJob, error) {
	s.created = req
	return &models.ExportJob{ID: "job-1", Type: req.Type, Status: models.ExportStatusQueued}, nil
}

type custodyExporterStub struct {
	query dto.CustodyExportQuery
}

func (s *custodyExporterStub) Export(ctx context.Context, query dto.CustodyExportQuery, actor models.Actor) (*service.CustodyExport, error) {
	s.query = query
	return &service.CustodyExport{Content: []byte("sequence,timestamp\n"), ContentType: "text/csv", Filename: "custody.csv", Format: query.Format}, nil
}

func TestExportHandlerCreateAccepted(t *testing.T) {
	svc := &exportServiceStub{}
	h := NewExportHandler(svc, nil)

	c, w := newGinContext(http.MethodPost, "/exports", []byte(`{"type":"custody_log","format":"csv"}`))
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.Create(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.ExportTypeCustodyLog, svc.created.Type)
}

func TestExportHandlerCustodyExportAttachment(t *testing.T) {
	custody := &custodyExporterStub{}
	h := NewExportHandler(nil, custody)

	c, w := newGinContext(http.MethodGet, "/custody/export?format=CSV&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&evidenceId=ev-1", nil)
	c.Set(middleware.ContextUserKey, inspectorClaims)
	h.CustodyExport(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "custody.csv")
	assert.Equal(t, models.CustodyFormatCSV, custody.query.Format)
	assert.Equal(t, "ev-1", custody.query.EvidenceID)
	require.NotNil(t, custody.query.From)
	assert.True(t, custody.query.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

type blobReaderStub struct {
	key     string
	content string
}

func (s *blobReaderStub) ResolveToken(token string) (string, error) {
	if token != "good" {
		return "", storage.ErrTokenSignature
	}
	return s.key, nil
}

func (s *blobReaderStub) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.content == "" {
		return nil, storage.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func TestFileHandlerDownload(t *testing.T) {
	h := NewFileHandler(&blobReaderStub{key: "2026/10/abc/shop.jpg", content: "jpeg"})

	c, w := newGinContext(http.MethodGet, "/files/good", nil)
	c.Params = gin.Params{{Key: "token", Value: "good"}}
	h.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "shop.jpg")

	c, w = newGinContext(http.MethodGet, "/files/bad", nil)
	c.Params = gin.Params{{Key: "token", Value: "bad"}}
	h.Download(c)
	assert.Equal(t, http.StatusForbidden, w.Code)

	h = NewFileHandler(&blobReaderStub{key: "gone"})
	c, w = newGinContext(http.MethodGet, "/files/good", nil)
	c.Params = gin.Params{{Key: "token", Value: "good"}}
	h.Download(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type pingerStub struct{ err error }

func (p pingerStub) PingContext(context.Context) error { return p.err }

func TestMetricsHandlerReady(t *testing.T) {
	h := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{"database": pingerStub{}})
	c, w := newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	assert.Equal(t, http.StatusOK, w.Code)

	h = NewMetricsHandler(nil, map[string]Pinger{"redis": pingerStub{err: errors.New("refused")}})
	c, w = newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "refused")
}
