package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/export"
)

func TestCustodyServiceExportFormats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusInReview)

	out, err := h.custody.Export(ctx, dto.CustodyExportQuery{Format: models.CustodyFormatCSV, EvidenceID: item.ID}, admin)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", out.ContentType)
	assert.True(t, strings.HasSuffix(out.Filename, ".csv"))
	rows, err := csv.NewReader(bytes.NewReader(out.Content)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, custodyHeaders, rows[0])
	assert.Equal(t, "UPLOAD", rows[1][3])
	assert.Equal(t, "START_REVIEW", rows[3][3])

	out, err = h.custody.Export(ctx, dto.CustodyExportQuery{EvidenceID: item.ID}, admin)
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.ContentType)
	var events []models.CustodyEvent
	require.NoError(t, json.Unmarshal(out.Content, &events))
	assert.Len(t, events, 3)

	out, err = h.custody.Export(ctx, dto.CustodyExportQuery{Format: models.CustodyFormatCBOR, Compress: true}, admin)
	require.NoError(t, err)
	assert.Equal(t, "application/zstd", out.ContentType)
	assert.True(t, strings.HasSuffix(out.Filename, ".cbor.zst"))
	raw, err := export.Unzstd(out.Content)
	require.NoError(t, err)
	var decoded []models.CustodyEvent
	require.NoError(t, export.UnmarshalCBOR(raw, &decoded))
	assert.Len(t, decoded, 3)

	out, err = h.custody.Export(ctx, dto.CustodyExportQuery{Format: models.CustodyFormatSyslog}, admin)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out.Content)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "<14>1 "))
	assert.Contains(t, lines[0], "UPLOAD")

	out, err = h.custody.Export(ctx, dto.CustodyExportQuery{Format: models.CustodyFormatPDF}, admin)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out.Content, []byte("%PDF")))

	exported := 0
	for _, event := range h.store.Audit().Events() {
		if event.Action == models.AuditCustodyExported {
			exported++
			assert.Equal(t, admin.UserID, event.ActorUserID)
		}
	}
	assert.Equal(t, 5, exported)
}

func TestCustodyServiceExportRangeIsHalfOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.custody.Append(ctx, &models.CustodyEvent{
			EvidenceID:  "ev-1",
			EventType:   models.CustodyVerify,
			ActorUserID: "u-1",
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	from, to := base, base.Add(2*time.Hour)
	out, err := h.custody.render(ctx, dto.CustodyExportQuery{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Events)
}

func TestCustodyServiceExportValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.custody.Export(ctx, dto.CustodyExportQuery{Format: "xml"}, admin)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	now := time.Now()
	_, err = h.custody.Export(ctx, dto.CustodyExportQuery{From: &now, To: &now}, admin)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	_, err = h.custody.Export(ctx, dto.CustodyExportQuery{}, models.Actor{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))

	err = h.custody.Append(ctx, &models.CustodyEvent{EventType: models.CustodyVerify})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestCustodyServiceExportRefusesOversizedRange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.custody.maxRows = 3
	for i := 0; i < 3; i++ {
		require.NoError(t, h.custody.Append(ctx, &models.CustodyEvent{EvidenceID: "ev-cap", EventType: models.CustodyVerify, ActorUserID: "u-1"}))
	}

	out, err := h.custody.Export(ctx, dto.CustodyExportQuery{EvidenceID: "ev-cap", Format: models.CustodyFormatCSV}, admin)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Events)

	require.NoError(t, h.custody.Append(ctx, &models.CustodyEvent{EvidenceID: "ev-cap", EventType: models.CustodyVerify, ActorUserID: "u-1"}))
	_, err = h.custody.Export(ctx, dto.CustodyExportQuery{EvidenceID: "ev-cap", Format: models.CustodyFormatCSV}, admin)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 3, appErr.Details["limit"])
}
