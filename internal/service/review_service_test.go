package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.EvidenceStatus
		want     bool
	}{
		{models.EvidenceStatusDraft, models.EvidenceStatusSubmitted, true},
		{models.EvidenceStatusDraft, models.EvidenceStatusApproved, false},
		{models.EvidenceStatusSubmitted, models.EvidenceStatusInReview, true},
		{models.EvidenceStatusInReview, models.EvidenceStatusApproved, true},
		{models.EvidenceStatusInReview, models.EvidenceStatusRejected, true},
		{models.EvidenceStatusInReview, models.EvidenceStatusNeedMoreInfo, true},
		{models.EvidenceStatusNeedMoreInfo, models.EvidenceStatusSubmitted, true},
		{models.EvidenceStatusApproved, models.EvidenceStatusSealed, true},
		{models.EvidenceStatusRejected, models.EvidenceStatusSubmitted, false},
		{models.EvidenceStatusSealed, models.EvidenceStatusApproved, false},
		{models.EvidenceStatusSealed, models.EvidenceStatusArchived, true},
		{models.EvidenceStatusRejected, models.EvidenceStatusArchived, true},
		{models.EvidenceStatusArchived, models.EvidenceStatusArchived, false},
		{models.EvidenceStatusArchived, models.EvidenceStatusDraft, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestReviewServiceSubmitIncompleteDraft(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := completeRequest()
	req.Location = nil
	item, err := h.evidence.Create(ctx, req, jpegUpload("no location"), inspector)
	require.NoError(t, err)

	_, err = h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{}, inspector)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, []string{"location"}, appErr.Details["missingFields"])

	stored, err := h.evidence.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusDraft, stored.Status)
	assert.Equal(t, []models.CustodyEventType{models.CustodyUpload}, h.history(t, item.ID))
}

func TestReviewServiceApproveRecordsDecision(t *testing.T) {
	h := newHarness(t, nil)
	item := h.advance(t, models.EvidenceStatusInReview)

	approved, err := h.review.Approve(context.Background(), item.ID, dto.DecisionRequest{Reason: "Chất lượng đạt yêu cầu"}, reviewer)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusApproved, approved.Status)
	require.NotNil(t, approved.Review)
	require.NotNil(t, approved.Review.Decision)
	assert.Equal(t, models.ReviewDecisionApproved, *approved.Review.Decision)
	assert.Equal(t, "Chất lượng đạt yêu cầu", approved.Review.DecisionReason)
	assert.Equal(t, reviewer.UserID, approved.Review.AssignedReviewerID)
	assert.NotNil(t, approved.Review.DecisionAt)

	events, err := h.evidence.History(context.Background(), item.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.CustodyApprove, last.EventType)
	assert.Equal(t, "IN_REVIEW", last.Context["fromStatus"])
	assert.Equal(t, "APPROVED", last.Context["toStatus"])
	assert.Equal(t, "Chất lượng đạt yêu cầu", last.Note)
}

func TestReviewServiceDecisionRequiresReason(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusInReview)

	_, err := h.review.Reject(ctx, item.ID, dto.DecisionRequest{Reason: "   "}, reviewer)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	stored, err := h.evidence.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusInReview, stored.Status)
}

func TestReviewServiceConcurrentDecisionsOnlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusInReview)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errs[0] = h.review.Approve(ctx, item.ID, dto.DecisionRequest{Reason: "ok"}, reviewer)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errs[1] = h.review.Reject(ctx, item.ID, dto.DecisionRequest{Reason: "blurry"}, reviewer)
	}()
	close(start)
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition.Code), "got %v", err)
		}
	}
	assert.Equal(t, 1, failures)

	decisions := 0
	for _, eventType := range h.history(t, item.ID) {
		if eventType == models.CustodyApprove || eventType == models.CustodyReject {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions)
}

func TestReviewServiceSealRequiresApproval(t *testing.T) {
	h := newHarness(t, nil)
	item := h.advance(t, models.EvidenceStatusInReview)

	_, err := h.review.Seal(context.Background(), item.ID, dto.SealRequest{}, admin)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrPermissionDenied.Code))
}

func TestReviewServiceRejectedIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusInReview)

	_, err := h.review.Reject(ctx, item.ID, dto.DecisionRequest{Reason: "wrong store"}, reviewer)
	require.NoError(t, err)

	_, err = h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{}, inspector)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErr.Code)
	assert.Equal(t, models.EvidenceStatusRejected, appErr.Details["currentStatus"])
	assert.Equal(t, models.EvidenceStatusSubmitted, appErr.Details["targetStatus"])
}

func TestReviewServiceNeedMoreInfoCanResubmit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusInReview)

	_, err := h.review.RequestMoreInfo(ctx, item.ID, dto.DecisionRequest{Reason: "add receipt"}, reviewer)
	require.NoError(t, err)

	source := "receipt scan"
	_, err = h.evidence.UpdateMetadata(ctx, item.ID, dto.UpdateEvidenceRequest{Source: &source}, inspector)
	require.NoError(t, err)

	resubmitted, err := h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{Note: "receipt added"}, inspector)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusSubmitted, resubmitted.Status)
	assert.Equal(t, source, resubmitted.Source)
}

func TestReviewServiceArchiveRequiresAdminOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.advance(t, models.EvidenceStatusSealed)

	_, err := h.review.Archive(ctx, item.ID, dto.ArchiveRequest{Reason: "retention", AdminOverride: true}, inspector)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrPermissionDenied.Code))

	_, err = h.review.Archive(ctx, item.ID, dto.ArchiveRequest{Reason: "retention"}, admin)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrPermissionDenied.Code))

	_, err = h.review.Archive(ctx, item.ID, dto.ArchiveRequest{AdminOverride: true}, admin)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	archived, err := h.review.Archive(ctx, item.ID, dto.ArchiveRequest{Reason: "retention", AdminOverride: true}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusArchived, archived.Status)

	_, err = h.review.Archive(ctx, item.ID, dto.ArchiveRequest{Reason: "again", AdminOverride: true}, admin)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition.Code))
}

func TestReviewServiceAuditFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, failingSink{})
	ctx := context.Background()
	item := h.createDraft(t)

	submitted, err := h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{}, inspector)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusSubmitted, submitted.Status)
	assert.Equal(t, uint64(2), h.metrics.AuditFailures())
	assert.Equal(t, []models.CustodyEventType{models.CustodyUpload, models.CustodySubmit}, h.history(t, item.ID))
}
