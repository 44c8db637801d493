package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsCodeAndMatchesOriginal(t *testing.T) {
	err := Clone(ErrValidation, "location is required")
	require.Equal(t, "location is required", err.Message)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.True(t, stdErrors.Is(err, ErrValidation))
	assert.False(t, stdErrors.Is(err, ErrNotFound))
}

func TestWithDetailsDoesNotMutateSource(t *testing.T) {
	base := Clone(ErrInvalidTransition, "cannot approve")
	detailed := WithDetails(base, map[string]interface{}{"currentStatus": "DRAFT"})
	require.Nil(t, base.Details)
	require.Equal(t, "DRAFT", detailed.Details["currentStatus"])
}

func TestTransientIsRetryable(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := Transient(cause, "failed to store evidence file")
	assert.True(t, IsRetryable(err))
	assert.True(t, HasCode(err, ErrTransient.Code))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(ErrValidation))
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	err := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ErrInternal.Code, err.Code)
	wrapped := fmt.Errorf("outer: %w", ErrNotFound)
	assert.Equal(t, ErrNotFound.Code, FromError(wrapped).Code)
	assert.Nil(t, FromError(nil))
}
