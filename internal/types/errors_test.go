package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeAuthSignatureInvalid, "signature mismatch", nil)
	assert.Equal(t, "auth_signature_invalid: signature mismatch", appErr.Error())
}

func TestAppError_UnwrapAndAs(t *testing.T) {
	underlying := errors.New("sqs: connection refused")
	appErr := NewAppError(ErrCodeUpstreamQueueUnavailable, "queue unavailable", underlying)
	wrapped := fmt.Errorf("publish: %w", appErr)

	assert.ErrorIs(t, wrapped, underlying)

	var got *AppError
	if assert.ErrorAs(t, wrapped, &got) {
		assert.Equal(t, ErrCodeUpstreamQueueUnavailable, got.Code)
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeValidationBodyTooLarge, http.StatusRequestEntityTooLarge},
		{ErrCodeAuthSignatureMissing, http.StatusUnauthorized},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{ErrCodeAuthRawBodyMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenExpired, http.StatusUnauthorized},
		{ErrCodePermissionVerifyToken, http.StatusForbidden},
		{ErrCodeNotFoundSource, http.StatusNotFound},
		{ErrCodeNotFoundRoute, http.StatusNotFound},
		{ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{ErrCodeUpstreamQueueUnavailable, http.StatusServiceUnavailable},
		{ErrCodeUpstreamBroadcast, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestAppError_WithDetailsDoesNotMutate(t *testing.T) {
	orig := &AppError{
		Code:    ErrCodeValidationMissingField,
		Message: "missing",
		Details: map[string]any{"field": "entry"},
	}
	merged := orig.WithDetails(map[string]any{"source": "page"})

	assert.Len(t, orig.Details, 1)
	assert.Equal(t, "entry", merged.Details["field"])
	assert.Equal(t, "page", merged.Details["source"])
}
