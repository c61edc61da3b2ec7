package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without cause",
			err:      NewConfigurationError("middleware \"auth\" is not registered"),
			expected: `[CONFIGURATION] middleware "auth" is not registered`,
		},
		{
			name:     "with cause",
			err:      NewHandlerError("handler failed", errors.New("db down")),
			expected: "[HANDLER] handler failed: db down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewDeliveryError("conn-1", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "conn-1", err.Context["connection_id"])
}

func TestIsType(t *testing.T) {
	inner := NewValidationError("bad payload", nil)
	wrapped := NewHandlerError("chain aborted", inner)

	assert.True(t, IsType(wrapped, ErrTypeHandler))
	assert.True(t, IsType(wrapped, ErrTypeValidation))
	assert.True(t, IsType(fmt.Errorf("outer: %w", wrapped), ErrTypeValidation))
	assert.False(t, IsType(wrapped, ErrTypeTimeout))
	assert.False(t, IsType(errors.New("plain"), ErrTypeHandler))
	assert.False(t, IsType(nil, ErrTypeHandler))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusOK},
		{"configuration", NewConfigurationError("missing"), http.StatusInternalServerError},
		{"validation", NewValidationError("bad", nil), http.StatusBadRequest},
		{"normalization", NewNormalizationError("42e3"), http.StatusBadRequest},
		{"timeout", NewTimeoutError("slow", nil), http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"not found", NewNotFoundError("route"), http.StatusNotFound},
		{"permission", NewPermissionError("no"), http.StatusForbidden},
		{"plain handler error", NewHandlerError("boom", errors.New("x")), http.StatusInternalServerError},
		{"handler error wrapping api error", NewHandlerError("boom", ErrUnauthorized), http.StatusUnauthorized},
		{"handler error with pinned status", NewHandlerError("boom", nil).WithStatus(http.StatusUnauthorized), http.StatusUnauthorized},
		{"api error", ErrRateLimitExceeded, http.StatusTooManyRequests},
		{"untyped", errors.New("plain"), http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusFor(tt.err, http.StatusTeapot))
		})
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := &AppError{Type: ErrTypeHandler, Message: "x"}
	err.WithContext("route", "GET api/ping")

	require.NotNil(t, err.Context)
	assert.Equal(t, "GET api/ping", err.Context["route"])
}

func TestTransportErrors(t *testing.T) {
	tooLarge := PayloadTooLarge(1024)
	assert.Equal(t, http.StatusRequestEntityTooLarge, tooLarge.StatusCode)
	assert.Equal(t, "request body exceeds 1024 bytes", tooLarge.Error())

	notAllowed := MethodNotAllowed("DELETE", []string{"GET", "POST"})
	assert.Equal(t, http.StatusMethodNotAllowed, StatusFor(notAllowed, http.StatusInternalServerError))
	assert.Equal(t, []string{"GET", "POST"}, notAllowed.Details)
}
