package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeConfiguration ErrorType = "CONFIGURATION"
	ErrTypeValidation    ErrorType = "VALIDATION"
	ErrTypeHandler       ErrorType = "HANDLER"
	ErrTypeDelivery      ErrorType = "DELIVERY"
	ErrTypeNormalization ErrorType = "NORMALIZATION"
	ErrTypeTimeout       ErrorType = "TIMEOUT"
	ErrTypeNotFound      ErrorType = "NOT_FOUND"
	ErrTypePermission    ErrorType = "PERMISSION"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	// Status is the HTTP-equivalent status the failure should surface with.
	// Zero means "derive from Type".
	Status  int
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStatus pins the status the error surfaces with
func (e *AppError) WithStatus(status int) *AppError {
	e.Status = status
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewConfigurationError reports a deployment bug such as an unknown
// middleware or validator name. Never retried.
func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrTypeConfiguration, message, nil)
}

// NewValidationError reports input that failed a schema check
func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrTypeValidation, message, cause).WithStatus(http.StatusBadRequest)
}

// NewHandlerError wraps a failure raised by a middleware or handler
func NewHandlerError(message string, cause error) *AppError {
	return NewAppError(ErrTypeHandler, message, cause)
}

// NewDeliveryError reports a per-connection send failure
func NewDeliveryError(connID string, cause error) *AppError {
	return NewAppError(ErrTypeDelivery, "delivery failed", cause).WithContext("connection_id", connID)
}

// NewNormalizationError reports a malformed user or channel identifier
func NewNormalizationError(value string) *AppError {
	return NewAppError(ErrTypeNormalization, fmt.Sprintf("malformed identifier %q", value), nil).
		WithStatus(http.StatusBadRequest)
}

// NewTimeoutError reports a dispatch that exceeded its budget
func NewTimeoutError(message string, cause error) *AppError {
	return NewAppError(ErrTypeTimeout, message, cause).WithStatus(http.StatusGatewayTimeout)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil).WithStatus(http.StatusNotFound)
}

// NewPermissionError creates a permission error
func NewPermissionError(message string) *AppError {
	return NewAppError(ErrTypePermission, message, nil).WithStatus(http.StatusForbidden)
}

// IsType reports whether any AppError in err's chain has the given type
func IsType(err error, errType ErrorType) bool {
	_, ok := AsType(err, errType)
	return ok
}

// AsType returns the first AppError of errType in err's cause chain
func AsType(err error, errType ErrorType) (*AppError, bool) {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return nil, false
		}
		if appErr.Type == errType {
			return appErr, true
		}
		err = appErr.Cause
	}
	return nil, false
}

// StatusFor maps an error to the status a transport should answer with.
// fallback is used for untyped errors.
func StatusFor(err error, fallback int) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Status != 0 {
			return appErr.Status
		}
		switch appErr.Type {
		case ErrTypeValidation, ErrTypeNormalization:
			return http.StatusBadRequest
		case ErrTypeNotFound:
			return http.StatusNotFound
		case ErrTypePermission:
			return http.StatusForbidden
		case ErrTypeTimeout:
			return http.StatusGatewayTimeout
		case ErrTypeHandler:
			// the cause may carry a more specific status
			if appErr.Cause != nil {
				return StatusFor(appErr.Cause, http.StatusInternalServerError)
			}
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}

	return fallback
}
