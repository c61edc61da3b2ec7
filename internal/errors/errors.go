package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is an error a handler returns when it wants to answer with a
// specific status and machine-readable code.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// FieldError describes one failed field of a validated payload
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined errors returned by the transports and the kernel middlewares
var (
	ErrUnauthorized      = New(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrForbidden         = New(http.StatusForbidden, "FORBIDDEN", "Access denied")
	ErrRateLimitExceeded = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
	ErrShuttingDown      = New(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
)

// InvalidRequestWithError reports a body that could not be read or parsed
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// PayloadTooLarge reports a request body over limit bytes
func PayloadTooLarge(limit int64) *APIError {
	return New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

// MethodNotAllowed reports a path that exists under other methods. allowed
// becomes the Allow header.
func MethodNotAllowed(method string, allowed []string) *APIError {
	return NewWithDetails(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("method %s not allowed", method), allowed)
}

// NewFieldErrors creates a validation error listing every failed field
func NewFieldErrors(fields []FieldError) *APIError {
	return NewWithDetails(
		http.StatusBadRequest,
		"VALIDATION_FAILED",
		"Request validation failed",
		fields,
	)
}
