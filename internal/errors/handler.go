package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Problem types following RFC 7807
const (
	TypeValidation    = "/errors/validation"
	TypeNotFound      = "/errors/not-found"
	TypeUnauthorized  = "/errors/unauthorized"
	TypeForbidden     = "/errors/forbidden"
	TypeRateLimit     = "/errors/rate-limit"
	TypeInternal      = "/errors/internal"
	TypeTimeout       = "/errors/timeout"
	TypeConfiguration = "/errors/configuration"
	TypeHandler       = "/errors/handler"
	TypeIdentifier    = "/errors/identifier"
	TypeMethod        = "/errors/method-not-allowed"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := h.ErrorToProblem(err, r.URL.Path)
	problem.WithExtension("trace_id", reqID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details.
// instance is the path or event name the failure belongs to.
func (h *ErrorHandler) ErrorToProblem(err error, instance string) *ProblemDetails {
	status := StatusFor(err, http.StatusInternalServerError)

	if errors.Is(err, context.DeadlineExceeded) || IsType(err, ErrTypeTimeout) {
		return NewProblemDetails(status, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", instance)
	}

	// validators wrap their field list in an APIError; keep the list
	if verr, ok := AsType(err, ErrTypeValidation); ok {
		return validationProblem(verr, status, instance)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, instance)
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return NewProblemDetails(status, TypeInternal, "Internal Server Error",
			"An unexpected error occurred while processing your request", instance)
	}

	switch appErr.Type {
	case ErrTypeNormalization:
		return NewProblemDetails(status, TypeIdentifier, "Invalid Identifier", appErr.Message, instance)
	case ErrTypeNotFound:
		return NewProblemDetails(status, TypeNotFound, "Resource Not Found", appErr.Message, instance)
	case ErrTypePermission:
		return NewProblemDetails(status, TypeForbidden, "Forbidden", appErr.Message, instance)
	case ErrTypeConfiguration:
		// configuration details are for operators, not callers
		return NewProblemDetails(status, TypeConfiguration, "Internal Server Error",
			"The server is misconfigured", instance)
	default:
		return NewProblemDetails(status, typeForStatus(status), http.StatusText(status),
			"An unexpected error occurred while processing your request", instance)
	}
}

func validationProblem(appErr *AppError, status int, instance string) *ProblemDetails {
	p := NewProblemDetails(status, TypeValidation, "Validation Failed", appErr.Message, instance)
	var cause *APIError
	if errors.As(appErr.Cause, &cause) {
		if fields, ok := cause.Details.([]FieldError); ok && len(fields) > 0 {
			p.WithExtension("errors", fields)
		}
	}
	return p
}

// apiErrorToProblem converts APIError to ProblemDetails
func apiErrorToProblem(apiErr *APIError, instance string) *ProblemDetails {
	problemType := typeForStatus(apiErr.StatusCode)
	if apiErr.ErrorCode == "VALIDATION_FAILED" {
		problemType = TypeValidation
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		instance,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}

	return problem
}

func typeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return TypeValidation
	case http.StatusUnauthorized:
		return TypeUnauthorized
	case http.StatusForbidden:
		return TypeForbidden
	case http.StatusNotFound:
		return TypeNotFound
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusGatewayTimeout:
		return TypeTimeout
	default:
		if status >= 500 {
			return TypeInternal
		}
		return TypeHandler
	}
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethod,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}

// getStackTrace returns the current stack trace
func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
