package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
)

// TracerName is the instrumentation scope of dispatch spans.
const TracerName = "pulsechat/dispatch"

// Executor runs a route's middleware chain, validator and handler.
type Executor struct {
	kernel     *Kernel
	validators *Validators
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *infrastructure.BusinessMetrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout bounds the whole chain. Zero disables the budget.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With(slog.String("component", "dispatch.executor"))
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics records every dispatch in metrics.
func WithMetrics(metrics *infrastructure.BusinessMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// NewExecutor creates an executor resolving names against kernel and
// validators. validators may be nil when no route declares one.
func NewExecutor(kernel *Kernel, validators *Validators, opts ...ExecutorOption) *Executor {
	if kernel == nil {
		kernel = NewKernel()
	}
	if validators == nil {
		validators = NewValidators()
	}
	e := &Executor{
		kernel:     kernel,
		validators: validators,
		logger:     infrastructure.GetLogger().With(slog.String("component", "dispatch.executor")),
		tracer:     otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch matches the context's input against table and executes the
// route. A miss returns a 404 error, or 405 when the path exists under
// another method.
func (e *Executor) Dispatch(ctx context.Context, table *Table, c *Context) error {
	route, params, ok := table.Match(c.Input.Method, c.Input.Path)
	if !ok {
		if c.Input.Method != MethodEvent {
			if allowed := table.Allowed(c.Input.Path); len(allowed) > 0 {
				c.Response.Header().Set("Allow", strings.Join(allowed, ", "))
				return apierrors.MethodNotAllowed(c.Input.Method, allowed)
			}
		}
		return apierrors.NewNotFoundError(fmt.Sprintf("route %s /%s", c.Input.Method, Normalize(c.Input.Path)))
	}
	c.Input.Params = params
	return e.Execute(ctx, route, c)
}

// Execute runs route against c. Middleware and validator names are resolved
// before anything runs; an unknown name yields a ConfigurationError and the
// response is left untouched. After Execute returns an error the response
// must not be read: on timeout the chain may still be finishing in the
// background.
func (e *Executor) Execute(ctx context.Context, route *Route, c *Context) error {
	if ctx == nil {
		ctx = c.Context()
	}

	mws, validator, err := e.resolve(route)
	if err != nil {
		e.logger.ErrorContext(ctx, "route misconfigured",
			slog.String("route", route.String()),
			slog.String("error", err.Error()))
		return err
	}

	ctx, span := e.tracer.Start(ctx, "dispatch "+route.String(),
		trace.WithAttributes(
			attribute.String("dispatch.id", c.ID),
			attribute.String("dispatch.method", route.Method),
			attribute.String("dispatch.pattern", route.Pattern),
			attribute.Int("dispatch.middleware", len(mws)),
		))
	defer span.End()

	start := time.Now()
	c.Route = route

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	c.SetContext(ctx)

	if e.timeout > 0 {
		done := make(chan error, 1)
		go func() {
			done <- e.run(c, route, mws, validator)
		}()
		select {
		case err = <-done:
			// a cooperative middleware may return as the budget expires
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = e.timeoutError(route, err)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = e.timeoutError(route, ctx.Err())
			} else {
				err = apierrors.NewHandlerError("dispatch cancelled", ctx.Err())
			}
		}
	} else {
		err = e.run(c, route, mws, validator)
	}

	duration := time.Since(start)
	if err != nil {
		e.metrics.RecordDispatch(ctx, route.String(),
			apierrors.StatusFor(err, http.StatusInternalServerError), duration, errorType(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		if apierrors.IsType(err, apierrors.ErrTypeConfiguration) || apierrors.StatusFor(err, http.StatusInternalServerError) >= 500 {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "dispatch failed",
			slog.String("dispatch_id", c.ID),
			slog.String("route", route.String()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return err
	}

	e.metrics.RecordDispatch(ctx, route.String(), c.Response.Status, duration, "")
	span.SetAttributes(attribute.Int("dispatch.status", c.Response.Status))
	e.logger.DebugContext(ctx, "dispatch completed",
		slog.String("dispatch_id", c.ID),
		slog.String("route", route.String()),
		slog.Int("status", c.Response.Status),
		slog.Duration("duration", duration))
	return nil
}

func (e *Executor) timeoutError(route *Route, cause error) error {
	return apierrors.NewTimeoutError(fmt.Sprintf("dispatch exceeded %s", e.timeout), cause).
		WithContext("route", route.String())
}

func (e *Executor) resolve(route *Route) ([]Middleware, Validator, error) {
	mws := make([]Middleware, 0, len(route.Middleware))
	var missing []string
	for _, name := range route.Middleware {
		mw, ok := e.kernel.Lookup(name)
		if !ok {
			missing = append(missing, "middleware "+name)
			continue
		}
		mws = append(mws, mw)
	}

	var v Validator
	if route.Validator != "" {
		var ok bool
		if v, ok = e.validators.Lookup(route.Validator); !ok {
			missing = append(missing, "validator "+route.Validator)
		}
	}

	if len(missing) > 0 {
		return nil, nil, apierrors.NewConfigurationError(
			fmt.Sprintf("route %s uses unknown %s", route, strings.Join(missing, ", "))).
			WithContext("route", route.String())
	}
	return mws, v, nil
}

// run executes the chain synchronously.
func (e *Executor) run(c *Context, route *Route, mws []Middleware, v Validator) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.ErrorContext(c.Context(), "panic during dispatch",
				slog.String("dispatch_id", c.ID),
				slog.String("route", route.String()),
				slog.Any("panic", rec))
			err = apierrors.NewHandlerError(fmt.Sprintf("panic: %v", rec), nil)
		}
	}()

	// violation records a second call to next even if the middleware
	// swallowed the returned error.
	var violation error

	var invoke func(i int) error
	invoke = func(i int) error {
		if i == len(mws) {
			return e.terminal(c, route, v)
		}

		name := route.Middleware[i]
		called := false
		var downstream error
		next := func() error {
			if called {
				violation = apierrors.NewConfigurationError(
					fmt.Sprintf("middleware %q called next more than once", name)).
					WithContext("route", route.String())
				e.logger.ErrorContext(c.Context(), "continuation called twice",
					slog.String("dispatch_id", c.ID),
					slog.String("middleware", name))
				return violation
			}
			called = true
			downstream = invoke(i + 1)
			return downstream
		}

		mwErr := mws[i].Handle(c, next)
		switch {
		case mwErr == nil:
			return nil
		case mwErr == downstream || mwErr == violation:
			return mwErr
		default:
			wrapped := apierrors.NewHandlerError(fmt.Sprintf("middleware %q failed", name), mwErr).
				WithContext("middleware", name)
			if c.Response.Status >= http.StatusBadRequest {
				wrapped.WithStatus(c.Response.Status)
			}
			return wrapped
		}
	}

	err = invoke(0)
	if violation != nil {
		return violation
	}
	return err
}

func (e *Executor) terminal(c *Context, route *Route, v Validator) error {
	if v != nil {
		validated, err := v.Validate(c)
		if err != nil {
			if !apierrors.IsType(err, apierrors.ErrTypeValidation) {
				err = apierrors.NewValidationError("input failed validation", err)
			}
			c.Response.SetStatus(http.StatusBadRequest)
			return err
		}
		c.Validated = validated
	}

	payload, err := route.Handler.Handle(c)
	if err != nil {
		return apierrors.NewHandlerError("handler failed", err).WithContext("route", route.String())
	}
	c.Response.Payload = payload
	if c.Response.Status == 0 {
		c.Response.SetStatus(http.StatusOK)
	}
	return nil
}

func errorType(err error) string {
	var appErr *apierrors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Type)
	}
	return "UNKNOWN"
}
