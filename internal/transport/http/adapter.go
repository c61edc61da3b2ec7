package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
	customMiddleware "pulsechat/internal/middleware"
)

// DefaultMaxBodyBytes caps request payloads read by the adapter
const DefaultMaxBodyBytes int64 = 1 << 20

// Adapter serves a dispatch table over HTTP. Each request becomes one
// dispatch: the session is resolved, the route is matched and executed,
// and the dispatch response is rendered as JSON.
type Adapter struct {
	table        *dispatch.Table
	executor     *dispatch.Executor
	sessions     dispatch.SessionResolver
	errorHandler *apierrors.ErrorHandler
	maxBody      int64
	logger       *slog.Logger
}

// NewAdapter creates an adapter. sessions may be nil, in which case every
// request is anonymous.
func NewAdapter(table *dispatch.Table, executor *dispatch.Executor, sessions dispatch.SessionResolver, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if errorHandler == nil {
		errorHandler = apierrors.NewErrorHandler(logger, false)
	}
	return &Adapter{
		table:        table,
		executor:     executor,
		sessions:     sessions,
		errorHandler: errorHandler,
		maxBody:      DefaultMaxBodyBytes,
		logger:       logger.With(slog.String("handler", "dispatch")),
	}
}

// WithMaxBodyBytes overrides the request payload limit
func (a *Adapter) WithMaxBodyBytes(n int64) *Adapter {
	a.maxBody = n
	return a
}

// ServeHTTP implements http.Handler
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	in, err := a.input(w, r)
	if err != nil {
		a.errorHandler.HandleError(w, r, err)
		return
	}

	dc := dispatch.NewContext(ctx, in)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		dc.ID = reqID
	}

	if a.sessions != nil {
		session, err := a.sessions.Resolve(ctx, &dc.Input)
		if err != nil {
			// a bad token on an HTTP request is treated as no token
			a.logger.DebugContext(ctx, "session not resolved, continuing anonymously",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
		} else if session != nil {
			dc.Session = session
		}
	}

	err = a.executor.Dispatch(ctx, a.table, dc)
	if dc.Route != nil {
		customMiddleware.SetRouteLabel(ctx, "/"+dc.Route.Pattern)
	}
	if err != nil {
		// after a timeout the chain may still be writing to the response
		if !apierrors.IsType(err, apierrors.ErrTypeTimeout) {
			applyHeaders(w, dc.Response)
		}
		a.errorHandler.HandleError(w, r, err)
		return
	}

	applyHeaders(w, dc.Response)
	status := dc.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}
	render.Status(r, status)
	render.JSON(w, r, dc.Response.Payload)
}

func (a *Adapter) input(w http.ResponseWriter, r *http.Request) (dispatch.Input, error) {
	in := dispatch.Input{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    r.Header,
		Cookies:    r.Cookies(),
		RemoteAddr: r.RemoteAddr,
	}
	if r.Body == nil || r.Body == http.NoBody {
		return in, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, apierrors.PayloadTooLarge(tooLarge.Limit)
		}
		return in, apierrors.InvalidRequestWithError(err)
	}
	if len(body) > 0 {
		in.Payload = json.RawMessage(body)
	}
	return in, nil
}

func applyHeaders(w http.ResponseWriter, resp *dispatch.Response) {
	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	for _, c := range resp.Cookies {
		http.SetCookie(w, c)
	}
}
