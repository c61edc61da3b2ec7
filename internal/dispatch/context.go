package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
)

// Session is the authenticated identity behind a dispatch. It is supplied by
// a SessionResolver; a nil Session means the caller is unauthenticated.
type Session interface {
	UserID() string
	Get(key string) (any, bool)
}

// SessionResolver looks up the session for an inbound unit of work.
// Implementations return (nil, nil) when no session is present.
type SessionResolver interface {
	Resolve(ctx context.Context, in *Input) (Session, error)
}

// Params holds named path segments captured during matching.
type Params map[string]string

// Get returns the named parameter or "".
func (p Params) Get(name string) string {
	return p[name]
}

// Input is the raw data of one request or event.
type Input struct {
	// Method is the HTTP verb, or MethodEvent for WebSocket events.
	Method string
	// Path is the request path or the event name.
	Path       string
	Params     Params
	Query      url.Values
	Headers    http.Header
	Cookies    []*http.Cookie
	Payload    json.RawMessage
	RemoteAddr string
	// ConnectionID is set for WebSocket events.
	ConnectionID string
}

// Cookie returns the named cookie or nil.
func (in *Input) Cookie(name string) *http.Cookie {
	for _, c := range in.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Response accumulates what a dispatch answers with.
type Response struct {
	// Status is zero until a middleware or the handler sets it.
	Status  int
	Payload any
	Headers http.Header
	Cookies []*http.Cookie
}

// SetStatus sets the response status.
func (r *Response) SetStatus(code int) {
	r.Status = code
}

// SetCookie queues a cookie to be set by the transport.
func (r *Response) SetCookie(c *http.Cookie) {
	r.Cookies = append(r.Cookies, c)
}

// Header returns the headers the transport will set.
func (r *Response) Header() http.Header {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	return r.Headers
}

// Context is the per-request (or per-event) state threaded through the
// middleware chain and the handler. It is owned by a single dispatch and is
// not safe for concurrent use.
type Context struct {
	// ID correlates logs and traces of this dispatch.
	ID       string
	Input    Input
	Response *Response
	// Data is a free-form bag middlewares use to talk to each other.
	Data    map[string]any
	Session Session
	// Validated is the output of the route's validator, if any.
	Validated any
	Route     *Route

	ctx context.Context
}

// NewContext creates a dispatch context for in. The context's ID becomes the
// trace id of ctx unless ctx already carries one.
func NewContext(ctx context.Context, in Input) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.New().String()
	if infrastructure.GetTraceID(ctx) == "" {
		ctx = infrastructure.WithTraceID(ctx, id)
	}
	if in.Params == nil {
		in.Params = Params{}
	}
	return &Context{
		ID:       id,
		Input:    in,
		Response: &Response{},
		Data:     make(map[string]any),
		ctx:      ctx,
	}
}

// Context returns the context.Context of the dispatch. It is cancelled when
// the chain's time budget runs out.
func (c *Context) Context() context.Context {
	return c.ctx
}

// SetContext replaces the context.Context of the dispatch.
func (c *Context) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// Param returns a named path segment.
func (c *Context) Param(name string) string {
	return c.Input.Params.Get(name)
}

// Set stores a value in the middleware data bag.
func (c *Context) Set(key string, value any) {
	c.Data[key] = value
}

// Get reads a value from the middleware data bag.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Authenticated reports whether a session is attached.
func (c *Context) Authenticated() bool {
	return c.Session != nil
}

// UserID returns the session's user id or "".
func (c *Context) UserID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.UserID()
}

// Bind decodes the raw payload into v.
func (c *Context) Bind(v any) error {
	if len(c.Input.Payload) == 0 {
		return apierrors.NewValidationError("payload is empty", nil)
	}
	if err := json.Unmarshal(c.Input.Payload, v); err != nil {
		return apierrors.NewValidationError("payload is not valid JSON", err)
	}
	return nil
}
