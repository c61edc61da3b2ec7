package dispatch

import (
	"fmt"
	"strings"

	apierrors "pulsechat/internal/errors"
)

// MethodEvent is the method of WebSocket event routes.
const MethodEvent = "EVENT"

// Handler produces the payload of a dispatch. Returning an error aborts the
// dispatch; the payload is then left unset.
type Handler interface {
	Handle(c *Context) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Context) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(c *Context) (any, error) {
	return f(c)
}

// Options is the declarative form of a route's configuration.
type Options struct {
	Middleware []string
	Validator  string
	Prefix     string
}

// Entry is something a Group can contain: a *Route or a nested *Group.
type Entry interface {
	collect(dst []*Route) []*Route
}

// Route maps a method and pattern to a handler.
type Route struct {
	Method     string
	Pattern    string
	Middleware []string
	Validator  string
	Handler    Handler

	table    *Table
	segments []string
}

// NewRoute creates a route that is not yet attached to a table. Attach it
// with Table.Mount.
func NewRoute(method, pattern string, h Handler) *Route {
	if h == nil {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("route %s %s has no handler", method, pattern)))
	}
	return &Route{
		Method:  strings.ToUpper(method),
		Pattern: Normalize(pattern),
		Handler: h,
	}
}

// NewEvent creates a WebSocket event route that is not yet attached to a table.
func NewEvent(name string, h Handler) *Route {
	return NewRoute(MethodEvent, name, h)
}

// Use appends middleware names to the route.
func (r *Route) Use(names ...string) *Route {
	r.mustBeMutable()
	r.Middleware = append(r.Middleware, names...)
	return r
}

// Validate sets the name of the validator run before the handler.
func (r *Route) Validate(name string) *Route {
	r.mustBeMutable()
	r.Validator = name
	return r
}

// With applies declarative options: the prefix is joined in front of the
// pattern, middleware names are appended and a non-empty validator replaces
// the current one.
func (r *Route) With(opts Options) *Route {
	r.mustBeMutable()
	if opts.Prefix != "" {
		r.Pattern = Join(opts.Prefix, r.Pattern)
	}
	if len(opts.Middleware) > 0 {
		r.Middleware = append(r.Middleware, opts.Middleware...)
	}
	if opts.Validator != "" {
		r.Validator = opts.Validator
	}
	return r
}

// IsEvent reports whether r routes WebSocket events.
func (r *Route) IsEvent() bool {
	return r.Method == MethodEvent
}

// String renders the route as "METHOD pattern".
func (r *Route) String() string {
	return r.Method + " " + r.Pattern
}

func (r *Route) collect(dst []*Route) []*Route {
	return append(dst, r)
}

func (r *Route) mustBeMutable() {
	if r.table != nil && r.table.Frozen() {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("route %s modified after the table was frozen", r)))
	}
}

// Normalize trims leading and trailing slashes and collapses repeated ones.
func Normalize(p string) string {
	p = strings.Trim(p, "/")
	if !strings.Contains(p, "//") {
		return p
	}
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}

// Join concatenates a prefix and a pattern with exactly one slash between
// their normalized forms.
func Join(prefix, pattern string) string {
	np, npat := Normalize(prefix), Normalize(pattern)
	switch {
	case np == "":
		return npat
	case npat == "":
		return np
	default:
		return np + "/" + npat
	}
}
