package dispatch

import (
	"fmt"

	apierrors "pulsechat/internal/errors"
)

// Group wraps routes and nested groups so a prefix and middleware can be
// applied to all of them at once.
type Group struct {
	entries    []Entry
	prefix     string
	prefixed   bool
	middleware []string
	withMW     bool
}

// NewGroup groups entries. Nil entries are ignored.
func NewGroup(entries ...Entry) *Group {
	g := &Group{}
	for _, e := range entries {
		if e != nil {
			g.entries = append(g.entries, e)
		}
	}
	return g
}

// Prefix rewrites the pattern of every contained route, at any depth, to
// Join(p, pattern). It may be called once per group.
func (g *Group) Prefix(p string) *Group {
	if g.prefixed {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("group prefix already applied (%q, then %q)", g.prefix, p)))
	}
	routes := g.Routes()
	for _, r := range routes {
		r.mustBeMutable()
	}
	for _, r := range routes {
		r.Pattern = Join(p, r.Pattern)
	}
	g.prefix = p
	g.prefixed = true
	return g
}

// Middleware prepends names to the middleware list of every contained route,
// at any depth. It may be called once per group.
func (g *Group) Middleware(names ...string) *Group {
	if g.withMW {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("group middleware already applied (%v, then %v)", g.middleware, names)))
	}
	routes := g.Routes()
	for _, r := range routes {
		r.mustBeMutable()
	}
	for _, r := range routes {
		merged := make([]string, 0, len(names)+len(r.Middleware))
		merged = append(merged, names...)
		r.Middleware = append(merged, r.Middleware...)
	}
	g.middleware = append([]string(nil), names...)
	g.withMW = true
	return g
}

// With applies declarative options to the group. A validator is only set on
// routes that do not declare their own.
func (g *Group) With(opts Options) *Group {
	if opts.Prefix != "" {
		g.Prefix(opts.Prefix)
	}
	if len(opts.Middleware) > 0 {
		g.Middleware(opts.Middleware...)
	}
	if opts.Validator != "" {
		for _, r := range g.Routes() {
			if r.Validator == "" {
				r.Validate(opts.Validator)
			}
		}
	}
	return g
}

// Routes returns every route in the group, depth first, in declaration order.
func (g *Group) Routes() []*Route {
	return g.collect(nil)
}

func (g *Group) collect(dst []*Route) []*Route {
	for _, e := range g.entries {
		dst = e.collect(dst)
	}
	return dst
}
