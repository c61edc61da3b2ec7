package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
)

// RouteInfo is a read-only description of a registered route.
type RouteInfo struct {
	Method     string   `json:"method"`
	Pattern    string   `json:"pattern"`
	Middleware []string `json:"middleware,omitempty"`
	Validator  string   `json:"validator,omitempty"`
}

// Table is the route registry. It is built at startup, frozen, and read
// without locking afterwards.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
	frozen bool
	logger *slog.Logger
}

// NewTable creates an empty route table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Table{
		logger: logger.With(slog.String("component", "dispatch.table")),
	}
}

// Handle registers a handler for method and pattern and returns the route so
// middleware and a validator can be attached.
func (t *Table) Handle(method, pattern string, h Handler) *Route {
	r := NewRoute(method, pattern, h)
	t.Mount(r)
	return r
}

// HandleFunc registers a handler function.
func (t *Table) HandleFunc(method, pattern string, fn func(c *Context) (any, error)) *Route {
	return t.Handle(method, pattern, HandlerFunc(fn))
}

// Get registers a GET route.
func (t *Table) Get(pattern string, h Handler) *Route {
	return t.Handle(http.MethodGet, pattern, h)
}

// Post registers a POST route.
func (t *Table) Post(pattern string, h Handler) *Route {
	return t.Handle(http.MethodPost, pattern, h)
}

// Put registers a PUT route.
func (t *Table) Put(pattern string, h Handler) *Route {
	return t.Handle(http.MethodPut, pattern, h)
}

// Patch registers a PATCH route.
func (t *Table) Patch(pattern string, h Handler) *Route {
	return t.Handle(http.MethodPatch, pattern, h)
}

// Delete registers a DELETE route.
func (t *Table) Delete(pattern string, h Handler) *Route {
	return t.Handle(http.MethodDelete, pattern, h)
}

// Event registers a WebSocket event route.
func (t *Table) Event(name string, h Handler) *Route {
	return t.Handle(MethodEvent, name, h)
}

// Mount attaches routes and groups built outside the table. Routes already
// owned by this table are skipped, so a group of routes created with Handle
// can be mounted without duplicating them.
func (t *Table) Mount(entries ...Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		panic(apierrors.NewConfigurationError("route registered after the table was frozen"))
	}

	var routes []*Route
	for _, e := range entries {
		if e != nil {
			routes = e.collect(routes)
		}
	}
	for _, r := range routes {
		if r.table == t {
			continue
		}
		if r.table != nil {
			panic(apierrors.NewConfigurationError(fmt.Sprintf("route %s already belongs to another table", r)))
		}
		r.table = t
		t.routes = append(t.routes, r)
	}
}

// Freeze makes the table read-only and compiles route patterns. Exact
// duplicates are reported; the first registration keeps winning.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}

	seen := make(map[string]bool, len(t.routes))
	for _, r := range t.routes {
		r.segments = splitPattern(r.Pattern)
		key := r.String()
		if seen[key] {
			t.logger.Warn("duplicate route, first registration wins",
				slog.String("route", key))
		}
		seen[key] = true
	}
	t.frozen = true

	t.logger.Info("route table frozen", slog.Int("routes", len(t.routes)))
}

// Frozen reports whether Freeze has been called.
func (t *Table) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Verify checks that every middleware and validator name used by a route is
// registered. It returns a ConfigurationError listing the unknown names.
func (t *Table) Verify(kernel *Kernel, validators *Validators) error {
	missing := make(map[string]bool)
	for _, r := range t.snapshot() {
		for _, name := range r.Middleware {
			if _, ok := kernel.Lookup(name); !ok {
				missing["middleware "+name] = true
			}
		}
		if r.Validator != "" {
			if validators == nil {
				missing["validator "+r.Validator] = true
			} else if _, ok := validators.Lookup(r.Validator); !ok {
				missing["validator "+r.Validator] = true
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for n := range missing {
		names = append(names, n)
	}
	sort.Strings(names)
	return apierrors.NewConfigurationError("unknown names: " + strings.Join(names, ", "))
}

// Match finds the route for method and path. Events match their name
// exactly. HTTP patterns match segment by segment, ":name" segments capture
// the request segment. When several patterns match, the one registered first
// wins, so a literal route that must shadow a parameter route ("/a/new" vs
// "/a/:id") has to be registered before it.
func (t *Table) Match(method, path string) (*Route, Params, bool) {
	method = strings.ToUpper(method)
	path = Normalize(path)
	routes := t.snapshot()

	if method == MethodEvent {
		for _, r := range routes {
			if r.Method == MethodEvent && r.Pattern == path {
				return r, Params{}, true
			}
		}
		return nil, nil, false
	}

	reqSegments := splitPattern(path)
	for _, r := range routes {
		if r.Method != method {
			continue
		}
		if params, ok := matchSegments(r.compiled(), reqSegments); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// Allowed returns the methods registered for path, used to tell a 404 from
// a 405.
func (t *Table) Allowed(path string) []string {
	reqSegments := splitPattern(Normalize(path))
	var methods []string
	seen := make(map[string]bool)
	for _, r := range t.snapshot() {
		if r.IsEvent() || seen[r.Method] {
			continue
		}
		if _, ok := matchSegments(r.compiled(), reqSegments); ok {
			seen[r.Method] = true
			methods = append(methods, r.Method)
		}
	}
	return methods
}

// Routes describes every registered route in registration order.
func (t *Table) Routes() []RouteInfo {
	routes := t.snapshot()
	out := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		out = append(out, RouteInfo{
			Method:     r.Method,
			Pattern:    r.Pattern,
			Middleware: append([]string(nil), r.Middleware...),
			Validator:  r.Validator,
		})
	}
	return out
}

// snapshot returns the route slice. After Freeze it is never appended to, so
// the slice header can be shared.
func (t *Table) snapshot() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes
}

func (r *Route) compiled() []string {
	if r.segments != nil {
		return r.segments
	}
	return splitPattern(r.Pattern)
}

func splitPattern(p string) []string {
	if p == "" {
		return []string{}
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) (Params, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params Params
	for i, seg := range pattern {
		if len(seg) > 1 && seg[0] == ':' {
			if path[i] == "" {
				return nil, false
			}
			if params == nil {
				params = Params{}
			}
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if params == nil {
		params = Params{}
	}
	return params, true
}
