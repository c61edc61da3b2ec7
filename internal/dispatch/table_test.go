package dispatch

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "pulsechat/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payloadHandler(v any) Handler {
	return HandlerFunc(func(c *Context) (any, error) { return v, nil })
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"/api/ping", "api/ping"},
		{"api/ping/", "api/ping"},
		{"//api///ping//", "api/ping"},
		{"users:online", "users:online"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "api/ping", Join("/api/", "/ping"))
	assert.Equal(t, "ping", Join("", "ping"))
	assert.Equal(t, "api", Join("api", "/"))
	assert.Equal(t, "", Join("", ""))
}

func TestTableMatchStatic(t *testing.T) {
	table := NewTable(testLogger())
	ping := table.Get("/api/ping", payloadHandler("pong"))
	table.Freeze()

	route, params, ok := table.Match(http.MethodGet, "/api/ping")
	require.True(t, ok)
	assert.Same(t, ping, route)
	assert.Empty(t, params)

	// Trailing and duplicate slashes are ignored
	route, _, ok = table.Match("get", "//api//ping/")
	require.True(t, ok)
	assert.Same(t, ping, route)

	_, _, ok = table.Match(http.MethodPost, "/api/ping")
	assert.False(t, ok)
	_, _, ok = table.Match(http.MethodGet, "/api/pong")
	assert.False(t, ok)
}

func TestTableMatchParams(t *testing.T) {
	table := NewTable(testLogger())
	table.Get("/users/:id/channels/:channel", payloadHandler(nil))
	table.Freeze()

	_, params, ok := table.Match(http.MethodGet, "/users/42/channels/general")
	require.True(t, ok)
	assert.Equal(t, "42", params.Get("id"))
	assert.Equal(t, "general", params.Get("channel"))

	_, _, ok = table.Match(http.MethodGet, "/users/42/channels")
	assert.False(t, ok)
}

func TestTableFirstRegisteredWins(t *testing.T) {
	table := NewTable(testLogger())
	literal := table.Get("/users/online", payloadHandler("literal"))
	param := table.Get("/users/:id", payloadHandler("param"))
	table.Freeze()

	route, _, ok := table.Match(http.MethodGet, "/users/online")
	require.True(t, ok)
	assert.Same(t, literal, route)

	route, params, ok := table.Match(http.MethodGet, "/users/7")
	require.True(t, ok)
	assert.Same(t, param, route)
	assert.Equal(t, "7", params.Get("id"))
}

func TestTableEventsMatchExactly(t *testing.T) {
	table := NewTable(testLogger())
	ev := table.Event("users:online", payloadHandler(nil))
	table.Get("/users:online", payloadHandler(nil))
	table.Freeze()

	route, _, ok := table.Match(MethodEvent, "users:online")
	require.True(t, ok)
	assert.Same(t, ev, route)

	_, _, ok = table.Match(MethodEvent, "users")
	assert.False(t, ok)
}

func TestTableAllowed(t *testing.T) {
	table := NewTable(testLogger())
	table.Get("/api/broadcast", payloadHandler(nil))
	table.Post("/api/broadcast", payloadHandler(nil))
	table.Event("api/broadcast", payloadHandler(nil))

	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, table.Allowed("/api/broadcast"))
	assert.Empty(t, table.Allowed("/nowhere"))
}

func TestTableMountGroup(t *testing.T) {
	table := NewTable(testLogger())
	g := NewGroup(
		NewRoute(http.MethodGet, "ping", payloadHandler(nil)),
		NewGroup(NewEvent("join", payloadHandler(nil))),
	).Prefix("api")
	table.Mount(g)

	routes := table.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "api/ping", routes[0].Pattern)
	assert.Equal(t, "api/join", routes[1].Pattern)
	assert.Equal(t, MethodEvent, routes[1].Method)

	// Mounting again does not duplicate owned routes
	table.Mount(g)
	assert.Len(t, table.Routes(), 2)
}

func TestTableMountForeignRoutePanics(t *testing.T) {
	a := NewTable(testLogger())
	b := NewTable(testLogger())
	r := a.Get("/x", payloadHandler(nil))

	assert.Panics(t, func() { b.Mount(r) })
}

func TestTableFreeze(t *testing.T) {
	table := NewTable(testLogger())
	r := table.Get("/a", payloadHandler(nil))
	table.Get("/a", payloadHandler(nil))

	assert.False(t, table.Frozen())
	table.Freeze()
	assert.True(t, table.Frozen())
	table.Freeze()

	assert.Panics(t, func() { table.Get("/b", payloadHandler(nil)) })
	assert.Panics(t, func() { r.Use("auth") })

	// Duplicate stays registered; the first one wins
	route, _, ok := table.Match(http.MethodGet, "/a")
	require.True(t, ok)
	assert.Same(t, r, route)
}

func TestNewRouteWithoutHandlerPanics(t *testing.T) {
	assert.Panics(t, func() { NewRoute(http.MethodGet, "/x", nil) })
}

func TestTableVerify(t *testing.T) {
	kernel := NewKernel()
	kernel.RegisterFunc("auth", func(c *Context, next Next) error { return next() })
	validators := NewValidators()

	table := NewTable(testLogger())
	table.Get("/ok", payloadHandler(nil)).Use("auth")
	require.NoError(t, table.Verify(kernel, validators))

	table.Post("/bad", payloadHandler(nil)).Use("auth", "missing").Validate("body")
	err := table.Verify(kernel, validators)
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeConfiguration))
	assert.Contains(t, err.Error(), "middleware missing")
	assert.Contains(t, err.Error(), "validator body")
}

func TestRouteWithOptions(t *testing.T) {
	r := NewRoute(http.MethodPost, "online", payloadHandler(nil)).
		Use("log").
		With(Options{Prefix: "/api/users", Middleware: []string{"auth"}, Validator: "online"})

	assert.Equal(t, "api/users/online", r.Pattern)
	assert.Equal(t, []string{"log", "auth"}, r.Middleware)
	assert.Equal(t, "online", r.Validator)
	assert.Equal(t, "POST api/users/online", r.String())
}
