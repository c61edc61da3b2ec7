package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type session struct{ id string }

func (s session) UserID() string { return s.id }

func (s session) Get(string) (any, bool) { return nil, false }

func newKernelExecutor(t *testing.T, cfg config.RateLimitConfig) *dispatch.Executor {
	t.Helper()
	k := dispatch.NewKernel()
	RegisterKernel(k, cfg, discardLogger())
	return dispatch.NewExecutor(k, nil, dispatch.WithLogger(discardLogger()))
}

func run(t *testing.T, exec *dispatch.Executor, route *dispatch.Route, s dispatch.Session) (*dispatch.Context, error) {
	t.Helper()
	c := dispatch.NewContext(context.Background(), dispatch.Input{
		Method:     route.Method,
		Path:       route.Pattern,
		RemoteAddr: "192.0.2.1",
	})
	if s != nil {
		c.Session = s
	}
	return c, exec.Execute(context.Background(), route, c)
}

func TestRegisterKernelNames(t *testing.T) {
	k := dispatch.NewKernel()
	RegisterKernel(k, config.Default().Security.RateLimit, discardLogger())

	assert.Equal(t, []string{"auth", "guest", "log", "throttle"}, k.Names())
}

func TestAuthRejectsAnonymous(t *testing.T) {
	exec := newKernelExecutor(t, config.Default().Security.RateLimit)
	called := false
	route := dispatch.NewRoute(http.MethodGet, "api/ping", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		called = true
		return "pong", nil
	})).Use(NameAuth)

	_, err := run(t, exec, route, nil)
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, apierrors.StatusFor(err, http.StatusInternalServerError))

	c, err := run(t, exec, route, session{id: "1"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "pong", c.Response.Payload)
}

func TestGuestRejectsSessions(t *testing.T) {
	exec := newKernelExecutor(t, config.Default().Security.RateLimit)
	route := dispatch.NewRoute(http.MethodPost, "api/login", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		return nil, nil
	})).Use(NameGuest)

	_, err := run(t, exec, route, session{id: "1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apierrors.StatusFor(err, http.StatusInternalServerError))

	_, err = run(t, exec, route, nil)
	assert.NoError(t, err)
}

func TestThrottlePerUser(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 1, UserRPS: 0.001, UserBurst: 2}
	exec := newKernelExecutor(t, cfg)
	route := dispatch.NewRoute(http.MethodGet, "api/ping", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		return "pong", nil
	})).Use(NameThrottle)

	for i := 0; i < 2; i++ {
		_, err := run(t, exec, route, session{id: "1"})
		require.NoError(t, err)
	}
	c, err := run(t, exec, route, session{id: "1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, apierrors.StatusFor(err, http.StatusInternalServerError))
	assert.NotEmpty(t, c.Response.Header().Get("Retry-After"))

	// another user has its own bucket
	_, err = run(t, exec, route, session{id: "2"})
	assert.NoError(t, err)
}

func TestThrottleAnonymousKeyedByHost(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 1, UserRPS: 0.001, UserBurst: 1}
	exec := newKernelExecutor(t, cfg)
	route := dispatch.NewRoute(http.MethodGet, "api/ping", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		return "pong", nil
	})).Use(NameThrottle)

	from := func(addr string) error {
		c := dispatch.NewContext(context.Background(), dispatch.Input{
			Method:     route.Method,
			Path:       route.Pattern,
			RemoteAddr: addr,
		})
		return exec.Execute(context.Background(), route, c)
	}

	require.NoError(t, from("10.0.0.1:1111"))
	err := from("10.0.0.1:2222")
	require.Error(t, err, "a new source port must not reset the bucket")
	assert.Equal(t, http.StatusTooManyRequests, apierrors.StatusFor(err, http.StatusInternalServerError))

	assert.NoError(t, from("10.0.0.2:1111"))
}

func TestThrottleDisabledPassesThrough(t *testing.T) {
	exec := newKernelExecutor(t, config.RateLimitConfig{Enabled: false})
	route := dispatch.NewRoute(http.MethodGet, "api/ping", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		return "pong", nil
	})).Use(NameThrottle)

	for i := 0; i < 100; i++ {
		_, err := run(t, exec, route, nil)
		require.NoError(t, err)
	}
}

func TestLogPassesErrorsThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	k := dispatch.NewKernel()
	k.Register(NameLog, Log(logger))
	k.Register(NameAuth, Auth())
	exec := dispatch.NewExecutor(k, nil, dispatch.WithLogger(discardLogger()))

	route := dispatch.NewRoute(http.MethodGet, "api/me", dispatch.HandlerFunc(func(c *dispatch.Context) (any, error) {
		return c.UserID(), nil
	})).Use(NameLog, NameAuth)

	_, err := run(t, exec, route, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrUnauthorized)
	assert.Contains(t, buf.String(), `"msg":"dispatch rejected"`)
	assert.Contains(t, buf.String(), `"status":401`)

	buf.Reset()
	_, err = run(t, exec, route, session{id: "9"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"dispatch served"`)
	assert.Contains(t, buf.String(), `"user_id":"9"`)
}

func TestKeyedLimiterSweepsIdleKeys(t *testing.T) {
	l := NewKeyedLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.RetryAfter())
}
