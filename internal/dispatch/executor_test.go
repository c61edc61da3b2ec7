package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "pulsechat/internal/errors"
)

// recorder builds middlewares that log their position.
type recorder struct {
	trace []string
}

func (r *recorder) pass(name string) MiddlewareFunc {
	return func(c *Context, next Next) error {
		r.trace = append(r.trace, name+":before")
		err := next()
		r.trace = append(r.trace, name+":after")
		return err
	}
}

func (r *recorder) stop(name string, status int) MiddlewareFunc {
	return func(c *Context, next Next) error {
		r.trace = append(r.trace, name+":stop")
		c.Response.SetStatus(status)
		c.Response.Payload = map[string]string{"stopped_by": name}
		return nil
	}
}

func newTestExecutor(k *Kernel, v *Validators, opts ...ExecutorOption) *Executor {
	opts = append([]ExecutorOption{WithLogger(testLogger())}, opts...)
	return NewExecutor(k, v, opts...)
}

func TestExecuteRunsMiddlewaresInOrder(t *testing.T) {
	rec := &recorder{}
	k := NewKernel()
	k.Register("a", rec.pass("a"))
	k.Register("b", rec.pass("b"))
	k.Register("c", rec.pass("c"))

	route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
		rec.trace = append(rec.trace, "handler")
		return "ok", nil
	})).Use("a", "b", "c")

	c := NewContext(context.Background(), Input{Method: http.MethodGet, Path: "x"})
	err := newTestExecutor(k, nil).Execute(context.Background(), route, c)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a:before", "b:before", "c:before", "handler", "c:after", "b:after", "a:after",
	}, rec.trace)
	assert.Equal(t, "ok", c.Response.Payload)
	assert.Equal(t, http.StatusOK, c.Response.Status)
	assert.Same(t, route, c.Route)
}

func TestExecuteShortCircuitAtEachPosition(t *testing.T) {
	const n = 4
	for k := 0; k < n; k++ {
		t.Run(fmt.Sprintf("stop_at_%d", k), func(t *testing.T) {
			rec := &recorder{}
			kernel := NewKernel()
			names := make([]string, n)
			for i := 0; i < n; i++ {
				names[i] = fmt.Sprintf("m%d", i)
				if i == k {
					kernel.Register(names[i], rec.stop(names[i], http.StatusAccepted))
				} else {
					kernel.Register(names[i], rec.pass(names[i]))
				}
			}

			var handled atomic.Bool
			route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
				handled.Store(true)
				return "handler", nil
			})).Use(names...)

			c := NewContext(context.Background(), Input{})
			require.NoError(t, newTestExecutor(kernel, nil).Execute(context.Background(), route, c))

			assert.False(t, handled.Load())
			// Middlewares after k never ran
			for i := k + 1; i < n; i++ {
				assert.NotContains(t, rec.trace, names[i]+":before")
			}
			// Middlewares before k unwound
			for i := 0; i < k; i++ {
				assert.Contains(t, rec.trace, names[i]+":after")
			}
			assert.Equal(t, http.StatusAccepted, c.Response.Status)
			assert.Equal(t, map[string]string{"stopped_by": names[k]}, c.Response.Payload)
		})
	}
}

func TestExecuteEmptyChainRunsHandler(t *testing.T) {
	route := NewRoute(http.MethodGet, "/x", payloadHandler(42))
	c := NewContext(context.Background(), Input{})

	require.NoError(t, newTestExecutor(nil, nil).Execute(context.Background(), route, c))
	assert.Equal(t, 42, c.Response.Payload)
}

func TestExecuteMissingMiddleware(t *testing.T) {
	var ran atomic.Int32
	k := NewKernel()
	k.RegisterFunc("known", func(c *Context, next Next) error {
		ran.Add(1)
		return next()
	})

	route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
		ran.Add(1)
		return nil, nil
	})).Use("known", "unknown")

	c := NewContext(context.Background(), Input{})
	err := newTestExecutor(k, nil).Execute(context.Background(), route, c)

	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeConfiguration))
	assert.Contains(t, err.Error(), "unknown")
	assert.Zero(t, ran.Load())
	assert.Zero(t, c.Response.Status)
	assert.Nil(t, c.Response.Payload)
}

func TestExecuteMissingValidator(t *testing.T) {
	route := NewRoute(http.MethodPost, "/x", payloadHandler(nil)).Validate("nope")
	c := NewContext(context.Background(), Input{})

	err := newTestExecutor(nil, NewValidators()).Execute(context.Background(), route, c)
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeConfiguration))
}

func TestExecuteDoubleNext(t *testing.T) {
	var handlerRuns atomic.Int32
	k := NewKernel()
	k.RegisterFunc("twice", func(c *Context, next Next) error {
		_ = next()
		// Swallow the guard error; the executor still reports it
		_ = next()
		return nil
	})

	route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
		handlerRuns.Add(1)
		return nil, nil
	})).Use("twice")

	c := NewContext(context.Background(), Input{})
	err := newTestExecutor(k, nil).Execute(context.Background(), route, c)

	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeConfiguration))
	assert.Equal(t, int32(1), handlerRuns.Load())
}

func TestExecuteMiddlewareError(t *testing.T) {
	boom := errors.New("boom")
	k := NewKernel()
	k.RegisterFunc("fail", func(c *Context, next Next) error {
		c.Response.SetStatus(http.StatusPaymentRequired)
		return boom
	})

	route := NewRoute(http.MethodGet, "/x", payloadHandler("never")).Use("fail")
	c := NewContext(context.Background(), Input{})
	err := newTestExecutor(k, nil).Execute(context.Background(), route, c)

	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeHandler))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, http.StatusPaymentRequired, apierrors.StatusFor(err, http.StatusInternalServerError))
	assert.Nil(t, c.Response.Payload)
}

func TestExecuteMiddlewarePropagatesDownstreamError(t *testing.T) {
	rec := &recorder{}
	k := NewKernel()
	k.Register("outer", rec.pass("outer"))

	route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
		return nil, apierrors.NewNotFoundError("user")
	})).Use("outer")

	c := NewContext(context.Background(), Input{})
	err := newTestExecutor(k, nil).Execute(context.Background(), route, c)

	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeHandler))
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeNotFound))
	assert.Equal(t, http.StatusNotFound, apierrors.StatusFor(err, http.StatusInternalServerError))
	assert.Equal(t, []string{"outer:before", "outer:after"}, rec.trace)
}

func TestExecuteHandlerPanic(t *testing.T) {
	route := NewRoute(http.MethodGet, "/x", HandlerFunc(func(c *Context) (any, error) {
		panic("kaput")
	}))
	c := NewContext(context.Background(), Input{})

	err := newTestExecutor(nil, nil).Execute(context.Background(), route, c)
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeHandler))
	assert.Contains(t, err.Error(), "kaput")
}

func TestExecuteTimeout(t *testing.T) {
	k := NewKernel()
	k.RegisterFunc("slow", func(c *Context, next Next) error {
		select {
		case <-c.Context().Done():
			return c.Context().Err()
		case <-time.After(5 * time.Second):
			return next()
		}
	})

	route := NewRoute(http.MethodGet, "/x", payloadHandler("late")).Use("slow")
	c := NewContext(context.Background(), Input{})

	start := time.Now()
	err := newTestExecutor(k, nil, WithTimeout(20*time.Millisecond)).Execute(context.Background(), route, c)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, apierrors.StatusFor(err, http.StatusInternalServerError))
}

func TestExecuteWithinTimeout(t *testing.T) {
	route := NewRoute(http.MethodGet, "/x", payloadHandler("fast"))
	c := NewContext(context.Background(), Input{})

	err := newTestExecutor(nil, nil, WithTimeout(time.Second)).Execute(context.Background(), route, c)
	require.NoError(t, err)
	assert.Equal(t, "fast", c.Response.Payload)
}

func TestExecuteValidator(t *testing.T) {
	type body struct {
		UserID string `json:"user_id" validate:"required,userid"`
	}
	validators := NewValidators()
	validators.Register("body", StructValidator[body](nil))

	route := NewRoute(http.MethodPost, "/x", HandlerFunc(func(c *Context) (any, error) {
		return c.Validated.(*body).UserID, nil
	})).Validate("body")

	t.Run("valid", func(t *testing.T) {
		c := NewContext(context.Background(), Input{Payload: []byte(`{"user_id":"42"}`)})
		require.NoError(t, newTestExecutor(nil, validators).Execute(context.Background(), route, c))
		assert.Equal(t, "42", c.Response.Payload)
	})

	t.Run("invalid", func(t *testing.T) {
		c := NewContext(context.Background(), Input{Payload: []byte(`{"user_id":"4x2"}`)})
		err := newTestExecutor(nil, validators).Execute(context.Background(), route, c)
		require.Error(t, err)
		assert.True(t, apierrors.IsType(err, apierrors.ErrTypeValidation))
		assert.Equal(t, http.StatusBadRequest, apierrors.StatusFor(err, http.StatusInternalServerError))
		assert.Nil(t, c.Response.Payload)

		var apiErr *apierrors.APIError
		require.ErrorAs(t, err, &apiErr)
		fields, ok := apiErr.Details.([]apierrors.FieldError)
		require.True(t, ok)
		require.Len(t, fields, 1)
		assert.Equal(t, "user_id", fields[0].Field)
	})

	t.Run("empty", func(t *testing.T) {
		c := NewContext(context.Background(), Input{})
		err := newTestExecutor(nil, validators).Execute(context.Background(), route, c)
		assert.True(t, apierrors.IsType(err, apierrors.ErrTypeValidation))
	})
}

func TestDispatchNotFoundAndMethodNotAllowed(t *testing.T) {
	table := NewTable(testLogger())
	table.Get("/api/ping", payloadHandler("pong"))
	table.Freeze()
	e := newTestExecutor(nil, nil)

	c := NewContext(context.Background(), Input{Method: http.MethodGet, Path: "/api/ping"})
	require.NoError(t, e.Dispatch(context.Background(), table, c))
	assert.Equal(t, "pong", c.Response.Payload)

	c = NewContext(context.Background(), Input{Method: http.MethodPost, Path: "/api/ping"})
	err := e.Dispatch(context.Background(), table, c)
	assert.Equal(t, http.StatusMethodNotAllowed, apierrors.StatusFor(err, 0))
	assert.Equal(t, "GET", c.Response.Header().Get("Allow"))

	c = NewContext(context.Background(), Input{Method: http.MethodGet, Path: "/api/nothing"})
	err = e.Dispatch(context.Background(), table, c)
	assert.Equal(t, http.StatusNotFound, apierrors.StatusFor(err, 0))

	c = NewContext(context.Background(), Input{Method: MethodEvent, Path: "unknown"})
	err = e.Dispatch(context.Background(), table, c)
	assert.Equal(t, http.StatusNotFound, apierrors.StatusFor(err, 0))
}

func TestDispatchSetsParams(t *testing.T) {
	table := NewTable(testLogger())
	table.Get("/users/:id", HandlerFunc(func(c *Context) (any, error) {
		return c.Param("id"), nil
	}))
	table.Freeze()

	c := NewContext(context.Background(), Input{Method: http.MethodGet, Path: "/users/9"})
	require.NoError(t, newTestExecutor(nil, nil).Dispatch(context.Background(), table, c))
	assert.Equal(t, "9", c.Response.Payload)
}

func TestKernelRegisterTwicePanics(t *testing.T) {
	k := NewKernel()
	k.RegisterFunc("a", func(c *Context, next Next) error { return next() })
	assert.Panics(t, func() {
		k.RegisterFunc("a", func(c *Context, next Next) error { return next() })
	})
	assert.Equal(t, []string{"a"}, k.Names())
}
