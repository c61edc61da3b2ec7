package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
)

// Names of the built-in dispatch middlewares
const (
	NameAuth     = "auth"
	NameGuest    = "guest"
	NameThrottle = "throttle"
	NameLog      = "log"
)

// Auth rejects dispatches without a session with 401. The handler does not
// run.
func Auth() dispatch.Middleware {
	return dispatch.MiddlewareFunc(func(c *dispatch.Context, next dispatch.Next) error {
		if !c.Authenticated() {
			c.Response.SetStatus(http.StatusUnauthorized)
			return apierrors.ErrUnauthorized
		}
		return next()
	})
}

// Guest rejects dispatches that already carry a session with 403, for
// routes such as sign-in that only make sense anonymously.
func Guest() dispatch.Middleware {
	return dispatch.MiddlewareFunc(func(c *dispatch.Context, next dispatch.Next) error {
		if c.Authenticated() {
			c.Response.SetStatus(http.StatusForbidden)
			return apierrors.ErrForbidden
		}
		return next()
	})
}

// Throttle limits dispatches per user with a token bucket. Anonymous
// callers are keyed by remote host, so reconnecting from a new port does
// not reset their bucket.
func Throttle(limiter *KeyedLimiter, logger *slog.Logger) dispatch.Middleware {
	logger = logger.With(slog.String("component", "throttle"))
	return dispatch.MiddlewareFunc(func(c *dispatch.Context, next dispatch.Next) error {
		key := "user:" + c.UserID()
		if !c.Authenticated() {
			key = "addr:" + hostOf(c.Input.RemoteAddr)
		}
		if !limiter.Allow(key) {
			logger.WarnContext(c.Context(), "dispatch throttled",
				slog.String("key", key),
				slog.String("route", c.Route.String()))
			c.Response.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
			c.Response.SetStatus(http.StatusTooManyRequests)
			return apierrors.ErrRateLimitExceeded
		}
		return next()
	})
}

// Log writes one structured line per dispatch with the outcome of the rest
// of the chain. Errors are passed on untouched.
func Log(logger *slog.Logger) dispatch.Middleware {
	logger = logger.With(slog.String("component", "dispatch.audit"))
	return dispatch.MiddlewareFunc(func(c *dispatch.Context, next dispatch.Next) error {
		start := time.Now()
		err := next()

		attrs := []any{
			slog.String("dispatch_id", c.ID),
			slog.String("route", c.Route.String()),
			slog.String("user_id", c.UserID()),
			slog.String("remote_addr", c.Input.RemoteAddr),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs,
				slog.Int("status", apierrors.StatusFor(err, http.StatusInternalServerError)),
				slog.String("error", err.Error()))
			logger.WarnContext(c.Context(), "dispatch rejected", attrs...)
			return err
		}
		status := c.Response.Status
		if status == 0 {
			status = http.StatusOK
		}
		attrs = append(attrs, slog.Int("status", status))
		logger.InfoContext(c.Context(), "dispatch served", attrs...)
		return nil
	})
}

// RegisterKernel binds the built-in middlewares to their names on k. With
// rate limiting disabled "throttle" passes everything through.
func RegisterKernel(k *dispatch.Kernel, cfg config.RateLimitConfig, logger *slog.Logger) {
	rps, burst := cfg.UserRPS, cfg.UserBurst
	if rps <= 0 || burst <= 0 {
		rps, burst = config.DefaultUserRateLimit, config.DefaultUserBurstSize
	}

	k.Register(NameAuth, Auth())
	k.Register(NameGuest, Guest())
	if cfg.Enabled {
		k.Register(NameThrottle, Throttle(NewKeyedLimiter(rps, burst), logger))
	} else {
		// routes naming "throttle" must still resolve
		k.RegisterFunc(NameThrottle, func(_ *dispatch.Context, next dispatch.Next) error {
			return next()
		})
	}
	k.Register(NameLog, Log(logger))
}
