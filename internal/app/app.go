package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"pulsechat/internal/auth"
	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
	customMiddleware "pulsechat/internal/middleware"
	"pulsechat/internal/relay"
	"pulsechat/internal/services"
	handlers "pulsechat/internal/transport/http"
	ws "pulsechat/internal/websocket"
)

// BuildTime is set at link time
var BuildTime = ""

// Application represents the main application container
type Application struct {
	Config *config.Config
	Logger *slog.Logger

	OTelProviders   *infrastructure.OTelProviders
	BusinessMetrics *infrastructure.BusinessMetrics
	ErrorHandler    *apierrors.ErrorHandler

	Kernel     *dispatch.Kernel
	Validators *dispatch.Validators
	Table      *dispatch.Table
	Executor   *dispatch.Executor
	Sessions   *auth.Resolver

	Registry    *ws.Registry
	Broadcaster *ws.Broadcaster
	// Publisher is the relay when one is configured, the local broadcaster
	// otherwise
	Publisher     ws.Publisher
	Relay         *relay.Relay
	WebSocket     *ws.Server
	HealthService *services.HealthService

	Router *chi.Mux
	Server *http.Server

	nats     *nats.Conn
	stopOnce sync.Once
	stopErr  error
}

// NewApplication loads configuration, initializes logging and builds the
// application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return New(cfg, logger)
}

// New wires every component from cfg. The route table is frozen and
// verified before New returns, so a misconfigured route fails startup.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, config.AppVersion, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  apierrors.NewErrorHandler(logger, cfg.Logging.Development),
	}

	if err := a.initializeServices(); err != nil {
		a.closeResources(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the dispatch core, the real-time layer and the
// relay in dependency order
func (a *Application) initializeServices() error {
	cfg := a.Config

	businessMetrics, err := infrastructure.CreateBusinessMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create business metrics: %w", err)
	}
	a.BusinessMetrics = businessMetrics

	wsOTel, err := ws.NewOTelMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create WebSocket metrics: %w", err)
	}
	wsMetrics := ws.NewMetrics()

	a.Kernel = dispatch.NewKernel()
	customMiddleware.RegisterKernel(a.Kernel, cfg.Security.RateLimit, a.Logger)
	a.Validators = dispatch.NewValidators()
	a.registerValidators()

	a.Table = dispatch.NewTable(a.Logger)
	a.registerRoutes()
	a.Table.Freeze()
	if err := a.Table.Verify(a.Kernel, a.Validators); err != nil {
		return err
	}

	a.Executor = dispatch.NewExecutor(a.Kernel, a.Validators,
		dispatch.WithTimeout(cfg.Dispatch.ChainTimeout),
		dispatch.WithLogger(a.Logger),
		dispatch.WithTracer(a.OTelProviders.Tracer),
		dispatch.WithMetrics(businessMetrics),
	)
	a.Sessions = auth.NewResolver(cfg.Auth, a.Logger)

	a.Registry = ws.NewRegistry(a.Logger)
	a.Broadcaster = ws.NewBroadcaster(a.Registry, a.Logger,
		ws.WithMetrics(wsMetrics),
		ws.WithOTelMetrics(wsOTel),
		ws.WithBusinessMetrics(businessMetrics),
	)
	a.Publisher = a.Broadcaster
	a.HealthService = services.NewHealthService(config.AppVersion, BuildTime, a.Registry, wsMetrics, a.Logger)

	if cfg.Relay.Enabled {
		if err := a.initializeRelay(); err != nil {
			return err
		}
	}

	a.WebSocket = ws.NewServer(ws.ServerOptions{
		Registry:       a.Registry,
		Publisher:      a.Publisher,
		Table:          a.Table,
		Executor:       a.Executor,
		Sessions:       a.Sessions,
		Config:         cfg.WebSocket,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		Development:    cfg.Logging.Development,
		ErrorHandler:   a.ErrorHandler,
		Logger:         a.Logger,
		Metrics:        wsMetrics,
		OTel:           wsOTel,
	})
	return nil
}

func (a *Application) initializeRelay() error {
	nc, err := relay.Connect(a.Config.Relay, a.Logger)
	if err != nil {
		return err
	}
	a.nats = nc

	hostname, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	a.Relay = relay.New(nc, a.Config.Relay.Subject, instance, a.Broadcaster, a.Logger)
	// subscribe before serving so no broadcast published after startup is missed
	if err := a.Relay.Start(); err != nil {
		return err
	}
	a.Publisher = a.Relay
	a.HealthService.RegisterCheck("relay", a.Relay.Healthy)
	return nil
}

// setupRouter configures the HTTP router
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// these do not wrap the ResponseWriter, so the upgrade can hijack it
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).Handle("/ws", a.WebSocket)

	health := handlers.NewHealthHandler(a.HealthService, a.Logger)
	r.Mount("/healthz", health.Routes())

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders, a.BusinessMetrics)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfigFrom(a.Config.Security, a.Logger)))
		}
		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}
		if a.Config.Server.RequestTimeout > 0 {
			r.Use(chimw.Timeout(a.Config.Server.RequestTimeout))
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))

		r.Handle("/api/*", handlers.NewAdapter(a.Table, a.Executor, a.Sessions, a.ErrorHandler, a.Logger))
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Address(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until ctx ends, then shuts down gracefully. The HTTP server
// and the relay subscription run under one errgroup: if either fails the
// other is stopped too.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("address", ln.Addr().String()),
		slog.Bool("relay", a.Relay != nil))

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if a.Relay != nil {
		g.Go(func() error {
			return a.Relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the application. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		// hijacked connections are not tracked by http.Server
		if err := a.WebSocket.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "WebSocket shutdown incomplete", slog.String("error", err.Error()))
		}
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.stopErr = fmt.Errorf("server shutdown error: %w", err)
		}
		a.closeResources(shutdownCtx)

		a.Logger.InfoContext(ctx, "Application shutdown complete")
		_ = infrastructure.CloseLogFile()
	})
	return a.stopErr
}

// closeResources releases the relay connection and telemetry providers
func (a *Application) closeResources(ctx context.Context) {
	if a.Relay != nil {
		if err := a.Relay.Stop(); err != nil {
			a.Logger.ErrorContext(ctx, "Relay drain failed", slog.String("error", err.Error()))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.nats.Close()
		}
		deadline := time.Now().Add(5 * time.Second)
		for !a.nats.IsClosed() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}
