package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
	"pulsechat/internal/userid"
)

// ConnectionDataKey is the dispatch data key holding the *Client an event
// arrived on
const ConnectionDataKey = "websocket.client"

// ErrorEvent names replies to frames that could not be routed
const ErrorEvent = "error"

// PresenceStatus values carried by presence broadcasts
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceChange is the payload of a presence broadcast
type PresenceChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ServerOptions holds the collaborators of a Server
type ServerOptions struct {
	Registry  *Registry
	Publisher Publisher
	Table     *dispatch.Table
	Executor  *dispatch.Executor
	Sessions  dispatch.SessionResolver
	Config    config.WebSocketConfig

	// AllowedOrigins is checked against the Origin header. Requests without
	// an Origin are same-origin and always allowed.
	AllowedOrigins []string
	Development    bool

	ErrorHandler *apierrors.ErrorHandler
	Logger       *slog.Logger
	Metrics      *Metrics
	OTel         *OTelMetrics
}

// Server upgrades HTTP requests to WebSocket connections, keeps the registry
// current and routes inbound event frames through the dispatch table.
type Server struct {
	registry  *Registry
	publisher Publisher
	table     *dispatch.Table
	executor  *dispatch.Executor
	sessions  dispatch.SessionResolver

	upgrader        websocket.Upgrader
	clientConfig    ClientConfig
	presenceChannel string

	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
	metrics *Metrics
	otel    *OTelMetrics

	mu       sync.Mutex
	clients  map[*Client]struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer creates a Server and installs its presence hook on the registry
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	errHandler := opts.ErrorHandler
	if errHandler == nil {
		errHandler = apierrors.NewErrorHandler(logger, false)
	}
	presence := opts.Config.PresenceChannel
	if presence == "" {
		presence = config.PresenceChannel
	}

	s := &Server{
		registry:        opts.Registry,
		publisher:       opts.Publisher,
		table:           opts.Table,
		executor:        opts.Executor,
		sessions:        opts.Sessions,
		clientConfig:    ClientConfigFrom(opts.Config),
		presenceChannel: presence,
		errors:          errHandler,
		logger:          logger.With(slog.String("component", "websocket.server")),
		metrics:         metrics,
		otel:            opts.OTel,
		clients:         make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.Config.ReadBufferSize,
		WriteBufferSize: opts.Config.WriteBufferSize,
		CheckOrigin:     s.checkOrigin(opts.AllowedOrigins, opts.Development),
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			s.logger.WarnContext(r.Context(), "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, http.StatusText(status), status)
		},
	}
	if s.publisher == nil {
		s.publisher = NewBroadcaster(s.registry, logger, WithMetrics(metrics), WithOTelMetrics(opts.OTel))
	}
	s.registry.OnPresence(s.announcePresence)
	return s
}

// PresenceChannel returns the channel presence changes are broadcast on
func (s *Server) PresenceChannel() string {
	return s.presenceChannel
}

// Metrics returns the connection counters
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) checkOrigin(allowed []string, development bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || development {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		s.logger.WarnContext(r.Context(), "WebSocket origin check - origin not allowed",
			slog.String("origin", origin),
			slog.Any("allowed_origins", allowed))
		return false
	}
}

// ServeHTTP authenticates the request, upgrades it and attaches the
// connection. Requests without a session are rejected with 401.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}
	ctx := infrastructure.WithTraceID(r.Context(), traceID)
	r = r.WithContext(ctx)

	if s.shutdown.Load() {
		s.metrics.RecordRejectedUpgrade()
		s.errors.HandleError(w, r, apierrors.ErrShuttingDown)
		return
	}

	session, err := s.resolveSession(ctx, r)
	if err != nil {
		s.metrics.RecordRejectedUpgrade()
		s.logger.WarnContext(ctx, "WebSocket session resolution failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		s.errors.HandleError(w, r, apierrors.ErrUnauthorized)
		return
	}
	if session == nil {
		s.metrics.RecordRejectedUpgrade()
		s.errors.HandleError(w, r, apierrors.ErrUnauthorized)
		return
	}
	if _, err := userid.Normalize(session.UserID()); err != nil {
		s.metrics.RecordRejectedUpgrade()
		s.errors.HandleError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		s.metrics.RecordRejectedUpgrade()
		return
	}

	wrapped := NewConnectionWrapper(conn)
	if _, err := s.Attach(wrapped, session, traceID); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, apierrors.ErrShuttingDown) {
			code = websocket.CloseGoingAway
		} else {
			s.logger.ErrorContext(ctx, "failed to attach WebSocket connection",
				slog.String("error", err.Error()))
		}
		_ = wrapped.WriteClose(code, "", time.Now().Add(s.clientConfig.WriteWait))
		_ = wrapped.Close()
	}
}

func (s *Server) resolveSession(ctx context.Context, r *http.Request) (dispatch.Session, error) {
	if s.sessions == nil {
		return nil, nil
	}
	in := &dispatch.Input{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    r.Header,
		Cookies:    r.Cookies(),
		RemoteAddr: r.RemoteAddr,
	}
	return s.sessions.Resolve(ctx, in)
}

// Attach registers conn as a live connection of the session's user,
// subscribes it to the presence channel and starts its pumps. The
// connection is detached from the registry when its read pump ends.
func (s *Server) Attach(conn Connection, session dispatch.Session, traceID string) (*Client, error) {
	id, err := userid.Normalize(session.UserID())
	if err != nil {
		return nil, err
	}

	client := NewClient(conn, id, traceID, s.clientConfig, s.logger, s.metrics)
	client.session = session
	client.otel = s.otel
	ctx := client.context()

	// checked under mu so Shutdown either sees this client in its snapshot
	// or Attach sees the flag; the pumps are counted before Shutdown waits
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		s.metrics.RecordRejectedUpgrade()
		return nil, apierrors.ErrShuttingDown
	}
	s.clients[client] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	if err := s.registry.AddConnection(id, client); err != nil {
		s.forget(client)
		s.wg.Add(-2)
		return nil, err
	}
	s.registry.Subscribe(s.presenceChannel, client)

	s.metrics.RecordConnection()
	s.otel.RecordConnection(ctx)
	s.logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("user_id", id),
		slog.String("remote_addr", client.RemoteAddr()))

	go func() {
		defer s.wg.Done()
		defer s.recoverPump(ctx, "write", client)
		client.WritePump()
	}()
	go func() {
		defer s.wg.Done()
		defer s.detach(client)
		defer s.recoverPump(ctx, "read", client)
		client.ReadPump(s.HandleFrame)
	}()
	return client, nil
}

func (s *Server) recoverPump(ctx context.Context, pump string, c *Client) {
	if rec := recover(); rec != nil {
		s.logger.ErrorContext(ctx, "WebSocket pump panic",
			slog.String("pump", pump),
			slog.Any("panic", rec))
		c.Close()
	}
}

func (s *Server) detach(c *Client) {
	ctx := c.context()
	c.Close()
	s.registry.UnsubscribeAll(c)
	s.registry.RemoveConnection(c.UserID(), c)

	duration := time.Since(c.connectedAt)
	s.metrics.RecordDisconnection(duration)
	s.otel.RecordDisconnection(ctx, duration)
	s.forget(c)
}

func (s *Server) forget(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) announcePresence(userID string, online bool) {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	ctx := context.Background()
	err := s.publisher.PublishToChannel(ctx, s.presenceChannel, s.presenceChannel,
		PresenceChange{UserID: userID, Status: status})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish presence change",
			slog.String("user_id", userID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

// HandleFrame routes one inbound frame and sends the reply envelope back on
// c. Frames must be JSON objects with a string "event"; "payload" and "id"
// are optional.
func (s *Server) HandleFrame(ctx context.Context, c *Client, frame []byte) {
	if !gjson.ValidBytes(frame) {
		s.reply(ctx, c, ErrorEvent, "", apierrors.NewValidationError("frame is not valid JSON", nil))
		return
	}
	parsed := gjson.ParseBytes(frame)
	id := parsed.Get("id").String()
	event := parsed.Get("event")
	if !parsed.IsObject() || event.Type != gjson.String || event.Str == "" {
		s.reply(ctx, c, ErrorEvent, id, apierrors.NewValidationError("frame has no event name", nil))
		return
	}

	in := dispatch.Input{
		Method:       dispatch.MethodEvent,
		Path:         event.Str,
		RemoteAddr:   c.RemoteAddr(),
		ConnectionID: c.ID(),
	}
	if payload := parsed.Get("payload"); payload.Exists() {
		in.Payload = json.RawMessage(payload.Raw)
	}

	dc := dispatch.NewContext(ctx, in)
	dc.Session = c.session
	dc.Set(ConnectionDataKey, c)

	if err := s.executor.Dispatch(dc.Context(), s.table, dc); err != nil {
		s.reply(ctx, c, event.Str, id, err)
		return
	}

	status := dc.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	s.send(ctx, c, Envelope{Event: event.Str, Status: status, Payload: dc.Response.Payload, ID: id})
}

func (s *Server) reply(ctx context.Context, c *Client, event, id string, err error) {
	problem := s.errors.ErrorToProblem(err, event)
	problem.WithExtension("trace_id", infrastructure.GetTraceID(ctx))
	s.send(ctx, c, Envelope{Event: event, Status: problem.Status, Payload: problem, ID: id})
}

func (s *Server) send(ctx context.Context, c *Client, env Envelope) {
	frame, err := Encode(env)
	if err != nil {
		s.metrics.RecordError("encode")
		s.logger.ErrorContext(ctx, "failed to encode reply",
			slog.String("event", env.Event),
			slog.String("error", err.Error()))
		return
	}
	if status := c.Send(frame); status != Sent {
		s.metrics.RecordDelivery(status)
		s.logger.WarnContext(ctx, "reply not delivered",
			slog.String("event", env.Event),
			slog.String("status", status.String()))
	}
}

// ClientFrom returns the connection an event arrived on, or nil for HTTP
// dispatches
func ClientFrom(c *dispatch.Context) *Client {
	v, ok := c.Get(ConnectionDataKey)
	if !ok {
		return nil
	}
	client, _ := v.(*Client)
	return client
}

// Clients returns the number of attached connections
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown stops accepting upgrades, closes every connection and waits for
// the pumps to finish or ctx to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.InfoContext(ctx, "WebSocket server stopped",
			slog.Int("closed_connections", len(clients)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
