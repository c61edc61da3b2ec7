package app

import (
	"encoding/json"
	"net/http"
	"time"

	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/middleware"
	"pulsechat/internal/userid"
	ws "pulsechat/internal/websocket"
)

// Validator names
const (
	ValidateOnlineUsers = "users.online"
	ValidateBroadcast   = "broadcast"
	ValidateChannel     = "channel"
)

// Event names served over WebSocket
const (
	EventPing         = "ping"
	EventOnlineUsers  = "users:online"
	EventChannelJoin  = "channel:join"
	EventChannelLeave = "channel:leave"
)

// OnlineUsersRequest asks which of the listed users are connected
type OnlineUsersRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=500,dive,userid"`
}

// OnlineUsersResponse lists the connected subset in request order
type OnlineUsersResponse struct {
	Online []string `json:"online"`
}

// BroadcastRequest pushes an event to one user or to a channel
type BroadcastRequest struct {
	UserID  string          `json:"userId" validate:"required_without=Channel"`
	Channel string          `json:"channel" validate:"required_without=UserID,max=128"`
	Event   string          `json:"event" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelRequest names a channel to join or leave
type ChannelRequest struct {
	Channel string `json:"channel" validate:"required,max=128,excludesall= "`
}

// ChannelResponse confirms a subscription change
type ChannelResponse struct {
	Channel    string `json:"channel"`
	Subscribed bool   `json:"subscribed"`
}

// registerValidators installs the named payload validators
func (a *Application) registerValidators() {
	v := dispatch.NewValidate()
	a.Validators.Register(ValidateOnlineUsers, dispatch.StructValidator[OnlineUsersRequest](v))
	a.Validators.Register(ValidateBroadcast, dispatch.StructValidator[BroadcastRequest](v))
	a.Validators.Register(ValidateChannel, dispatch.StructValidator[ChannelRequest](v))
}

// registerRoutes declares the HTTP API and the WebSocket events
func (a *Application) registerRoutes() {
	api := dispatch.NewGroup(
		dispatch.NewRoute(http.MethodGet, "ping", dispatch.HandlerFunc(a.ping)).
			Use(middleware.NameAuth),
		dispatch.NewRoute(http.MethodGet, "health", dispatch.HandlerFunc(a.health)),
		dispatch.NewRoute(http.MethodGet, "routes", dispatch.HandlerFunc(a.routes)).
			Use(middleware.NameAuth),
		dispatch.NewGroup(
			dispatch.NewRoute(http.MethodPost, "online", dispatch.HandlerFunc(a.onlineUsers)).
				Validate(ValidateOnlineUsers),
		).Prefix("users").Middleware(middleware.NameAuth, middleware.NameThrottle),
		dispatch.NewRoute(http.MethodPost, "broadcast", dispatch.HandlerFunc(a.broadcast)).
			With(dispatch.Options{
				Middleware: []string{middleware.NameAuth, middleware.NameThrottle},
				Validator:  ValidateBroadcast,
			}),
	).Prefix("api").Middleware(middleware.NameLog)

	events := dispatch.NewGroup(
		dispatch.NewEvent(EventPing, dispatch.HandlerFunc(a.ping)),
		dispatch.NewEvent(EventOnlineUsers, dispatch.HandlerFunc(a.onlineUsers)).
			Validate(ValidateOnlineUsers),
		dispatch.NewEvent(EventChannelJoin, dispatch.HandlerFunc(a.joinChannel)).
			Validate(ValidateChannel),
		dispatch.NewEvent(EventChannelLeave, dispatch.HandlerFunc(a.leaveChannel)).
			Validate(ValidateChannel),
	).Middleware(middleware.NameLog, middleware.NameAuth, middleware.NameThrottle)

	a.Table.Mount(api, events)
}

func (a *Application) ping(c *dispatch.Context) (any, error) {
	return map[string]any{
		"message": "pong",
		"userId":  c.UserID(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Application) health(c *dispatch.Context) (any, error) {
	status := a.HealthService.ReadinessCheck(c.Context())
	return map[string]any{
		"status":   status.Status,
		"version":  status.Version,
		"services": status.Services,
		"stats":    a.HealthService.SystemStats(c.Context()),
	}, nil
}

func (a *Application) routes(c *dispatch.Context) (any, error) {
	return a.Table.Routes(), nil
}

func (a *Application) onlineUsers(c *dispatch.Context) (any, error) {
	req := c.Validated.(*OnlineUsersRequest)
	online := a.Registry.OnlineUsers(req.UserIDs)
	if online == nil {
		online = []string{}
	}
	return OnlineUsersResponse{Online: online}, nil
}

func (a *Application) broadcast(c *dispatch.Context) (any, error) {
	req := c.Validated.(*BroadcastRequest)
	if req.UserID != "" && req.Channel != "" {
		return nil, apierrors.NewValidationError("set either userId or channel, not both", nil)
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ctx := c.Context()
	if req.UserID != "" {
		id, err := userid.Normalize(req.UserID)
		if err != nil {
			return nil, err
		}
		if err := a.Publisher.PublishToUser(ctx, id, req.Event, payload); err != nil {
			return nil, err
		}
		c.Response.SetStatus(http.StatusAccepted)
		return map[string]string{"event": req.Event, "userId": id}, nil
	}

	if err := a.Publisher.PublishToChannel(ctx, req.Channel, req.Event, payload); err != nil {
		return nil, err
	}
	c.Response.SetStatus(http.StatusAccepted)
	return map[string]string{"event": req.Event, "channel": req.Channel}, nil
}

func (a *Application) joinChannel(c *dispatch.Context) (any, error) {
	client := ws.ClientFrom(c)
	if client == nil {
		return nil, apierrors.NewConfigurationError("channel:join dispatched without a connection")
	}
	req := c.Validated.(*ChannelRequest)
	a.Registry.Subscribe(req.Channel, client)
	return ChannelResponse{Channel: req.Channel, Subscribed: true}, nil
}

func (a *Application) leaveChannel(c *dispatch.Context) (any, error) {
	client := ws.ClientFrom(c)
	if client == nil {
		return nil, apierrors.NewConfigurationError("channel:leave dispatched without a connection")
	}
	req := c.Validated.(*ChannelRequest)
	a.Registry.Unsubscribe(req.Channel, client)
	return ChannelResponse{Channel: req.Channel, Subscribed: false}, nil
}
