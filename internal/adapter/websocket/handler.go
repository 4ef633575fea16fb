package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/broadcast"
	"github.com/nksrentas/carbonpulse/internal/domain"
	"github.com/nksrentas/carbonpulse/internal/platform/correlation"
	"golang.org/x/time/rate"
)

const (
	defaultMessageRate  = 20
	defaultMessageBurst = 40

	reasonConnectionClosed = "connection closed"
	reasonShuttingDown     = "server shutting down"

	eventLabelUnknown = "unknown"
)

// connectionRegistry is the part of broadcast.Registry the handler drives.
type connectionRegistry interface {
	Connect(session broadcast.Session, meta broadcast.ConnectionMeta) string
	Authenticate(connectionID, userID string) ([]string, bool)
	Subscribe(connectionID, channel string) error
	Unsubscribe(connectionID, channel string) bool
	Heartbeat(connectionID string) bool
	Disconnect(connectionID string)
}

// Options configures a Handler. Nil limits and a nil token verifier disable those checks.
type Options struct {
	CheckOrigin  func(r *http.Request) bool
	Limits       *ConnectionLimits
	Tokens       *TokenVerifier
	MessageRate  float64
	MessageBurst int
	ServerInfo   domain.ServerInfo
}

// Handler upgrades HTTP requests to WebSocket connections and runs the client protocol on them.
type Handler struct {
	registry     connectionRegistry
	clock        clockwork.Clock
	metrics      *metrics.RealtimeMetrics
	upgrader     websocket.Upgrader
	limits       *ConnectionLimits
	tokens       *TokenVerifier
	messageRate  rate.Limit
	messageBurst int
	serverInfo   domain.ServerInfo
}

func NewHandler(registry connectionRegistry, clock clockwork.Clock, m *metrics.RealtimeMetrics, opts Options) *Handler {
	if opts.MessageRate <= 0 {
		opts.MessageRate = defaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaultMessageBurst
	}

	return &Handler{
		registry: registry,
		clock:    clock,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		limits:       opts.Limits,
		tokens:       opts.Tokens,
		messageRate:  rate.Limit(opts.MessageRate),
		messageBurst: opts.MessageBurst,
		serverInfo:   opts.ServerInfo,
	}
}

// Handle is the echo handler for the WebSocket endpoint. It blocks until the connection ends.
func (h *Handler) Handle(c echo.Context) error {
	ip := c.RealIP()

	if h.limits != nil {
		ok, reason := h.limits.Acquire(ip)
		if !ok {
			slog.Warn("WebSocket connection refused", "remote_ip", ip, "reason", reason)
			status := http.StatusServiceUnavailable
			if reason == LimitReasonPerIP {
				status = http.StatusTooManyRequests
			}
			return echo.NewHTTPError(status, "too many connections")
		}
		defer h.limits.Release(ip)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an error response.
		slog.Warn("Failed to upgrade WebSocket", "remote_ip", ip, "error", err)
		return nil
	}

	s := newSession(conn, h.clock)
	id := h.registry.Connect(s, broadcast.ConnectionMeta{RemoteAddr: ip, UserAgent: c.Request().UserAgent()})
	if id == "" {
		s.Close(reasonShuttingDown)
		s.wait()
		return nil
	}

	ctx := correlation.WithConnection(context.WithoutCancel(c.Request().Context()), id)
	slog.DebugContext(ctx, "WebSocket connected", "remote_ip", ip)

	h.send(ctx, s, domain.EventConnected, domain.Connected{
		ConnectionID: id,
		Timestamp:    h.clock.Now(),
		ServerInfo:   h.serverInfo,
	})

	h.readLoop(ctx, id, s, conn)

	h.registry.Disconnect(id)
	s.Close(reasonConnectionClosed)
	s.wait()

	slog.DebugContext(ctx, "WebSocket disconnected")
	return nil
}

func (h *Handler) readLoop(ctx context.Context, id string, s *session, conn *websocket.Conn) {
	limiter := rate.NewLimiter(h.messageRate, h.messageBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read failed", "error", err)
			}
			return
		}
		s.updateReadDeadline()

		frameCtx := correlation.WithID(ctx, correlation.NewID())
		if !limiter.AllowN(h.clock.Now(), 1) {
			slog.WarnContext(frameCtx, "Client frame dropped by rate limit")
			h.metrics.ClientMessage(eventLabelUnknown, metrics.OutcomeRateLimited)
			continue
		}
		h.handleFrame(frameCtx, id, s, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, id string, s *session, data []byte) {
	var frame domain.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.dropMalformed(ctx, eventLabelUnknown, "invalid JSON", err)
		return
	}

	switch frame.Event {
	case domain.ClientAuthenticate:
		h.handleAuthenticate(ctx, id, s, frame.Data)
	case domain.ClientSubscribe:
		h.handleSubscribe(ctx, id, s, frame.Data)
	case domain.ClientUnsubscribe:
		h.handleUnsubscribe(ctx, id, s, frame.Data)
	case domain.ClientHeartbeat:
		h.handleHeartbeat(ctx, id, s)
	default:
		slog.WarnContext(ctx, "Unknown client event dropped", "event", frame.Event)
		h.metrics.ClientMessage(eventLabelUnknown, metrics.OutcomeMalformed)
	}
}

func (h *Handler) handleAuthenticate(ctx context.Context, id string, s *session, data json.RawMessage) {
	var req domain.AuthenticateRequest
	if err := decodeData(data, &req); err != nil || req.UserID == "" {
		h.dropMalformed(ctx, domain.ClientAuthenticate, "userId is required", err)
		return
	}

	if !domain.ValidUserID(req.UserID) {
		h.rejectAuthentication(ctx, s, req.UserID, "invalid userId")
		return
	}
	if h.tokens != nil {
		if err := h.tokens.Verify(req.Token, req.UserID); err != nil {
			slog.InfoContext(ctx, "Token verification failed", "user_id", req.UserID, "error", err)
			h.rejectAuthentication(ctx, s, req.UserID, domain.ErrInvalidToken.Error())
			return
		}
	}

	channels, ok := h.registry.Authenticate(id, req.UserID)
	if !ok {
		return
	}
	h.metrics.ClientMessage(domain.ClientAuthenticate, metrics.OutcomeOK)
	slog.InfoContext(ctx, "Connection authenticated", "user_id", req.UserID)

	h.send(ctx, s, domain.EventAuthenticated, domain.Authenticated{
		UserID:    req.UserID,
		Channels:  channels,
		Timestamp: h.clock.Now(),
	})
}

func (h *Handler) rejectAuthentication(ctx context.Context, s *session, userID, reason string) {
	h.metrics.ClientMessage(domain.ClientAuthenticate, metrics.OutcomeDenied)
	slog.InfoContext(ctx, "Authentication rejected", "user_id", userID, "reason", reason)
	h.send(ctx, s, domain.EventAuthenticationError, domain.AuthenticationError{
		Error:     reason,
		Timestamp: h.clock.Now(),
	})
}

func (h *Handler) handleSubscribe(ctx context.Context, id string, s *session, data json.RawMessage) {
	var req domain.SubscribeRequest
	if err := decodeData(data, &req); err != nil || req.Channel == "" {
		h.dropMalformed(ctx, domain.ClientSubscribe, "channel is required", err)
		return
	}

	if err := h.registry.Subscribe(id, req.Channel); err != nil {
		h.metrics.ClientMessage(domain.ClientSubscribe, metrics.OutcomeDenied)
		h.send(ctx, s, domain.EventSubscriptionError, domain.SubscriptionError{
			Channel:   req.Channel,
			Error:     subscriptionErrorMessage(err),
			Timestamp: h.clock.Now(),
		})
		return
	}

	h.metrics.ClientMessage(domain.ClientSubscribe, metrics.OutcomeOK)
	slog.DebugContext(ctx, "Channel subscribed", "channel", req.Channel)
	h.send(ctx, s, domain.EventSubscribed, domain.Subscribed{Channel: req.Channel, Timestamp: h.clock.Now()})
}

func (h *Handler) handleUnsubscribe(ctx context.Context, id string, s *session, data json.RawMessage) {
	var req domain.UnsubscribeRequest
	if err := decodeData(data, &req); err != nil || req.Channel == "" {
		h.dropMalformed(ctx, domain.ClientUnsubscribe, "channel is required", err)
		return
	}

	h.registry.Unsubscribe(id, req.Channel)
	h.metrics.ClientMessage(domain.ClientUnsubscribe, metrics.OutcomeOK)
	slog.DebugContext(ctx, "Channel unsubscribed", "channel", req.Channel)
	h.send(ctx, s, domain.EventUnsubscribed, domain.Unsubscribed{Channel: req.Channel, Timestamp: h.clock.Now()})
}

func (h *Handler) handleHeartbeat(ctx context.Context, id string, s *session) {
	if !h.registry.Heartbeat(id) {
		return
	}
	h.metrics.ClientMessage(domain.ClientHeartbeat, metrics.OutcomeOK)

	now := h.clock.Now()
	h.send(ctx, s, domain.EventHeartbeatAck, domain.HeartbeatAck{Timestamp: now, ServerTime: now.UnixMilli()})
}

func (h *Handler) dropMalformed(ctx context.Context, event, reason string, err error) {
	attrs := []any{"event", event, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.WarnContext(ctx, "Malformed client frame dropped", attrs...)
	h.metrics.ClientMessage(event, metrics.OutcomeMalformed)
}

func (h *Handler) send(ctx context.Context, s *session, event string, data any) {
	frame, err := json.Marshal(domain.OutboundFrame{Event: event, Data: data})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal frame", "event", event, "error", err)
		return
	}
	if err := s.Send(frame); err != nil {
		slog.WarnContext(ctx, "Failed to queue frame", "event", event, "error", err)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

func subscriptionErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.ErrPermissionDenied.Error()
	case errors.Is(err, domain.ErrSubscriptionLimit):
		return domain.ErrSubscriptionLimit.Error()
	default:
		return "subscription failed"
	}
}
