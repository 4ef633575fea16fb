package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nksrentas/carbonpulse/internal/broadcast"
	"github.com/nksrentas/carbonpulse/internal/domain"
	apperrors "github.com/nksrentas/carbonpulse/internal/platform/errors"
)

type systemMessageRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

type maintenanceRequest struct {
	Message           string    `json:"message"`
	ScheduledTime     time.Time `json:"scheduledTime"`
	EstimatedDuration string    `json:"estimatedDuration"`
}

type channelsResponse struct {
	Channels []broadcast.ChannelInfo `json:"channels"`
	Total    int                     `json:"total"`
}

type subscribersResponse struct {
	Channel     string   `json:"channel"`
	Subscribers []string `json:"subscribers"`
	Count       int      `json:"count"`
}

type dispatchResponse struct {
	Type   domain.EventKind         `json:"type"`
	Result broadcast.DispatchResult `json:"result"`
}

func (s *Server) registerAPIRoutes() {
	middlewares := []echo.MiddlewareFunc{requireAPIKey(s.config.APIKey)}
	if s.config.APIRateLimit > 0 {
		middlewares = append(middlewares, newRateLimiter(s.config.APIRateLimit, s.config.APIRateBurst))
	}

	api := s.echo.Group("/api/realtime", middlewares...)
	api.GET("/stats", s.handleStats)
	api.GET("/channels", s.handleChannels)
	api.GET("/channels/:channel", s.handleChannelSubscribers)
	api.POST("/events", s.handlePublishEvent)
	api.POST("/system-message", s.handleSystemMessage)
	api.POST("/maintenance", s.handleMaintenance)
}

func (s *Server) handleStats(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.registry.Stats()); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleChannels(c echo.Context) error {
	channels := s.registry.Channels()
	if err := c.JSON(http.StatusOK, channelsResponse{Channels: channels, Total: len(channels)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleChannelSubscribers(c echo.Context) error {
	channel := c.Param("channel")
	if channel == "" {
		return apperrors.ValidationError("channel is required", nil)
	}

	ids := s.registry.SubscribersOf(channel)
	if err := c.JSON(http.StatusOK, subscribersResponse{Channel: channel, Subscribers: ids, Count: len(ids)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handlePublishEvent(c echo.Context) error {
	var env domain.EventEnvelope
	if err := c.Bind(&env); err != nil {
		return apperrors.ValidationError("invalid request body", err)
	}

	ev, err := domain.DecodeEvent(env)
	if err != nil {
		return eventError(env.Type, err)
	}
	return s.dispatch(c, ev)
}

func (s *Server) handleSystemMessage(c echo.Context) error {
	var req systemMessageRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body", err)
	}
	if req.Level == "" {
		req.Level = domain.LevelInfo
	}
	return s.dispatch(c, domain.SystemMessage{Message: req.Message, Level: req.Level})
}

func (s *Server) handleMaintenance(c echo.Context) error {
	var req maintenanceRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body", err)
	}
	return s.dispatch(c, domain.MaintenanceNotice{
		Message:           req.Message,
		ScheduledTime:     req.ScheduledTime,
		EstimatedDuration: req.EstimatedDuration,
	})
}

func (s *Server) dispatch(c echo.Context, ev domain.Event) error {
	result, err := s.dispatcher.Dispatch(c.Request().Context(), ev)
	if err != nil {
		return eventError(ev.Kind(), err)
	}

	if err := c.JSON(http.StatusAccepted, dispatchResponse{Type: ev.Kind(), Result: result}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func eventError(kind domain.EventKind, err error) error {
	if errors.Is(err, domain.ErrInvalidEvent) || errors.Is(err, domain.ErrUnknownEvent) {
		return apperrors.ValidationError(err.Error(), nil).WithContext("event_type", string(kind))
	}
	return apperrors.InternalError("failed to dispatch event", err).WithContext("event_type", string(kind))
}
