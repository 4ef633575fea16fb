package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nksrentas/carbonpulse/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named dependency probe run by /health/ready.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type livenessResponse struct {
	Status        string  `json:"status"`
	Uptime        float64 `json:"uptime"`
	Connections   int     `json:"connections"`
	Authenticated int     `json:"authenticated"`
	Channels      int     `json:"channels"`
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

// handleLiveness answers from the registry actor, so a wedged registry fails the probe by timing out.
func (s *Server) handleLiveness(c echo.Context) error {
	stats := s.registry.Stats()
	response := livenessResponse{
		Status:        "ok",
		Uptime:        s.clock.Since(s.startTime).Seconds(),
		Connections:   stats.TotalConnections,
		Authenticated: stats.AuthenticatedConnections,
		Channels:      stats.TotalChannels,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check and reports each one; any failure makes the instance unready.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	response := readinessResponse{Status: "ready"}
	status := http.StatusOK
	for _, hc := range s.healthChecks {
		if response.Checks == nil {
			response.Checks = make(map[string]string, len(s.healthChecks))
		}
		if err := hc.Check(ctx); err != nil {
			response.Checks[hc.Name] = err.Error()
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Checks[hc.Name] = "ok"
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
