package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/broadcast"
	"github.com/nksrentas/carbonpulse/internal/domain"
)

// realtimeRegistry is the read side of broadcast.Registry exposed over HTTP.
type realtimeRegistry interface {
	Stats() broadcast.Stats
	Channels() []broadcast.ChannelInfo
	SubscribersOf(channel string) []string
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) (broadcast.DispatchResult, error)
}

// Config holds the HTTP surface settings.
type Config struct {
	Port string
	// APIKey guards the /api group when non-empty.
	APIKey       string
	APIRateLimit float64
	APIRateBurst int
}

// Deps are the collaborators the server routes to. Nil metrics disables HTTP instrumentation.
type Deps struct {
	Registry         realtimeRegistry
	Dispatcher       eventDispatcher
	WebSocketHandler echo.HandlerFunc
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	HealthChecks     []HealthCheck
	Clock            clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config Config

	registry         realtimeRegistry
	dispatcher       eventDispatcher
	websocketHandler echo.HandlerFunc
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics
	healthChecks     []HealthCheck
	clock            clockwork.Clock
	startTime        time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:             e,
		config:           cfg,
		registry:         deps.Registry,
		dispatcher:       deps.Dispatcher,
		websocketHandler: deps.WebSocketHandler,
		metricsHandler:   deps.MetricsHandler,
		httpMetrics:      deps.HTTPMetrics,
		healthChecks:     deps.HealthChecks,
		clock:            clock,
		startTime:        clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
