package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/adapter/httpserver"
	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/adapter/redis"
	"github.com/nksrentas/carbonpulse/internal/adapter/websocket"
	"github.com/nksrentas/carbonpulse/internal/broadcast"
	"github.com/nksrentas/carbonpulse/internal/domain"
	"github.com/nksrentas/carbonpulse/internal/platform/config"
	"github.com/nksrentas/carbonpulse/internal/platform/logging"
	"github.com/nksrentas/carbonpulse/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis returns nil when REDIS_URL is unset; the service then only accepts events over HTTP.
func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, redis event ingest disabled")
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := redis.NewClient(connectCtx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupWebSocket(cfg *config.Config, registry *broadcast.Registry, clock clockwork.Clock, m *metrics.RealtimeMetrics) *websocket.Handler {
	opts := websocket.Options{
		CheckOrigin:  websocket.NewCheckOrigin(cfg.AppURL, cfg.AllowedOrigins, cfg.IsDevelopment()),
		Limits:       websocket.NewConnectionLimits(int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP),
		MessageRate:  cfg.ClientMessageRate,
		MessageBurst: cfg.ClientMessageBurst,
		ServerInfo:   domain.ServerInfo{Name: version.Name, Version: version.Version},
	}
	if cfg.AuthTokenSecret != "" {
		opts.Tokens = websocket.NewTokenVerifier(cfg.AuthTokenSecret, clock)
	} else {
		slog.Warn("AUTH_TOKEN_SECRET not set, authenticate trusts the claimed userId")
	}
	return websocket.NewHandler(registry, clock, m, opts)
}

func runGracefulShutdown(srv *httpserver.Server, registry *broadcast.Registry, stopIngest func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopIngest()
		// upgraded connections are hijacked and outlive Shutdown; Stop closes them
		registry.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "build", version.Get().String())

	promRegistry := metrics.NewRegistry()
	realtimeMetrics := metrics.NewRealtimeMetrics(promRegistry)
	httpMetrics := metrics.NewHTTPMetrics(promRegistry)
	redisMetrics := metrics.NewRedisMetrics(promRegistry)

	registry := broadcast.NewRegistry(clock, broadcast.Options{
		IdleTimeout:                   cfg.IdleTimeout,
		SweepInterval:                 cfg.SweepInterval,
		MaxSubscriptionsPerConnection: cfg.MaxSubscriptionsPerConnection,
	}, realtimeMetrics)
	metrics.RegisterRegistryGauges(promRegistry, func() metrics.RegistrySnapshot {
		stats := registry.Stats()
		return metrics.RegistrySnapshot{
			AuthenticatedConnections: stats.AuthenticatedConnections,
			Channels:                 stats.TotalChannels,
			Subscriptions:            stats.TotalSubscriptions,
		}
	})
	dispatcher := broadcast.NewDispatcher(registry, clock, realtimeMetrics)

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	var healthChecks []httpserver.HealthCheck

	redisClient := setupRedis(ingestCtx, cfg, redisMetrics)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: redis.Ping(redisClient)})

		subscriber := redis.NewEventSubscriber(redisClient, cfg.RedisEventsChannel, dispatcher, redisMetrics)
		go subscriber.Start(ingestCtx)
	}

	wsHandler := setupWebSocket(cfg, registry, clock, realtimeMetrics)

	srv := httpserver.NewServer(httpserver.Config{
		Port:         cfg.Port,
		APIKey:       cfg.APIKey,
		APIRateLimit: cfg.APIRateLimit,
		APIRateBurst: cfg.APIRateBurst,
	}, httpserver.Deps{
		Registry:         registry,
		Dispatcher:       dispatcher,
		WebSocketHandler: wsHandler.Handle,
		MetricsHandler:   metrics.Handler(promRegistry),
		HTTPMetrics:      httpMetrics,
		HealthChecks:     healthChecks,
		Clock:            clock,
	})

	done := runGracefulShutdown(srv, registry, stopIngest)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		stopIngest()
		os.Exit(1)
	}

	<-done
	slog.Info("Server stopped")
}
