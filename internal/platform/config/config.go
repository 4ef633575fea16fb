package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv         string   `env:"APP_ENV" default:"development"`
	Port           string   `env:"PORT" default:"8080"`
	AppURL         string   `env:"APP_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
	LogLevel       string   `env:"LOG_LEVEL" default:"info"`
	LogFormat      string   `env:"LOG_FORMAT" default:"text"`

	RedisURL           string `env:"REDIS_URL"`
	RedisEventsChannel string `env:"REDIS_EVENTS_CHANNEL" default:"carbonpulse:events"`

	APIKey          string `env:"API_KEY"`
	AuthTokenSecret string `env:"AUTH_TOKEN_SECRET"`

	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" default:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" default:"30s"`

	MaxWebSocketConnections       int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP           int `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	MaxSubscriptionsPerConnection int `env:"MAX_SUBSCRIPTIONS_PER_CONNECTION" default:"100"`

	ClientMessageRate  float64 `env:"CLIENT_MESSAGE_RATE" default:"20"`
	ClientMessageBurst int     `env:"CLIENT_MESSAGE_BURST" default:"40"`
	APIRateLimit       float64 `env:"API_RATE_LIMIT" default:"10"`
	APIRateBurst       int     `env:"API_RATE_BURST" default:"20"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL must be a valid URL: %w", err)
		}
		if cfg.RedisEventsChannel == "" {
			return errors.New("REDIS_EVENTS_CHANNEL is required when REDIS_URL is set")
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"IDLE_TIMEOUT", cfg.IdleTimeout},
		{"SWEEP_INTERVAL", cfg.SweepInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	limits := []struct {
		name  string
		value int
	}{
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"MAX_SUBSCRIPTIONS_PER_CONNECTION", cfg.MaxSubscriptionsPerConnection},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("%s must not be negative", l.name)
		}
	}

	if cfg.ClientMessageRate <= 0 {
		return errors.New("CLIENT_MESSAGE_RATE must be positive")
	}
	if cfg.ClientMessageBurst < 1 {
		return errors.New("CLIENT_MESSAGE_BURST must be at least 1")
	}
	if cfg.APIRateLimit <= 0 {
		return errors.New("API_RATE_LIMIT must be positive")
	}
	if cfg.APIRateBurst < 1 {
		return errors.New("API_RATE_BURST must be at least 1")
	}

	if len(cfg.AuthTokenSecret) > 0 && len(cfg.AuthTokenSecret) < 32 {
		return fmt.Errorf("AUTH_TOKEN_SECRET must be at least 32 characters, got %d", len(cfg.AuthTokenSecret))
	}

	return nil
}
