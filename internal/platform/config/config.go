package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8765"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SpotifyClientID     string `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`
	SpotifyRefreshToken string `env:"SPOTIFY_REFRESH_TOKEN"`
	SpotifyAPIURL       string `env:"SPOTIFY_API_URL" default:"https://api.spotify.com/v1"`
	SpotifyTokenURL     string `env:"SPOTIFY_TOKEN_URL" default:"https://accounts.spotify.com/api/token"`

	// Optional. When set, access tokens are shared through Redis across instances.
	RedisURL string `env:"REDIS_URL"`

	PollInterval time.Duration `env:"POLL_INTERVAL" default:"1s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" default:"5s"`
	SendTimeout  time.Duration `env:"SEND_TIMEOUT" default:"500ms"`
	PingInterval time.Duration `env:"PING_INTERVAL" default:"30s"`

	UIPushOnConnect     bool   `env:"UI_PUSH_ON_CONNECT" default:"true"`
	UIMode              string `env:"UI_MODE" default:"DEFAULT"`
	UIMacro             string `env:"UI_MACRO" default:"Desktop"`
	ReplayLastOnConnect bool   `env:"REPLAY_LAST_ON_CONNECT" default:"false"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"256"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"16"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"5"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"10"`

	HTTPRateLimit float64 `env:"HTTP_RATE_LIMIT" default:"10"`
	HTTPRateBurst int     `env:"HTTP_RATE_BURST" default:"20"`
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the configured origin allow-list.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"SPOTIFY_CLIENT_ID", cfg.SpotifyClientID},
		{"SPOTIFY_CLIENT_SECRET", cfg.SpotifyClientSecret},
		{"SPOTIFY_REFRESH_TOKEN", cfg.SpotifyRefreshToken},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if cfg.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be positive")
	}
	if cfg.SendTimeout <= 0 || cfg.SendTimeout > cfg.PollInterval {
		return fmt.Errorf("SEND_TIMEOUT must be positive and at most POLL_INTERVAL (%s)", cfg.PollInterval)
	}
	if cfg.PingInterval <= 0 {
		return errors.New("PING_INTERVAL must be positive")
	}
	if cfg.MaxConnections <= 0 || cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst <= 0 {
		return errors.New("CONNECTION_RATE and CONNECTION_BURST must be positive")
	}

	return nil
}
