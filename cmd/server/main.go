package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/adapter/httpserver"
	"github.com/pscheid92/nowplaying/internal/adapter/redis"
	"github.com/pscheid92/nowplaying/internal/adapter/spotify"
	"github.com/pscheid92/nowplaying/internal/adapter/websocket"
	"github.com/pscheid92/nowplaying/internal/broadcast"
	"github.com/pscheid92/nowplaying/internal/platform/config"
	"github.com/pscheid92/nowplaying/internal/platform/logging"
	"github.com/pscheid92/nowplaying/internal/platform/version"
	"github.com/pscheid92/nowplaying/internal/registry"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, clock clockwork.Clock) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, clock)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupTokenCache(redisClient *goredis.Client, clock clockwork.Clock) spotify.TokenCache {
	if redisClient == nil {
		return spotify.NewMemoryTokenCache()
	}
	return redis.NewTokenCache(redisClient, clock)
}

func healthChecks(redisClient *goredis.Client) []httpserver.HealthCheck {
	if redisClient == nil {
		return nil
	}
	return []httpserver.HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}
}

func runGracefulShutdown(cancel context.CancelFunc, srv *httpserver.Server, reg *registry.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Hijacked sockets are not tracked by the HTTP server.
		websocket.CloseAll(reg)

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisClient = setupRedis(ctx, cfg, clock)
		defer func() { _ = redisClient.Close() }()
	}

	source := spotify.NewClient(spotify.Config{
		APIURL:       cfg.SpotifyAPIURL,
		TokenURL:     cfg.SpotifyTokenURL,
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		RefreshToken: cfg.SpotifyRefreshToken,
		HTTPTimeout:  cfg.FetchTimeout,
	}, setupTokenCache(redisClient, clock), clock)

	reg := registry.New()

	broadcaster := broadcast.NewBroadcaster(source, reg, clock, broadcast.Options{
		PollInterval: cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		SendTimeout:  cfg.SendTimeout,
	})

	socketHandler, err := websocket.NewHandler(reg, broadcaster, clock, websocket.HandlerOptions{
		PingInterval:   cfg.PingInterval,
		PushUILayout:   cfg.UIPushOnConnect,
		UIMode:         cfg.UIMode,
		UIMacro:        cfg.UIMacro,
		ReplayLast:     cfg.ReplayLastOnConnect,
		AllowedOrigins: cfg.Origins(),
		Development:    cfg.IsDevelopment(),
		Limits: websocket.LimitsConfig{
			MaxConnections:       cfg.MaxConnections,
			MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP,
			ConnectionsPerSecond: cfg.ConnectionRate,
			Burst:                cfg.ConnectionBurst,
		},
	})
	if err != nil {
		slog.Error("Failed to create websocket handler", "error", err)
		os.Exit(1)
	}

	srv := httpserver.NewServer(httpserver.Options{
		Port:          cfg.Port,
		RatePerSecond: cfg.HTTPRateLimit,
		Burst:         cfg.HTTPRateBurst,
	}, socketHandler, reg, healthChecks(redisClient), clock)

	go broadcaster.Run(ctx)

	done := runGracefulShutdown(cancel, srv, reg)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
