package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

type Options struct {
	Port string
	// RatePerSecond and Burst bound the auxiliary HTTP routes per client IP; the socket routes
	// have their own admission control.
	RatePerSecond float64
	Burst         int
	// RateLimitExpiry drops the bucket of an IP idle for this long.
	RateLimitExpiry time.Duration
	// RateLimitMessage is the error text of a denied request.
	RateLimitMessage string
}

// ClientCounter reports the number of connected display clients.
type ClientCounter interface {
	Len() int
}

type Server struct {
	echo  *echo.Echo
	opts  Options
	clock clockwork.Clock

	socketHandler http.Handler
	clients       ClientCounter
	healthChecks  []HealthCheck
	startTime     time.Time
}

func NewServer(opts Options, socketHandler http.Handler, clients ClientCounter, healthChecks []HealthCheck, clock clockwork.Clock) *Server {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.RateLimitExpiry <= 0 {
		opts.RateLimitExpiry = 5 * time.Minute
	}
	if opts.RateLimitMessage == "" {
		opts.RateLimitMessage = "rate limit exceeded"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:          e,
		opts:          opts,
		clock:         clock,
		socketHandler: socketHandler,
		clients:       clients,
		healthChecks:  healthChecks,
		startTime:     clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start blocks serving on 0.0.0.0:Port until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.opts.Port)
	if err := s.echo.Start(":" + s.opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
