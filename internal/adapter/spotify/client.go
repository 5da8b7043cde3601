package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	breakerComponent   = "spotify"
)

type Config struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	HTTPTimeout time.Duration

	// Breaker opens after BreakerFailures consecutive failures and half-opens after BreakerDelay.
	BreakerFailures uint
	BreakerDelay    time.Duration
}

var _ domain.NowPlayingSource = (*Client)(nil)

// Client reads the user's current playback.
type Client struct {
	httpClient *http.Client
	apiURL     string
	tokens     *TokenSource
	clock      clockwork.Clock
	breaker    circuitbreaker.CircuitBreaker[any]
}

func NewClient(cfg Config, cache TokenCache, clock clockwork.Clock) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	return &Client{
		httpClient: httpClient,
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		tokens:     NewTokenSource(httpClient, cfg, cache, clock),
		clock:      clock,
		breaker:    newBreaker(cfg.BreakerFailures, cfg.BreakerDelay),
	}
}

func newBreaker(failures uint, delay time.Duration) circuitbreaker.CircuitBreaker[any] {
	metrics.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)

	return circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(failures).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", breakerComponent,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(breakerComponent, e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(breakerComponent).Set(stateToFloat(e.NewState))
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// CurrentPlayback returns the current playback, or (nil, nil) when no session is active.
func (c *Client) CurrentPlayback(ctx context.Context) (*domain.PlaybackSnapshot, error) {
	if !c.breaker.TryAcquirePermit() {
		metrics.UpstreamFetchTotal.WithLabelValues("circuit_open").Inc()
		return nil, ErrCircuitOpen
	}

	start := c.clock.Now()
	snapshot, err := c.fetch(ctx)
	metrics.UpstreamFetchDuration.Observe(c.clock.Since(start).Seconds())

	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		// Shutdown, not an upstream fault.
		c.breaker.RecordSuccess()
	default:
		c.breaker.RecordError(err)
	}

	switch {
	case err != nil:
		metrics.UpstreamFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	case snapshot == nil:
		metrics.UpstreamFetchTotal.WithLabelValues("no_session").Inc()
	default:
		metrics.UpstreamFetchTotal.WithLabelValues("playing").Inc()
	}
	return snapshot, nil
}

func (c *Client) fetch(ctx context.Context) (*domain.PlaybackSnapshot, error) {
	snapshot, err := c.getPlayer(ctx)
	if statusOf(err) != http.StatusUnauthorized {
		return snapshot, err
	}

	// The cached token was revoked or expired early; refresh once.
	slog.DebugContext(ctx, "Access token rejected, refreshing")
	c.tokens.Invalidate(ctx)
	return c.getPlayer(ctx)
}

type playerResponse struct {
	IsPlaying  bool `json:"is_playing"`
	ProgressMs int  `json:"progress_ms"`
	Item       *struct {
		Name       string `json:"name"`
		DurationMs int    `json:"duration_ms"`
		Artists    []struct {
			Name string `json:"name"`
		} `json:"artists"`
	} `json:"item"`
}

func (c *Client) getPlayer(ctx context.Context) (*domain.PlaybackSnapshot, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/me/player", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build player request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read player response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var player playerResponse
	if err := json.Unmarshal(body, &player); err != nil {
		return nil, fmt.Errorf("failed to decode player response: %w", err)
	}
	if player.Item == nil {
		return nil, nil
	}

	artists := make([]string, 0, len(player.Item.Artists))
	for _, a := range player.Item.Artists {
		artists = append(artists, a.Name)
	}

	return &domain.PlaybackSnapshot{
		Track:      player.Item.Name,
		Artist:     strings.Join(artists, ", "),
		ProgressMs: player.ProgressMs,
		DurationMs: player.Item.DurationMs,
		IsPlaying:  player.IsPlaying,
	}, nil
}
