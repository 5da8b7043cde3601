package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/metrics"
	"github.com/pscheid92/nowplaying/internal/platform/retry"
	"golang.org/x/sync/singleflight"
)

// refreshSkew is how long before expiry a cached token is considered stale.
const refreshSkew = 60 * time.Second

// Token is a bearer access token with its absolute expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache stores the current access token. Get returns (nil, nil) when nothing is cached.
type TokenCache interface {
	Get(ctx context.Context) (*Token, error)
	Set(ctx context.Context, token Token) error
	Clear(ctx context.Context) error
}

// MemoryTokenCache keeps the token in process.
type MemoryTokenCache struct {
	mu    sync.Mutex
	token *Token
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get(_ context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		metrics.TokenCacheOpsTotal.WithLabelValues("memory", "miss").Inc()
		return nil, nil
	}
	metrics.TokenCacheOpsTotal.WithLabelValues("memory", "hit").Inc()
	t := *c.token
	return &t, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, token Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &token
	return nil
}

func (c *MemoryTokenCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	return nil
}

// TokenSource hands out valid access tokens, refreshing through the token endpoint when the
// cached one is missing or about to expire. Concurrent refreshes collapse into one request.
type TokenSource struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	cache        TokenCache
	clock        clockwork.Clock
	policy       retry.Policy

	mu           sync.Mutex
	refreshToken string

	group singleflight.Group
}

func NewTokenSource(httpClient *http.Client, cfg Config, cache TokenCache, clock clockwork.Clock) *TokenSource {
	return &TokenSource{
		httpClient:   httpClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		cache:        cache,
		clock:        clock,
		policy: retry.Policy{
			MaxAttempts:     3,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			ThrottleBackoff: 5 * time.Second,
			Clock:           clock,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Token refresh failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

// AccessToken returns a token valid for at least refreshSkew.
func (s *TokenSource) AccessToken(ctx context.Context) (string, error) {
	cached, err := s.cache.Get(ctx)
	if err != nil {
		// A broken shared cache must not take the relay down; fall through to a refresh.
		slog.WarnContext(ctx, "Token cache read failed", "error", err)
	}
	if cached != nil && s.clock.Now().Add(refreshSkew).Before(cached.ExpiresAt) {
		return cached.AccessToken, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		token, err := retry.Do(ctx, s.policy, classifyStatus, s.refresh)
		if err != nil {
			metrics.UpstreamTokenRefreshTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("failed to refresh access token: %w", err)
		}
		metrics.UpstreamTokenRefreshTotal.WithLabelValues("success").Inc()

		if err := s.cache.Set(ctx, token); err != nil {
			slog.WarnContext(ctx, "Token cache write failed", "error", err)
		}
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call refreshes.
func (s *TokenSource) Invalidate(ctx context.Context) {
	if err := s.cache.Clear(ctx); err != nil {
		slog.WarnContext(ctx, "Token cache clear failed", "error", err)
	}
}

func (s *TokenSource) refresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.clientID, s.clientSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Token{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return Token{}, fmt.Errorf("token response has no access_token")
	}

	// Spotify may rotate the refresh token.
	if result.RefreshToken != "" {
		s.mu.Lock()
		s.refreshToken = result.RefreshToken
		s.mu.Unlock()
	}

	return Token{
		AccessToken: result.AccessToken,
		ExpiresAt:   s.clock.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// classifyStatus treats 4xx (bad credentials, revoked grant) as permanent except 429,
// which asks for a longer backoff. 5xx and network errors are retried.
func classifyStatus(err error) retry.Action {
	status := statusOf(err)
	switch {
	case status == http.StatusTooManyRequests:
		return retry.Throttle
	case status >= 400 && status < 500:
		return retry.Stop
	default:
		return retry.Retry
	}
}
