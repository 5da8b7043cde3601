package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/adapter/spotify"
	"github.com/pscheid92/nowplaying/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const tokenKey = "nowplaying:spotify:access_token"

var _ spotify.TokenCache = (*TokenCache)(nil)

// TokenCache stores the Spotify access token under a single key that expires with the token.
type TokenCache struct {
	rdb   goredis.Cmdable
	clock clockwork.Clock
}

func NewTokenCache(rdb goredis.Cmdable, clock clockwork.Clock) *TokenCache {
	return &TokenCache{rdb: rdb, clock: clock}
}

func (c *TokenCache) Get(ctx context.Context) (*spotify.Token, error) {
	raw, err := c.rdb.Get(ctx, tokenKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		metrics.TokenCacheOpsTotal.WithLabelValues("redis", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.TokenCacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	var token spotify.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		metrics.TokenCacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	metrics.TokenCacheOpsTotal.WithLabelValues("redis", "hit").Inc()
	return &token, nil
}

func (c *TokenCache) Set(ctx context.Context, token spotify.Token) error {
	ttl := token.ExpiresAt.Sub(c.clock.Now())
	if ttl < time.Second {
		return nil
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := c.rdb.Set(ctx, tokenKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (c *TokenCache) Clear(ctx context.Context) error {
	if err := c.rdb.Del(ctx, tokenKey).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
