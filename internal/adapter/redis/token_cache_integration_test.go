package redis

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/adapter/spotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Connects(t *testing.T) {
	client := setupTestClient(t)

	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url", clockwork.NewRealClock())

	assert.Error(t, err)
}

func TestTokenCache_RoundTrip(t *testing.T) {
	client := setupTestClient(t)
	clock := clockwork.NewRealClock()
	cache := NewTokenCache(client, clock)
	ctx := context.Background()

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := spotify.Token{AccessToken: "abc", ExpiresAt: clock.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, cache.Set(ctx, want))

	got, err = cache.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	ttl, err := client.TTL(ctx, tokenKey).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestTokenCache_Clear(t *testing.T) {
	client := setupTestClient(t)
	clock := clockwork.NewRealClock()
	cache := NewTokenCache(client, clock)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, spotify.Token{AccessToken: "abc", ExpiresAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, cache.Clear(ctx))

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenCache_SkipsExpiredToken(t *testing.T) {
	client := setupTestClient(t)
	clock := clockwork.NewRealClock()
	cache := NewTokenCache(client, clock)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, spotify.Token{AccessToken: "old", ExpiresAt: clock.Now().Add(-time.Minute)}))

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenCache_SharedBetweenTokenSources(t *testing.T) {
	client := setupTestClient(t)
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	first := NewTokenCache(client, clock)
	second := NewTokenCache(client, clock)

	require.NoError(t, first.Set(ctx, spotify.Token{AccessToken: "shared", ExpiresAt: clock.Now().Add(time.Hour)}))

	got, err := second.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "shared", got.AccessToken)
}
