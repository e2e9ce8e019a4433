package gps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlandkit/overland/pkg/logx"
)

func TestPermissionCacheServesCachedAnswer(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	cache := NewPermissionCache(provider, time.Minute, logx.NewLogger("error", "test"))

	granted, err := cache.Request(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 1, provider.permCalls)

	// Within the TTL the provider is not asked again.
	granted, err = cache.Request(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 1, provider.permCalls)

	assert.Equal(t, PermissionGranted, cache.Status(context.Background()))
	assert.Equal(t, 1, provider.permCalls)
}

func TestPermissionCacheExpires(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	cache := NewPermissionCache(provider, 10*time.Millisecond, logx.NewLogger("error", "test"))

	_, err := cache.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.permCalls)

	time.Sleep(20 * time.Millisecond)

	_, err = cache.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, provider.permCalls)
}

func TestPermissionErrorDoesNotPoisonCache(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted, permErr: errors.New("probe failed")}
	cache := NewPermissionCache(provider, time.Minute, logx.NewLogger("error", "test"))

	// A failing probe reads as denied but is never cached.
	granted, err := cache.Request(context.Background())
	require.NoError(t, err)
	assert.False(t, granted)

	// Once the provider recovers, the next call sees the real answer
	// immediately instead of a cached failure.
	provider.mu.Lock()
	provider.permErr = nil
	provider.mu.Unlock()

	granted, err = cache.Request(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 2, provider.permCalls)
}

func TestPermissionInvalidate(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	cache := NewPermissionCache(provider, time.Minute, logx.NewLogger("error", "test"))

	_, err := cache.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.permCalls)

	cache.Invalidate()

	_, err = cache.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, provider.permCalls)
}
