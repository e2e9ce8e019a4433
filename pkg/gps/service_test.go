package gps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
)

// fakeProvider scripts the positioning layer for tests.
type fakeProvider struct {
	mu sync.Mutex

	permStatus PermissionStatus
	permErr    error
	permCalls  int

	fix      geo.Coordinate
	fixErr   error
	posCalls int

	onUpdate func(geo.Coordinate)
	watchErr error
	subs     []*fakeSubscription
}

type fakeSubscription struct {
	mu      sync.Mutex
	removed int
}

func (s *fakeSubscription) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
}

func (s *fakeSubscription) removedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

func (p *fakeProvider) RequestPermission(ctx context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permCalls++
	return p.permStatus, p.permErr
}

func (p *fakeProvider) GetPermissionStatus(ctx context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permStatus, p.permErr
}

func (p *fakeProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	return true, nil
}

func (p *fakeProvider) CurrentPosition(ctx context.Context) (geo.Coordinate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posCalls++
	return p.fix, p.fixErr
}

func (p *fakeProvider) Watch(ctx context.Context, opts WatchOptions, onUpdate func(geo.Coordinate)) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.onUpdate = onUpdate
	sub := &fakeSubscription{}
	p.subs = append(p.subs, sub)
	return sub, nil
}

func (p *fakeProvider) emit(fix geo.Coordinate) {
	p.mu.Lock()
	onUpdate := p.onUpdate
	p.mu.Unlock()
	if onUpdate != nil {
		onUpdate(fix)
	}
}

func newTestService(t *testing.T, provider *fakeProvider, config *ServiceConfig) *Service {
	t.Helper()
	logger := logx.NewLogger("error", "test")
	permissions := NewPermissionCache(provider, time.Minute, logger)
	limiter := NewRateLimiter(nil, nil, nil, logger)
	return NewService(config, provider, permissions, limiter, nil, logger)
}

func TestGetCurrentLocation(t *testing.T) {
	provider := &fakeProvider{
		permStatus: PermissionGranted,
		fix:        geo.Coordinate{Latitude: 38.5733, Longitude: -109.5498, Accuracy: 4},
	}
	svc := newTestService(t, provider, nil)

	fix, err := svc.GetCurrentLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 38.5733, fix.Latitude)
	assert.NotZero(t, fix.Timestamp)

	last := svc.LastKnown()
	require.NotNil(t, last)
	assert.Equal(t, fix, *last)
}

func TestRateLimitedCallServedFromCache(t *testing.T) {
	provider := &fakeProvider{
		permStatus: PermissionGranted,
		fix:        geo.Coordinate{Latitude: 38.5733, Longitude: -109.5498},
	}
	svc := newTestService(t, provider, nil)

	first, err := svc.GetCurrentLocation(context.Background())
	require.NoError(t, err)

	// The immediate second call is throttled but the cached fix is fresh, so
	// it succeeds without touching the provider again.
	second, err := svc.GetCurrentLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.posCalls)
	assert.Equal(t, int64(1), svc.Stats().CacheHits)
}

func TestRateLimitedCallWithStaleCacheErrors(t *testing.T) {
	provider := &fakeProvider{
		permStatus: PermissionGranted,
		fix:        geo.Coordinate{Latitude: 38.5733, Longitude: -109.5498},
	}
	svc := newTestService(t, provider, &ServiceConfig{
		CacheMaxAge:    time.Nanosecond, // everything is stale
		ThrottleWindow: 10 * time.Second,
		WatchInterval:  15 * time.Second,
	})

	_, err := svc.GetCurrentLocation(context.Background())
	require.NoError(t, err)

	_, err = svc.GetCurrentLocation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, ReasonThrottled, rateErr.Reason)
	assert.Greater(t, rateErr.RetryAfter, time.Duration(0))
}

func TestPermissionDeniedRefundsQuota(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionDenied}
	svc := newTestService(t, provider, nil)

	_, err := svc.GetCurrentLocation(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The denied call must not count against the daily quota.
	assert.Equal(t, 0, svc.RateLimitStatus()[BucketLocation].DailyCount)
	assert.Equal(t, 0, provider.posCalls)
}

func TestProviderFailure(t *testing.T) {
	provider := &fakeProvider{
		permStatus: PermissionGranted,
		fixErr:     errors.New("no satellites"),
	}
	svc := newTestService(t, provider, nil)

	_, err := svc.GetCurrentLocation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocationUnavailable)
	assert.Contains(t, err.Error(), "no satellites")
}

func TestWatchDeliversThrottledUpdates(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	svc := newTestService(t, provider, &ServiceConfig{
		CacheMaxAge:    5 * time.Minute,
		WatchInterval:  time.Second,
		ThrottleWindow: 60 * time.Millisecond,
	})

	var mu sync.Mutex
	var received []geo.Coordinate
	require.NoError(t, svc.StartLocationUpdates(context.Background(), func(fix geo.Coordinate) {
		mu.Lock()
		received = append(received, fix)
		mu.Unlock()
	}))
	defer svc.StopLocationUpdates()

	// First sample after a long idle period delivers immediately.
	provider.emit(geo.Coordinate{Latitude: 38.1})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	// Two samples inside the window coalesce into one trailing delivery
	// carrying the latest position.
	provider.emit(geo.Coordinate{Latitude: 38.2})
	provider.emit(geo.Coordinate{Latitude: 38.3})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 38.3, received[1].Latitude)
	mu.Unlock()

	// The cache tracks every sample, not just delivered ones.
	last := svc.LastKnown()
	require.NotNil(t, last)
	assert.Equal(t, 38.3, last.Latitude)
}

func TestStopPreventsLateDeliveries(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	svc := newTestService(t, provider, &ServiceConfig{
		CacheMaxAge:    5 * time.Minute,
		WatchInterval:  time.Second,
		ThrottleWindow: 20 * time.Millisecond,
	})

	var mu sync.Mutex
	delivered := 0
	require.NoError(t, svc.StartLocationUpdates(context.Background(), func(geo.Coordinate) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	svc.StopLocationUpdates()

	// A sample still in flight from the torn-down subscription never fires
	// the callback.
	provider.emit(geo.Coordinate{Latitude: 38.1})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()
}

func TestStopIsIdempotent(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	svc := newTestService(t, provider, nil)

	// Stopping without a subscription is a no-op.
	svc.StopLocationUpdates()
	svc.StopLocationUpdates()

	require.NoError(t, svc.StartLocationUpdates(context.Background(), func(geo.Coordinate) {}))
	svc.StopLocationUpdates()
	svc.StopLocationUpdates()

	require.Len(t, provider.subs, 1)
	assert.Equal(t, 1, provider.subs[0].removedCount())
}

func TestStartReplacesExistingSubscription(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionGranted}
	svc := newTestService(t, provider, nil)

	require.NoError(t, svc.StartLocationUpdates(context.Background(), func(geo.Coordinate) {}))
	require.NoError(t, svc.StartLocationUpdates(context.Background(), func(geo.Coordinate) {}))
	defer svc.StopLocationUpdates()

	require.Len(t, provider.subs, 2)
	assert.Equal(t, 1, provider.subs[0].removedCount())
	assert.Equal(t, 0, provider.subs[1].removedCount())
}

func TestStartWithoutPermission(t *testing.T) {
	provider := &fakeProvider{permStatus: PermissionDenied}
	svc := newTestService(t, provider, nil)

	err := svc.StartLocationUpdates(context.Background(), func(geo.Coordinate) {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, provider.subs)
}
