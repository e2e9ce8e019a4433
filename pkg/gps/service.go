package gps

import (
	"context"
	"sync"
	"time"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
)

// ServiceConfig holds the location service's timing policy.
type ServiceConfig struct {
	// CacheMaxAge is how old a cached fix may be and still serve a
	// rate-limited request.
	CacheMaxAge time.Duration `json:"cache_max_age"`
	// WatchInterval / WatchDistanceMeters are the subscription filter handed
	// to the provider.
	WatchInterval       time.Duration `json:"watch_interval"`
	WatchDistanceMeters float64       `json:"watch_distance_meters"`
	// ThrottleWindow coalesces provider samples so a subscriber callback
	// fires at most once per window, with the latest sample.
	ThrottleWindow time.Duration `json:"throttle_window"`
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		CacheMaxAge:         5 * time.Minute,
		WatchInterval:       15 * time.Second,
		WatchDistanceMeters: 25,
		ThrottleWindow:      10 * time.Second,
	}
}

// ServiceStats tracks operational counters for the location service.
type ServiceStats struct {
	TotalRequests       int64     `json:"total_requests"`
	CacheHits           int64     `json:"cache_hits"`
	RateLimitedRequests int64     `json:"rate_limited_requests"`
	PermissionDenials   int64     `json:"permission_denials"`
	ProviderFailures    int64     `json:"provider_failures"`
	WatchSamples        int64     `json:"watch_samples"`
	WatchDeliveries     int64     `json:"watch_deliveries"`
	LastFixAt           time.Time `json:"last_fix_at"`
}

// Service is the location cache and subscription manager. It consults the
// permission cache and rate limiter before touching the provider, holds the
// last known fix, and manages at most one live watch subscription with
// trailing-edge throttled delivery.
type Service struct {
	config      *ServiceConfig
	provider    Provider
	permissions *PermissionCache
	limiter     *RateLimiter
	metrics     *metrics.Metrics
	logger      *logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	current *geo.Coordinate // replaced whole, never mutated in place
	stats   ServiceStats

	// watch state; watchGen invalidates in-flight samples and timers from a
	// torn-down subscription
	sub           Subscription
	watchGen      uint64
	callback      func(geo.Coordinate)
	throttle      *time.Timer
	pending       *geo.Coordinate
	lastDelivered time.Time
}

// NewService wires the location service. A nil config uses the defaults.
func NewService(config *ServiceConfig, provider Provider, permissions *PermissionCache, limiter *RateLimiter, m *metrics.Metrics, logger *logx.Logger) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &Service{
		config:      config,
		provider:    provider,
		permissions: permissions,
		limiter:     limiter,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// GetCurrentLocation resolves a fix, honoring the rate limiter. A denied call
// is served from the cached fix when it is younger than CacheMaxAge; an
// allowed call that then fails on permissions is refunded to the quota.
func (s *Service) GetCurrentLocation(ctx context.Context) (geo.Coordinate, error) {
	s.mu.Lock()
	s.stats.TotalRequests++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.LocationRequests.Inc()
	}

	verdict := s.limiter.TryAcquire(BucketLocation)
	if !verdict.Allowed {
		if cached, ok := s.freshCachedFix(); ok {
			s.logger.Debug("location_rate_limited_cache_hit",
				"reason", verdict.Reason,
				"fix_age_ms", s.now().UnixMilli()-cached.Timestamp)
			s.countCacheHit()
			return cached, nil
		}

		s.mu.Lock()
		s.stats.RateLimitedRequests++
		s.mu.Unlock()

		if verdict.Reason == ReasonDailyLimitExceeded {
			return geo.Coordinate{}, &DailyLimitExceededError{
				Bucket: BucketLocation,
				Limit:  s.limiter.config.DailyLimit,
			}
		}
		return geo.Coordinate{}, &RateLimitedError{
			Reason:     verdict.Reason,
			RetryAfter: verdict.RetryAfter,
		}
	}

	granted, err := s.permissions.Request(ctx)
	if err != nil || !granted {
		s.limiter.Release(BucketLocation)
		s.mu.Lock()
		s.stats.PermissionDenials++
		s.mu.Unlock()
		return geo.Coordinate{}, ErrPermissionDenied
	}

	fix, err := s.provider.CurrentPosition(ctx)
	if err != nil {
		s.mu.Lock()
		s.stats.ProviderFailures++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ProviderFailures.Inc()
		}
		s.logger.Error("location_query_failed", "error", err.Error())
		return geo.Coordinate{}, &LocationUnavailableError{Err: err}
	}

	fix.Timestamp = s.now().UnixMilli()
	s.storeFix(fix)

	s.logger.Debug("location_query_ok",
		"latitude", fix.Latitude,
		"longitude", fix.Longitude,
		"accuracy", fix.Accuracy)
	return fix, nil
}

// StartLocationUpdates subscribes callback to throttled location updates.
// Any prior subscription is torn down first; at most one is live at a time.
func (s *Service) StartLocationUpdates(ctx context.Context, callback func(geo.Coordinate)) error {
	granted, err := s.permissions.Request(ctx)
	if err != nil || !granted {
		return ErrPermissionDenied
	}

	s.StopLocationUpdates()

	s.mu.Lock()
	s.watchGen++
	gen := s.watchGen
	s.callback = callback
	s.mu.Unlock()

	opts := WatchOptions{
		Interval:       s.config.WatchInterval,
		DistanceFilter: s.config.WatchDistanceMeters,
	}
	sub, err := s.provider.Watch(ctx, opts, func(fix geo.Coordinate) {
		s.onWatchSample(gen, fix)
	})
	if err != nil {
		s.logger.Error("location_watch_failed", "error", err.Error())
		return &LocationUnavailableError{Err: err}
	}

	s.mu.Lock()
	if s.watchGen != gen {
		// Stopped while the provider subscription was being set up.
		s.mu.Unlock()
		sub.Remove()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("location_updates_started",
		"interval", opts.Interval.String(),
		"distance_filter_m", opts.DistanceFilter,
		"throttle_window", s.config.ThrottleWindow.String())
	return nil
}

// StopLocationUpdates cancels the live subscription and any pending throttle
// timer. Idempotent; no callback fires after it returns, even for samples
// already in flight.
func (s *Service) StopLocationUpdates() {
	s.mu.Lock()
	s.watchGen++
	sub := s.sub
	s.sub = nil
	if s.throttle != nil {
		s.throttle.Stop()
		s.throttle = nil
	}
	s.pending = nil
	s.callback = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Remove()
		s.logger.Info("location_updates_stopped")
	}
}

// RequestPermissions runs the interactive permission probe via the cache.
func (s *Service) RequestPermissions(ctx context.Context) bool {
	granted, _ := s.permissions.Request(ctx)
	return granted
}

// PermissionStatus returns the cached permission state without prompting.
func (s *Service) PermissionStatus(ctx context.Context) PermissionStatus {
	return s.permissions.Status(ctx)
}

// ServicesEnabled reports whether positioning services are available.
func (s *Service) ServicesEnabled(ctx context.Context) bool {
	enabled, err := s.provider.ServicesEnabled(ctx)
	if err != nil {
		s.logger.Warn("services_enabled_check_failed", "error", err.Error())
		return false
	}
	return enabled
}

// CanRequestLocation reports whether a location call would pass the limiter.
func (s *Service) CanRequestLocation() bool {
	return s.limiter.CanCall(BucketLocation)
}

// RateLimitStatus exposes the per-bucket limiter snapshot.
func (s *Service) RateLimitStatus() map[Bucket]BucketStatus {
	return s.limiter.Status()
}

// LastKnown returns a copy of the cached fix, or nil when none exists.
func (s *Service) LastKnown() *geo.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	fix := *s.current
	return &fix
}

// Stats returns a copy of the service counters.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) onWatchSample(gen uint64, fix geo.Coordinate) {
	if fix.Timestamp == 0 {
		fix.Timestamp = s.now().UnixMilli()
	}

	s.mu.Lock()
	if gen != s.watchGen {
		s.mu.Unlock()
		return
	}

	snapshot := fix
	s.current = &snapshot
	s.stats.WatchSamples++
	s.stats.LastFixAt = s.now()
	s.pending = &snapshot

	if s.throttle == nil {
		delay := s.config.ThrottleWindow - s.now().Sub(s.lastDelivered)
		if delay < 0 {
			delay = 0
		}
		s.throttle = time.AfterFunc(delay, func() {
			s.deliverPending(gen)
		})
	}
	s.mu.Unlock()
}

// deliverPending fires on the trailing edge of the throttle window with the
// most recent pending sample.
func (s *Service) deliverPending(gen uint64) {
	s.mu.Lock()
	s.throttle = nil
	if gen != s.watchGen || s.pending == nil || s.callback == nil {
		s.mu.Unlock()
		return
	}
	fix := *s.pending
	s.pending = nil
	s.lastDelivered = s.now()
	s.stats.WatchDeliveries++
	callback := s.callback
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WatchDeliveries.Inc()
	}
	callback(fix)
}

func (s *Service) storeFix(fix geo.Coordinate) {
	s.mu.Lock()
	snapshot := fix
	s.current = &snapshot
	s.stats.LastFixAt = s.now()
	s.mu.Unlock()
}

func (s *Service) freshCachedFix() (geo.Coordinate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return geo.Coordinate{}, false
	}
	age := s.now().UnixMilli() - s.current.Timestamp
	if age >= s.config.CacheMaxAge.Milliseconds() {
		return geo.Coordinate{}, false
	}
	return *s.current, true
}

func (s *Service) countCacheHit() {
	s.mu.Lock()
	s.stats.CacheHits++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.LocationCacheHits.Inc()
	}
}
