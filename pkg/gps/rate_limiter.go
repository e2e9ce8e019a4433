package gps

import (
	"sync"
	"time"

	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
	"github.com/overlandkit/overland/pkg/store"
)

// Bucket identifies a rate-limited call class. Each bucket throttles
// independently but all share one persisted state document.
type Bucket string

const (
	BucketLocation Bucket = "location"
	BucketPOI      Bucket = "poi"
	BucketWeather  Bucket = "weather"
)

// RateLimitStateKey is the store key the persisted limiter state lives under.
const RateLimitStateKey = "gps_rate_limit_state"

// clockSkewTolerance triggers a defensive state reset when the persisted
// last-call timestamp is further than this in the future.
const clockSkewTolerance = 60 * time.Second

// Deny reasons reported in Verdict.Reason.
const (
	ReasonThrottled          = "throttled"
	ReasonDailyLimitExceeded = "daily_limit_exceeded"
)

// RateLimitState is the persisted per-bucket counter state. LastResetDate is
// a UTC calendar date; DailyCount resets to zero exactly once per UTC day.
type RateLimitState struct {
	DailyCount    int    `json:"daily_count"`
	LastResetDate string `json:"last_reset_date"`
	LastAPICall   int64  `json:"last_api_call"` // epoch milliseconds
}

// RateLimiterConfig holds the limiter's policy knobs.
type RateLimiterConfig struct {
	DailyLimit          int           `json:"daily_limit"`
	MinLocationInterval time.Duration `json:"min_location_interval"`
	MinPOIInterval      time.Duration `json:"min_poi_interval"`
	MinWeatherInterval  time.Duration `json:"min_weather_interval"`
}

// DefaultRateLimiterConfig returns the production defaults.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		DailyLimit:          200,
		MinLocationInterval: 10 * time.Second,
		MinPOIInterval:      10 * time.Second,
		MinWeatherInterval:  30 * time.Second,
	}
}

// Verdict is the outcome of a TryAcquire call.
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// BucketStatus describes a bucket for callers that want to schedule retries
// instead of polling. NextCallInMs is milliseconds until the next call would
// pass, zero when one would pass now.
type BucketStatus struct {
	CanCall      bool  `json:"can_call"`
	NextCallInMs int64 `json:"next_call_in_ms"`
	DailyCount   int   `json:"daily_count"`
	DailyLimit   int   `json:"daily_limit"`
}

// RateLimiter enforces a minimum interval between calls per bucket and a
// persisted daily quota shared across process restarts. Every read-modify-
// write of the state is serialized through one mutex so overlapping callers
// cannot both pass a stale quota check.
type RateLimiter struct {
	config  *RateLimiterConfig
	store   *store.Store
	metrics *metrics.Metrics
	logger  *logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu    sync.Mutex
	state map[Bucket]*RateLimitState
}

// NewRateLimiter creates a limiter, loading any persisted state. A nil config
// uses the defaults; st may be nil for a purely in-memory limiter.
func NewRateLimiter(config *RateLimiterConfig, st *store.Store, m *metrics.Metrics, logger *logx.Logger) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}

	rl := &RateLimiter{
		config:  config,
		store:   st,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		state:   make(map[Bucket]*RateLimitState),
	}

	if err := rl.loadState(); err != nil {
		logger.Warn("rate_limiter_load_failed", "error", err.Error())
	}

	return rl
}

// TryAcquire checks and, when permitted, charges one call against the bucket.
// The in-memory state stays authoritative if persistence fails; the failure
// is logged and the verdict stands.
func (rl *RateLimiter) TryAcquire(bucket Bucket) Verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	state := rl.bucketStateLocked(bucket)
	rl.rollStateLocked(state, now)

	if state.DailyCount >= rl.config.DailyLimit {
		rl.logger.Warn("rate_limit_daily_ceiling",
			"bucket", string(bucket),
			"daily_count", state.DailyCount,
			"daily_limit", rl.config.DailyLimit)
		rl.countDenied(bucket, ReasonDailyLimitExceeded)
		return Verdict{Allowed: false, Reason: ReasonDailyLimitExceeded}
	}

	minInterval := rl.minInterval(bucket)
	elapsed := now.Sub(time.UnixMilli(state.LastAPICall))
	if state.LastAPICall > 0 && elapsed < minInterval {
		retryAfter := minInterval - elapsed
		rl.logger.Debug("rate_limit_throttled",
			"bucket", string(bucket),
			"retry_after_ms", retryAfter.Milliseconds())
		rl.countDenied(bucket, ReasonThrottled)
		return Verdict{Allowed: false, Reason: ReasonThrottled, RetryAfter: retryAfter}
	}

	state.DailyCount++
	state.LastAPICall = now.UnixMilli()
	rl.persistStateLocked()

	if rl.metrics != nil {
		rl.metrics.RateLimitAllowed.WithLabelValues(string(bucket)).Inc()
	}
	return Verdict{Allowed: true}
}

// Release refunds one quota unit for a permitted call that subsequently
// failed for a caller-attributable reason, so failed attempts are not charged
// against the daily limit. Never drops the counter below zero.
func (rl *RateLimiter) Release(bucket Bucket) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state := rl.bucketStateLocked(bucket)
	if state.DailyCount > 0 {
		state.DailyCount--
		rl.persistStateLocked()
	}
	if rl.metrics != nil {
		rl.metrics.RateLimitReleased.WithLabelValues(string(bucket)).Inc()
	}
}

// CanCall reports whether a TryAcquire on the bucket would currently pass,
// without charging anything.
func (rl *RateLimiter) CanCall(bucket Bucket) bool {
	return rl.Status()[bucket].CanCall
}

// DailyLimit returns the configured per-bucket daily quota.
func (rl *RateLimiter) DailyLimit() int {
	return rl.config.DailyLimit
}

// Status returns the current per-bucket state snapshot.
func (rl *RateLimiter) Status() map[Bucket]BucketStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	out := make(map[Bucket]BucketStatus, 3)
	for _, bucket := range []Bucket{BucketLocation, BucketPOI, BucketWeather} {
		state := rl.bucketStateLocked(bucket)
		rl.rollStateLocked(state, now)

		var next time.Duration
		if state.LastAPICall > 0 {
			elapsed := now.Sub(time.UnixMilli(state.LastAPICall))
			if remaining := rl.minInterval(bucket) - elapsed; remaining > 0 {
				next = remaining
			}
		}

		out[bucket] = BucketStatus{
			CanCall:      next == 0 && state.DailyCount < rl.config.DailyLimit,
			NextCallInMs: next.Milliseconds(),
			DailyCount:   state.DailyCount,
			DailyLimit:   rl.config.DailyLimit,
		}
	}
	return out
}

func (rl *RateLimiter) minInterval(bucket Bucket) time.Duration {
	switch bucket {
	case BucketWeather:
		return rl.config.MinWeatherInterval
	case BucketPOI:
		return rl.config.MinPOIInterval
	default:
		return rl.config.MinLocationInterval
	}
}

func (rl *RateLimiter) bucketStateLocked(bucket Bucket) *RateLimitState {
	state, ok := rl.state[bucket]
	if !ok {
		state = &RateLimitState{LastResetDate: rl.utcDate(rl.now())}
		rl.state[bucket] = state
	}
	return state
}

// rollStateLocked applies the once-per-UTC-day counter reset and the
// defensive reset for persisted timestamps from a skewed clock.
func (rl *RateLimiter) rollStateLocked(state *RateLimitState, now time.Time) {
	if state.LastAPICall > now.Add(clockSkewTolerance).UnixMilli() {
		rl.logger.Warn("rate_limit_clock_skew_reset",
			"last_api_call", state.LastAPICall,
			"now", now.UnixMilli())
		*state = RateLimitState{LastResetDate: rl.utcDate(now)}
		rl.persistStateLocked()
		return
	}

	today := rl.utcDate(now)
	if state.LastResetDate != today {
		state.DailyCount = 0
		state.LastResetDate = today
		rl.persistStateLocked()
	}
}

func (rl *RateLimiter) utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (rl *RateLimiter) loadState() error {
	if rl.store == nil {
		return nil
	}
	loaded := make(map[Bucket]*RateLimitState)
	found, err := rl.store.GetJSON(RateLimitStateKey, &loaded)
	if err != nil {
		return err
	}
	if found {
		rl.state = loaded
	}
	return nil
}

func (rl *RateLimiter) persistStateLocked() {
	if rl.store == nil {
		return
	}
	if err := rl.store.SetJSON(RateLimitStateKey, rl.state); err != nil {
		rl.logger.Error("rate_limiter_persist_failed", "error", err.Error())
	}
}

func (rl *RateLimiter) countDenied(bucket Bucket, reason string) {
	if rl.metrics != nil {
		rl.metrics.RateLimitDenied.WithLabelValues(string(bucket), reason).Inc()
	}
}
