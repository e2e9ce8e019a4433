package gps

import (
	"context"
	"sync"
	"time"

	"github.com/overlandkit/overland/pkg/logx"
)

// DefaultPermissionCacheTTL bounds how long a permission answer is reused
// before the provider is asked again.
const DefaultPermissionCacheTTL = 60 * time.Second

// PermissionCache caches the provider's permission state so repeated service
// calls do not trigger redundant permission probes (or prompts, on platforms
// that have them).
type PermissionCache struct {
	provider Provider
	ttl      time.Duration
	logger   *logx.Logger

	mu          sync.Mutex
	status      PermissionStatus
	lastChecked time.Time
}

// NewPermissionCache creates a permission cache with the given TTL. A zero
// ttl uses DefaultPermissionCacheTTL.
func NewPermissionCache(provider Provider, ttl time.Duration, logger *logx.Logger) *PermissionCache {
	if ttl <= 0 {
		ttl = DefaultPermissionCacheTTL
	}
	return &PermissionCache{
		provider: provider,
		ttl:      ttl,
		logger:   logger,
	}
}

// Request performs the interactive permission probe, serving a cached answer
// when it is still fresh. Provider failures are treated as denied but are
// never written into the cache, so a transient failure cannot poison it.
func (pc *PermissionCache) Request(ctx context.Context) (bool, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.cacheValidLocked() {
		return pc.status == PermissionGranted, nil
	}

	status, err := pc.provider.RequestPermission(ctx)
	if err != nil {
		pc.logger.Warn("permission_request_failed", "error", err.Error())
		return false, nil
	}

	pc.status = status
	pc.lastChecked = time.Now()
	return status == PermissionGranted, nil
}

// Status returns the current permission state without prompting, under the
// same caching policy as Request.
func (pc *PermissionCache) Status(ctx context.Context) PermissionStatus {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.cacheValidLocked() {
		return pc.status
	}

	status, err := pc.provider.GetPermissionStatus(ctx)
	if err != nil {
		pc.logger.Warn("permission_status_failed", "error", err.Error())
		return PermissionUndetermined
	}

	pc.status = status
	pc.lastChecked = time.Now()
	return status
}

// Invalidate drops the cached answer so the next call hits the provider.
func (pc *PermissionCache) Invalidate() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.status = ""
	pc.lastChecked = time.Time{}
}

func (pc *PermissionCache) cacheValidLocked() bool {
	return pc.status != "" && time.Since(pc.lastChecked) < pc.ttl
}
