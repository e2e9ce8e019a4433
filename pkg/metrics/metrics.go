package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the overland daemon.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitAllowed  *prometheus.CounterVec
	RateLimitDenied   *prometheus.CounterVec
	RateLimitReleased *prometheus.CounterVec

	LocationRequests  prometheus.Counter
	LocationCacheHits prometheus.Counter
	ProviderFailures  prometheus.Counter
	WatchDeliveries   prometheus.Counter

	WaypointCount prometheus.Gauge
	RouteCount    prometheus.Gauge

	TrackPointsRecorded prometheus.Counter
	UpstreamRequests    *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		RateLimitAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overland_rate_limit_allowed_total",
			Help: "Calls allowed through the rate limiter, by bucket.",
		}, []string{"bucket"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overland_rate_limit_denied_total",
			Help: "Calls denied by the rate limiter, by bucket and reason.",
		}, []string{"bucket", "reason"}),
		RateLimitReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overland_rate_limit_released_total",
			Help: "Quota refunds for calls that failed for caller-attributable reasons.",
		}, []string{"bucket"}),
		LocationRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overland_location_requests_total",
			Help: "GetCurrentLocation calls.",
		}),
		LocationCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overland_location_cache_hits_total",
			Help: "Location requests served from the cached fix.",
		}),
		ProviderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overland_provider_failures_total",
			Help: "Failures reported by the position provider.",
		}),
		WatchDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overland_watch_deliveries_total",
			Help: "Coalesced location updates delivered to subscribers.",
		}),
		WaypointCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overland_waypoints",
			Help: "Waypoints currently held in the store.",
		}),
		RouteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overland_saved_routes",
			Help: "Routes currently persisted.",
		}),
		TrackPointsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overland_track_points_recorded_total",
			Help: "Track points written by the trip recorder.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overland_upstream_requests_total",
			Help: "Requests to external APIs, by service and outcome.",
		}, []string{"service", "outcome"}),
	}

	reg.MustRegister(
		m.RateLimitAllowed,
		m.RateLimitDenied,
		m.RateLimitReleased,
		m.LocationRequests,
		m.LocationCacheHits,
		m.ProviderFailures,
		m.WatchDeliveries,
		m.WaypointCount,
		m.RouteCount,
		m.TrackPointsRecorded,
		m.UpstreamRequests,
	)

	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
