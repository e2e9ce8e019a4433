package poi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
)

// categoryToAmenity maps the app's POI categories onto OSM amenity tags.
var categoryToAmenity = map[string]string{
	"gas":      "fuel",
	"hospital": "hospital",
	"grocery":  "supermarket",
	"mechanic": "car_repair",
	"restroom": "toilets",
}

// Config holds POI client configuration.
type Config struct {
	BaseURL      string        `json:"base_url"`
	Timeout      time.Duration `json:"timeout"`
	QueryTimeout int           `json:"query_timeout"` // seconds, passed to Overpass
}

// DefaultConfig returns the default POI configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://overpass-api.de/api/interpreter",
		Timeout:      30 * time.Second,
		QueryTimeout: 25,
	}
}

// Bounds is a south/west/north/east bounding box in decimal degrees.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// POI is a single point of interest returned by Overpass.
type POI struct {
	ID        int64             `json:"id"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type overpassResponse struct {
	Elements []struct {
		ID   int64             `json:"id"`
		Lat  float64           `json:"lat"`
		Lon  float64           `json:"lon"`
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

// Client searches points of interest via the Overpass API, gated by the
// shared limiter's poi bucket and guarded by a circuit breaker so a flapping
// upstream fails fast instead of stacking slow requests.
type Client struct {
	config  *Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]POI]
	limiter *gps.RateLimiter
	metrics *metrics.Metrics
	logger  *logx.Logger
}

// NewClient creates a POI client. A nil config uses the defaults.
func NewClient(config *Config, limiter *gps.RateLimiter, m *metrics.Metrics, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:    "overpass",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]POI](settings),
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Search returns POIs of the given category inside bounds. Unknown
// categories are passed through as raw amenity tags.
func (c *Client) Search(ctx context.Context, category string, bounds Bounds) ([]POI, error) {
	verdict := c.limiter.TryAcquire(gps.BucketPOI)
	if !verdict.Allowed {
		if verdict.Reason == gps.ReasonDailyLimitExceeded {
			return nil, &gps.DailyLimitExceededError{Bucket: gps.BucketPOI, Limit: c.limiter.DailyLimit()}
		}
		return nil, &gps.RateLimitedError{Reason: verdict.Reason, RetryAfter: verdict.RetryAfter}
	}

	amenity, ok := categoryToAmenity[category]
	if !ok {
		amenity = category
	}

	query := fmt.Sprintf(`[out:json][timeout:%d];
(
  node["amenity"=%q](%f,%f,%f,%f);
);
out;`, c.config.QueryTimeout, amenity, bounds.South, bounds.West, bounds.North, bounds.East)

	results, err := c.breaker.Execute(func() ([]POI, error) {
		return c.search(ctx, query)
	})
	if err != nil {
		c.countOutcome("error")
		c.logger.Error("poi_search_failed", "category", category, "error", err.Error())
		return nil, fmt.Errorf("failed to search for points of interest: %w", err)
	}

	c.countOutcome("ok")
	c.logger.Debug("poi_search_ok", "category", category, "results", len(results))
	return results, nil
}

func (c *Client) search(ctx context.Context, query string) ([]POI, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POI search failed: %d", resp.StatusCode)
	}

	var decoded overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	pois := make([]POI, 0, len(decoded.Elements))
	for _, el := range decoded.Elements {
		pois = append(pois, POI{
			ID:        el.ID,
			Latitude:  el.Lat,
			Longitude: el.Lon,
			Tags:      el.Tags,
		})
	}
	return pois, nil
}

func (c *Client) countOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues("poi", outcome).Inc()
	}
}
