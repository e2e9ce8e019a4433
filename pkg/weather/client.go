package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
)

// Config holds weather client configuration.
type Config struct {
	APIKey  string        `json:"api_key"`
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns the default weather configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "https://api.openweathermap.org/data/2.5/weather",
		Timeout: 10 * time.Second,
	}
}

// Report is the subset of the OpenWeatherMap current-conditions payload the
// app surfaces.
type Report struct {
	Place       string  `json:"place"`
	Conditions  string  `json:"conditions"`
	Description string  `json:"description"`
	TempC       float64 `json:"temp_c"`
	FeelsLikeC  float64 `json:"feels_like_c"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"` // m/s
	RetrievedAt int64   `json:"retrieved_at"`
}

type owmResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// Client fetches current conditions, gated by the shared rate limiter's
// weather bucket and retried with exponential backoff on transient failures.
type Client struct {
	config  *Config
	http    *http.Client
	limiter *gps.RateLimiter
	metrics *metrics.Metrics
	logger  *logx.Logger
}

// NewClient creates a weather client. A nil config uses the defaults.
func NewClient(config *Config, limiter *gps.RateLimiter, m *metrics.Metrics, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Current returns the current conditions at a coordinate. Denied limiter
// verdicts surface as typed rate-limit errors with a retry hint.
func (c *Client) Current(ctx context.Context, at geo.Coordinate) (*Report, error) {
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("weather API key not configured")
	}

	verdict := c.limiter.TryAcquire(gps.BucketWeather)
	if !verdict.Allowed {
		if verdict.Reason == gps.ReasonDailyLimitExceeded {
			return nil, &gps.DailyLimitExceededError{Bucket: gps.BucketWeather, Limit: c.limiter.DailyLimit()}
		}
		return nil, &gps.RateLimitedError{Reason: verdict.Reason, RetryAfter: verdict.RetryAfter}
	}

	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%f", at.Latitude))
	query.Set("lon", fmt.Sprintf("%f", at.Longitude))
	query.Set("appid", c.config.APIKey)
	query.Set("units", "metric")
	requestURL := c.config.BaseURL + "?" + query.Encode()

	var decoded owmResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("weather request failed: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("weather request failed: %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&decoded)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 20 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.countOutcome("error")
		c.logger.Error("weather_request_failed", "error", err.Error())
		return nil, fmt.Errorf("failed to get weather data: %w", err)
	}

	report := &Report{
		Place:       decoded.Name,
		TempC:       decoded.Main.Temp,
		FeelsLikeC:  decoded.Main.FeelsLike,
		Humidity:    decoded.Main.Humidity,
		WindSpeed:   decoded.Wind.Speed,
		RetrievedAt: time.Now().UnixMilli(),
	}
	if len(decoded.Weather) > 0 {
		report.Conditions = decoded.Weather[0].Main
		report.Description = decoded.Weather[0].Description
	}

	c.countOutcome("ok")
	c.logger.Debug("weather_retrieved",
		"place", report.Place,
		"conditions", report.Conditions,
		"temp_c", report.TempC)
	return report, nil
}

func (c *Client) countOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues("weather", outcome).Inc()
	}
}
