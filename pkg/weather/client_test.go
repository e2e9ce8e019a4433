package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
)

const sampleResponse = `{
	"name": "Moab",
	"weather": [{"main": "Clear", "description": "clear sky"}],
	"main": {"temp": 24.5, "feels_like": 23.1, "humidity": 18},
	"wind": {"speed": 3.6}
}`

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := logx.NewLogger("error", "test")
	limiter := gps.NewRateLimiter(&gps.RateLimiterConfig{DailyLimit: 200}, nil, nil, logger)
	return NewClient(&Config{APIKey: "test-key", BaseURL: baseURL}, limiter, nil, logger)
}

func TestCurrent(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "test-key", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		assert.NotEmpty(t, r.URL.Query().Get("lat"))
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	report, err := c.Current(context.Background(), geo.Coordinate{Latitude: 38.5733, Longitude: -109.5498})
	require.NoError(t, err)

	assert.Equal(t, "Moab", report.Place)
	assert.Equal(t, "Clear", report.Conditions)
	assert.Equal(t, "clear sky", report.Description)
	assert.Equal(t, 24.5, report.TempC)
	assert.Equal(t, 18, report.Humidity)
	assert.NotZero(t, report.RetrievedAt)
	assert.Equal(t, int32(1), requests.Load())
}

func TestCurrentWithoutAPIKey(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	limiter := gps.NewRateLimiter(nil, nil, nil, logger)
	c := NewClient(&Config{}, limiter, nil, logger)

	_, err := c.Current(context.Background(), geo.Coordinate{})
	assert.ErrorContains(t, err, "API key")
}

func TestCurrentRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	logger := logx.NewLogger("error", "test")
	limiter := gps.NewRateLimiter(nil, nil, nil, logger) // default 30s weather interval
	c := NewClient(&Config{APIKey: "test-key", BaseURL: server.URL}, limiter, nil, logger)

	_, err := c.Current(context.Background(), geo.Coordinate{})
	require.NoError(t, err)

	_, err = c.Current(context.Background(), geo.Coordinate{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gps.ErrRateLimited)

	var rateErr *gps.RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Greater(t, rateErr.RetryAfter, time.Duration(0))
}

func TestCurrentDailyLimitReportsConfiguredQuota(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	logger := logx.NewLogger("error", "test")
	limiter := gps.NewRateLimiter(&gps.RateLimiterConfig{DailyLimit: 3}, nil, nil, logger)
	c := NewClient(&Config{APIKey: "test-key", BaseURL: server.URL}, limiter, nil, logger)

	for i := 0; i < 3; i++ {
		_, err := c.Current(context.Background(), geo.Coordinate{})
		require.NoError(t, err)
	}

	_, err := c.Current(context.Background(), geo.Coordinate{})
	require.ErrorIs(t, err, gps.ErrDailyLimitExceeded)

	var dailyErr *gps.DailyLimitExceededError
	require.ErrorAs(t, err, &dailyErr)
	assert.Equal(t, 3, dailyErr.Limit)
}

func TestCurrentDoesNotRetryAuthFailure(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Current(context.Background(), geo.Coordinate{})
	require.Error(t, err)

	// A 401 is permanent; backoff must not hammer the endpoint.
	assert.Equal(t, int32(1), requests.Load())
}

func TestCurrentRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	report, err := c.Current(context.Background(), geo.Coordinate{})
	require.NoError(t, err)
	assert.Equal(t, "Moab", report.Place)
	assert.GreaterOrEqual(t, requests.Load(), int32(2))
}
