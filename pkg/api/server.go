package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/geocode"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
	"github.com/overlandkit/overland/pkg/nav"
	"github.com/overlandkit/overland/pkg/poi"
	"github.com/overlandkit/overland/pkg/track"
	"github.com/overlandkit/overland/pkg/weather"
)

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Listen       string        `json:"listen"`
	APIKey       string        `json:"api_key"` // empty allows anonymous access
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultServerConfig returns the default API server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:       "127.0.0.1:8087",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server exposes the location service, waypoint store and upstream clients
// over a local HTTP API. The weather, POI and prediction handlers degrade to
// 503 when their client was not configured.
type Server struct {
	config    *ServerConfig
	location  *gps.Service
	onFix     func(geo.Coordinate)
	nav       *nav.Store
	recorder  *track.Recorder
	predictor *track.Predictor
	weather   *weather.Client
	poi       *poi.Client
	geocoder  *geocode.Client
	metrics   *metrics.Metrics
	logger    *logx.Logger

	httpServer *http.Server
}

// NewServer wires the API server. onFix is the daemon's fix callback; the
// watch endpoints re-subscribe it so toggling the watch over HTTP never
// detaches the daemon's own consumers. weather, poi, geocoder, recorder and
// predictor may be nil when the corresponding feature is disabled.
func NewServer(config *ServerConfig, location *gps.Service, onFix func(geo.Coordinate),
	navStore *nav.Store, recorder *track.Recorder, predictor *track.Predictor,
	weatherClient *weather.Client, poiClient *poi.Client, geocoder *geocode.Client,
	m *metrics.Metrics, logger *logx.Logger,
) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:    config,
		location:  location,
		onFix:     onFix,
		nav:       navStore,
		recorder:  recorder,
		predictor: predictor,
		weather:   weatherClient,
		poi:       poiClient,
		geocoder:  geocoder,
		metrics:   m,
		logger:    logger,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/location", s.authMiddleware(s.handleLocation))
	mux.HandleFunc("GET /api/v1/location/last", s.authMiddleware(s.handleLastKnown))
	mux.HandleFunc("POST /api/v1/location/watch", s.authMiddleware(s.handleWatchStart))
	mux.HandleFunc("DELETE /api/v1/location/watch", s.authMiddleware(s.handleWatchStop))
	mux.HandleFunc("GET /api/v1/permissions", s.authMiddleware(s.handlePermissionStatus))
	mux.HandleFunc("POST /api/v1/permissions", s.authMiddleware(s.handlePermissionRequest))
	mux.HandleFunc("GET /api/v1/ratelimit", s.authMiddleware(s.handleRateLimit))
	mux.HandleFunc("GET /api/v1/stats", s.authMiddleware(s.handleStats))

	mux.HandleFunc("GET /api/v1/waypoints", s.authMiddleware(s.handleListWaypoints))
	mux.HandleFunc("POST /api/v1/waypoints", s.authMiddleware(s.handleAddWaypoint))
	mux.HandleFunc("PATCH /api/v1/waypoints/{id}", s.authMiddleware(s.handleRenameWaypoint))
	mux.HandleFunc("DELETE /api/v1/waypoints/{id}", s.authMiddleware(s.handleDeleteWaypoint))
	mux.HandleFunc("DELETE /api/v1/waypoints", s.authMiddleware(s.handleDeleteAllWaypoints))
	mux.HandleFunc("POST /api/v1/waypoints/elevation", s.authMiddleware(s.handleBackfillElevations))

	mux.HandleFunc("GET /api/v1/routes", s.authMiddleware(s.handleListRoutes))
	mux.HandleFunc("POST /api/v1/routes", s.authMiddleware(s.handleCreateRoute))
	mux.HandleFunc("DELETE /api/v1/routes/{id}", s.authMiddleware(s.handleDeleteRoute))
	mux.HandleFunc("DELETE /api/v1/routes", s.authMiddleware(s.handleDeleteAllRoutes))

	mux.HandleFunc("GET /api/v1/weather", s.authMiddleware(s.handleWeather))
	mux.HandleFunc("GET /api/v1/poi", s.authMiddleware(s.handlePOI))

	mux.HandleFunc("POST /api/v1/trips", s.authMiddleware(s.handleStartTrip))
	mux.HandleFunc("DELETE /api/v1/trips/active", s.authMiddleware(s.handleStopTrip))
	mux.HandleFunc("GET /api/v1/trips", s.authMiddleware(s.handleListTrips))
	mux.HandleFunc("GET /api/v1/trips/{id}/points", s.authMiddleware(s.handleTripPoints))
	mux.HandleFunc("GET /api/v1/trips/{id}/eta", s.authMiddleware(s.handleTripETA))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Listen,
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api_server_starting", "listen", s.config.Listen)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api_server_failed", "error", err.Error())
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("api_server_stopping")
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces the configured API key. Anonymous access is allowed
// when no key is configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("auth")
		}
		if key != s.config.APIKey {
			s.logger.Warn("api_auth_rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	fix, err := s.location.GetCurrentLocation(r.Context())
	if err != nil {
		s.writeLocationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"location": fix})
}

func (s *Server) handleLastKnown(w http.ResponseWriter, r *http.Request) {
	fix := s.location.LastKnown()
	if fix == nil {
		s.writeError(w, http.StatusNotFound, "no location available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"location": fix})
}

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	if err := s.location.StartLocationUpdates(context.Background(), s.fixSink()); err != nil {
		s.writeLocationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watching": true})
}

// fixSink returns the callback the single live subscription feeds. The
// daemon's composite callback when one was wired, a debug log otherwise.
func (s *Server) fixSink() func(geo.Coordinate) {
	if s.onFix != nil {
		return s.onFix
	}
	return func(fix geo.Coordinate) {
		s.logger.Debug("watch_update",
			"latitude", fix.Latitude,
			"longitude", fix.Longitude)
	}
}

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	s.location.StopLocationUpdates()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watching": false})
}

func (s *Server) handlePermissionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           s.location.PermissionStatus(r.Context()),
		"services_enabled": s.location.ServicesEnabled(r.Context()),
	})
}

func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	granted := s.location.RequestPermissions(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"granted": granted})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"buckets":      s.location.RateLimitStatus(),
		"can_call_now": s.location.CanRequestLocation(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.location.Stats())
}

func (s *Server) handleListWaypoints(w http.ResponseWriter, r *http.Request) {
	waypoints := s.nav.Waypoints()
	gain, loss := nav.ElevationGain(waypoints)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"waypoints":      waypoints,
		"total_distance": geo.RouteDistance(nav.CoordinatesOf(waypoints)),
		"elevation_gain": gain,
		"elevation_loss": loss,
	})
}

func (s *Server) handleAddWaypoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string   `json:"name"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Altitude  float64  `json:"altitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var coordinate *geo.Coordinate
	if body.Latitude != nil && body.Longitude != nil {
		coordinate = &geo.Coordinate{
			Latitude:  *body.Latitude,
			Longitude: *body.Longitude,
			Altitude:  body.Altitude,
		}
	}

	wp, err := s.nav.AddWaypoint(r.Context(), coordinate, body.Name)
	if err != nil {
		if errors.Is(err, gps.ErrNoLocationAvailable) {
			s.writeError(w, http.StatusConflict, "no location available for waypoint")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"waypoint": wp})
}

func (s *Server) handleRenameWaypoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if !s.nav.UpdateWaypointName(r.PathValue("id"), body.Name) {
		s.writeError(w, http.StatusNotFound, "waypoint not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (s *Server) handleDeleteWaypoint(w http.ResponseWriter, r *http.Request) {
	if !s.nav.DeleteWaypoint(r.PathValue("id")) {
		s.writeError(w, http.StatusNotFound, "waypoint not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllWaypoints(w http.ResponseWriter, r *http.Request) {
	if err := s.nav.DeleteAllWaypoints(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackfillElevations(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "geocoding not configured")
		return
	}

	updated, err := s.nav.BackfillElevations(r.Context(), s.geocoder)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.nav.Routes()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	route := s.nav.CreateRouteFromWaypoints(body.Name)
	if route == nil {
		s.writeError(w, http.StatusConflict, "need at least 2 waypoints to create a route")
		return
	}
	if err := s.nav.SaveRoute(route); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"route": route})
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.nav.DeleteRoute(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllRoutes(w http.ResponseWriter, r *http.Request) {
	if err := s.nav.DeleteAllRoutes(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.weather == nil {
		s.writeError(w, http.StatusServiceUnavailable, "weather not configured")
		return
	}

	at, ok := s.coordinateParam(w, r)
	if !ok {
		return
	}

	report, err := s.weather.Current(r.Context(), at)
	if err != nil {
		s.writeLocationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"weather": report})
}

func (s *Server) handlePOI(w http.ResponseWriter, r *http.Request) {
	if s.poi == nil {
		s.writeError(w, http.StatusServiceUnavailable, "poi search not configured")
		return
	}

	category := r.URL.Query().Get("category")
	if category == "" {
		s.writeError(w, http.StatusBadRequest, "category is required")
		return
	}

	var bounds poi.Bounds
	var err error
	for _, field := range []struct {
		name string
		dst  *float64
	}{
		{"south", &bounds.South},
		{"west", &bounds.West},
		{"north", &bounds.North},
		{"east", &bounds.East},
	} {
		*field.dst, err = strconv.ParseFloat(r.URL.Query().Get(field.name), 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s bound", field.name))
			return
		}
	}

	results, err := s.poi.Search(r.Context(), category, bounds)
	if err != nil {
		s.writeLocationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pois": results})
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trip recording not configured")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trip, err := s.recorder.Start(body.Name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"trip": trip})
}

func (s *Server) handleStopTrip(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trip recording not configured")
		return
	}

	trip, err := s.recorder.Stop()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trip == nil {
		s.writeError(w, http.StatusNotFound, "no trip recording")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trip": trip})
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trip recording not configured")
		return
	}

	trips, err := s.recorder.Trips()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trips":  trips,
		"active": s.recorder.Active(),
	})
}

func (s *Server) handleTripPoints(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trip recording not configured")
		return
	}

	points, err := s.recorder.Points(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *Server) handleTripETA(w http.ResponseWriter, r *http.Request) {
	if s.predictor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "prediction not configured")
		return
	}

	remaining, err := strconv.ParseFloat(r.URL.Query().Get("remaining_m"), 64)
	if err != nil || remaining < 0 {
		s.writeError(w, http.StatusBadRequest, "remaining_m is required")
		return
	}

	eta, err := s.predictor.EstimateRemaining(r.PathValue("id"), remaining)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"eta_seconds": int64(eta.Seconds()),
		"eta":         eta.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "overlandd",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// coordinateParam reads lat/lon query params, falling back to the last known
// fix when absent.
func (s *Server) coordinateParam(w http.ResponseWriter, r *http.Request) (geo.Coordinate, bool) {
	latStr := r.URL.Query().Get("lat")
	lonStr := r.URL.Query().Get("lon")
	if latStr == "" && lonStr == "" {
		if last := s.location.LastKnown(); last != nil {
			return *last, true
		}
		s.writeError(w, http.StatusConflict, "no location available; pass lat and lon")
		return geo.Coordinate{}, false
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid lat")
		return geo.Coordinate{}, false
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid lon")
		return geo.Coordinate{}, false
	}
	return geo.Coordinate{Latitude: lat, Longitude: lon}, true
}

// writeLocationError maps the typed location service errors onto HTTP
// statuses.
func (s *Server) writeLocationError(w http.ResponseWriter, err error) {
	var rateErr *gps.RateLimitedError
	var dailyErr *gps.DailyLimitExceededError

	switch {
	case errors.As(err, &dailyErr):
		s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":  err.Error(),
			"bucket": dailyErr.Bucket,
			"limit":  dailyErr.Limit,
		})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               err.Error(),
			"retry_after_seconds": int(rateErr.RetryAfter.Seconds()),
		})
	case errors.Is(err, gps.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, gps.ErrNoLocationAvailable):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("api_encode_failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}
