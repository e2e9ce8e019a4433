package track

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
)

// RecorderConfig holds trip recorder configuration.
type RecorderConfig struct {
	DatabasePath  string `json:"database_path"`
	RetentionDays int    `json:"retention_days"`
	MaxPoints     int    `json:"max_points"`
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		DatabasePath:  "/var/lib/overland/tracks.db",
		RetentionDays: 90,
		MaxPoints:     100000,
	}
}

// Trip is a recorded drive: an ordered series of track points with derived
// totals.
type Trip struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	StartedAt int64   `json:"started_at"` // epoch milliseconds
	EndedAt   int64   `json:"ended_at,omitempty"`
	Distance  float64 `json:"distance"` // meters
	Points    int     `json:"points"`
}

// Point is a single recorded fix with the speed derived from the previous
// point.
type Point struct {
	TripID    string  `json:"trip_id"`
	Timestamp int64   `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Speed     float64 `json:"speed"` // m/s
}

// Recorder persists route recordings to a local sqlite database.
type Recorder struct {
	db      *sql.DB
	config  *RecorderConfig
	metrics *metrics.Metrics
	logger  *logx.Logger

	mu        sync.Mutex
	active    *Trip
	lastFix   *geo.Coordinate
	distance  float64
	capWarned bool
}

// NewRecorder opens (creating if necessary) the trip database.
func NewRecorder(config *RecorderConfig, m *metrics.Metrics, logger *logx.Logger) (*Recorder, error) {
	if config == nil {
		config = DefaultRecorderConfig()
	}

	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create track database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open track database: %w", err)
	}

	r := &Recorder{db: db, config: config, metrics: m, logger: logger}
	if err := r.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize track schema: %w", err)
	}

	logger.Info("track_recorder_opened", "path", config.DatabasePath)
	return r, nil
}

func (r *Recorder) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		distance REAL NOT NULL DEFAULT 0,
		points INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS track_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trip_id TEXT NOT NULL REFERENCES trips(id),
		ts INTEGER NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		alt REAL,
		acc REAL,
		speed REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_track_points_trip ON track_points(trip_id, ts);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Start begins a new trip recording. Any trip already recording is closed
// first.
func (r *Recorder) Start(name string) (*Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if err := r.stopLocked(); err != nil {
			return nil, err
		}
	}

	if name == "" {
		name = fmt.Sprintf("Trip %s", time.Now().Format("2006-01-02 15:04"))
	}

	trip := &Trip{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now().UnixMilli(),
	}

	_, err := r.db.Exec(
		"INSERT INTO trips (id, name, started_at) VALUES (?, ?, ?)",
		trip.ID, trip.Name, trip.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start trip: %w", err)
	}

	r.active = trip
	r.lastFix = nil
	r.distance = 0
	r.capWarned = false

	r.logger.Info("trip_started", "id", trip.ID, "name", trip.Name)
	return trip, nil
}

// Record appends a fix to the active trip, deriving speed and incremental
// distance from the previous point. A no-op when no trip is recording.
func (r *Recorder) Record(fix geo.Coordinate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil
	}
	if r.config.MaxPoints > 0 && r.active.Points >= r.config.MaxPoints {
		if !r.capWarned {
			r.logger.Warn("trip_point_cap_reached", "id", r.active.ID, "max_points", r.config.MaxPoints)
			r.capWarned = true
		}
		return nil
	}

	speed := 0.0
	if r.lastFix != nil {
		legDistance := geo.Distance(*r.lastFix, fix)
		dt := float64(fix.Timestamp-r.lastFix.Timestamp) / 1000
		if dt > 0 {
			speed = legDistance / dt
		}
		r.distance += legDistance
	}

	_, err := r.db.Exec(
		"INSERT INTO track_points (trip_id, ts, lat, lon, alt, acc, speed) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.active.ID, fix.Timestamp, fix.Latitude, fix.Longitude, fix.Altitude, fix.Accuracy, speed)
	if err != nil {
		return fmt.Errorf("failed to record track point: %w", err)
	}

	r.active.Points++
	snapshot := fix
	r.lastFix = &snapshot

	if r.metrics != nil {
		r.metrics.TrackPointsRecorded.Inc()
	}
	return nil
}

// Stop closes the active trip and returns it with final totals. A no-op
// returning nil when nothing is recording.
func (r *Recorder) Stop() (*Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil, nil
	}
	trip := r.active
	if err := r.stopLocked(); err != nil {
		return nil, err
	}
	return trip, nil
}

func (r *Recorder) stopLocked() error {
	trip := r.active
	trip.EndedAt = time.Now().UnixMilli()
	trip.Distance = r.distance

	_, err := r.db.Exec(
		"UPDATE trips SET ended_at = ?, distance = ?, points = ? WHERE id = ?",
		trip.EndedAt, trip.Distance, trip.Points, trip.ID)
	if err != nil {
		return fmt.Errorf("failed to close trip: %w", err)
	}

	r.logger.Info("trip_stopped",
		"id", trip.ID,
		"distance", geo.FormatDistance(trip.Distance),
		"points", trip.Points)

	r.active = nil
	r.lastFix = nil
	r.distance = 0
	return nil
}

// Active returns the trip currently recording, or nil.
func (r *Recorder) Active() *Trip {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	trip := *r.active
	return &trip
}

// Trips lists recorded trips, newest first.
func (r *Recorder) Trips() ([]Trip, error) {
	rows, err := r.db.Query(
		"SELECT id, name, started_at, COALESCE(ended_at, 0), distance, points FROM trips ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		var t Trip
		if err := rows.Scan(&t.ID, &t.Name, &t.StartedAt, &t.EndedAt, &t.Distance, &t.Points); err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// Points returns a trip's track points in time order.
func (r *Recorder) Points(tripID string) ([]Point, error) {
	rows, err := r.db.Query(
		"SELECT trip_id, ts, lat, lon, COALESCE(alt, 0), COALESCE(acc, 0), speed FROM track_points WHERE trip_id = ? ORDER BY ts ASC",
		tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.TripID, &p.Timestamp, &p.Latitude, &p.Longitude, &p.Altitude, &p.Accuracy, &p.Speed); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Prune removes trips (and their points) older than the retention window.
func (r *Recorder) Prune() error {
	cutoff := time.Now().AddDate(0, 0, -r.config.RetentionDays).UnixMilli()

	_, err := r.db.Exec(
		"DELETE FROM track_points WHERE trip_id IN (SELECT id FROM trips WHERE started_at < ?)", cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune track points: %w", err)
	}
	result, err := r.db.Exec("DELETE FROM trips WHERE started_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune trips: %w", err)
	}

	if removed, err := result.RowsAffected(); err == nil && removed > 0 {
		r.logger.Info("trips_pruned", "removed", removed, "retention_days", r.config.RetentionDays)
	}
	return nil
}

// Close closes the underlying database, finishing any active recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.active != nil {
		if err := r.stopLocked(); err != nil {
			r.logger.Error("trip_close_failed", "error", err.Error())
		}
	}
	r.mu.Unlock()
	return r.db.Close()
}
