package nav

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
	"github.com/overlandkit/overland/pkg/store"
)

// Storage keys. Routes use an id-index plus per-route blobs so enumeration
// does not require a full scan.
const (
	WaypointsKey     = "waypoints"
	SavedRouteIDsKey = "saved_route_ids"
	routeKeyPrefix   = "route_"
)

// Waypoint is a user-marked geographic point.
type Waypoint struct {
	geo.Coordinate
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Route is an ordered snapshot of waypoints saved as a named unit.
type Route struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Waypoints     []Waypoint `json:"waypoints"`
	TotalDistance float64    `json:"total_distance"` // meters
	CreatedAt     int64      `json:"created_at"`     // epoch milliseconds
}

// LocationSource provides the fallback coordinate for waypoints created
// without an explicit position.
type LocationSource interface {
	LastKnown() *geo.Coordinate
}

// Namer resolves a human-readable place name for a coordinate. Optional.
type Namer interface {
	PlaceName(ctx context.Context, c geo.Coordinate) (string, error)
}

// ElevationFiller backfills missing altitudes for a coordinate batch in
// place.
type ElevationFiller interface {
	FillElevation(ctx context.Context, coords []geo.Coordinate) (int, error)
}

// Store owns the waypoint list and saved routes. The in-memory list is
// authoritative for the session; persistence is best-effort and failures are
// logged, never rolled back. Callers only ever receive copies.
type Store struct {
	kv       *store.Store
	location LocationSource
	namer    Namer
	metrics  *metrics.Metrics
	logger   *logx.Logger

	mu        sync.RWMutex
	waypoints []Waypoint
}

// NewStore creates the waypoint/route store. namer may be nil; location may
// be nil when waypoints are always created with explicit coordinates.
func NewStore(kv *store.Store, location LocationSource, namer Namer, m *metrics.Metrics, logger *logx.Logger) *Store {
	return &Store{
		kv:       kv,
		location: location,
		namer:    namer,
		metrics:  m,
		logger:   logger,
	}
}

// Load rebuilds the in-memory waypoint list from storage. Called once at
// startup.
func (st *Store) Load() error {
	var loaded []Waypoint
	found, err := st.kv.GetJSON(WaypointsKey, &loaded)
	if err != nil {
		return fmt.Errorf("%w: loading waypoints: %v", gps.ErrStorageFailure, err)
	}

	st.mu.Lock()
	if found {
		st.waypoints = loaded
	}
	count := len(st.waypoints)
	st.mu.Unlock()

	st.setWaypointGauge()
	st.logger.Info("waypoints_loaded", "count", count)
	return nil
}

// AddWaypoint creates a waypoint at the given coordinate, falling back to
// the last known location when coordinate is nil.
func (st *Store) AddWaypoint(ctx context.Context, coordinate *geo.Coordinate, name string) (Waypoint, error) {
	position := coordinate
	if position == nil && st.location != nil {
		position = st.location.LastKnown()
	}
	if position == nil {
		return Waypoint{}, gps.ErrNoLocationAvailable
	}

	if name == "" && st.namer != nil {
		resolved, err := st.namer.PlaceName(ctx, *position)
		if err != nil {
			st.logger.Debug("waypoint_name_lookup_failed", "error", err.Error())
		} else {
			name = resolved
		}
	}

	st.mu.Lock()
	if name == "" {
		name = fmt.Sprintf("Waypoint %d", len(st.waypoints)+1)
	}
	wp := Waypoint{
		Coordinate: *position,
		ID:         uuid.NewString(),
		Name:       name,
	}
	wp.Timestamp = time.Now().UnixMilli()
	st.waypoints = append(st.waypoints, wp)
	st.persistWaypointsLocked()
	st.mu.Unlock()

	st.setWaypointGauge()
	st.logger.Info("waypoint_added", "id", wp.ID, "name", wp.Name)
	return wp, nil
}

// UpdateWaypointName renames a waypoint. Returns false when the id is
// unknown, leaving the store unchanged.
func (st *Store) UpdateWaypointName(id, newName string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.waypoints {
		if st.waypoints[i].ID == id {
			st.waypoints[i].Name = newName
			st.persistWaypointsLocked()
			return true
		}
	}
	return false
}

// DeleteWaypoint removes a waypoint by id. Returns false when absent.
func (st *Store) DeleteWaypoint(id string) bool {
	st.mu.Lock()
	initial := len(st.waypoints)
	kept := st.waypoints[:0]
	for _, wp := range st.waypoints {
		if wp.ID != id {
			kept = append(kept, wp)
		}
	}
	st.waypoints = kept
	removed := len(st.waypoints) < initial
	if removed {
		st.persistWaypointsLocked()
	}
	st.mu.Unlock()

	if removed {
		st.setWaypointGauge()
	}
	return removed
}

// DeleteAllWaypoints clears the list and the persisted copy. A no-op on an
// empty store.
func (st *Store) DeleteAllWaypoints() error {
	st.mu.Lock()
	st.waypoints = nil
	st.mu.Unlock()
	st.setWaypointGauge()

	if err := st.kv.Remove(WaypointsKey); err != nil {
		st.logger.Error("waypoints_clear_failed", "error", err.Error())
		return fmt.Errorf("%w: clearing waypoints: %v", gps.ErrStorageFailure, err)
	}
	return nil
}

// Waypoints returns a defensive copy of the current list.
func (st *Store) Waypoints() []Waypoint {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Waypoint, len(st.waypoints))
	copy(out, st.waypoints)
	return out
}

// CreateRouteFromWaypoints snapshots the current waypoints into a route.
// Returns nil with fewer than two waypoints. With more than two, the total
// distance includes the leg from the last waypoint back to the first
// (closed-polygon assumption).
func (st *Store) CreateRouteFromWaypoints(name string) *Route {
	st.mu.RLock()
	snapshot := make([]Waypoint, len(st.waypoints))
	copy(snapshot, st.waypoints)
	st.mu.RUnlock()

	if len(snapshot) < 2 {
		return nil
	}

	if name == "" {
		name = fmt.Sprintf("Route %s", time.Now().Format("2006-01-02"))
	}

	return &Route{
		ID:            uuid.NewString(),
		Name:          name,
		Waypoints:     snapshot,
		TotalDistance: geo.RouteDistance(CoordinatesOf(snapshot)),
		CreatedAt:     time.Now().UnixMilli(),
	}
}

// SaveRoute persists a route blob and records its id in the index.
func (st *Store) SaveRoute(route *Route) error {
	if err := st.kv.SetJSON(routeKeyPrefix+route.ID, route); err != nil {
		return fmt.Errorf("%w: saving route: %v", gps.ErrStorageFailure, err)
	}

	ids, err := st.savedRouteIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == route.ID {
			return nil
		}
	}
	ids = append(ids, route.ID)
	if err := st.kv.SetJSON(SavedRouteIDsKey, ids); err != nil {
		return fmt.Errorf("%w: saving route index: %v", gps.ErrStorageFailure, err)
	}

	st.setRouteGauge(len(ids))
	st.logger.Info("route_saved", "id", route.ID, "name", route.Name,
		"waypoints", len(route.Waypoints),
		"total_distance", geo.FormatDistance(route.TotalDistance))
	return nil
}

// Routes loads every saved route via the id index. Blobs missing for an
// indexed id are skipped.
func (st *Store) Routes() ([]Route, error) {
	ids, err := st.savedRouteIDs()
	if err != nil {
		return nil, err
	}

	routes := make([]Route, 0, len(ids))
	for _, id := range ids {
		var route Route
		found, err := st.kv.GetJSON(routeKeyPrefix+id, &route)
		if err != nil {
			st.logger.Warn("route_load_failed", "id", id, "error", err.Error())
			continue
		}
		if found {
			routes = append(routes, route)
		}
	}
	return routes, nil
}

// DeleteRoute removes a route blob and its index entry.
func (st *Store) DeleteRoute(id string) error {
	if err := st.kv.Remove(routeKeyPrefix + id); err != nil {
		return fmt.Errorf("%w: deleting route: %v", gps.ErrStorageFailure, err)
	}

	ids, err := st.savedRouteIDs()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if err := st.kv.SetJSON(SavedRouteIDsKey, kept); err != nil {
		return fmt.Errorf("%w: updating route index: %v", gps.ErrStorageFailure, err)
	}

	st.setRouteGauge(len(kept))
	return nil
}

// DeleteAllRoutes removes every route blob and the index itself.
func (st *Store) DeleteAllRoutes() error {
	ids, err := st.savedRouteIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := st.kv.Remove(routeKeyPrefix + id); err != nil {
			st.logger.Error("route_delete_failed", "id", id, "error", err.Error())
		}
	}
	if err := st.kv.Remove(SavedRouteIDsKey); err != nil {
		return fmt.Errorf("%w: clearing route index: %v", gps.ErrStorageFailure, err)
	}

	st.setRouteGauge(0)
	return nil
}

// BackfillElevations fills missing waypoint altitudes through filler and
// persists the result. Returns how many waypoints were updated.
func (st *Store) BackfillElevations(ctx context.Context, filler ElevationFiller) (int, error) {
	st.mu.RLock()
	coords := CoordinatesOf(st.waypoints)
	st.mu.RUnlock()

	updated, err := filler.FillElevation(ctx, coords)
	if err != nil {
		return 0, fmt.Errorf("elevation backfill failed: %w", err)
	}
	if updated == 0 {
		return 0, nil
	}

	st.mu.Lock()
	// The list may have changed while the lookup ran; skip the write-back
	// then rather than guess at positions.
	if len(coords) == len(st.waypoints) {
		for i := range st.waypoints {
			if st.waypoints[i].Altitude == 0 {
				st.waypoints[i].Altitude = coords[i].Altitude
			}
		}
		st.persistWaypointsLocked()
	}
	st.mu.Unlock()

	st.logger.Info("waypoint_elevations_backfilled", "updated", updated)
	return updated, nil
}

// ElevationGain sums altitude gain and loss over a waypoint sequence.
func ElevationGain(waypoints []Waypoint) (gain, loss float64) {
	return geo.ElevationGain(CoordinatesOf(waypoints))
}

// CoordinatesOf extracts the coordinate sequence from waypoints.
func CoordinatesOf(waypoints []Waypoint) []geo.Coordinate {
	coords := make([]geo.Coordinate, len(waypoints))
	for i, wp := range waypoints {
		coords[i] = wp.Coordinate
	}
	return coords
}

func (st *Store) savedRouteIDs() ([]string, error) {
	var ids []string
	if _, err := st.kv.GetJSON(SavedRouteIDsKey, &ids); err != nil {
		return nil, fmt.Errorf("%w: reading route index: %v", gps.ErrStorageFailure, err)
	}
	return ids, nil
}

// persistWaypointsLocked writes the list best-effort; the in-memory copy
// stays authoritative on failure.
func (st *Store) persistWaypointsLocked() {
	if err := st.kv.SetJSON(WaypointsKey, st.waypoints); err != nil {
		st.logger.Error("waypoints_persist_failed", "error", err.Error())
	}
}

func (st *Store) setWaypointGauge() {
	if st.metrics == nil {
		return
	}
	st.mu.RLock()
	count := len(st.waypoints)
	st.mu.RUnlock()
	st.metrics.WaypointCount.Set(float64(count))
}

func (st *Store) setRouteGauge(count int) {
	if st.metrics != nil {
		st.metrics.RouteCount.Set(float64(count))
	}
}
