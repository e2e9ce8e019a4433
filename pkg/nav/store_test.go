package nav

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/store"
)

type fakeLocation struct {
	fix *geo.Coordinate
}

func (f *fakeLocation) LastKnown() *geo.Coordinate {
	return f.fix
}

func newTestKV(t *testing.T) *store.Store {
	t.Helper()
	kv, err := store.New(&store.Config{Path: filepath.Join(t.TempDir(), "nav.db")},
		logx.NewLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func newTestNavStore(t *testing.T, location LocationSource) *Store {
	t.Helper()
	st := NewStore(newTestKV(t), location, nil, nil, logx.NewLogger("error", "test"))
	require.NoError(t, st.Load())
	return st
}

func TestAddWaypointExplicitCoordinate(t *testing.T) {
	st := newTestNavStore(t, nil)

	wp, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 38.5, Longitude: -109.5}, "Camp")
	require.NoError(t, err)
	assert.NotEmpty(t, wp.ID)
	assert.Equal(t, "Camp", wp.Name)
	assert.NotZero(t, wp.Timestamp)

	waypoints := st.Waypoints()
	require.Len(t, waypoints, 1)
	assert.Equal(t, wp.ID, waypoints[0].ID)
}

func TestAddWaypointDefaultName(t *testing.T) {
	st := newTestNavStore(t, nil)

	first, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, "Waypoint 1", first.Name)

	second, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 2}, "")
	require.NoError(t, err)
	assert.Equal(t, "Waypoint 2", second.Name)
}

func TestAddWaypointFallsBackToLastKnown(t *testing.T) {
	location := &fakeLocation{fix: &geo.Coordinate{Latitude: 38.5, Longitude: -109.5}}
	st := newTestNavStore(t, location)

	wp, err := st.AddWaypoint(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 38.5, wp.Latitude)
}

func TestAddWaypointNoLocation(t *testing.T) {
	st := newTestNavStore(t, &fakeLocation{})

	_, err := st.AddWaypoint(context.Background(), nil, "")
	assert.ErrorIs(t, err, gps.ErrNoLocationAvailable)
	assert.Empty(t, st.Waypoints())
}

func TestUpdateWaypointName(t *testing.T) {
	st := newTestNavStore(t, nil)

	wp, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "Old")
	require.NoError(t, err)

	assert.True(t, st.UpdateWaypointName(wp.ID, "New"))
	assert.Equal(t, "New", st.Waypoints()[0].Name)

	assert.False(t, st.UpdateWaypointName("missing-id", "X"))
}

func TestDeleteWaypoint(t *testing.T) {
	st := newTestNavStore(t, nil)

	wp, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "")
	require.NoError(t, err)

	assert.False(t, st.DeleteWaypoint("missing-id"))
	assert.True(t, st.DeleteWaypoint(wp.ID))
	assert.Empty(t, st.Waypoints())
}

func TestDeleteAllWaypoints(t *testing.T) {
	st := newTestNavStore(t, nil)

	// Clearing an empty store is a no-op.
	require.NoError(t, st.DeleteAllWaypoints())

	_, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "")
	require.NoError(t, err)
	require.NoError(t, st.DeleteAllWaypoints())
	assert.Empty(t, st.Waypoints())
}

func TestWaypointsReturnsCopy(t *testing.T) {
	st := newTestNavStore(t, nil)

	_, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "Original")
	require.NoError(t, err)

	waypoints := st.Waypoints()
	waypoints[0].Name = "Mutated"

	assert.Equal(t, "Original", st.Waypoints()[0].Name)
}

func TestWaypointsPersistAcrossReload(t *testing.T) {
	kv := newTestKV(t)
	logger := logx.NewLogger("error", "test")

	st := NewStore(kv, nil, nil, nil, logger)
	require.NoError(t, st.Load())
	wp, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 38.5}, "Camp")
	require.NoError(t, err)

	reloaded := NewStore(kv, nil, nil, nil, logger)
	require.NoError(t, reloaded.Load())
	waypoints := reloaded.Waypoints()
	require.Len(t, waypoints, 1)
	assert.Equal(t, wp.ID, waypoints[0].ID)
	assert.Equal(t, "Camp", waypoints[0].Name)
}

func TestCreateRouteRequiresTwoWaypoints(t *testing.T) {
	st := newTestNavStore(t, nil)
	assert.Nil(t, st.CreateRouteFromWaypoints("Too short"))

	_, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1}, "")
	require.NoError(t, err)
	assert.Nil(t, st.CreateRouteFromWaypoints("Still too short"))
}

func TestCreateRouteDistance(t *testing.T) {
	st := newTestNavStore(t, nil)

	a := geo.Coordinate{Latitude: 0, Longitude: 0}
	b := geo.Coordinate{Latitude: 0, Longitude: 1}
	c := geo.Coordinate{Latitude: 1, Longitude: 1}
	for _, coord := range []geo.Coordinate{a, b, c} {
		point := coord
		_, err := st.AddWaypoint(context.Background(), &point, "")
		require.NoError(t, err)
	}

	route := st.CreateRouteFromWaypoints("Loop")
	require.NotNil(t, route)
	assert.Equal(t, "Loop", route.Name)
	require.Len(t, route.Waypoints, 3)

	// With more than two waypoints the total includes the closing leg.
	want := geo.Distance(a, b) + geo.Distance(b, c) + geo.Distance(c, a)
	assert.InDelta(t, want, route.TotalDistance, 1e-6)
}

func TestSaveAndLoadRoutes(t *testing.T) {
	st := newTestNavStore(t, nil)

	for _, lat := range []float64{1, 2} {
		point := geo.Coordinate{Latitude: lat}
		_, err := st.AddWaypoint(context.Background(), &point, "")
		require.NoError(t, err)
	}
	route := st.CreateRouteFromWaypoints("Out and back")
	require.NotNil(t, route)

	require.NoError(t, st.SaveRoute(route))
	// Saving twice does not duplicate the index entry.
	require.NoError(t, st.SaveRoute(route))

	routes, err := st.Routes()
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, route.ID, routes[0].ID)
	assert.Len(t, routes[0].Waypoints, 2)
}

func TestDeleteRoute(t *testing.T) {
	st := newTestNavStore(t, nil)

	for _, lat := range []float64{1, 2} {
		point := geo.Coordinate{Latitude: lat}
		_, err := st.AddWaypoint(context.Background(), &point, "")
		require.NoError(t, err)
	}
	route := st.CreateRouteFromWaypoints("")
	require.NotNil(t, route)
	require.NoError(t, st.SaveRoute(route))

	require.NoError(t, st.DeleteRoute(route.ID))
	routes, err := st.Routes()
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestDeleteAllRoutes(t *testing.T) {
	st := newTestNavStore(t, nil)

	// A no-op when nothing is saved.
	require.NoError(t, st.DeleteAllRoutes())

	for _, lat := range []float64{1, 2} {
		point := geo.Coordinate{Latitude: lat}
		_, err := st.AddWaypoint(context.Background(), &point, "")
		require.NoError(t, err)
	}
	require.NoError(t, st.SaveRoute(st.CreateRouteFromWaypoints("a")))
	require.NoError(t, st.SaveRoute(st.CreateRouteFromWaypoints("b")))

	require.NoError(t, st.DeleteAllRoutes())
	routes, err := st.Routes()
	require.NoError(t, err)
	assert.Empty(t, routes)
}

type fakeFiller struct {
	altitude float64
}

func (f *fakeFiller) FillElevation(ctx context.Context, coords []geo.Coordinate) (int, error) {
	filled := 0
	for i := range coords {
		if coords[i].Altitude == 0 {
			coords[i].Altitude = f.altitude
			filled++
		}
	}
	return filled, nil
}

func TestBackfillElevations(t *testing.T) {
	st := newTestNavStore(t, nil)

	_, err := st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 1, Altitude: 1200}, "")
	require.NoError(t, err)
	_, err = st.AddWaypoint(context.Background(), &geo.Coordinate{Latitude: 2}, "")
	require.NoError(t, err)

	updated, err := st.BackfillElevations(context.Background(), &fakeFiller{altitude: 1400})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	waypoints := st.Waypoints()
	assert.Equal(t, 1200.0, waypoints[0].Altitude)
	assert.Equal(t, 1400.0, waypoints[1].Altitude)
}

func TestElevationGainOverWaypoints(t *testing.T) {
	waypoints := []Waypoint{
		{Coordinate: geo.Coordinate{Altitude: 1200}},
		{Coordinate: geo.Coordinate{Altitude: 1500}},
		{Coordinate: geo.Coordinate{Altitude: 1400}},
	}
	gain, loss := ElevationGain(waypoints)
	assert.Equal(t, 300.0, gain)
	assert.Equal(t, 100.0, loss)
}
