package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	equator := Coordinate{Latitude: 0, Longitude: 0}
	oneDegreeEast := Coordinate{Latitude: 0, Longitude: 1}

	// One degree of longitude at the equator is about 111.19 km.
	d := Distance(equator, oneDegreeEast)
	assert.InDelta(t, 111195, d, 10)
}

func TestDistanceSymmetric(t *testing.T) {
	moab := Coordinate{Latitude: 38.5733, Longitude: -109.5498}
	denver := Coordinate{Latitude: 39.7392, Longitude: -104.9903}

	assert.InDelta(t, Distance(moab, denver), Distance(denver, moab), 1e-9)
}

func TestDistanceZero(t *testing.T) {
	p := Coordinate{Latitude: 38.5733, Longitude: -109.5498}
	assert.Equal(t, 0.0, Distance(p, p))
}

func TestRouteDistance(t *testing.T) {
	a := Coordinate{Latitude: 0, Longitude: 0}
	b := Coordinate{Latitude: 0, Longitude: 1}
	c := Coordinate{Latitude: 1, Longitude: 1}

	assert.Equal(t, 0.0, RouteDistance(nil))
	assert.Equal(t, 0.0, RouteDistance([]Coordinate{a}))

	// Two points: a single open leg, no closure.
	assert.InDelta(t, Distance(a, b), RouteDistance([]Coordinate{a, b}), 1e-9)

	// Three or more points close the polygon back to the start.
	want := Distance(a, b) + Distance(b, c) + Distance(c, a)
	assert.InDelta(t, want, RouteDistance([]Coordinate{a, b, c}), 1e-9)
}

func TestElevationGain(t *testing.T) {
	points := []Coordinate{
		{Altitude: 1200},
		{Altitude: 1350},
		{Altitude: 1300},
		{Altitude: 1450},
	}
	gain, loss := ElevationGain(points)
	assert.Equal(t, 300.0, gain)
	assert.Equal(t, 50.0, loss)
}

func TestElevationGainSkipsMissingAltitude(t *testing.T) {
	points := []Coordinate{
		{Altitude: 1200},
		{Altitude: 0}, // not reported
		{Altitude: 1500},
	}
	gain, loss := ElevationGain(points)
	assert.Equal(t, 0.0, gain)
	assert.Equal(t, 0.0, loss)
}

func TestFormatDistance(t *testing.T) {
	assert.Equal(t, "832m", FormatDistance(832.4))
	assert.Equal(t, "0m", FormatDistance(0))
	assert.Equal(t, "1.24km", FormatDistance(1240))
	assert.Equal(t, "12.35km", FormatDistance(12345))
}

func TestUnitConversions(t *testing.T) {
	a := Coordinate{Latitude: 0, Longitude: 0}
	b := Coordinate{Latitude: 0, Longitude: 1}

	meters := Distance(a, b)
	assert.InDelta(t, meters/1000, Kilometers(a, b), 1e-9)
	assert.InDelta(t, meters/1609.344, Miles(a, b), 1e-9)
}
