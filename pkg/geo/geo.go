package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean earth radius used for great-circle math.
const EarthRadiusMeters = 6371000.0

const metersPerMile = 1609.344

// Coordinate is a single resolved position. Optional fields (altitude,
// accuracy, heading) are zero when the source did not report them.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp,omitempty"` // epoch milliseconds
	Altitude  float64 `json:"altitude,omitempty"`  // meters above sea level
	Accuracy  float64 `json:"accuracy,omitempty"`  // meters
	Heading   float64 `json:"heading,omitempty"`   // degrees
}

// Distance returns the great-circle (haversine) distance between two
// coordinates in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// RouteDistance sums the distance over consecutive points. With more than two
// points the return leg from the last point back to the first is included,
// treating the route as a closed polygon.
func RouteDistance(points []Coordinate) float64 {
	if len(points) < 2 {
		return 0
	}

	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		total += Distance(points[i], points[i+1])
	}

	if len(points) > 2 {
		total += Distance(points[len(points)-1], points[0])
	}

	return total
}

// ElevationGain sums positive and negative altitude deltas over consecutive
// points. Pairs where either altitude is zero are skipped: a zero altitude is
// treated as "not reported".
func ElevationGain(points []Coordinate) (gain, loss float64) {
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Altitude
		cur := points[i].Altitude
		if prev == 0 || cur == 0 {
			continue
		}

		delta := cur - prev
		if delta > 0 {
			gain += delta
		} else {
			loss += math.Abs(delta)
		}
	}
	return gain, loss
}

// FormatDistance renders a distance for display: "832m" below a kilometer,
// "1.24km" above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%dm", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.2fkm", meters/1000)
}

// Kilometers returns the distance between two coordinates in kilometers.
func Kilometers(a, b Coordinate) float64 {
	return Distance(a, b) / 1000
}

// Miles returns the distance between two coordinates in statute miles.
func Miles(a, b Coordinate) float64 {
	return Distance(a, b) / metersPerMile
}

func toRadians(degrees float64) float64 {
	return degrees * (math.Pi / 180)
}
