package geocode

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
)

// Client resolves place names and elevations through the Google Maps APIs.
// Constructed only when an API key is configured; consumers treat a nil
// *Client as "feature disabled".
type Client struct {
	maps   *maps.Client
	logger *logx.Logger
}

// NewClient creates a geocoding client with the given API key.
func NewClient(apiKey string, logger *logx.Logger) (*Client, error) {
	mc, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Client{maps: mc, logger: logger}, nil
}

// PlaceName reverse-geocodes a coordinate to a short human-readable name.
func (c *Client) PlaceName(ctx context.Context, at geo.Coordinate) (string, error) {
	results, err := c.maps.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: at.Latitude, Lng: at.Longitude},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode failed: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no geocode result for %f,%f", at.Latitude, at.Longitude)
	}
	return results[0].FormattedAddress, nil
}

// FillElevation backfills missing (zero) altitudes in place and returns how
// many coordinates were updated.
func (c *Client) FillElevation(ctx context.Context, coords []geo.Coordinate) (int, error) {
	var missing []int
	var locations []maps.LatLng
	for i, coord := range coords {
		if coord.Altitude == 0 {
			missing = append(missing, i)
			locations = append(locations, maps.LatLng{Lat: coord.Latitude, Lng: coord.Longitude})
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	results, err := c.maps.Elevation(ctx, &maps.ElevationRequest{Locations: locations})
	if err != nil {
		return 0, fmt.Errorf("elevation lookup failed: %w", err)
	}
	if len(results) != len(missing) {
		return 0, fmt.Errorf("elevation result count mismatch: %d != %d", len(results), len(missing))
	}

	for i, result := range results {
		coords[missing[i]].Altitude = result.Elevation
	}

	c.logger.Debug("elevation_backfilled", "count", len(missing))
	return len(missing), nil
}
