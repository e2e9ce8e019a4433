package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Command line flags
var (
	// Location commands
	getLocation = flag.Bool("location", false, "Request the current location")
	getLast     = flag.Bool("last", false, "Show the last known location without a new fix")
	watchStart  = flag.Bool("watch-start", false, "Start throttled location updates in the daemon")
	watchStop   = flag.Bool("watch-stop", false, "Stop location updates")

	// Waypoint commands
	listWaypoints  = flag.Bool("waypoints", false, "List stored waypoints")
	addWaypoint    = flag.Bool("add-waypoint", false, "Add a waypoint (at -lat/-lon, or the current location)")
	renameWaypoint = flag.String("rename-waypoint", "", "Rename the waypoint with this id (requires -name)")
	deleteWaypoint = flag.String("delete-waypoint", "", "Delete the waypoint with this id")
	clearWaypoints = flag.Bool("clear-waypoints", false, "Delete all waypoints")
	fillElevation  = flag.Bool("fill-elevation", false, "Backfill missing waypoint elevations")

	// Route commands
	listRoutes  = flag.Bool("routes", false, "List saved routes")
	createRoute = flag.Bool("create-route", false, "Create and save a route from the current waypoints")
	deleteRoute = flag.String("delete-route", "", "Delete the route with this id")
	clearRoutes = flag.Bool("clear-routes", false, "Delete all saved routes")

	// Upstream lookups
	getWeather = flag.Bool("weather", false, "Fetch current conditions (at -lat/-lon, or the last known location)")
	searchPOI  = flag.String("poi", "", "Search points of interest of this category (requires bounds flags)")

	// Trip recording
	listTrips  = flag.Bool("trips", false, "List recorded trips")
	startTrip  = flag.Bool("start-trip", false, "Start recording a trip")
	stopTrip   = flag.Bool("stop-trip", false, "Stop the active trip recording")
	tripPoints = flag.String("trip-points", "", "Show the track points of the trip with this id")
	tripETA    = flag.String("eta", "", "Estimate remaining time for the trip with this id (requires -remaining-m)")

	// Status commands
	showRateLimit   = flag.Bool("ratelimit", false, "Show rate limiter status per bucket")
	showStats       = flag.Bool("stats", false, "Show location service statistics")
	showPermissions = flag.Bool("permissions", false, "Show permission and positioning status")
	healthCheck     = flag.Bool("health", false, "Check daemon health")
	version         = flag.Bool("version", false, "Show version information")

	// Command parameters
	name       = flag.String("name", "", "Name for the created waypoint, route or trip")
	lat        = flag.Float64("lat", 0, "Latitude parameter")
	lon        = flag.Float64("lon", 0, "Longitude parameter")
	hasCoords  = flag.Bool("at", false, "Use -lat/-lon instead of the current location")
	south      = flag.Float64("south", 0, "South bound for POI search")
	west       = flag.Float64("west", 0, "West bound for POI search")
	north      = flag.Float64("north", 0, "North bound for POI search")
	east       = flag.Float64("east", 0, "East bound for POI search")
	remainingM = flag.Float64("remaining-m", 0, "Remaining distance in meters for -eta")

	// Connection options
	serverURL    = flag.String("server", "http://127.0.0.1:8087", "Daemon API base URL")
	apiKey       = flag.String("api-key", "", "API key for the daemon (or OVERLAND_API_KEY)")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
)

const (
	AppName    = "overlandctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	key := *apiKey
	if key == "" {
		key = os.Getenv("OVERLAND_API_KEY")
	}
	client := &apiClient{base: *serverURL, apiKey: key, http: &http.Client{Timeout: *timeout}}

	err := dispatch(ctx, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, client *apiClient) error {
	switch {
	case *getLocation:
		return client.show(ctx, http.MethodGet, "/api/v1/location", nil)
	case *getLast:
		return client.show(ctx, http.MethodGet, "/api/v1/location/last", nil)
	case *watchStart:
		return client.show(ctx, http.MethodPost, "/api/v1/location/watch", nil)
	case *watchStop:
		return client.show(ctx, http.MethodDelete, "/api/v1/location/watch", nil)

	case *listWaypoints:
		return client.show(ctx, http.MethodGet, "/api/v1/waypoints", nil)
	case *addWaypoint:
		body := map[string]interface{}{"name": *name}
		if *hasCoords {
			body["latitude"] = *lat
			body["longitude"] = *lon
		}
		return client.show(ctx, http.MethodPost, "/api/v1/waypoints", body)
	case *renameWaypoint != "":
		if *name == "" {
			return fmt.Errorf("-rename-waypoint requires -name")
		}
		return client.show(ctx, http.MethodPatch, "/api/v1/waypoints/"+*renameWaypoint,
			map[string]interface{}{"name": *name})
	case *deleteWaypoint != "":
		return client.show(ctx, http.MethodDelete, "/api/v1/waypoints/"+*deleteWaypoint, nil)
	case *clearWaypoints:
		return client.show(ctx, http.MethodDelete, "/api/v1/waypoints", nil)
	case *fillElevation:
		return client.show(ctx, http.MethodPost, "/api/v1/waypoints/elevation", nil)

	case *listRoutes:
		return client.show(ctx, http.MethodGet, "/api/v1/routes", nil)
	case *createRoute:
		return client.show(ctx, http.MethodPost, "/api/v1/routes", map[string]interface{}{"name": *name})
	case *deleteRoute != "":
		return client.show(ctx, http.MethodDelete, "/api/v1/routes/"+*deleteRoute, nil)
	case *clearRoutes:
		return client.show(ctx, http.MethodDelete, "/api/v1/routes", nil)

	case *getWeather:
		path := "/api/v1/weather"
		if *hasCoords {
			path = fmt.Sprintf("%s?lat=%f&lon=%f", path, *lat, *lon)
		}
		return client.show(ctx, http.MethodGet, path, nil)
	case *searchPOI != "":
		path := fmt.Sprintf("/api/v1/poi?category=%s&south=%f&west=%f&north=%f&east=%f",
			*searchPOI, *south, *west, *north, *east)
		return client.show(ctx, http.MethodGet, path, nil)

	case *listTrips:
		return client.show(ctx, http.MethodGet, "/api/v1/trips", nil)
	case *startTrip:
		return client.show(ctx, http.MethodPost, "/api/v1/trips", map[string]interface{}{"name": *name})
	case *stopTrip:
		return client.show(ctx, http.MethodDelete, "/api/v1/trips/active", nil)
	case *tripPoints != "":
		return client.show(ctx, http.MethodGet, "/api/v1/trips/"+*tripPoints+"/points", nil)
	case *tripETA != "":
		path := fmt.Sprintf("/api/v1/trips/%s/eta?remaining_m=%f", *tripETA, *remainingM)
		return client.show(ctx, http.MethodGet, path, nil)

	case *showRateLimit:
		return client.show(ctx, http.MethodGet, "/api/v1/ratelimit", nil)
	case *showStats:
		return client.show(ctx, http.MethodGet, "/api/v1/stats", nil)
	case *showPermissions:
		return client.show(ctx, http.MethodGet, "/api/v1/permissions", nil)
	case *healthCheck:
		return client.show(ctx, http.MethodGet, "/healthz", nil)
	}

	showUsage()
	return nil
}

// apiClient is a thin wrapper over the daemon's HTTP API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

// show runs the request and prints the response in the selected format.
func (c *apiClient) show(ctx context.Context, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else if method == http.MethodPost || method == http.MethodPatch {
		reader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if len(payload) == 0 {
		fmt.Println("ok")
		return nil
	}

	switch *outputFormat {
	case "json":
		fmt.Println(string(bytes.TrimSpace(payload)))
		return nil
	default:
		var decoded interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			fmt.Println(string(payload))
			return nil
		}
		printValue(decoded, 0)
		return nil
	}
}

// printValue renders decoded JSON as an indented key/value listing.
func printValue(v interface{}, indent int) {
	pad := func() {
		for i := 0; i < indent; i++ {
			fmt.Print("  ")
		}
	}

	switch value := v.(type) {
	case map[string]interface{}:
		for key, item := range value {
			pad()
			switch item.(type) {
			case map[string]interface{}, []interface{}:
				fmt.Printf("%s:\n", key)
				printValue(item, indent+1)
			default:
				fmt.Printf("%s: %v\n", key, item)
			}
		}
	case []interface{}:
		for i, item := range value {
			pad()
			fmt.Printf("- [%d]\n", i)
			printValue(item, indent+1)
		}
	default:
		pad()
		fmt.Printf("%v\n", value)
	}
}

func showUsage() {
	fmt.Printf("%s - overland control tool\n", AppName)
	fmt.Printf("Version: %s\n\n", AppVersion)

	fmt.Println("Location Commands:")
	fmt.Println("  -location          Request the current location")
	fmt.Println("  -last              Show the last known location")
	fmt.Println("  -watch-start       Start throttled location updates")
	fmt.Println("  -watch-stop        Stop location updates")
	fmt.Println()

	fmt.Println("Waypoint Commands:")
	fmt.Println("  -waypoints                 List stored waypoints")
	fmt.Println("  -add-waypoint              Add a waypoint (-at -lat -lon for explicit position)")
	fmt.Println("  -rename-waypoint ID -name  Rename a waypoint")
	fmt.Println("  -delete-waypoint ID        Delete a waypoint")
	fmt.Println("  -clear-waypoints           Delete all waypoints")
	fmt.Println("  -fill-elevation            Backfill missing waypoint elevations")
	fmt.Println()

	fmt.Println("Route Commands:")
	fmt.Println("  -routes            List saved routes")
	fmt.Println("  -create-route      Create and save a route from current waypoints")
	fmt.Println("  -delete-route ID   Delete a route")
	fmt.Println("  -clear-routes      Delete all saved routes")
	fmt.Println()

	fmt.Println("Lookups:")
	fmt.Println("  -weather                       Current conditions at the last known location")
	fmt.Println("  -poi CATEGORY -south ... -east POI search inside a bounding box")
	fmt.Println()

	fmt.Println("Trip Recording:")
	fmt.Println("  -trips                  List recorded trips")
	fmt.Println("  -start-trip [-name]     Start recording")
	fmt.Println("  -stop-trip              Stop the active recording")
	fmt.Println("  -trip-points ID         Show a trip's track points")
	fmt.Println("  -eta ID -remaining-m N  Estimate remaining travel time")
	fmt.Println()

	fmt.Println("Status:")
	fmt.Println("  -ratelimit         Show rate limiter status")
	fmt.Println("  -stats             Show location service statistics")
	fmt.Println("  -permissions       Show permission and positioning status")
	fmt.Println("  -health            Check daemon health")
	fmt.Println("  -version           Show version information")
	fmt.Println()

	fmt.Println("Connection Options:")
	fmt.Println("  -server URL        Daemon API base URL (default http://127.0.0.1:8087)")
	fmt.Println("  -api-key KEY       API key (or OVERLAND_API_KEY)")
	fmt.Println("  -format FORMAT     Output format: standard, json (default \"standard\")")
	fmt.Println("  -timeout DURATION  Operation timeout (default 30s)")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println("  overlandctl -location")
	fmt.Println("  overlandctl -add-waypoint -name \"Camp 3\"")
	fmt.Println("  overlandctl -create-route -name \"Moab Loop\"")
	fmt.Println("  overlandctl -poi gas -south 38.4 -west -109.7 -north 38.7 -east -109.3")
	fmt.Println("  overlandctl -ratelimit -format json")
}
