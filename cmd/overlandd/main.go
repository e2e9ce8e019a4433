package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlandkit/overland/pkg/api"
	"github.com/overlandkit/overland/pkg/config"
	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/geocode"
	"github.com/overlandkit/overland/pkg/gps"
	"github.com/overlandkit/overland/pkg/logx"
	"github.com/overlandkit/overland/pkg/metrics"
	"github.com/overlandkit/overland/pkg/mqtt"
	"github.com/overlandkit/overland/pkg/nav"
	"github.com/overlandkit/overland/pkg/pidfile"
	"github.com/overlandkit/overland/pkg/poi"
	"github.com/overlandkit/overland/pkg/store"
	"github.com/overlandkit/overland/pkg/track"
	"github.com/overlandkit/overland/pkg/weather"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (default /etc/overland/overland.yaml)")
	pidPath    = flag.String("pid-file", "/tmp/overlandd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "overlandd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.Log.Level
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("pid_check_failed", "error", err.Error())
		os.Exit(1)
	}
	if running {
		if *force {
			logger.Warn("existing_instance_overridden", "existing_pid", existingPID)
			if err := pidFile.ForceRemove(); err != nil {
				logger.Error("pid_force_remove_failed", "error", err.Error())
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("pid_create_failed", "error", err.Error(), "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("pid_remove_failed", "error", err.Error())
		}
	}()

	logger.Info("daemon_starting", "version", AppVersion, "pid", os.Getpid())

	m := metrics.New()

	kv, err := store.New(&store.Config{Path: cfg.Store.Path}, logger.WithComponent("store"))
	if err != nil {
		logger.Error("store_open_failed", "error", err.Error(), "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer kv.Close()

	provider := gps.NewGpsctlProvider(cfg.GPS.GpsctlPath, logger.WithComponent("gpsctl"))
	permissions := gps.NewPermissionCache(provider, cfg.GPS.PermissionTTL(), logger.WithComponent("permissions"))
	limiter := gps.NewRateLimiter(&gps.RateLimiterConfig{
		DailyLimit:          cfg.RateLimit.DailyLimit,
		MinLocationInterval: time.Duration(cfg.RateLimit.MinLocationInterval) * time.Second,
		MinPOIInterval:      time.Duration(cfg.RateLimit.MinPOIInterval) * time.Second,
		MinWeatherInterval:  time.Duration(cfg.RateLimit.MinWeatherInterval) * time.Second,
	}, kv, m, logger.WithComponent("ratelimit"))

	location := gps.NewService(&gps.ServiceConfig{
		CacheMaxAge:         cfg.GPS.CacheMaxAge(),
		WatchInterval:       cfg.GPS.WatchInterval(),
		WatchDistanceMeters: float64(cfg.GPS.WatchDistanceMeters),
		ThrottleWindow:      cfg.GPS.ThrottleWindow(),
	}, provider, permissions, limiter, m, logger.WithComponent("location"))

	var geocoder *geocode.Client
	var namer nav.Namer
	if cfg.Geocode.APIKey != "" {
		geocoder, err = geocode.NewClient(cfg.Geocode.APIKey, logger.WithComponent("geocode"))
		if err != nil {
			logger.Error("geocode_init_failed", "error", err.Error())
			os.Exit(1)
		}
		namer = geocoder
	}

	navStore := nav.NewStore(kv, location, namer, m, logger.WithComponent("nav"))
	if err := navStore.Load(); err != nil {
		logger.Error("waypoint_load_failed", "error", err.Error())
		os.Exit(1)
	}

	recorder, err := track.NewRecorder(&track.RecorderConfig{
		DatabasePath:  cfg.Track.Path,
		RetentionDays: cfg.Track.RetentionDays,
		MaxPoints:     cfg.Track.MaxPoints,
	}, m, logger.WithComponent("track"))
	if err != nil {
		logger.Error("track_open_failed", "error", err.Error(), "path", cfg.Track.Path)
		os.Exit(1)
	}
	defer recorder.Close()
	predictor := track.NewPredictor(recorder, logger.WithComponent("predict"))

	var weatherClient *weather.Client
	if cfg.Weather.APIKey != "" {
		weatherClient = weather.NewClient(&weather.Config{
			APIKey:  cfg.Weather.APIKey,
			BaseURL: cfg.Weather.BaseURL,
			Timeout: 10 * time.Second,
		}, limiter, m, logger.WithComponent("weather"))
	}

	poiClient := poi.NewClient(&poi.Config{
		BaseURL:      cfg.POI.BaseURL,
		Timeout:      30 * time.Second,
		QueryTimeout: cfg.POI.QueryTimeout,
	}, limiter, m, logger.WithComponent("poi"))

	publisher := mqtt.NewPublisher(&mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
		Retain:      cfg.MQTT.Retain,
		Enabled:     cfg.MQTT.Enabled,
	}, logger.WithComponent("mqtt"))
	if err := publisher.Connect(); err != nil {
		// Position sharing is optional; the daemon runs without it.
		logger.Warn("mqtt_connect_failed", "error", err.Error())
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The one callback behind the single live subscription. The API's watch
	// endpoints re-subscribe this same composite, so an HTTP client toggling
	// the watch cannot detach the recorder or publisher.
	onFix := func(fix geo.Coordinate) {
		if err := recorder.Record(fix); err != nil {
			logger.Warn("track_record_failed", "error", err.Error())
		}
		publisher.PublishPosition(fix)
	}
	if err := location.StartLocationUpdates(ctx, onFix); err != nil {
		logger.Warn("location_updates_unavailable", "error", err.Error())
	}
	defer location.StopLocationUpdates()

	go pruneLoop(ctx, recorder, logger)

	server := api.NewServer(&api.ServerConfig{
		Listen:       cfg.API.Listen,
		APIKey:       cfg.API.APIKey,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeout) * time.Second,
	}, location, onFix, navStore, recorder, predictor, weatherClient, poiClient, geocoder, m, logger.WithComponent("api"))
	if err := server.Start(); err != nil {
		logger.Error("api_start_failed", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("daemon_started", "listen", cfg.API.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("daemon_stopping", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api_stop_failed", "error", err.Error())
	}

	logger.Info("daemon_stopped")
}

// pruneLoop trims expired trips once a day.
func pruneLoop(ctx context.Context, recorder *track.Recorder, logger *logx.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := recorder.Prune(); err != nil {
				logger.Warn("track_prune_failed", "error", err.Error())
			}
		}
	}
}
