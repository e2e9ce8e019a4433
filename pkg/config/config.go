package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	GPS       GPSConfig       `mapstructure:"gps"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Track     TrackConfig     `mapstructure:"track"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	POI       POIConfig       `mapstructure:"poi"`
	Geocode   GeocodeConfig   `mapstructure:"geocode"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
}

type APIConfig struct {
	Listen       string `mapstructure:"listen"`
	APIKey       string `mapstructure:"api_key"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

type GPSConfig struct {
	GpsctlPath          string `mapstructure:"gpsctl_path"`
	CacheMaxAgeSec      int    `mapstructure:"cache_max_age_sec"`
	WatchIntervalSec    int    `mapstructure:"watch_interval_sec"`
	WatchDistanceMeters int    `mapstructure:"watch_distance_meters"`
	ThrottleWindowSec   int    `mapstructure:"throttle_window_sec"`
	PermissionTTLSec    int    `mapstructure:"permission_ttl_sec"`
}

type RateLimitConfig struct {
	DailyLimit          int `mapstructure:"daily_limit"`
	MinLocationInterval int `mapstructure:"min_location_interval"` // seconds
	MinPOIInterval      int `mapstructure:"min_poi_interval"`      // seconds
	MinWeatherInterval  int `mapstructure:"min_weather_interval"`  // seconds
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type TrackConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
	MaxPoints     int    `mapstructure:"max_points"`
}

type WeatherConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type POIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	QueryTimeout int    `mapstructure:"query_timeout"` // seconds, Overpass side
}

type GeocodeConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from /etc/overland/overland.yaml (or the given
// path) and OVERLAND_* environment variables, with sane defaults for
// everything.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("api.listen", "127.0.0.1:8087")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.read_timeout", 10)
	v.SetDefault("api.write_timeout", 15)
	v.SetDefault("gps.gpsctl_path", "gpsctl")
	v.SetDefault("gps.cache_max_age_sec", 300)
	v.SetDefault("gps.watch_interval_sec", 15)
	v.SetDefault("gps.watch_distance_meters", 25)
	v.SetDefault("gps.throttle_window_sec", 10)
	v.SetDefault("gps.permission_ttl_sec", 60)
	v.SetDefault("rate_limit.daily_limit", 200)
	v.SetDefault("rate_limit.min_location_interval", 10)
	v.SetDefault("rate_limit.min_poi_interval", 10)
	v.SetDefault("rate_limit.min_weather_interval", 30)
	v.SetDefault("store.path", "/var/lib/overland/overland.db")
	v.SetDefault("track.path", "/var/lib/overland/tracks.db")
	v.SetDefault("track.retention_days", 90)
	v.SetDefault("track.max_points", 100000)
	v.SetDefault("weather.base_url", "https://api.openweathermap.org/data/2.5/weather")
	v.SetDefault("poi.base_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("poi.query_timeout", 25)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "overlandd")
	v.SetDefault("mqtt.topic_prefix", "overland")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("log.level", "info")

	// Config file (optional unless explicitly given)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("overland")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/overland")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // OK if missing
	}

	// Environment variables: OVERLAND_API_LISTEN → api.listen
	v.SetEnvPrefix("OVERLAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Listen == "" {
		errs = append(errs, "api.listen is required")
	}
	if c.API.ReadTimeout <= 0 {
		errs = append(errs, "api.read_timeout must be positive")
	}
	if c.API.WriteTimeout <= 0 {
		errs = append(errs, "api.write_timeout must be positive")
	}
	if c.RateLimit.DailyLimit <= 0 {
		errs = append(errs, "rate_limit.daily_limit must be positive")
	}
	if c.RateLimit.MinLocationInterval < 0 || c.RateLimit.MinPOIInterval < 0 || c.RateLimit.MinWeatherInterval < 0 {
		errs = append(errs, "rate_limit intervals must not be negative")
	}
	if c.GPS.WatchIntervalSec <= 0 {
		errs = append(errs, "gps.watch_interval_sec must be positive")
	}
	if c.GPS.ThrottleWindowSec < 0 {
		errs = append(errs, "gps.throttle_window_sec must not be negative")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Track.Path == "" {
		errs = append(errs, "track.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CacheMaxAge returns the location cache max age as a duration.
func (g GPSConfig) CacheMaxAge() time.Duration {
	return time.Duration(g.CacheMaxAgeSec) * time.Second
}

// WatchInterval returns the watch poll interval as a duration.
func (g GPSConfig) WatchInterval() time.Duration {
	return time.Duration(g.WatchIntervalSec) * time.Second
}

// ThrottleWindow returns the update throttle window as a duration.
func (g GPSConfig) ThrottleWindow() time.Duration {
	return time.Duration(g.ThrottleWindowSec) * time.Second
}

// PermissionTTL returns the permission cache TTL as a duration.
func (g GPSConfig) PermissionTTL() time.Duration {
	return time.Duration(g.PermissionTTLSec) * time.Second
}
