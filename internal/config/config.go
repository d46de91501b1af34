package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	EnvName    string
	ServerPort string
	LogLevel   string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPIUnits   string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend          string // "in_memory", "memcached" or "redis"
	CacheURL              string // Redis URL or comma-separated memcached addrs
	CacheTTL              time.Duration
	CoordinatePrecision   int
	CoalesceEnabled       bool
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	DatabaseURL      string // empty keeps query history in memory
	DatabaseMaxConns int32

	CityMaxLength    int
	NearbyRadiusKm   float64
	NearbyLimit      int
	FallbackRadiusKm float64
	FallbackLimit    int
	HealthCheckKey   bool

	// Provider error-rate thresholds that mark /health degraded.
	DegradedWindow    time.Duration
	DegradedMinCalls  int
	DegradedErrorRate float64

	CORSAllowedOrigins []string

	WarmCache     bool
	WarmInterval  time.Duration
	WarmCities    []string // cities prefetched by the cache warmer
	TrackedCities []string // per-city metric labels; includes WarmCities

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Units   string `yaml:"units"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout       string `yaml:"timeout"`
		CityMaxLength int    `yaml:"city_max_length"`
	} `yaml:"request"`

	Cache struct {
		Backend             string `yaml:"backend"`
		URL                 string `yaml:"url"`
		TTL                 string `yaml:"ttl"`
		CoordinatePrecision *int   `yaml:"coordinate_precision"`
		Coalesce            bool   `yaml:"coalesce"`
		Memcached           struct {
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warming struct {
			Enabled  bool     `yaml:"enabled"`
			Interval string   `yaml:"interval"`
			Cities   []string `yaml:"cities"`
		} `yaml:"warming"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Nearby struct {
		RadiusKm         float64 `yaml:"radius_km"`
		Limit            int     `yaml:"limit"`
		FallbackRadiusKm float64 `yaml:"fallback_radius_km"`
		FallbackLimit    int     `yaml:"fallback_limit"`
	} `yaml:"nearby"`

	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`

	Health struct {
		CheckAPIKey       bool    `yaml:"check_api_key"`
		DegradedWindow    string  `yaml:"degraded_window"`
		DegradedMinCalls  int     `yaml:"degraded_min_calls"`
		DegradedErrorRate float64 `yaml:"degraded_error_rate"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads dir/.env (if present) into the environment without overriding
// variables already set, then config/{ENV_NAME}.yaml (default dev, optional),
// then applies env overrides and defaults.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ENV_NAME"))
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// defaults and env only
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{EnvName: env}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8000")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.Log.Level, "info")
	cfg.CORSAllowedOrigins = fc.Server.CORSOrigins

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv("WEATHER_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or .env)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPIUnits = firstNonEmpty(fc.WeatherAPI.Units, "metric")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.CityMaxLength = positiveOr(fc.Request.CityMaxLength, 100)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheURL = firstNonEmpty(os.Getenv("CACHE_URL"), fc.Cache.URL)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 300*time.Second)
	if s := strings.TrimSpace(os.Getenv("CACHE_TTL_SECONDS")); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("CACHE_TTL_SECONDS must be a positive integer, got %q", s)
		}
		cfg.CacheTTL = time.Duration(secs) * time.Second
	}
	cfg.CoordinatePrecision = 2
	if fc.Cache.CoordinatePrecision != nil {
		cfg.CoordinatePrecision = *fc.Cache.CoordinatePrecision
	}
	cfg.CoalesceEnabled = fc.Cache.Coalesce
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.WarmCache = fc.Cache.Warming.Enabled
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warming.Interval, 0)
	cfg.WarmCities = fc.Cache.Warming.Cities
	cfg.TrackedCities = fc.Metrics.TrackedCities
	if len(cfg.WarmCities) > 0 {
		cfg.TrackedCities = mergeCities(cfg.TrackedCities, cfg.WarmCities)
	}

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 1)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(cb.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.NearbyRadiusKm = positiveFloatOr(fc.Nearby.RadiusKm, 30)
	cfg.NearbyLimit = positiveOr(fc.Nearby.Limit, 5)
	cfg.FallbackRadiusKm = positiveFloatOr(fc.Nearby.FallbackRadiusKm, 50)
	cfg.FallbackLimit = positiveOr(fc.Nearby.FallbackLimit, 10)

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), fc.Database.URL)
	cfg.DatabaseMaxConns = fc.Database.MaxConns
	if cfg.DatabaseMaxConns <= 0 {
		cfg.DatabaseMaxConns = 10
	}

	cfg.HealthCheckKey = fc.Health.CheckAPIKey
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, time.Minute)
	cfg.DegradedMinCalls = positiveOr(fc.Health.DegradedMinCalls, 10)
	cfg.DegradedErrorRate = positiveFloatOr(fc.Health.DegradedErrorRate, 0.5)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveFloatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// mergeCities appends extra to base, skipping case-insensitive duplicates.
func mergeCities(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, c := range append(append([]string{}, base...), extra...) {
		k := strings.ToLower(strings.TrimSpace(c))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimSpace(c))
	}
	return out
}

// validate performs post-load validation of configuration values.
// Ensures WeatherAPITimeout is positive, RequestTimeout > WeatherAPITimeout,
// and CacheBackend is a valid value. Auto-adjusts RequestTimeout if needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.CoordinatePrecision < 1 || cfg.CoordinatePrecision > 6 {
		return fmt.Errorf("cache.coordinate_precision must be between 1 and 6, got %d", cfg.CoordinatePrecision)
	}
	if cfg.DegradedErrorRate > 1 {
		return fmt.Errorf("health.degraded_error_rate must be at most 1, got %g", cfg.DegradedErrorRate)
	}
	switch cfg.WeatherAPIUnits {
	case "metric", "imperial", "standard":
	default:
		return fmt.Errorf("weather_api.units must be metric, imperial or standard, got %q", cfg.WeatherAPIUnits)
	}
	switch cfg.CacheBackend {
	case "in_memory":
	case "memcached":
		if cfg.CacheURL == "" {
			cfg.CacheURL = "localhost:11211"
		}
	case "redis":
		if cfg.CacheURL == "" {
			cfg.CacheURL = "redis://localhost:6379/0"
		}
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	return nil
}
