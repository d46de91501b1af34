package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/config"
	"github.com/kjstillabower/weather-cache-service/internal/history"
	httphandler "github.com/kjstillabower/weather-cache-service/internal/http"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service exited", zap.Error(err))
	}
}

// run wires dependencies, serves until ctx is done, then drains.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		return fmt.Errorf("weather client: %w", err)
	}
	weatherClient.WithUnits(cfg.WeatherAPIUnits)

	if cfg.CircuitBreakerEnabled {
		weatherClient.WithCircuitBreaker(newCircuitBreaker(cfg, logger))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	backend, closers, err := newCache(cfg)
	if err != nil {
		return err
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	recorder, recorderClosers, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, recorderClosers...)

	weatherService := service.NewWeatherService(weatherClient, cache.NewFailSoft(backend, logger), service.Config{
		TTL:                 cfg.CacheTTL,
		CoordinatePrecision: cfg.CoordinatePrecision,
		Coalesce:            cfg.CoalesceEnabled,
	})

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}
	if cfg.WarmCache && len(cfg.WarmCities) > 0 {
		startWarming(ctx, cfg, weatherService, logger)
	}

	handler := httphandler.NewHandler(weatherService, weatherClient, recorder, httphandler.HandlerConfig{
		CityMaxLength:     cfg.CityMaxLength,
		NearbyRadiusKm:    cfg.NearbyRadiusKm,
		NearbyLimit:       cfg.NearbyLimit,
		FallbackRadiusKm:  cfg.FallbackRadiusKm,
		FallbackLimit:     cfg.FallbackLimit,
		CheckAPIKey:       cfg.HealthCheckKey,
		DegradedWindow:    cfg.DegradedWindow,
		DegradedMinCalls:  cfg.DegradedMinCalls,
		DegradedErrorRate: cfg.DegradedErrorRate,
		Version:           version,
	}, logger)

	srv := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
			RequestTimeout: cfg.RequestTimeout,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.EnvName))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	closers = append([]lifecycle.Closer{{
		Name:  "telemetry",
		Close: func(ctx context.Context) error { return observability.FlushTelemetry(ctx, logger) },
	}}, closers...)

	return lifecycle.Drain(srv, httphandler.InFlight(), lifecycle.DrainConfig{
		ShutdownTimeout:       cfg.ShutdownTimeout,
		InFlightTimeout:       cfg.ShutdownInFlightTimeout,
		InFlightCheckInterval: cfg.ShutdownInFlightCheckInterval,
		OnInFlight:            observability.RecordShutdownInFlight,
	}, logger, closers...)
}

func newCircuitBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        "weather_api",
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
			observability.SetCircuitBreakerState(component, int(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.SetCircuitBreakerState(cb.Component(), int(cb.State()))
	return cb
}

// newCache builds the configured backend and the closers that release it.
func newCache(cfg *config.Config) (cache.Cache, []lifecycle.Closer, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.CacheURL, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		return mc, []lifecycle.Closer{{Name: "memcached", Close: func(context.Context) error { return mc.Close() }}}, nil
	case "redis":
		rc, err := cache.NewRedisCache(cfg.CacheURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		return rc, []lifecycle.Closer{{Name: "redis", Close: func(context.Context) error { return rc.Close() }}}, nil
	case "in_memory", "":
		return cache.NewInMemoryCache(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// newRecorder returns a PostgreSQL-backed recorder when DATABASE_URL is set,
// otherwise an in-memory one.
func newRecorder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (history.Recorder, []lifecycle.Closer, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("query history: in_memory")
		return history.NewMemoryRecorder(), nil, nil
	}

	poolCfg := history.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DatabaseMaxConns
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := history.Connect(connectCtx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("query history database: %w", err)
	}
	rec, err := history.NewPostgresRecorder(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := rec.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("query history schema: %w", err)
	}
	logger.Info("query history: postgres")
	return rec, []lifecycle.Closer{{Name: "postgres", Close: func(context.Context) error { pool.Close(); return nil }}}, nil
}

// startWarming warms the configured warming cities. With an interval it refreshes them in
// the background until ctx is done; otherwise it warms once, bounded by a timeout.
func startWarming(ctx context.Context, cfg *config.Config, warmer cache.CityWarmer, logger *zap.Logger) {
	cw := cache.NewCacheWarmer(warmer, logger)
	if cfg.WarmInterval > 0 {
		go func() {
			if err := cw.WarmPeriodic(ctx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
		return
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cw.Warm(warmCtx, cfg.WarmCities); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}
}
