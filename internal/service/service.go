package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
)

const (
	DefaultTTL               = 300 * time.Second
	DefaultNearbyRadiusKm    = 30.0
	DefaultNearbyLimit       = 5
	DefaultNearbySearchCount = 50
)

// Config holds service tuning. Zero values use the defaults above.
type Config struct {
	TTL                 time.Duration
	CoordinatePrecision int
	// NearbySearchCount is how many candidates are requested from the provider
	// before radius filtering.
	NearbySearchCount int
	// Coalesce shares one provider call among concurrent misses for the same key.
	Coalesce bool
	// Now is the clock for provider outcome tracking. Nil uses time.Now.
	Now func() time.Time
}

// WeatherService orchestrates weather retrieval using the cache-aside pattern
// with provider fallback. Provider errors are returned unchanged (wrapped) and
// never cached.
type WeatherService struct {
	client            client.WeatherClient
	cache             cache.Cache
	keys              cache.KeyBuilder
	ttl               time.Duration
	nearbySearchCount int
	stampedeTracker   *stampedeTracker
	coalescer         *requestCoalescer // nil when coalescing is disabled
	outcomes          *traffic.Tracker
	tracer            trace.Tracer
}

// NewWeatherService creates a new WeatherService with the provided dependencies.
func NewWeatherService(c client.WeatherClient, store cache.Cache, cfg Config) *WeatherService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CoordinatePrecision <= 0 {
		cfg.CoordinatePrecision = cache.DefaultCoordinatePrecision
	}
	if cfg.NearbySearchCount <= 0 {
		cfg.NearbySearchCount = DefaultNearbySearchCount
	}
	var coalescer *requestCoalescer
	if cfg.Coalesce {
		coalescer = newRequestCoalescer()
	}
	return &WeatherService{
		client:            c,
		cache:             store,
		keys:              cache.NewKeyBuilder(cfg.CoordinatePrecision),
		ttl:               cfg.TTL,
		nearbySearchCount: cfg.NearbySearchCount,
		stampedeTracker:   newStampedeTracker(),
		coalescer:         coalescer,
		outcomes:          traffic.NewTracker(cfg.Now),
		tracer:            otel.Tracer("weather-cache-service/service"),
	}
}

// GetWeather returns current conditions for q, from cache when a live entry
// exists and from the provider otherwise. ResponseTimeMS covers the whole call.
func (s *WeatherService) GetWeather(ctx context.Context, q models.Query) (models.WeatherResponse, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "WeatherService.GetWeather")
	defer span.End()

	key := s.keys.Key(q)
	span.SetAttributes(attribute.String("cache.key", key))

	kind := "weather"
	if q.IsCoordinates() {
		kind = "coordinates"
	}
	reading, fromCache, err := lookup(ctx, s, kind, key, func(ctx context.Context) (models.WeatherReading, error) {
		return s.fetchReading(ctx, q)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weather lookup failed")
		return models.WeatherResponse{}, fmt.Errorf("fetch weather for %s: %w", describeQuery(q), err)
	}

	span.SetAttributes(attribute.Bool("cache.hit", fromCache))
	span.SetStatus(codes.Ok, "")
	observability.RecordWeatherQuery(kind, reading.City)
	return models.WeatherResponse{
		Success:        true,
		WeatherReading: reading,
		FromCache:      fromCache,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// GetForecast returns a per-day forecast for city, cached under the city and day count.
func (s *WeatherService) GetForecast(ctx context.Context, city string, days int) (models.ForecastResponse, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "WeatherService.GetForecast")
	defer span.End()

	if days < 1 || days > client.MaxForecastDays {
		days = client.MaxForecastDays
	}
	key := s.keys.ForecastKey(city, days)
	span.SetAttributes(attribute.String("cache.key", key), attribute.Int("forecast.days", days))

	forecast, fromCache, err := lookup(ctx, s, "forecast", key, func(ctx context.Context) (models.Forecast, error) {
		return s.client.FetchForecast(ctx, city, days)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forecast lookup failed")
		return models.ForecastResponse{}, fmt.Errorf("fetch forecast for %s: %w", city, err)
	}

	span.SetAttributes(attribute.Bool("cache.hit", fromCache))
	span.SetStatus(codes.Ok, "")
	observability.RecordWeatherQuery("forecast", forecast.City)
	return models.ForecastResponse{
		Success:        true,
		Forecast:       forecast,
		FromCache:      fromCache,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// NearbyCities returns provider-known cities within radiusKm of the point,
// nearest first, at most limit of them. Results are not cached.
func (s *WeatherService) NearbyCities(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyCity, error) {
	ctx, span := s.tracer.Start(ctx, "WeatherService.NearbyCities")
	defer span.End()

	if radiusKm <= 0 {
		radiusKm = DefaultNearbyRadiusKm
	}
	if limit <= 0 {
		limit = DefaultNearbyLimit
	}
	span.SetAttributes(attribute.Float64("nearby.radius_km", radiusKm), attribute.Int("nearby.limit", limit))

	candidates, err := s.client.FindNearby(ctx, lat, lon, s.nearbySearchCount)
	s.recordOutcome(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "nearby lookup failed")
		return nil, fmt.Errorf("find cities near %.4f,%.4f: %w", lat, lon, err)
	}

	out := make([]models.NearbyCity, 0, len(candidates))
	for _, c := range candidates {
		if c.Distance <= radiusKm {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("nearby.count", len(out)))
	return out, nil
}

// ClearCache removes cached data. An empty city clears every weather entry;
// otherwise the city's current weather and all of its forecast entries are removed.
// Coordinate entries are only removed by a full clear.
func (s *WeatherService) ClearCache(ctx context.Context, city string) error {
	ctx, span := s.tracer.Start(ctx, "WeatherService.ClearCache")
	defer span.End()
	logger := observability.LoggerFromContext(ctx)

	if city == "" {
		observability.CacheClearsTotal.WithLabelValues("all").Inc()
		if err := s.cache.Clear(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "clear failed")
			return fmt.Errorf("clear cache: %w", err)
		}
		logger.Info("cleared all weather cache")
		return nil
	}

	observability.CacheClearsTotal.WithLabelValues("city").Inc()
	span.SetAttributes(attribute.String("city", city))
	keys := []string{s.keys.CityKey(city)}
	for d := 1; d <= client.MaxForecastDays; d++ {
		keys = append(keys, s.keys.ForecastKey(city, d))
	}
	var errs []error
	for _, k := range keys {
		if err := s.cache.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear failed")
		return fmt.Errorf("clear cache for %s: %w", city, err)
	}
	logger.Info("cleared weather cache for city", zap.String("city", city))
	return nil
}

// WarmCity fetches current weather for city from the provider and stores it,
// replacing any cached entry. Used by cache.CacheWarmer.
func (s *WeatherService) WarmCity(ctx context.Context, city string) error {
	reading, err := s.client.FetchByCity(ctx, city)
	s.recordOutcome(err)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	return s.cache.Set(ctx, s.keys.CityKey(city), raw, s.ttl)
}

// Ping reports whether the cache backend is reachable.
func (s *WeatherService) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// ProviderErrorRate returns failed and total provider calls made within window.
func (s *WeatherService) ProviderErrorRate(window time.Duration) (errs, total int) {
	return s.outcomes.ErrorRate(window)
}

// recordOutcome counts a provider call. Not-found answers mean the provider is up.
func (s *WeatherService) recordOutcome(err error) {
	if err == nil {
		s.outcomes.RecordSuccess()
		return
	}
	if pe, ok := client.AsProviderError(err); ok && pe.Kind == client.KindNotFound {
		s.outcomes.RecordSuccess()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.outcomes.RecordError()
}

func (s *WeatherService) fetchReading(ctx context.Context, q models.Query) (models.WeatherReading, error) {
	if q.IsCoordinates() {
		return s.client.FetchByCoordinates(ctx, q.Coords.Lat, q.Coords.Lon)
	}
	return s.client.FetchByCity(ctx, q.City)
}

// lookup implements cache-aside for one key: a decodable live entry is returned
// as a hit; anything else goes to fetch, and a successful result is cached.
func lookup[T any](ctx context.Context, s *WeatherService, kind, key string, fetch func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	logger := observability.LoggerFromContext(ctx)

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
	}
	if ok {
		var v T
		derr := json.Unmarshal(raw, &v)
		if derr == nil {
			observability.CacheHitsTotal.WithLabelValues(kind).Inc()
			logger.Debug("cache hit", zap.String("key", key))
			return v, true, nil
		}
		logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(derr))
	}

	observability.CacheMissesTotal.WithLabelValues(kind).Inc()
	_, done := s.stampedeTracker.begin(key)
	defer done()
	logger.Debug("cache miss, fetching from provider", zap.String("key", key))

	fetchAndRecord := func(ctx context.Context) (T, error) {
		v, err := fetch(ctx)
		s.recordOutcome(err)
		return v, err
	}
	var v T
	if s.coalescer != nil {
		res, cerr := s.coalescer.Do(ctx, key, func(ctx context.Context) (any, error) {
			return fetchAndRecord(ctx)
		})
		if cerr != nil {
			return zero, false, cerr
		}
		v = res.(T)
	} else {
		v, err = fetchAndRecord(ctx)
		if err != nil {
			return zero, false, err
		}
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		logger.Error("encode cache entry", zap.String("key", key), zap.Error(err))
		return v, false, nil
	}
	if err := s.cache.Set(ctx, key, encoded, s.ttl); err != nil {
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return v, false, nil
}

func describeQuery(q models.Query) string {
	if q.IsCoordinates() {
		return fmt.Sprintf("%.4f,%.4f", q.Coords.Lat, q.Coords.Lon)
	}
	return q.City
}
