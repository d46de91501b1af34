package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// defaultWarmConcurrency bounds provider calls made by one warming run.
const defaultWarmConcurrency = 4

// CityWarmer is implemented by the service layer to load one city into the cache.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type CityWarmer interface {
	WarmCity(ctx context.Context, city string) error
}

// CacheWarmer warms the cache by prefetching weather for a list of cities.
type CacheWarmer struct {
	warmer      CityWarmer
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer that uses the given warmer and logger.
func NewCacheWarmer(warmer CityWarmer, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{warmer: warmer, logger: logger, concurrency: defaultWarmConcurrency}
}

// Warm fetches every city concurrently. One city failing does not stop the others;
// all failures are joined into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("cities", len(cities)))
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, city := range cities {
		city := city
		g.Go(func() error {
			if err := w.warmer.WarmCity(gctx, city); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", city, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("cities", len(cities)),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, cities []string, interval time.Duration) error {
	if err := w.Warm(ctx, cities); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cities); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
