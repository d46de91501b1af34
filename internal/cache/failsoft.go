package cache

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// FailSoft wraps a backend so that read and write failures never reach the caller.
// A Get error is reported as a miss and a Set error is logged and dropped; both
// are counted in cacheErrorsTotal. Delete, Clear and Ping errors propagate.
type FailSoft struct {
	backend Cache
	logger  *zap.Logger
}

// NewFailSoft returns a FailSoft around backend. A nil logger disables logging.
func NewFailSoft(backend Cache, logger *zap.Logger) *FailSoft {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailSoft{backend: backend, logger: logger}
}

func (f *FailSoft) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := f.backend.Get(ctx, key)
	if err != nil {
		observeOp("get", "error", start)
		observability.CacheErrorsTotal.WithLabelValues("get", errorCategory(err)).Inc()
		f.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if ok {
		observeOp("get", "hit", start)
	} else {
		observeOp("get", "miss", start)
	}
	return value, ok, nil
}

func (f *FailSoft) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	if err := f.backend.Set(ctx, key, value, ttl); err != nil {
		observeOp("set", "error", start)
		observability.CacheErrorsTotal.WithLabelValues("set", errorCategory(err)).Inc()
		f.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	observeOp("set", "success", start)
	return nil
}

func (f *FailSoft) Delete(ctx context.Context, key string) error {
	start := time.Now()
	if err := f.backend.Delete(ctx, key); err != nil {
		observeOp("delete", "error", start)
		observability.CacheErrorsTotal.WithLabelValues("delete", errorCategory(err)).Inc()
		return err
	}
	observeOp("delete", "success", start)
	return nil
}

func (f *FailSoft) Clear(ctx context.Context) error {
	start := time.Now()
	if err := f.backend.Clear(ctx); err != nil {
		observeOp("clear", "error", start)
		observability.CacheErrorsTotal.WithLabelValues("clear", errorCategory(err)).Inc()
		return err
	}
	observeOp("clear", "success", start)
	return nil
}

func (f *FailSoft) Ping(ctx context.Context) error {
	return f.backend.Ping(ctx)
}

func observeOp(op, result string, start time.Time) {
	observability.CacheOperationDurationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func errorCategory(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "backend"
	}
}
