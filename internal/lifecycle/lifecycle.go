// Package lifecycle tracks the process shutdown state and drains the server on exit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Drain sets it on SIGTERM/SIGINT;
// /health reports shutting-down while it is true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Server is the part of *http.Server that Drain needs.
type Server interface {
	Shutdown(ctx context.Context) error
}

// InFlight reports and waits on requests still being served.
type InFlight interface {
	Count() int64
	WaitForZero(ctx context.Context, checkInterval time.Duration) error
}

// Closer releases one resource (cache connection, database pool, telemetry).
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// DrainConfig bounds each shutdown phase.
type DrainConfig struct {
	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration
	// OnInFlight, when set, receives the in-flight count observed as draining starts.
	OnInFlight func(n int64)
}

// Drain flips the shutting-down flag, stops the server from accepting new
// connections, waits for in-flight requests, then runs closers in reverse order.
// Every phase runs even if an earlier one fails; failures are joined.
func Drain(srv Server, inflight InFlight, cfg DrainConfig, logger *zap.Logger, closers ...Closer) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetShuttingDown(true)
	var errs []error

	n := inflight.Count()
	logger.Info("graceful shutdown triggered", zap.Int64("in_flight", n))
	if cfg.OnInFlight != nil {
		cfg.OnInFlight(n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := inflight.WaitForZero(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inflight.Count()))
		errs = append(errs, fmt.Errorf("wait for in-flight requests: %w", err))
	}

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		err := c.Close(closeCtx)
		closeCancel()
		if err != nil {
			logger.Error("close "+c.Name, zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}

	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
