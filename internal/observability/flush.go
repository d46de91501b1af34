package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// FlushTelemetry flushes telemetry buffers before process exit: the global
// tracer provider when it supports Shutdown, then the logger.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if tp, ok := otel.GetTracerProvider().(shutdowner); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("flush traces: %w", err)
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			return fmt.Errorf("flush logs: %w", err)
		}
	}
	return nil
}
