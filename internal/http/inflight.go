package http

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

type gauge interface {
	Inc()
	Dec()
}

// InFlightTracker counts requests that are still being served and mirrors the
// count into a gauge. Shutdown drains on it through lifecycle.InFlight.
type InFlightTracker struct {
	count atomic.Int64
	gauge gauge
}

// NewInFlightTracker returns a tracker reporting to g. A nil g reports nowhere.
func NewInFlightTracker(g gauge) *InFlightTracker {
	return &InFlightTracker{gauge: g}
}

// Middleware counts each request from entry until its handler returns.
func (t *InFlightTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := t.begin()
		defer done()
		next.ServeHTTP(w, r)
	})
}

func (t *InFlightTracker) begin() func() {
	t.count.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
	return func() {
		t.count.Add(-1)
		if t.gauge != nil {
			t.gauge.Dec()
		}
	}
}

// Count returns the number of requests currently being served.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero polls every checkInterval (default 50ms) until no request is
// in flight or ctx ends.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for t.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

var requestsInFlight = NewInFlightTracker(observability.HTTPRequestsInFlight)

// InFlight returns the process-wide tracker installed by NewRouter.
func InFlight() *InFlightTracker {
	return requestsInFlight
}
