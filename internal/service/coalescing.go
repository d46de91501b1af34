package service

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// requestCoalescer lets concurrent misses for the same key share one provider call.
type requestCoalescer struct {
	group singleflight.Group
}

func newRequestCoalescer() *requestCoalescer {
	return &requestCoalescer{}
}

// Do runs fn once per key among concurrent callers. fn gets a context that
// keeps the caller's values but not its cancellation, so one caller giving up
// does not fail the others. Each caller still stops waiting when its own ctx ends.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := rc.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, &client.ProviderError{
			Kind:    client.KindUnavailable,
			Message: "request canceled while waiting for weather provider",
			Err:     ctx.Err(),
		}
	}
}
