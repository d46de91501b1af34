package service

import (
	"sync"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// stampedeTracker counts provider fetches in progress per cache key. More than
// one for a key means concurrent misses are each calling the provider.
type stampedeTracker struct {
	mu       sync.Mutex
	fetching map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{fetching: make(map[string]int)}
}

// begin registers a fetch for key and returns the number now in progress
// together with the func that unregisters it. Overlaps are reported to metrics.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.fetching[key]++
	n := st.fetching[key]
	st.mu.Unlock()

	if n > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(n))
	}

	var once sync.Once
	return n, func() {
		once.Do(func() { st.end(key) })
	}
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.fetching[key] <= 1 {
		delete(st.fetching, key)
		return
	}
	st.fetching[key]--
}

// active returns the number of fetches in progress for key.
func (st *stampedeTracker) active(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fetching[key]
}
