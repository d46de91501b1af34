// Package history records served weather lookups and aggregates them for /api/stats/.
package history

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

const (
	// TopCitiesLimit is the number of cities reported in Stats.TopCities.
	TopCitiesLimit = 10
	// RecentQueriesLimit is the number of records reported in Stats.RecentQueries.
	RecentQueriesLimit = 20
)

// Recorder stores query records and reports aggregate statistics.
type Recorder interface {
	Record(ctx context.Context, rec models.QueryRecord) error
	Stats(ctx context.Context) (models.Stats, error)
}

type cityKey struct {
	city    string
	country string
}

// MemoryRecorder keeps running totals, per-city counts and the most recent
// records in process memory. Safe for concurrent use.
type MemoryRecorder struct {
	mu          sync.Mutex
	total       int
	hits        int
	sumAll      int64
	sumCached   int64
	sumAPI      int64
	cities      map[cityKey]int
	recent      []models.QueryRecord // oldest first, at most recentLimit
	recentLimit int
	now         func() time.Time
}

// NewMemoryRecorder returns an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		cities:      make(map[cityKey]int),
		recentLimit: RecentQueriesLimit,
		now:         time.Now,
	}
}

func (m *MemoryRecorder) Record(ctx context.Context, rec models.QueryRecord) error {
	if rec.QueryTime.IsZero() {
		rec.QueryTime = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.sumAll += rec.ResponseTimeMS
	if rec.FromCache {
		m.hits++
		m.sumCached += rec.ResponseTimeMS
	} else {
		m.sumAPI += rec.ResponseTimeMS
	}
	m.cities[cityKey{city: rec.City, country: rec.Country}]++

	m.recent = append(m.recent, rec)
	if len(m.recent) > m.recentLimit {
		m.recent = append(m.recent[:0:0], m.recent[len(m.recent)-m.recentLimit:]...)
	}
	return nil
}

func (m *MemoryRecorder) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	misses := m.total - m.hits
	stats := models.Stats{
		Success:                 true,
		TotalQueries:            m.total,
		CacheHits:               m.hits,
		CacheMisses:             misses,
		CacheHitRate:            hitRate(m.hits, m.total),
		AvgResponseTimeMS:       average(m.sumAll, m.total),
		AvgCachedResponseTimeMS: average(m.sumCached, m.hits),
		AvgAPIResponseTimeMS:    average(m.sumAPI, misses),
		TopCities:               make([]models.CityCount, 0, min(len(m.cities), TopCitiesLimit)),
		RecentQueries:           make([]models.QueryRecord, 0, len(m.recent)),
	}

	for k, n := range m.cities {
		stats.TopCities = append(stats.TopCities, models.CityCount{City: k.city, Country: k.country, QueryCount: n})
	}
	sortCityCounts(stats.TopCities)
	if len(stats.TopCities) > TopCitiesLimit {
		stats.TopCities = stats.TopCities[:TopCitiesLimit]
	}

	for i := len(m.recent) - 1; i >= 0; i-- {
		stats.RecentQueries = append(stats.RecentQueries, m.recent[i])
	}
	return stats, nil
}

// sortCityCounts orders by count descending, then city and country ascending.
func sortCityCounts(cs []models.CityCount) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].QueryCount != cs[j].QueryCount {
			return cs[i].QueryCount > cs[j].QueryCount
		}
		if c := strings.Compare(cs[i].City, cs[j].City); c != 0 {
			return c < 0
		}
		return cs[i].Country < cs[j].Country
	})
}

// hitRate returns hits as a percentage of total, rounded to two decimals.
func hitRate(hits, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(hits) / float64(total) * 100)
}

func average(sum int64, n int) float64 {
	if n == 0 {
		return 0
	}
	return round2(float64(sum) / float64(n))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
