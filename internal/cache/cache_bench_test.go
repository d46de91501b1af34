package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

var benchValue = []byte(`{"city":"Seattle","country":"US","temperature":15.5,"description":"Clear Sky","humidity":65,"wind_speed":10.2}`)

// BenchmarkInMemoryCache_Get_Hit benchmarks cache Get operation on cache hit.
func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	_ = cache.Set(ctx, "weather:weather_data_seattle", benchValue, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, "weather:weather_data_seattle")
	}
}

// BenchmarkInMemoryCache_Get_Miss benchmarks cache Get operation on cache miss.
func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, "nonexistent")
	}
}

// BenchmarkInMemoryCache_Set benchmarks cache Set operation.
func BenchmarkInMemoryCache_Set(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Set(ctx, "weather:weather_data_seattle", benchValue, 5*time.Minute)
	}
}

// BenchmarkInMemoryCache_Concurrent benchmarks concurrent cache reads.
func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	_ = cache.Set(ctx, "weather:weather_data_seattle", benchValue, 5*time.Minute)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = cache.Get(ctx, "weather:weather_data_seattle")
		}
	})
}

// BenchmarkKeyBuilder_CoordinatesKey benchmarks coordinate rounding and formatting.
func BenchmarkKeyBuilder_CoordinatesKey(b *testing.B) {
	kb := NewKeyBuilder(DefaultCoordinatePrecision)
	for i := 0; i < b.N; i++ {
		_ = kb.CoordinatesKey(51.5074, -0.1278)
	}
}

// BenchmarkInMemoryCache_Clear benchmarks clearing a populated cache.
func BenchmarkInMemoryCache_Clear(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < 1000; j++ {
			_ = cache.Set(ctx, "weather:weather_data_city"+strconv.Itoa(j), benchValue, time.Minute)
		}
		b.StartTimer()
		_ = cache.Clear(ctx)
	}
}
