package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type mockCityWarmer struct {
	mu     sync.Mutex
	warmed []string
	fail   map[string]error
}

func (m *mockCityWarmer) WarmCity(ctx context.Context, city string) error {
	if err := m.fail[city]; err != nil {
		return err
	}
	m.mu.Lock()
	m.warmed = append(m.warmed, city)
	m.mu.Unlock()
	return nil
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	warmer := &mockCityWarmer{}
	w := NewCacheWarmer(warmer, nil)

	if err := w.Warm(context.Background(), []string{"London", "Paris", "Tokyo"}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(warmer.warmed) != 3 {
		t.Errorf("warmed %d cities, want 3", len(warmer.warmed))
	}
}

func TestCacheWarmer_Warm_EmptyCities(t *testing.T) {
	w := NewCacheWarmer(&mockCityWarmer{}, nil)
	ctx := context.Background()

	if err := w.Warm(ctx, nil); err != nil {
		t.Fatalf("Warm() with nil cities error = %v, want nil", err)
	}
	if err := w.Warm(ctx, []string{}); err != nil {
		t.Fatalf("Warm() with empty cities error = %v, want nil", err)
	}
}

// TestCacheWarmer_Warm_PartialFailure verifies one failing city does not stop
// the rest and that the failure is reported.
func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	apiDown := errors.New("api down")
	warmer := &mockCityWarmer{fail: map[string]error{"Atlantis": apiDown}}
	w := NewCacheWarmer(warmer, nil)

	err := w.Warm(context.Background(), []string{"London", "Atlantis", "Paris"})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !errors.Is(err, apiDown) {
		t.Errorf("Warm() error = %v, want wrapping %v", err, apiDown)
	}
	if !strings.Contains(err.Error(), "warm Atlantis") {
		t.Errorf("Warm() error = %q, want city name", err.Error())
	}
	if len(warmer.warmed) != 2 {
		t.Errorf("warmed %d cities, want 2", len(warmer.warmed))
	}
}

func TestCacheWarmer_WarmPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewCacheWarmer(&mockCityWarmer{}, nil)
	if err := w.WarmPeriodic(ctx, []string{"London"}, 1<<62); !errors.Is(err, context.Canceled) {
		t.Errorf("WarmPeriodic() error = %v, want context.Canceled", err)
	}
}
