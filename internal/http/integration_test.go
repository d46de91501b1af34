//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/history"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	testhelpers "github.com/kjstillabower/weather-cache-service/internal/testhelpers"
)

// setupIntegrationRouter builds the full stack against the live provider.
func setupIntegrationRouter(t *testing.T) http.Handler {
	cfg := testhelpers.GetIntegrationConfig(t)
	svc, store, cleanup := testhelpers.SetupIntegrationService(t, cfg)
	t.Cleanup(cleanup)
	testhelpers.ClearCache(context.Background(), store)

	h := NewHandler(svc, testhelpers.SetupIntegrationClient(t, cfg), history.NewMemoryRecorder(), DefaultHandlerConfig(), zap.NewNop())
	return NewRouter(h, zap.NewNop(), RouterConfig{})
}

func TestIntegration_GetWeather_MissThenHit(t *testing.T) {
	router := setupIntegrationRouter(t)

	var resps [2]models.WeatherResponse
	for i := range resps {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather/?city=London", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body %s", i, w.Code, w.Body.String())
		}
		if err := json.NewDecoder(w.Body).Decode(&resps[i]); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if resps[0].FromCache || !resps[1].FromCache {
		t.Errorf("from_cache = %v, %v; want false, true", resps[0].FromCache, resps[1].FromCache)
	}
	if resps[1].ResponseTimeMS > resps[0].ResponseTimeMS {
		t.Logf("cached response slower than provider call: %d ms vs %d ms", resps[1].ResponseTimeMS, resps[0].ResponseTimeMS)
	}
}

func TestIntegration_GetWeather_UnknownCity(t *testing.T) {
	router := setupIntegrationRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather/?city=Xyzzyqwerty", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestIntegration_Coordinates_ShowNearby(t *testing.T) {
	router := setupIntegrationRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather/coordinates/?lat=51.5074&lon=-0.1278&show_nearby=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp models.WeatherResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Coordinates == nil {
		t.Error("coordinates missing")
	}
	if len(resp.NearbyCities) > 5 {
		t.Errorf("nearby_cities = %d, want at most 5", len(resp.NearbyCities))
	}
}
