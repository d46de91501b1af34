package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

const testAPIKey = "test-api-key-12345"

const londonWeatherJSON = `{
	"coord": {"lon": -0.1257, "lat": 51.5085},
	"weather": [{"id": 500, "main": "Rain", "description": "light rain", "icon": "10d"}],
	"main": {"temp": 12.34, "feels_like": 11.06, "temp_min": 10.96, "temp_max": 13.72, "pressure": 1012, "humidity": 81},
	"visibility": 10000,
	"wind": {"speed": 4.63, "deg": 240},
	"clouds": {"all": 75},
	"dt": 1700000000,
	"sys": {"country": "GB", "sunrise": 1699945000, "sunset": 1699978000},
	"timezone": 0,
	"name": "London"
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenWeatherClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewOpenWeatherClient(testAPIKey, server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return server, c
}

func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{"empty API key", "", ErrInvalidAPIKey},
		{"too short API key", "short", ErrInvalidAPIKey},
		{"valid API key", "valid-api-key-12345", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOpenWeatherClient(tt.apiKey, "https://api.test.com", 2*time.Second)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewOpenWeatherClient() error = %v, want %v", err, tt.wantErr)
				}
				if client != nil {
					t.Errorf("NewOpenWeatherClient() expected nil client on error")
				}
				return
			}
			if err != nil || client == nil {
				t.Fatalf("NewOpenWeatherClient() = (%v, %v), want client", client, err)
			}
		})
	}
}

// TestOpenWeatherClient_FetchByCity_Success verifies request shape and the
// mapping of the provider payload, including rounding and title-casing.
func TestOpenWeatherClient_FetchByCity_Success(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/weather" {
			t.Errorf("path = %s, want /weather", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "London" || q.Get("appid") != testAPIKey || q.Get("units") != "metric" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(londonWeatherJSON))
	})

	got, err := c.FetchByCity(context.Background(), "London")
	if err != nil {
		t.Fatalf("FetchByCity() error = %v", err)
	}

	if got.City != "London" || got.Country != "GB" {
		t.Errorf("City/Country = %s/%s, want London/GB", got.City, got.Country)
	}
	if got.Temperature != 12.3 {
		t.Errorf("Temperature = %v, want 12.3", got.Temperature)
	}
	if got.FeelsLike != 11.1 || got.TempMin != 11 || got.TempMax != 13.7 {
		t.Errorf("FeelsLike/TempMin/TempMax = %v/%v/%v", got.FeelsLike, got.TempMin, got.TempMax)
	}
	if got.Description != "Light Rain" || got.Icon != "10d" {
		t.Errorf("Description/Icon = %q/%q, want Light Rain/10d", got.Description, got.Icon)
	}
	if got.Humidity != 81 || got.Pressure != 1012 || got.WindDeg != 240 || got.Clouds != 75 {
		t.Errorf("unexpected integer fields: %+v", got)
	}
	if got.Timestamp != 1700000000 || got.Coord.Lat != 51.5085 || got.Coord.Lon != -0.1257 {
		t.Errorf("unexpected timestamp/coord: %+v", got)
	}
}

func TestOpenWeatherClient_FetchByCoordinates(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("lat") != "51.5085" || q.Get("lon") != "-0.1257" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Has("q") {
			t.Error("coordinate lookup should not send q")
		}
		_, _ = w.Write([]byte(londonWeatherJSON))
	})

	got, err := c.FetchByCoordinates(context.Background(), 51.5085, -0.1257)
	if err != nil {
		t.Fatalf("FetchByCoordinates() error = %v", err)
	}
	if got.City != "London" {
		t.Errorf("City = %q, want London", got.City)
	}
}

// TestOpenWeatherClient_ErrorMapping verifies each provider status maps to
// the right ProviderError kind and sentinel.
func TestOpenWeatherClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
		wantErr  error
	}{
		{"404 not found", http.StatusNotFound, `{"cod":"404","message":"city not found"}`, KindNotFound, ErrLocationNotFound},
		{"401 unauthorized", http.StatusUnauthorized, `{"cod":401}`, KindInvalidKey, ErrInvalidAPIKey},
		{"429 rate limited", http.StatusTooManyRequests, ``, KindRateLimited, ErrRateLimited},
		{"500 server error", http.StatusInternalServerError, ``, KindUnavailable, ErrUpstreamFailure},
		{"503 unavailable", http.StatusServiceUnavailable, ``, KindUnavailable, ErrUpstreamFailure},
		{"400 bad request", http.StatusBadRequest, ``, KindUnavailable, ErrUpstreamFailure},
		{"malformed json", http.StatusOK, `{not json`, KindUnavailable, ErrUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.FetchByCity(context.Background(), "Atlantis")
			pe, ok := AsProviderError(err)
			if !ok {
				t.Fatalf("FetchByCity() error = %v, want *ProviderError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", pe.Kind, tt.wantKind)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantErr)
			}
			if strings.Contains(pe.Message, "city not found") {
				t.Error("provider payload leaked into Message")
			}
		})
	}
}

func TestOpenWeatherClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c, err := NewOpenWeatherClient(testAPIKey, server.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	_, err = c.FetchByCity(context.Background(), "Slowtown")
	pe, ok := AsProviderError(err)
	if !ok || pe.Kind != KindUnavailable {
		t.Fatalf("FetchByCity() error = %v, want Unavailable", err)
	}
	if CategorizeError(err) != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %v, want timeout", CategorizeError(err))
	}
}

func TestOpenWeatherClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, _ := NewOpenWeatherClient(testAPIKey, url, time.Second)
	_, err := c.FetchByCity(context.Background(), "London")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("FetchByCity() error = %v, want ErrUpstreamFailure", err)
	}
}

// TestOpenWeatherClient_RetryLogic verifies unavailable responses are retried
// and a later success is returned.
func TestOpenWeatherClient_RetryLogic(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(londonWeatherJSON))
	}))
	defer server.Close()

	c, _ := NewOpenWeatherClientWithRetry(testAPIKey, server.URL, time.Second, 3, time.Millisecond, 5*time.Millisecond)
	if _, err := c.FetchByCity(context.Background(), "London"); err != nil {
		t.Fatalf("FetchByCity() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestOpenWeatherClient_NoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := NewOpenWeatherClientWithRetry(testAPIKey, server.URL, time.Second, 3, time.Millisecond, 5*time.Millisecond)
	_, err := c.FetchByCity(context.Background(), "Atlantis")
	if !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("FetchByCity() error = %v, want ErrLocationNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// TestOpenWeatherClient_DefaultSingleAttempt verifies the default client makes
// exactly one provider call per lookup.
func TestOpenWeatherClient_DefaultSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, _ = c.FetchByCity(context.Background(), "London")
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenWeatherClient_CorrelationID(t *testing.T) {
	var got string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(londonWeatherJSON))
	})

	ctx := observability.WithCorrelationID(context.Background(), "corr-123")
	if _, err := c.FetchByCity(ctx, "London"); err != nil {
		t.Fatalf("FetchByCity() error = %v", err)
	}
	if got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

// TestOpenWeatherClient_FetchForecast verifies the cnt parameter and that one
// entry per UTC day is kept up to the requested number of days.
func TestOpenWeatherClient_FetchForecast(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	type item map[string]any
	var list []item
	for i := 0; i < 24; i++ {
		ts := base.Add(time.Duration(i) * 3 * time.Hour)
		list = append(list, item{
			"dt":      ts.Unix(),
			"dt_txt":  ts.Format(time.DateTime),
			"main":    item{"temp": 5.56, "temp_min": 4.04, "temp_max": 6.06, "humidity": 70},
			"weather": []item{{"description": "broken clouds", "icon": "04d"}},
			"wind":    item{"speed": 3.1},
			"clouds":  item{"all": 60},
		})
	}
	payload, _ := json.Marshal(item{"list": list, "city": item{"name": "Berlin", "country": "DE"}})

	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/forecast" {
			t.Errorf("path = %s, want /forecast", r.URL.Path)
		}
		if r.URL.Query().Get("cnt") != "24" {
			t.Errorf("cnt = %s, want 24", r.URL.Query().Get("cnt"))
		}
		_, _ = w.Write(payload)
	})

	got, err := c.FetchForecast(context.Background(), "Berlin", 3)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if got.City != "Berlin" || got.Country != "DE" {
		t.Errorf("City/Country = %s/%s", got.City, got.Country)
	}
	if got.ForecastCount != 3 || len(got.Forecasts) != 3 {
		t.Fatalf("ForecastCount = %d, len = %d, want 3", got.ForecastCount, len(got.Forecasts))
	}
	for i, day := range got.Forecasts {
		want := base.AddDate(0, 0, i).Unix()
		if day.Date != want {
			t.Errorf("Forecasts[%d].Date = %d, want %d", i, day.Date, want)
		}
	}
	if got.Forecasts[0].Temperature != 5.6 || got.Forecasts[0].Description != "Broken Clouds" {
		t.Errorf("Forecasts[0] = %+v", got.Forecasts[0])
	}
}

func TestOpenWeatherClient_FetchForecast_ClampsCount(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cnt") != "40" {
			t.Errorf("cnt = %s, want 40", r.URL.Query().Get("cnt"))
		}
		_, _ = w.Write([]byte(`{"list":[],"city":{"name":"Oslo","country":"NO"}}`))
	})

	got, err := c.FetchForecast(context.Background(), "Oslo", 9)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if got.ForecastCount != 0 || got.Forecasts == nil {
		t.Errorf("empty forecast = %+v, want zero count with non-nil slice", got)
	}
}

func TestOpenWeatherClient_FindNearby(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/find" || r.URL.Query().Get("cnt") != "50" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"list":[
			{"name":"Westminster","coord":{"lat":51.5,"lon":-0.1167},"sys":{"country":"GB"}},
			{"name":"Croydon","coord":{"lat":51.3833,"lon":-0.1}, "sys":{"country":"GB"}}
		]}`))
	})

	got, err := c.FindNearby(context.Background(), 51.5074, -0.1278, 50)
	if err != nil {
		t.Fatalf("FindNearby() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].City != "Westminster" || got[0].Country != "GB" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[0].Distance != 1.1 {
		t.Errorf("got[0].Distance = %v, want 1.1", got[0].Distance)
	}
	if got[1].Distance < 13 || got[1].Distance > 15 {
		t.Errorf("got[1].Distance = %v, want about 13.9", got[1].Distance)
	}
}

// TestOpenWeatherClient_CircuitBreaker verifies repeated upstream failures
// open the circuit and later calls fail fast as Unavailable.
func TestOpenWeatherClient_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.WithCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, _ = c.FetchByCity(context.Background(), "London")
	}
	_, err := c.FetchByCity(context.Background(), "London")
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("FetchByCity() error = %v, want circuit open Unavailable", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestOpenWeatherClient_CircuitBreaker_IgnoresNotFound(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1})
	c.WithCircuitBreaker(cb)

	for i := 0; i < 3; i++ {
		_, _ = c.FetchByCity(context.Background(), "Atlantis")
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestOpenWeatherClient_calculateBackoff(t *testing.T) {
	c := &OpenWeatherClient{retryBaseDelay: 100 * time.Millisecond, retryMaxDelay: time.Second}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 110 * time.Millisecond},
		{2, 200 * time.Millisecond, 220 * time.Millisecond},
		{3, 400 * time.Millisecond, 440 * time.Millisecond},
		{10, time.Second, 1100 * time.Millisecond},
	}
	for _, tt := range tests {
		got := c.calculateBackoff(tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("calculateBackoff(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}

func TestOpenWeatherClient_ValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		ok      bool
	}{
		{"ok", http.StatusOK, nil, true},
		{"unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey, false},
		{"server error", http.StatusInternalServerError, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.ValidateAPIKey(context.Background())
			if tt.ok {
				if err != nil {
					t.Errorf("ValidateAPIKey() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateAPIKey() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateAPIKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
