package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// DefaultAPIURL is the OpenWeatherMap 2.5 base URL.
const DefaultAPIURL = "https://api.openweathermap.org/data/2.5"

// MaxForecastDays is the longest forecast the provider's free tier returns.
const MaxForecastDays = 5

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

// WeatherClient is the provider contract used by the service layer.
type WeatherClient interface {
	FetchByCity(ctx context.Context, city string) (models.WeatherReading, error)
	FetchByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherReading, error)
	FetchForecast(ctx context.Context, city string, days int) (models.Forecast, error)
	FindNearby(ctx context.Context, lat, lon float64, count int) ([]models.NearbyCity, error)
	ValidateAPIKey(ctx context.Context) error
}

type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	units          string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient returns a client that makes a single attempt per call.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 1, 100*time.Millisecond, 2*time.Second)
}

// NewOpenWeatherClientWithRetry returns a client that retries rate-limited and
// unavailable responses up to retryAttempts total attempts with exponential backoff.
func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         strings.TrimRight(apiURL, "/"),
		units:          "metric",
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// WithCircuitBreaker guards provider calls with cb. While cb is open, calls
// fail fast with a KindUnavailable error.
func (c *OpenWeatherClient) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *OpenWeatherClient {
	c.breaker = cb
	return c
}

// WithUnits sets the provider's units parameter (metric, imperial, standard).
func (c *OpenWeatherClient) WithUnits(units string) *OpenWeatherClient {
	if units != "" {
		c.units = units
	}
	return c
}

type owmCondition struct {
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type owmWeatherResponse struct {
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []owmCondition `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Visibility int   `json:"visibility"`
	Timezone   int   `json:"timezone"`
	Dt         int64 `json:"dt"`
}

type owmForecastResponse struct {
	List []struct {
		Dt    int64  `json:"dt"`
		DtTxt string `json:"dt_txt"`
		Main  struct {
			Temp     float64 `json:"temp"`
			TempMin  float64 `json:"temp_min"`
			TempMax  float64 `json:"temp_max"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []owmCondition `json:"weather"`
		Wind    struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Clouds struct {
			All int `json:"all"`
		} `json:"clouds"`
	} `json:"list"`
	City struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"city"`
}

type owmFindResponse struct {
	List []struct {
		Name  string `json:"name"`
		Coord struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"coord"`
		Sys struct {
			Country string `json:"country"`
		} `json:"sys"`
	} `json:"list"`
}

// FetchByCity returns current conditions for a city name.
func (c *OpenWeatherClient) FetchByCity(ctx context.Context, city string) (models.WeatherReading, error) {
	params := url.Values{}
	params.Set("q", city)

	var resp owmWeatherResponse
	if err := c.get(ctx, "weather", params, &resp); err != nil {
		return models.WeatherReading{}, err
	}
	return mapWeather(resp), nil
}

// FetchByCoordinates returns current conditions at a coordinate pair.
func (c *OpenWeatherClient) FetchByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherReading, error) {
	params := url.Values{}
	params.Set("lat", formatCoord(lat))
	params.Set("lon", formatCoord(lon))

	var resp owmWeatherResponse
	if err := c.get(ctx, "weather", params, &resp); err != nil {
		return models.WeatherReading{}, err
	}
	return mapWeather(resp), nil
}

// FetchForecast returns up to days daily forecasts. The provider reports
// 3-hour steps; the first step of each UTC day is kept.
func (c *OpenWeatherClient) FetchForecast(ctx context.Context, city string, days int) (models.Forecast, error) {
	if days < 1 {
		days = 1
	}
	if days > MaxForecastDays {
		days = MaxForecastDays
	}
	params := url.Values{}
	params.Set("q", city)
	params.Set("cnt", strconv.Itoa(min(days*8, 40)))

	var resp owmForecastResponse
	if err := c.get(ctx, "forecast", params, &resp); err != nil {
		return models.Forecast{}, err
	}
	return mapForecast(resp, days), nil
}

// FindNearby returns up to count provider-known cities around a point, each
// with its distance from the point in kilometres. Results are in provider order.
func (c *OpenWeatherClient) FindNearby(ctx context.Context, lat, lon float64, count int) ([]models.NearbyCity, error) {
	if count < 1 {
		count = 1
	}
	params := url.Values{}
	params.Set("lat", formatCoord(lat))
	params.Set("lon", formatCoord(lon))
	params.Set("cnt", strconv.Itoa(count))

	var resp owmFindResponse
	if err := c.get(ctx, "find", params, &resp); err != nil {
		return nil, err
	}

	out := make([]models.NearbyCity, 0, len(resp.List))
	for _, item := range resp.List {
		out = append(out, models.NearbyCity{
			City:      item.Name,
			Country:   item.Sys.Country,
			Latitude:  item.Coord.Lat,
			Longitude: item.Coord.Lon,
			Distance:  round1(DistanceKm(lat, lon, item.Coord.Lat, item.Coord.Lon)),
		})
	}
	return out, nil
}

// get runs one logical provider call through the circuit breaker and retry loop
// and decodes a 2xx body into out.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	err := c.guarded(ctx, func() error {
		return c.withRetry(ctx, func() error {
			return c.callAPI(ctx, endpoint, params, out)
		})
	})
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
	}
	return err
}

func (c *OpenWeatherClient) guarded(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	var result error
	err := c.breaker.Call(ctx, func() error {
		result = fn()
		if tripsBreaker(result) {
			return result
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return newProviderError(KindUnavailable, "weather provider temporarily unavailable", err)
	}
	if err != nil && result == nil {
		// breaker refused before fn ran (e.g. canceled context)
		return newProviderError(KindUnavailable, "request canceled", err)
	}
	return result
}

// tripsBreaker reports whether err reflects provider health. Client-side
// cancellation and lookups of unknown places do not count.
func tripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUpstreamFailure)
}

func (c *OpenWeatherClient) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return newProviderError(KindUnavailable, "request canceled", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return newProviderError(KindUnavailable, "could not build provider request", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return newProviderError(KindUnavailable, "weather provider request timed out", err)
		}
		return newProviderError(KindUnavailable, "could not reach weather provider", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return newProviderError(KindUnavailable, "could not read provider response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newProviderError(KindUnavailable, "weather provider returned a malformed response",
			fmt.Errorf("%w: %v", errMalformedResponse, err))
	}
	return nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL + "/" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	q.Set("units", c.units)
	baseURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return newProviderError(KindNotFound, "location not found", nil)
	case resp.StatusCode == http.StatusUnauthorized:
		return newProviderError(KindInvalidKey, "weather provider rejected the API key", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return newProviderError(KindRateLimited, "weather provider rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		return newProviderError(KindUnavailable, fmt.Sprintf("weather provider returned HTTP %d", resp.StatusCode), nil)
	default:
		return newProviderError(KindUnavailable, fmt.Sprintf("unexpected provider response HTTP %d", resp.StatusCode), nil)
	}
}

var titleCaser = cases.Title(language.English)

func describe(conds []owmCondition) (description, icon string) {
	if len(conds) == 0 {
		return "", ""
	}
	return titleCaser.String(conds[0].Description), conds[0].Icon
}

func mapWeather(r owmWeatherResponse) models.WeatherReading {
	desc, icon := describe(r.Weather)
	return models.WeatherReading{
		City:        r.Name,
		Country:     r.Sys.Country,
		Temperature: round1(r.Main.Temp),
		FeelsLike:   round1(r.Main.FeelsLike),
		TempMin:     round1(r.Main.TempMin),
		TempMax:     round1(r.Main.TempMax),
		Description: desc,
		Icon:        icon,
		Humidity:    r.Main.Humidity,
		Pressure:    r.Main.Pressure,
		WindSpeed:   r.Wind.Speed,
		WindDeg:     int(math.Round(r.Wind.Deg)),
		Clouds:      r.Clouds.All,
		Visibility:  r.Visibility,
		Sunrise:     r.Sys.Sunrise,
		Sunset:      r.Sys.Sunset,
		Timezone:    r.Timezone,
		Timestamp:   r.Dt,
		Coord:       models.Coordinates{Lat: r.Coord.Lat, Lon: r.Coord.Lon},
	}
}

func mapForecast(r owmForecastResponse, days int) models.Forecast {
	out := models.Forecast{
		City:      r.City.Name,
		Country:   r.City.Country,
		Forecasts: make([]models.ForecastDay, 0, days),
	}
	seen := make(map[string]struct{}, days)
	for _, item := range r.List {
		date := time.Unix(item.Dt, 0).UTC().Format(time.DateOnly)
		if _, ok := seen[date]; ok {
			continue
		}
		seen[date] = struct{}{}

		desc, icon := describe(item.Weather)
		out.Forecasts = append(out.Forecasts, models.ForecastDay{
			Date:        item.Dt,
			DateText:    item.DtTxt,
			Temperature: round1(item.Main.Temp),
			TempMin:     round1(item.Main.TempMin),
			TempMax:     round1(item.Main.TempMax),
			Description: desc,
			Icon:        icon,
			Humidity:    item.Main.Humidity,
			WindSpeed:   item.Wind.Speed,
			Clouds:      item.Clouds.All,
		})
		if len(out.Forecasts) >= days {
			break
		}
	}
	out.ForecastCount = len(out.Forecasts)
	return out
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes one lightweight request and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	req, err := c.buildRequest(ctx, "weather", params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
