package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/history"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// WeatherService is the service-layer contract the handlers depend on.
type WeatherService interface {
	GetWeather(ctx context.Context, q models.Query) (models.WeatherResponse, error)
	GetForecast(ctx context.Context, city string, days int) (models.ForecastResponse, error)
	NearbyCities(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyCity, error)
	ClearCache(ctx context.Context, city string) error
	Ping(ctx context.Context) error
	ProviderErrorRate(window time.Duration) (errs, total int)
}

// HandlerConfig holds request limits and nearby-city search parameters.
type HandlerConfig struct {
	CityMaxLength int
	// Nearby search used when show_nearby=true on a successful coordinate lookup.
	NearbyRadiusKm float64
	NearbyLimit    int
	// Nearby search used to suggest alternatives when a coordinate lookup is not found.
	FallbackRadiusKm float64
	FallbackLimit    int
	// Defaults for GET /api/geocode/nearby/; the caller may override the radius.
	GeocodeRadiusKm float64
	GeocodeLimit    int
	// CheckAPIKey makes /health validate the provider key with a live call.
	CheckAPIKey bool
	// The provider is reported degraded when at least DegradedMinCalls calls
	// were made within DegradedWindow and DegradedErrorRate of them failed.
	DegradedWindow    time.Duration
	DegradedMinCalls  int
	DegradedErrorRate float64
	Version           string
}

// DefaultHandlerConfig returns the limits used when no configuration overrides them.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		CityMaxLength:     validation.DefaultCityMaxLen,
		NearbyRadiusKm:    30,
		NearbyLimit:       5,
		FallbackRadiusKm:  50,
		FallbackLimit:     10,
		GeocodeRadiusKm:   50,
		GeocodeLimit:      50,
		DegradedWindow:    time.Minute,
		DegradedMinCalls:  10,
		DegradedErrorRate: 0.5,
		Version:           "dev",
	}
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	service          WeatherService
	client           client.WeatherClient
	history          history.Recorder
	cfg              HandlerConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. weatherClient may be nil when health
// checks should not call the provider.
func NewHandler(
	svc WeatherService,
	weatherClient client.WeatherClient,
	recorder history.Recorder,
	cfg HandlerConfig,
	logger *zap.Logger,
) *Handler {
	def := DefaultHandlerConfig()
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = def.CityMaxLength
	}
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = def.NearbyRadiusKm
	}
	if cfg.NearbyLimit <= 0 {
		cfg.NearbyLimit = def.NearbyLimit
	}
	if cfg.FallbackRadiusKm <= 0 {
		cfg.FallbackRadiusKm = def.FallbackRadiusKm
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = def.FallbackLimit
	}
	if cfg.GeocodeRadiusKm <= 0 {
		cfg.GeocodeRadiusKm = def.GeocodeRadiusKm
	}
	if cfg.GeocodeLimit <= 0 {
		cfg.GeocodeLimit = def.GeocodeLimit
	}
	if cfg.DegradedWindow <= 0 {
		cfg.DegradedWindow = def.DegradedWindow
	}
	if cfg.DegradedMinCalls <= 0 {
		cfg.DegradedMinCalls = def.DegradedMinCalls
	}
	if cfg.DegradedErrorRate <= 0 || cfg.DegradedErrorRate > 1 {
		cfg.DegradedErrorRate = def.DegradedErrorRate
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if recorder == nil {
		recorder = history.NewMemoryRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: svc,
		client:  weatherClient,
		history: recorder,
		cfg:     cfg,
		logger:  logger,
	}
}

// GetWeather handles GET /api/weather/?city= (or ?lat=&lon=).
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query, err := validation.ParseQuery(params.Get("city"), params.Get("lat"), params.Get("lon"), h.cfg.CityMaxLength)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	resp, err := h.service.GetWeather(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.recordQuery(r.Context(), resp)
	writeJSON(w, http.StatusOK, resp)
}

// GetWeatherByCoordinates handles GET /api/weather/coordinates/?lat=&lon=&show_nearby=.
// A not-found lookup answers 404 with nearby alternatives when any exist.
func (h *Handler) GetWeatherByCoordinates(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	lat, lon, err := validation.ParseCoordinates(params.Get("lat"), params.Get("lon"))
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	ctx := r.Context()
	resp, err := h.service.GetWeather(ctx, models.CoordinatesQuery(lat, lon))
	if err != nil {
		if errors.Is(err, client.ErrLocationNotFound) && h.writeNearbyAlternatives(w, r, lat, lon) {
			return
		}
		writeServiceError(w, r, err)
		return
	}

	resp.Coordinates = &models.Coordinates{Lat: lat, Lon: lon}
	if validation.ParseBool(params.Get("show_nearby")) {
		nearby, err := h.service.NearbyCities(ctx, lat, lon, h.cfg.NearbyRadiusKm, h.cfg.NearbyLimit)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("nearby cities lookup failed", zap.Error(err))
		} else {
			resp.NearbyCities = nearby
		}
	}
	h.recordQuery(ctx, resp)
	writeJSON(w, http.StatusOK, resp)
}

// writeNearbyAlternatives writes a 404 listing cities near (lat, lon). It
// reports false, writing nothing, when none can be found.
func (h *Handler) writeNearbyAlternatives(w http.ResponseWriter, r *http.Request, lat, lon float64) bool {
	nearby, err := h.service.NearbyCities(r.Context(), lat, lon, h.cfg.FallbackRadiusKm, h.cfg.FallbackLimit)
	if err != nil || len(nearby) == 0 {
		if err != nil {
			observability.LoggerFromContext(r.Context()).Debug("nearby alternatives lookup failed", zap.Error(err))
		}
		return false
	}
	writeJSON(w, http.StatusNotFound, models.ErrorResponse{
		Error:        "No weather data for this location",
		Details:      "Try one of the nearby cities",
		NearbyCities: nearby,
		Suggestion:   "Try: " + nearby[0].City,
		RequestID:    observability.CorrelationID(r.Context()),
	})
	return true
}

// GetNearbyCities handles GET /api/geocode/nearby/?lat=&lon=&radius=.
// radius is in kilometres and defaults to GeocodeRadiusKm.
func (h *Handler) GetNearbyCities(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	lat, lon, err := validation.ParseCoordinates(params.Get("lat"), params.Get("lon"))
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	radius, err := validation.ParseRadius(params.Get("radius"), h.cfg.GeocodeRadiusKm)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	cities, err := h.service.NearbyCities(r.Context(), lat, lon, radius, h.cfg.GeocodeLimit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if cities == nil {
		cities = []models.NearbyCity{}
	}
	writeJSON(w, http.StatusOK, models.NearbyResponse{
		Success:  true,
		Cities:   cities,
		Count:    len(cities),
		RadiusKm: radius,
	})
}

// GetForecast handles GET /api/forecast/?city=&days=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	city, err := validation.ValidateCity(params.Get("city"), h.cfg.CityMaxLength)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	days := validation.ParseDays(params.Get("days"), client.MaxForecastDays)

	resp, err := h.service.GetForecast(r.Context(), city, days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStats handles GET /api/stats/.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.history.Stats(r.Context())
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("load query statistics", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Failed to load statistics", "")
		return
	}
	stats.Success = true
	writeJSON(w, http.StatusOK, stats)
}

type clearCacheRequest struct {
	City string `json:"city"`
}

// ClearCache handles POST /api/clear-cache/. The optional city comes from a
// JSON body or a form field; without one every weather entry is cleared.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	city, err := clearCacheCity(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if city != "" {
		if city, err = validation.ValidateCity(city, h.cfg.CityMaxLength); err != nil {
			writeValidationError(w, r, err)
			return
		}
	}

	logger := observability.LoggerFromContext(r.Context())
	if err := h.service.ClearCache(r.Context(), city); err != nil {
		logger.Error("cache clear failed", zap.String("city", city), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Failed to clear cache", "cache backend did not accept the request")
		return
	}

	message := "All cache cleared"
	if city != "" {
		message = "Cache cleared for " + city
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

func clearCacheCity(w http.ResponseWriter, r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body clearCacheRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", errors.New("body must be a JSON object")
		}
		return strings.TrimSpace(body.City), nil
	}
	return strings.TrimSpace(r.FormValue("city")), nil
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   h.cfg.Version,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates shutting-down first, then the provider key,
// then the cache and finally the recent provider error rate. An unreachable
// cache degrades the service without failing it.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	if h.cfg.CheckAPIKey && h.client != nil {
		if err := h.client.ValidateAPIKey(ctx); err != nil {
			checks["weatherApi"] = "unhealthy"
			return healthResult{"unhealthy", http.StatusServiceUnavailable, "api_key_invalid", checks}
		}
		checks["weatherApi"] = "healthy"
	}

	if err := h.service.Ping(ctx); err != nil {
		checks["cache"] = "unhealthy"
		return healthResult{"degraded", http.StatusOK, "cache_unreachable", checks}
	}
	checks["cache"] = "healthy"

	errs, total := h.service.ProviderErrorRate(h.cfg.DegradedWindow)
	if total >= h.cfg.DegradedMinCalls && float64(errs)/float64(total) >= h.cfg.DegradedErrorRate {
		checks["weatherApi"] = "degraded"
		return healthResult{"degraded", http.StatusOK, "provider_error_rate", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// recordQuery stores a served lookup in history. Failures are logged and counted only.
func (h *Handler) recordQuery(ctx context.Context, resp models.WeatherResponse) {
	rec := models.QueryRecord{
		City:           resp.City,
		Country:        resp.Country,
		Temperature:    resp.Temperature,
		Description:    resp.Description,
		QueryTime:      time.Now().UTC(),
		FromCache:      resp.FromCache,
		ResponseTimeMS: resp.ResponseTimeMS,
	}
	if err := h.history.Record(ctx, rec); err != nil {
		observability.HistoryRecordErrorsTotal.Inc()
		observability.LoggerFromContext(ctx).Error("error logging query", zap.String("city", rec.City), zap.Error(err))
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the failure envelope, tagging it with the correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, message, details string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:     message,
		Details:   details,
		RequestID: observability.CorrelationID(r.Context()),
	})
}

// writeValidationError writes a 400 for a rejected query parameter.
func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrCityEmpty), errors.Is(err, validation.ErrQueryMissing):
		writeError(w, r, http.StatusBadRequest, "City parameter is required", "Please provide a valid city name")
	case errors.Is(err, validation.ErrCoordinatesMissing):
		writeError(w, r, http.StatusBadRequest, "Missing coordinates", "Both latitude and longitude are required")
	case errors.Is(err, validation.ErrLatitudeInvalid), errors.Is(err, validation.ErrLongitudeInvalid),
		errors.Is(err, validation.ErrLatitudeRange), errors.Is(err, validation.ErrLongitudeRange):
		writeError(w, r, http.StatusBadRequest, "Invalid coordinates", err.Error())
	case errors.Is(err, validation.ErrRadiusInvalid):
		writeError(w, r, http.StatusBadRequest, "Invalid radius", err.Error())
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid request", err.Error())
	}
}

// writeServiceError maps a service failure to a status and envelope. Errors
// that are not provider errors become a generic 500; details stay in the log.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	pe, ok := client.AsProviderError(err)
	if !ok {
		logger.Error("unexpected error serving weather request", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Internal server error", "")
		return
	}

	switch pe.Kind {
	case client.KindNotFound:
		logger.Debug("location not found", zap.Error(err))
		writeError(w, r, http.StatusNotFound, "City not found", "Please check the city name and try again")
	case client.KindInvalidKey:
		logger.Error("weather provider rejected API key", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Invalid API key", "The weather provider rejected the configured API key")
	case client.KindRateLimited:
		logger.Warn("weather provider rate limited", zap.Error(err))
		writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded", pe.Message)
	default:
		logger.Warn("weather provider unavailable", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "Weather service unavailable", pe.Message)
	}
}
