package http

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// RouterConfig holds transport-level settings for NewRouter.
type RouterConfig struct {
	// RequestTimeout bounds each /api request; zero disables the deadline.
	RequestTimeout time.Duration
	// AllowedOrigins enables CORS for the listed origins; empty disables CORS.
	AllowedOrigins []string
}

// NewRouter wires the API routes, health and metrics endpoints behind
// correlation IDs, in-flight tracking, metrics, panic recovery, CORS and tracing.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(InFlight().Middleware)
	router.Use(MetricsMiddleware)
	router.Use(RecoveryMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/weather/", h.GetWeather).Methods(http.MethodGet)
	api.HandleFunc("/weather/coordinates/", h.GetWeatherByCoordinates).Methods(http.MethodGet)
	api.HandleFunc("/forecast/", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/geocode/nearby/", h.GetNearbyCities).Methods(http.MethodGet)
	api.HandleFunc("/stats/", h.GetStats).Methods(http.MethodGet)

	// A strict-slash redirect would turn the POST into a GET, so both forms
	// are registered as exact paths.
	api.StrictSlash(false)
	api.HandleFunc("/clear-cache/", h.ClearCache).Methods(http.MethodPost)
	api.HandleFunc("/clear-cache", h.ClearCache).Methods(http.MethodPost)

	// Outermost backstop for panics raised outside the route middleware.
	var handler http.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger)),
		handlers.PrintRecoveryStack(true),
	)(router)

	if len(cfg.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", CorrelationIDHeader}),
			handlers.ExposedHeaders([]string{CorrelationIDHeader}),
		)(handler)
	}

	return otelhttp.NewHandler(handler, observability.ServiceName)
}
