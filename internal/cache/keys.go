package cache

import (
	"math"
	"strconv"
	"strings"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// Namespace prefixes every key this service writes. Clear removes only keys under it.
const Namespace = "weather:"

const (
	cityKeyPrefix     = Namespace + "weather_data_"
	coordsKeyPrefix   = Namespace + "weather_coords_"
	forecastKeyPrefix = Namespace + "weather_forecast_"
)

// DefaultCoordinatePrecision rounds coordinates to two decimals (about 1.1 km).
const DefaultCoordinatePrecision = 2

// KeyBuilder derives deterministic cache keys from queries.
// Precision is the number of decimals coordinates are rounded to; nearby
// lookups that round to the same value share a cache entry.
type KeyBuilder struct {
	Precision int
}

// NewKeyBuilder returns a KeyBuilder. A negative precision falls back to the default.
func NewKeyBuilder(precision int) KeyBuilder {
	if precision < 0 {
		precision = DefaultCoordinatePrecision
	}
	return KeyBuilder{Precision: precision}
}

// Key returns the cache key for the query's form.
func (b KeyBuilder) Key(q models.Query) string {
	if q.IsCoordinates() {
		return b.CoordinatesKey(q.Coords.Lat, q.Coords.Lon)
	}
	return b.CityKey(q.City)
}

// CityKey returns weather:weather_data_<city> with the city normalized.
func (b KeyBuilder) CityKey(city string) string {
	return cityKeyPrefix + NormalizeCity(city)
}

// CoordinatesKey returns weather:weather_coords_<lat>_<lon> with both rounded to Precision.
func (b KeyBuilder) CoordinatesKey(lat, lon float64) string {
	return coordsKeyPrefix + b.formatCoord(lat) + "_" + b.formatCoord(lon)
}

// ForecastKey returns weather:weather_forecast_<city>_<days>.
func (b KeyBuilder) ForecastKey(city string, days int) string {
	return forecastKeyPrefix + NormalizeCity(city) + "_" + strconv.Itoa(days)
}

func (b KeyBuilder) formatCoord(v float64) string {
	scale := math.Pow(10, float64(b.Precision))
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', b.Precision, 64)
}

// NormalizeCity lower-cases and trims the name and collapses internal whitespace to "_".
func NormalizeCity(city string) string {
	return strings.Join(strings.Fields(strings.ToLower(city)), "_")
}
