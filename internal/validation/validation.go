package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// DefaultCityMaxLen matches the longest city name the history store keeps.
const DefaultCityMaxLen = 100

// MaxRadiusKm bounds nearby-city searches.
const MaxRadiusKm = 500.0

// DefaultForecastDays is used when days is absent, unparseable or out of range.
const DefaultForecastDays = 5

var (
	// ErrCityEmpty is returned when city is empty or whitespace-only after trim.
	ErrCityEmpty = errors.New("city is required")

	// ErrCityTooLong is returned when city length exceeds the maximum.
	ErrCityTooLong = errors.New("city name too long")

	// ErrCityInvalidChars is returned when city contains disallowed characters.
	ErrCityInvalidChars = errors.New("city contains invalid characters")

	ErrCoordinatesMissing = errors.New("both lat and lon are required")
	ErrLatitudeInvalid    = errors.New("latitude must be a number")
	ErrLongitudeInvalid   = errors.New("longitude must be a number")
	ErrLatitudeRange      = errors.New("latitude must be between -90 and 90")
	ErrLongitudeRange     = errors.New("longitude must be between -180 and 180")

	// ErrAmbiguousQuery is returned when both a city and coordinates are given.
	ErrAmbiguousQuery = errors.New("provide either city or lat/lon, not both")

	// ErrQueryMissing is returned when neither a city nor coordinates are given.
	ErrQueryMissing = errors.New("city or lat/lon is required")

	ErrRadiusInvalid = errors.New("radius must be a positive number of kilometres, at most 500")
)

// ValidateCity trims the input, enforces the length bound (maxLen in runes, 0 for
// DefaultCityMaxLen), and restricts to allowed characters: letters (Unicode),
// digits, space, comma, hyphen, apostrophe, period. Returns the trimmed string.
// Normalization (e.g. lowercase) is left to the cache key builder.
func ValidateCity(input string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultCityMaxLen
	}
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if len(r) > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

// isAllowedCityRune returns true for letters (Unicode), digits, space, comma,
// hyphen, apostrophe and period.
func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}

// ParseCoordinates parses and range-checks a latitude/longitude pair.
func ParseCoordinates(latStr, lonStr string) (float64, float64, error) {
	latStr, lonStr = strings.TrimSpace(latStr), strings.TrimSpace(lonStr)
	if latStr == "" || lonStr == "" {
		return 0, 0, ErrCoordinatesMissing
	}
	lat, err := parseFinite(latStr)
	if err != nil {
		return 0, 0, ErrLatitudeInvalid
	}
	lon, err := parseFinite(lonStr)
	if err != nil {
		return 0, 0, ErrLongitudeInvalid
	}
	if lat < -90 || lat > 90 {
		return 0, 0, ErrLatitudeRange
	}
	if lon < -180 || lon > 180 {
		return 0, 0, ErrLongitudeRange
	}
	return lat, lon, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}

// ParseQuery builds a Query from raw city, lat and lon parameters. Exactly one
// form must be present; a lone lat or lon counts as a coordinate attempt.
func ParseQuery(city, lat, lon string, maxCityLen int) (models.Query, error) {
	hasCity := strings.TrimSpace(city) != ""
	hasCoords := strings.TrimSpace(lat) != "" || strings.TrimSpace(lon) != ""

	switch {
	case hasCity && hasCoords:
		return models.Query{}, ErrAmbiguousQuery
	case hasCoords:
		la, lo, err := ParseCoordinates(lat, lon)
		if err != nil {
			return models.Query{}, err
		}
		return models.CoordinatesQuery(la, lo), nil
	case hasCity:
		c, err := ValidateCity(city, maxCityLen)
		if err != nil {
			return models.Query{}, err
		}
		return models.CityQuery(c), nil
	default:
		return models.Query{}, ErrQueryMissing
	}
}

// ParseDays returns the requested forecast length. Missing, unparseable or
// out-of-range values fall back to DefaultForecastDays.
func ParseDays(s string, maxDays int) int {
	if maxDays <= 0 {
		maxDays = DefaultForecastDays
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > maxDays {
		return DefaultForecastDays
	}
	return n
}

// ParseRadius parses a search radius in kilometres. An empty value yields def.
func ParseRadius(s string, def float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	v, err := parseFinite(s)
	if err != nil || v <= 0 || v > MaxRadiusKm {
		return 0, ErrRadiusInvalid
	}
	return v, nil
}

// ParseBool reports whether s is a true-ish flag value ("true", "1", "yes").
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
