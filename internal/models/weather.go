package models

import "time"

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Query is a single weather lookup: either a city name or a coordinate pair.
// Exactly one form is set; use CityQuery or CoordinatesQuery to build one.
type Query struct {
	City   string
	Coords *Coordinates
}

// CityQuery returns a Query for the given city name.
func CityQuery(city string) Query {
	return Query{City: city}
}

// CoordinatesQuery returns a Query for the given latitude and longitude.
func CoordinatesQuery(lat, lon float64) Query {
	return Query{Coords: &Coordinates{Lat: lat, Lon: lon}}
}

// IsCoordinates reports whether the query is a coordinate lookup.
func (q Query) IsCoordinates() bool {
	return q.Coords != nil
}

// WeatherReading is the provider's current conditions, reshaped for clients.
// Treated as immutable once built from a provider response.
type WeatherReading struct {
	City        string      `json:"city"`
	Country     string      `json:"country"`
	Temperature float64     `json:"temperature"`
	FeelsLike   float64     `json:"feels_like"`
	TempMin     float64     `json:"temp_min"`
	TempMax     float64     `json:"temp_max"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
	Humidity    int         `json:"humidity"`
	Pressure    int         `json:"pressure"`
	WindSpeed   float64     `json:"wind_speed"`
	WindDeg     int         `json:"wind_deg"`
	Clouds      int         `json:"clouds"`
	Visibility  int         `json:"visibility"`
	Sunrise     int64       `json:"sunrise"`
	Sunset      int64       `json:"sunset"`
	Timezone    int         `json:"timezone"`
	Timestamp   int64       `json:"timestamp"`
	Coord       Coordinates `json:"coord"`
}

// ForecastDay is one day of a multi-day forecast.
type ForecastDay struct {
	Date        int64   `json:"date"`
	DateText    string  `json:"date_text"`
	Temperature float64 `json:"temperature"`
	TempMin     float64 `json:"temp_min"`
	TempMax     float64 `json:"temp_max"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Clouds      int     `json:"clouds"`
}

// Forecast is a per-day forecast for a city.
type Forecast struct {
	City          string        `json:"city"`
	Country       string        `json:"country"`
	Forecasts     []ForecastDay `json:"forecasts"`
	ForecastCount int           `json:"forecast_count"`
}

// NearbyCity is a city close to a coordinate pair, with distance in kilometres.
type NearbyCity struct {
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Distance  float64 `json:"distance"`
}

// WeatherResponse is the success envelope for current weather. Reading fields
// are flattened into the top-level JSON object.
type WeatherResponse struct {
	Success bool `json:"success"`
	WeatherReading
	FromCache      bool         `json:"from_cache"`
	ResponseTimeMS int64        `json:"response_time_ms"`
	Coordinates    *Coordinates `json:"coordinates,omitempty"`
	NearbyCities   []NearbyCity `json:"nearby_cities,omitempty"`
}

// NearbyResponse lists provider-known cities within RadiusKm of a point, nearest first.
type NearbyResponse struct {
	Success  bool         `json:"success"`
	Cities   []NearbyCity `json:"cities"`
	Count    int          `json:"count"`
	RadiusKm float64      `json:"radius"`
}

// ForecastResponse is the success envelope for forecasts.
type ForecastResponse struct {
	Success bool `json:"success"`
	Forecast
	FromCache      bool  `json:"from_cache"`
	ResponseTimeMS int64 `json:"response_time_ms"`
}

// ErrorResponse is the failure envelope shared by every endpoint.
type ErrorResponse struct {
	Success      bool         `json:"success"`
	Error        string       `json:"error"`
	Details      string       `json:"details,omitempty"`
	NearbyCities []NearbyCity `json:"nearby_cities,omitempty"`
	Suggestion   string       `json:"suggestion,omitempty"`
	RequestID    string       `json:"request_id,omitempty"`
}

// QueryRecord is one served lookup, kept for statistics.
type QueryRecord struct {
	City           string    `json:"city"`
	Country        string    `json:"country"`
	Temperature    float64   `json:"temperature"`
	Description    string    `json:"description"`
	QueryTime      time.Time `json:"query_time"`
	FromCache      bool      `json:"from_cache"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// CityCount is a city with its number of recorded queries.
type CityCount struct {
	City       string `json:"city"`
	Country    string `json:"country"`
	QueryCount int    `json:"query_count"`
}

// Stats aggregates recorded queries. CacheHitRate is a percentage.
type Stats struct {
	Success                 bool          `json:"success"`
	TotalQueries            int           `json:"total_queries"`
	CacheHits               int           `json:"cache_hits"`
	CacheMisses             int           `json:"cache_misses"`
	CacheHitRate            float64       `json:"cache_hit_rate"`
	AvgResponseTimeMS       float64       `json:"avg_response_time_ms"`
	AvgCachedResponseTimeMS float64       `json:"avg_cached_response_time_ms"`
	AvgAPIResponseTimeMS    float64       `json:"avg_api_response_time_ms"`
	TopCities               []CityCount   `json:"top_cities"`
	RecentQueries           []QueryRecord `json:"recent_queries"`
}
