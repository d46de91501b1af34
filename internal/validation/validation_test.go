package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCity_EmptyAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab", "\t"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCity(tc.input, 100)
			if !errors.Is(err, ErrCityEmpty) {
				t.Errorf("error = %v, want ErrCityEmpty", err)
			}
		})
	}
}

func TestValidateCity_TooLong(t *testing.T) {
	_, err := ValidateCity(strings.Repeat("a", 101), 100)
	if !errors.Is(err, ErrCityTooLong) {
		t.Errorf("error = %v, want ErrCityTooLong", err)
	}
	if _, err := ValidateCity(strings.Repeat("a", 100), 0); err != nil {
		t.Errorf("100 runes with default max: error = %v", err)
	}
}

func TestValidateCity_InvalidChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"slash", "sea/ttle"},
		{"backslash", "sea\\ttle"},
		{"angle bracket", "<script>"},
		{"semicolon", "london;drop"},
		{"newline", "lon\ndon"},
		{"percent", "100%"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCity(tc.input, 100)
			if !errors.Is(err, ErrCityInvalidChars) {
				t.Errorf("error = %v, want ErrCityInvalidChars", err)
			}
		})
	}
}

func TestValidateCity_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "London", "London"},
		{"trimmed", "  Paris  ", "Paris"},
		{"multi word", "New York", "New York"},
		{"with country", "London, GB", "London, GB"},
		{"hyphen", "Stratford-upon-Avon", "Stratford-upon-Avon"},
		{"apostrophe and period", "St. John's", "St. John's"},
		{"unicode", "São Paulo", "São Paulo"},
		{"cjk", "東京", "東京"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateCity(tc.input, 100)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ValidateCity(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

// TestParseCoordinates covers parse failures, range bounds and accepted edges.
func TestParseCoordinates(t *testing.T) {
	tests := []struct {
		name    string
		lat     string
		lon     string
		wantErr error
	}{
		{"valid", "51.5074", "-0.1278", nil},
		{"bounds", "-90", "180", nil},
		{"upper bounds", "90", "-180", nil},
		{"zero", "0", "0", nil},
		{"missing lat", "", "1", ErrCoordinatesMissing},
		{"missing lon", "1", " ", ErrCoordinatesMissing},
		{"bad lat", "north", "1", ErrLatitudeInvalid},
		{"bad lon", "1", "east", ErrLongitudeInvalid},
		{"nan", "NaN", "1", ErrLatitudeInvalid},
		{"inf", "1", "Inf", ErrLongitudeInvalid},
		{"lat range", "90.0001", "0", ErrLatitudeRange},
		{"lon range", "0", "-180.5", ErrLongitudeRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseCoordinates(tc.lat, tc.lon)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ParseCoordinates(%q, %q) error = %v, want %v", tc.lat, tc.lon, err, tc.wantErr)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name       string
		city       string
		lat, lon   string
		wantErr    error
		wantCoords bool
	}{
		{"city", "London", "", "", nil, false},
		{"coords", "", "51.5", "-0.12", nil, true},
		{"both", "London", "51.5", "-0.12", ErrAmbiguousQuery, false},
		{"neither", "", "", "", ErrQueryMissing, false},
		{"lone lat", "", "51.5", "", ErrCoordinatesMissing, false},
		{"bad city", "a/b", "", "", ErrCityInvalidChars, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := ParseQuery(tc.city, tc.lat, tc.lon, 0)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParseQuery() error = %v, want %v", err, tc.wantErr)
			}
			if err == nil && q.IsCoordinates() != tc.wantCoords {
				t.Errorf("IsCoordinates() = %v, want %v", q.IsCoordinates(), tc.wantCoords)
			}
		})
	}
}

func TestParseDays(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 5},
		{"1", 1},
		{"3", 3},
		{"5", 5},
		{"0", 5},
		{"6", 5},
		{"-2", 5},
		{"abc", 5},
	}
	for _, tc := range tests {
		if got := ParseDays(tc.in, 5); got != tc.want {
			t.Errorf("ParseDays(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseRadius(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"", 50, false},
		{"  ", 50, false},
		{"10", 10, false},
		{"12.5", 12.5, false},
		{"500", 500, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"501", 0, true},
		{"far", 0, true},
		{"NaN", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseRadius(tc.in, 50)
		if tc.wantErr {
			if !errors.Is(err, ErrRadiusInvalid) {
				t.Errorf("ParseRadius(%q) error = %v, want ErrRadiusInvalid", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseRadius(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", " 1 ", "yes"} {
		if !ParseBool(s) {
			t.Errorf("ParseBool(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "false", "0", "maybe"} {
		if ParseBool(s) {
			t.Errorf("ParseBool(%q) = true, want false", s)
		}
	}
}
