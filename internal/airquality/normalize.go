package airquality

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Record is one upstream observation decoded as a generic JSON object.
// Upstreams disagree on field names and nesting, so adapters decode into
// Record and resolve fields through ordered strategy chains.
type Record map[string]any

var validate = validator.New()

var pollutantSynonyms = map[string]Pollutant{
	"ozone":            PollutantOzone,
	"o3":               PollutantOzone,
	"no2":              PollutantNO2,
	"nitrogen dioxide": PollutantNO2,
	"pm25":             PollutantPM25,
	"pm2.5":            PollutantPM25,
	"pm2_5":            PollutantPM25,
	"pm10":             PollutantPM10,
	"so2":              PollutantSO2,
	"sulfur dioxide":   PollutantSO2,
	"co":               PollutantCO,
	"carbon monoxide":  PollutantCO,
	"hcho":             PollutantHCHO,
	"formaldehyde":     PollutantHCHO,
	"ch2o":             PollutantHCHO,
}

// CoordinateStrategy extracts a position from a record.
type CoordinateStrategy func(Record) (Coordinates, bool)

// TimestampStrategy extracts an observation time from a record.
type TimestampStrategy func(Record) (time.Time, bool)

// CoordinateChain is tried in order; the first strategy that yields a
// pair wins.
var CoordinateChain = []CoordinateStrategy{
	nestedCoordinates("coordinates"),
	locationCoordinates,
	flatCoordinates("latitude", "longitude"),
	flatCoordinates("Latitude", "Longitude"),
	flatCoordinates("lat", "lon"),
}

// TimestampChain is tried in order; when nothing resolves the caller
// substitutes the current time.
var TimestampChain = []TimestampStrategy{
	stringTime("datetime"),
	nestedTime("datetime", "utc"),
	nestedTime("date", "utc"),
	stringTime("UTC"),
	dateAndHour("DateObserved", "HourObserved"),
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ResolveCoordinates runs CoordinateChain against r.
func ResolveCoordinates(r Record) (Coordinates, bool) {
	for _, strategy := range CoordinateChain {
		if c, ok := strategy(r); ok {
			return c, true
		}
	}
	return Coordinates{}, false
}

// ResolveTimestamp runs TimestampChain against r, falling back to now.
func ResolveTimestamp(r Record, now time.Time) time.Time {
	for _, strategy := range TimestampChain {
		if ts, ok := strategy(r); ok {
			return ts.UTC()
		}
	}
	return now.UTC()
}

// ParseTimestamp accepts RFC3339 with or without a zone. Zone-less values
// are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func nestedCoordinates(key string) CoordinateStrategy {
	return func(r Record) (Coordinates, bool) {
		inner, ok := r[key].(map[string]any)
		if !ok {
			return Coordinates{}, false
		}
		return flatCoordinates("latitude", "longitude")(inner)
	}
}

func locationCoordinates(r Record) (Coordinates, bool) {
	loc, ok := r["location"].(map[string]any)
	if !ok {
		return Coordinates{}, false
	}
	return nestedCoordinates("coordinates")(loc)
}

func flatCoordinates(latKey, lonKey string) CoordinateStrategy {
	return func(r Record) (Coordinates, bool) {
		lat, okLat := Float(r[latKey])
		lon, okLon := Float(r[lonKey])
		if !okLat || !okLon {
			return Coordinates{}, false
		}
		return Coordinates{Lat: lat, Lon: lon}, true
	}
}

func stringTime(key string) TimestampStrategy {
	return func(r Record) (time.Time, bool) {
		s, ok := r[key].(string)
		if !ok {
			return time.Time{}, false
		}
		return ParseTimestamp(s)
	}
}

func nestedTime(key, inner string) TimestampStrategy {
	return func(r Record) (time.Time, bool) {
		m, ok := r[key].(map[string]any)
		if !ok {
			return time.Time{}, false
		}
		return stringTime(inner)(m)
	}
}

func dateAndHour(dateKey, hourKey string) TimestampStrategy {
	return func(r Record) (time.Time, bool) {
		date, ok := r[dateKey].(string)
		if !ok {
			return time.Time{}, false
		}
		hour, ok := Float(r[hourKey])
		if !ok {
			return time.Time{}, false
		}
		day, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return time.Time{}, false
		}
		return day.Add(time.Duration(hour) * time.Hour), true
	}
}

// Float converts the numeric shapes JSON decoding produces.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// String returns the first non-empty string found under keys.
func (r Record) String(keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Object returns the nested object under key, if any.
func (r Record) Object(key string) Record {
	m, ok := r[key].(map[string]any)
	if !ok {
		return nil
	}
	return Record(m)
}

// ValidateReading drops readings that cannot be stored: unknown
// pollutant, coordinates out of range or at (0,0).
func ValidateReading(rd Reading) error {
	if !rd.Pollutant.Valid() {
		return errInvalidPollutant
	}
	if rd.Coordinates.IsNullIsland() {
		return errNullIsland
	}
	return validate.Struct(rd)
}

// NormalizeState returns an upper-case two-letter US state code, mapping
// full state names when possible. Unknown values are returned trimmed.
func NormalizeState(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 2 {
		return strings.ToUpper(s)
	}
	if code, ok := stateCodes[strings.ToLower(s)]; ok {
		return code
	}
	return s
}

var stateCodes = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"district of columbia": "DC", "florida": "FL", "georgia": "GA", "hawaii": "HI",
	"idaho": "ID", "illinois": "IL", "indiana": "IN", "iowa": "IA",
	"kansas": "KS", "kentucky": "KY", "louisiana": "LA", "maine": "ME",
	"maryland": "MD", "massachusetts": "MA", "michigan": "MI", "minnesota": "MN",
	"mississippi": "MS", "missouri": "MO", "montana": "MT", "nebraska": "NE",
	"nevada": "NV", "new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM",
	"new york": "NY", "north carolina": "NC", "north dakota": "ND", "ohio": "OH",
	"oklahoma": "OK", "oregon": "OR", "pennsylvania": "PA", "rhode island": "RI",
	"south carolina": "SC", "south dakota": "SD", "tennessee": "TN", "texas": "TX",
	"utah": "UT", "vermont": "VT", "virginia": "VA", "washington": "WA",
	"west virginia": "WV", "wisconsin": "WI", "wyoming": "WY", "puerto rico": "PR",
}
