package airquality

import (
	"errors"
	"strings"
	"time"
)

// Pollutant is the canonical pollutant identifier.
type Pollutant string

const (
	PollutantOzone Pollutant = "ozone"
	PollutantNO2   Pollutant = "no2"
	PollutantPM25  Pollutant = "pm25"
	PollutantPM10  Pollutant = "pm10"
	PollutantSO2   Pollutant = "so2"
	PollutantCO    Pollutant = "co"
	PollutantHCHO  Pollutant = "hcho"
)

// AllPollutants lists every canonical pollutant in display order.
var AllPollutants = []Pollutant{
	PollutantOzone, PollutantNO2, PollutantPM25, PollutantPM10,
	PollutantSO2, PollutantCO, PollutantHCHO,
}

// Valid reports whether p is a canonical pollutant.
func (p Pollutant) Valid() bool {
	for _, known := range AllPollutants {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePollutant accepts a canonical name or any known synonym.
func ParsePollutant(s string) (Pollutant, bool) {
	p, ok := pollutantSynonyms[strings.ToLower(strings.TrimSpace(s))]
	return p, ok
}

// Source identifies where a reading came from.
type Source string

const (
	SourceAirNow    Source = "airnow"
	SourceOpenAQ    Source = "openaq"
	SourceSynthetic Source = "synthetic"
)

// AQICategory is the coarse health bucket of an AQI value.
type AQICategory string

const (
	CategoryGood               AQICategory = "good"
	CategoryModerate           AQICategory = "moderate"
	CategoryUnhealthySensitive AQICategory = "unhealthy_for_sensitive_groups"
	CategoryUnhealthy          AQICategory = "unhealthy"
	CategoryVeryUnhealthy      AQICategory = "very_unhealthy"
	CategoryHazardous          AQICategory = "hazardous"
)

// CategoryForAQI buckets an AQI value.
func CategoryForAQI(aqi int) AQICategory {
	switch {
	case aqi <= 50:
		return CategoryGood
	case aqi <= 100:
		return CategoryModerate
	case aqi <= 150:
		return CategoryUnhealthySensitive
	case aqi <= 200:
		return CategoryUnhealthy
	case aqi <= 300:
		return CategoryVeryUnhealthy
	default:
		return CategoryHazardous
	}
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// IsNullIsland reports the (0,0) placeholder some upstreams emit for
// unknown positions.
func (c Coordinates) IsNullIsland() bool {
	return c.Lat == 0 && c.Lon == 0
}

// Reading is one normalized pollutant observation.
type Reading struct {
	Pollutant    Pollutant    `json:"pollutant" validate:"required"`
	Value        float64      `json:"value"`
	Unit         string       `json:"unit"`
	ObservedAt   time.Time    `json:"observed_at" validate:"required"`
	Coordinates  Coordinates  `json:"coordinates"`
	LocationName string       `json:"location_name,omitempty"`
	City         string       `json:"city,omitempty"`
	State        string       `json:"state,omitempty"`
	Country      string       `json:"country,omitempty"`
	Source       Source       `json:"source" validate:"required"`
	SiteID       string       `json:"site_id,omitempty"`
	AQI          *int         `json:"aqi,omitempty"`
	Category     *AQICategory `json:"category,omitempty"`
}

// WithAQI sets the AQI and the derived category.
func (r Reading) WithAQI(aqi int) Reading {
	r.AQI = &aqi
	cat := CategoryForAQI(aqi)
	r.Category = &cat
	return r
}

// BBox is an axis-aligned lon/lat rectangle.
type BBox struct {
	MinLon float64 `json:"min_lon" koanf:"min_lon" validate:"gte=-180,lte=180"`
	MinLat float64 `json:"min_lat" koanf:"min_lat" validate:"gte=-90,lte=90"`
	MaxLon float64 `json:"max_lon" koanf:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
	MaxLat float64 `json:"max_lat" koanf:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
}

// Contains reports whether c lies inside the box, edges included.
func (b BBox) Contains(c Coordinates) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// PartitionKind selects how a partition is expressed to an upstream.
type PartitionKind string

const (
	PartitionBBox   PartitionKind = "bbox"
	PartitionRadius PartitionKind = "radius"
)

// Partition is one geographic slice of a run.
type Partition struct {
	Name     string        `json:"name"`
	Kind     PartitionKind `json:"kind"`
	BBox     BBox          `json:"bbox,omitempty"`
	Center   Coordinates   `json:"center,omitempty"`
	RadiusKm float64       `json:"radius_km,omitempty"`
}

// Bounds returns the partition as a bounding box. Radius partitions use
// the same equirectangular approximation as proximity queries.
func (p Partition) Bounds() BBox {
	if p.Kind == PartitionBBox {
		return p.BBox
	}
	latDelta, lonDelta := degreeSpan(p.Center.Lat, p.RadiusKm)
	return BBox{
		MinLon: clamp(p.Center.Lon-lonDelta, -180, 180),
		MinLat: clamp(p.Center.Lat-latDelta, -90, 90),
		MaxLon: clamp(p.Center.Lon+lonDelta, -180, 180),
		MaxLat: clamp(p.Center.Lat+latDelta, -90, 90),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapshotMeta describes one persisted snapshot artifact.
type SnapshotMeta struct {
	RunID     string    `json:"run_id"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Count     int       `json:"count"`
	Name      string    `json:"name"`
}

// Snapshot is the persisted artifact of one source for one run.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Source    Source    `json:"source"`
	Count     int       `json:"count"`
	Readings  []Reading `json:"readings"`
}

var (
	// ErrUnauthorized means the upstream rejected the credential; the
	// provider is abandoned for the rest of the run.
	ErrUnauthorized = errors.New("upstream rejected credentials")

	// ErrRateLimited means the upstream kept answering 429 after the
	// single retry.
	ErrRateLimited = errors.New("upstream rate limited")

	errInvalidPollutant = errors.New("unknown pollutant")
	errNullIsland       = errors.New("coordinates at (0,0)")

	errInvalidRadius        = errors.New("partition radius must be positive")
	errInvalidPartitionKind = errors.New("partition kind must be bbox or radius")
)
