package providers

import (
	"context"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kelvins/geocoder"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// maxLookupsPerFetch bounds paid geocoding calls for one partition.
const maxLookupsPerFetch = 25

// defaultGeocodeCacheSize is the number of places remembered across runs.
const defaultGeocodeCacheSize = 2048

// Place is the locality of a coordinate.
type Place struct {
	City  string
	State string
}

// ReverseGeocoder resolves coordinates to a place.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, c airquality.Coordinates) (Place, error)
}

// GoogleGeocoder reverse-geocodes through the Google Geocoding API.
type GoogleGeocoder struct{}

// NewGoogleGeocoder configures the geocoder package with apiKey. The key
// is process-wide.
func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	geocoder.ApiKey = apiKey
	return &GoogleGeocoder{}
}

func (g *GoogleGeocoder) Reverse(ctx context.Context, c airquality.Coordinates) (Place, error) {
	if err := ctx.Err(); err != nil {
		return Place{}, err
	}
	addresses, err := geocoder.GeocodingReverse(geocoder.Location{Latitude: c.Lat, Longitude: c.Lon})
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode %.4f,%.4f: %w", c.Lat, c.Lon, err)
	}
	if len(addresses) == 0 {
		return Place{}, nil
	}
	return Place{
		City:  addresses[0].City,
		State: airquality.NormalizeState(addresses[0].State),
	}, nil
}

type placeKey struct {
	lat, lon int64
}

func keyFor(c airquality.Coordinates) placeKey {
	// Two decimals, roughly one kilometre.
	return placeKey{lat: int64(math.Round(c.Lat * 100)), lon: int64(math.Round(c.Lon * 100))}
}

// geocodingProvider fills missing city/state of another provider's
// readings.
type geocodingProvider struct {
	airquality.Provider

	geo     ReverseGeocoder
	metrics *metrics.Metrics
	log     zerolog.Logger
	cache   *lru.Cache[placeKey, Place]
}

// WithReverseGeocoding wraps p so readings lacking a city or state are
// enriched via geo. Results are cached by rounded coordinates in a
// least-recently-used cache.
func WithReverseGeocoding(p airquality.Provider, geo ReverseGeocoder, m *metrics.Metrics) airquality.Provider {
	return &geocodingProvider{
		Provider: p,
		geo:      geo,
		metrics:  m,
		log:      logging.Component("geocoder"),
		cache:    newPlaceCache(defaultGeocodeCacheSize),
	}
}

func newPlaceCache(size int) *lru.Cache[placeKey, Place] {
	c, err := lru.New[placeKey, Place](size)
	if err != nil {
		panic(fmt.Sprintf("geocode cache: %v", err))
	}
	return c
}

func (g *geocodingProvider) Fetch(ctx context.Context, part airquality.Partition, filter []airquality.Pollutant) ([]airquality.Reading, error) {
	readings, err := g.Provider.Fetch(ctx, part, filter)

	lookups := 0
	for i := range readings {
		r := &readings[i]
		if r.City != "" && r.State != "" {
			continue
		}
		k := keyFor(r.Coordinates)
		place, ok := g.cache.Get(k)
		if ok {
			g.metrics.GeocodeLookup("hit")
		} else {
			if lookups >= maxLookupsPerFetch || ctx.Err() != nil {
				continue
			}
			lookups++
			var gerr error
			place, gerr = g.geo.Reverse(ctx, r.Coordinates)
			if gerr != nil {
				g.metrics.GeocodeLookup("error")
				g.log.Debug().Err(gerr).Msg("reverse geocoding failed")
				continue
			}
			g.metrics.GeocodeLookup("miss")
			g.cache.Add(k, place)
		}
		if r.City == "" {
			r.City = place.City
		}
		if r.State == "" {
			r.State = place.State
		}
	}
	return readings, err
}
