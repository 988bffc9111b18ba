package airquality

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxSyntheticReadings caps one fallback batch.
const MaxSyntheticReadings = 500

// ReferenceCity anchors synthetic readings.
type ReferenceCity struct {
	Name  string
	State string
	Lat   float64
	Lon   float64
}

// ReferenceCities are the twenty most populous US cities used for
// synthetic readings.
var ReferenceCities = []ReferenceCity{
	{"New York", "NY", 40.7128, -74.0060},
	{"Los Angeles", "CA", 34.0522, -118.2437},
	{"Chicago", "IL", 41.8781, -87.6298},
	{"Houston", "TX", 29.7604, -95.3698},
	{"Phoenix", "AZ", 33.4484, -112.0740},
	{"Philadelphia", "PA", 39.9526, -75.1652},
	{"San Antonio", "TX", 29.4241, -98.4936},
	{"San Diego", "CA", 32.7157, -117.1611},
	{"Dallas", "TX", 32.7767, -96.7970},
	{"San Jose", "CA", 37.3382, -121.8863},
	{"Austin", "TX", 30.2672, -97.7431},
	{"Jacksonville", "FL", 30.3322, -81.6557},
	{"Fort Worth", "TX", 32.7555, -97.3308},
	{"Columbus", "OH", 39.9612, -82.9988},
	{"Charlotte", "NC", 35.2271, -80.8431},
	{"San Francisco", "CA", 37.7749, -122.4194},
	{"Indianapolis", "IN", 39.7684, -86.1581},
	{"Seattle", "WA", 47.6062, -122.3321},
	{"Denver", "CO", 39.7392, -104.9903},
	{"Washington", "DC", 38.9072, -77.0369},
}

type pollutantProfile struct {
	pollutant   Pollutant
	min, max    float64
	unit        string
	breakpoints [6]float64
}

var aqiLevels = [6]float64{0, 50, 100, 150, 200, 300}

var syntheticProfiles = []pollutantProfile{
	{PollutantOzone, 10, 180, "ppb", [6]float64{0, 54, 70, 85, 105, 200}},
	{PollutantNO2, 5, 100, "ppb", [6]float64{0, 53, 100, 360, 649, 1249}},
	{PollutantPM25, 2, 55, "µg/m³", [6]float64{0, 12, 35.5, 55.5, 150.5, 250.5}},
	{PollutantPM10, 5, 150, "µg/m³", [6]float64{0, 54, 154, 254, 354, 424}},
	{PollutantSO2, 1, 75, "ppb", [6]float64{0, 35, 75, 185, 304, 604}},
	{PollutantCO, 0.1, 15, "ppm", [6]float64{0, 4.4, 9.4, 12.4, 15.4, 30.4}},
}

// Generator produces plausible readings when no upstream delivers data.
type Generator struct {
	clock clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator. A nil rng is seeded from the clock.
func NewGenerator(clock clockwork.Clock, rng *rand.Rand) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if rng == nil {
		seed := uint64(clock.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Generator{clock: clock, rng: rng}
}

// Generate returns n synthetic readings, n clamped to
// [1, MaxSyntheticReadings].
func (g *Generator) Generate(n int) []Reading {
	if n < 1 {
		n = 1
	}
	if n > MaxSyntheticReadings {
		n = MaxSyntheticReadings
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	out := make([]Reading, 0, n)
	for i := 0; i < n; i++ {
		city := ReferenceCities[g.rng.IntN(len(ReferenceCities))]
		prof := syntheticProfiles[g.rng.IntN(len(syntheticProfiles))]

		value := round(prof.min+g.rng.Float64()*(prof.max-prof.min), 2)
		age := time.Duration(g.rng.Int64N(int64(24 * time.Hour)))

		r := Reading{
			Pollutant:  prof.pollutant,
			Value:      value,
			Unit:       prof.unit,
			ObservedAt: now.Add(-age),
			Coordinates: Coordinates{
				Lat: round(city.Lat+(g.rng.Float64()*0.2-0.1), 4),
				Lon: round(city.Lon+(g.rng.Float64()*0.2-0.1), 4),
			},
			LocationName: fmt.Sprintf("%s Monitor %d", city.Name, g.rng.IntN(10)+1),
			City:         city.Name,
			State:        city.State,
			Country:      "US",
			Source:       SourceSynthetic,
			SiteID:       fmt.Sprintf("synthetic_%04d", g.rng.IntN(10000)),
		}
		out = append(out, r.WithAQI(interpolateAQI(value, prof.breakpoints)))
	}
	return out
}

// interpolateAQI maps a concentration onto the AQI scale by linear
// interpolation between breakpoints. Values past the last breakpoint map
// to 300 or above.
func interpolateAQI(value float64, bp [6]float64) int {
	for i := 0; i < len(bp)-1; i++ {
		if value <= bp[i+1] {
			frac := (value - bp[i]) / (bp[i+1] - bp[i])
			return int(math.Round(aqiLevels[i] + frac*(aqiLevels[i+1]-aqiLevels[i])))
		}
	}
	last := len(bp) - 1
	return int(math.Round(aqiLevels[last] + (value-bp[last])/bp[last]*100))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
