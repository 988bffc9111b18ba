package airquality

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/common"
)

// Filter narrows readings by category. Empty fields do not filter.
type Filter struct {
	Pollutant string `json:"pollutant,omitempty"`
	State     string `json:"state,omitempty"`
	City      string `json:"city,omitempty"`

	// SiteID matches exactly; Location is a case-insensitive substring of
	// the location name.
	SiteID   string `json:"site_id,omitempty"`
	Location string `json:"location,omitempty"`
}

// FilterReadings applies f. An unknown pollutant matches nothing; a state
// that is not a two-letter code is ignored.
func FilterReadings(readings []Reading, f Filter) []Reading {
	var pollutant Pollutant
	if f.Pollutant != "" {
		p, ok := ParsePollutant(f.Pollutant)
		if !ok {
			return []Reading{}
		}
		pollutant = p
	}
	state := strings.TrimSpace(f.State)
	if len(state) != 2 {
		state = ""
	}
	city := strings.TrimSpace(f.City)
	siteID := strings.TrimSpace(f.SiteID)
	location := strings.TrimSpace(f.Location)

	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if pollutant != "" && r.Pollutant != pollutant {
			continue
		}
		if state != "" && !strings.EqualFold(r.State, state) {
			continue
		}
		if city != "" && !common.ContainsFold(r.City, city) {
			continue
		}
		if siteID != "" && r.SiteID != siteID {
			continue
		}
		if location != "" && !common.ContainsFold(r.LocationName, location) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortNewestFirst orders readings by observed_at descending, in place.
func SortNewestFirst(readings []Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].ObservedAt.After(readings[j].ObservedAt)
	})
}

// Limit truncates readings to at most n entries; n <= 0 means no limit.
func Limit[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}

// NearbyReading is a reading annotated with its distance from the query
// point.
type NearbyReading struct {
	Reading
	DistanceKm float64 `json:"distance_km"`
}

// Nearby returns readings within radiusKm of center, nearest first. A
// bounding box prunes candidates before the planar distance check.
func Nearby(readings []Reading, center Coordinates, radiusKm float64) []NearbyReading {
	latDelta, lonDelta := degreeSpan(center.Lat, radiusKm)
	out := make([]NearbyReading, 0)
	for _, r := range readings {
		if abs(r.Coordinates.Lat-center.Lat) > latDelta || abs(r.Coordinates.Lon-center.Lon) > lonDelta {
			continue
		}
		d := PlanarDistanceKm(center, r.Coordinates)
		if d > radiusKm {
			continue
		}
		out = append(out, NearbyReading{Reading: r, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// PollutantStats aggregates the values of one pollutant.
type PollutantStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Unit  string  `json:"unit"`
}

// Summary describes a set of readings.
type Summary struct {
	Total       int                          `json:"total"`
	ByPollutant map[Pollutant]PollutantStats `json:"by_pollutant"`
	ByState     map[string]int               `json:"by_state"`
	BySource    map[Source]int               `json:"by_source"`
	Oldest      *time.Time                   `json:"oldest,omitempty"`
	Newest      *time.Time                   `json:"newest,omitempty"`
}

// Summarize computes per-pollutant statistics and per-state and
// per-source counts. The unit reported for a pollutant is the unit of its
// first reading. Readings without a state are not counted by state.
func Summarize(readings []Reading) Summary {
	s := Summary{
		Total:       len(readings),
		ByPollutant: make(map[Pollutant]PollutantStats),
		ByState:     make(map[string]int),
		BySource:    make(map[Source]int),
	}
	sums := make(map[Pollutant]float64)
	for _, r := range readings {
		st, ok := s.ByPollutant[r.Pollutant]
		if !ok {
			st = PollutantStats{Min: r.Value, Max: r.Value, Unit: r.Unit}
		}
		st.Count++
		if r.Value < st.Min {
			st.Min = r.Value
		}
		if r.Value > st.Max {
			st.Max = r.Value
		}
		sums[r.Pollutant] += r.Value
		s.ByPollutant[r.Pollutant] = st

		if r.State != "" {
			s.ByState[r.State]++
		}
		s.BySource[r.Source]++

		ts := r.ObservedAt
		if s.Oldest == nil || ts.Before(*s.Oldest) {
			s.Oldest = &ts
		}
		if s.Newest == nil || ts.After(*s.Newest) {
			s.Newest = &ts
		}
	}
	for p, st := range s.ByPollutant {
		st.Avg = sums[p] / float64(st.Count)
		s.ByPollutant[p] = st
	}
	return s
}

// Option is one selectable filter value.
type Option struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// FilterOptions lists the distinct values present in a set of readings.
type FilterOptions struct {
	Pollutants []Option `json:"pollutants"`
	States     []Option `json:"states"`
	Cities     []Option `json:"cities"`
	Total      int      `json:"total_measurements"`
}

// BuildFilterOptions collects distinct pollutants, states and cities,
// each sorted by value.
func BuildFilterOptions(readings []Reading) FilterOptions {
	pollutants := make(map[string]int)
	states := make(map[string]int)
	cities := make(map[string]int)
	for _, r := range readings {
		pollutants[string(r.Pollutant)]++
		if r.State != "" {
			states[r.State]++
		}
		if r.City != "" {
			cities[r.City]++
		}
	}
	return FilterOptions{
		Pollutants: options(pollutants),
		States:     options(states),
		Cities:     options(cities),
		Total:      len(readings),
	}
}

func options(counts map[string]int) []Option {
	out := make([]Option, 0, len(counts))
	for v, n := range counts {
		out = append(out, Option{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// QueryEngine answers read requests over the freshest snapshot window.
// Every call reloads from the store.
type QueryEngine struct {
	store  SnapshotStore
	window time.Duration
}

// NewQueryEngine creates a QueryEngine reading snapshots created within
// window.
func NewQueryEngine(store SnapshotStore, window time.Duration) *QueryEngine {
	return &QueryEngine{store: store, window: window}
}

// Latest returns filtered readings, newest first, truncated to limit.
func (q *QueryEngine) Latest(ctx context.Context, f Filter, limit int) ([]Reading, error) {
	readings, err := q.store.LoadRecent(ctx, q.window)
	if err != nil {
		return nil, err
	}
	out := FilterReadings(readings, f)
	SortNewestFirst(out)
	return Limit(out, limit), nil
}

// Nearby returns readings within radiusKm of center, nearest first,
// optionally restricted to one pollutant and truncated to limit.
func (q *QueryEngine) Nearby(ctx context.Context, center Coordinates, radiusKm float64, pollutant string, limit int) ([]NearbyReading, error) {
	readings, err := q.store.LoadRecent(ctx, q.window)
	if err != nil {
		return nil, err
	}
	readings = FilterReadings(readings, Filter{Pollutant: pollutant})
	return Limit(Nearby(readings, center, radiusKm), limit), nil
}

// Summary summarizes the fresh readings.
func (q *QueryEngine) Summary(ctx context.Context) (Summary, error) {
	readings, err := q.store.LoadRecent(ctx, q.window)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(readings), nil
}

// FilterOptions lists the filter values present in the fresh readings.
func (q *QueryEngine) FilterOptions(ctx context.Context) (FilterOptions, error) {
	readings, err := q.store.LoadRecent(ctx, q.window)
	if err != nil {
		return FilterOptions{}, err
	}
	return BuildFilterOptions(readings), nil
}
