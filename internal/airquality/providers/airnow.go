package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/common"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// AirNowBaseURL is the public AirNow API root.
const AirNowBaseURL = "https://www.airnowapi.org/aq"

// airNowMissing is the sentinel AirNow uses for absent numbers.
const airNowMissing = -999

var airNowParameters = map[airquality.Pollutant]string{
	airquality.PollutantOzone: "OZONE",
	airquality.PollutantPM25:  "PM25",
	airquality.PollutantPM10:  "PM10",
	airquality.PollutantCO:    "CO",
	airquality.PollutantNO2:   "NO2",
	airquality.PollutantSO2:   "SO2",
}

// AirNowProvider implements airquality.Provider for the EPA AirNow
// observation-by-bounding-box endpoint. The key travels as a query
// parameter.
type AirNowProvider struct {
	apiKey  string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	cfg     settings
	log     zerolog.Logger
}

func NewAirNowProvider(client *http.Client, apiKey string, opts ...Option) *AirNowProvider {
	cfg := defaultSettings(AirNowBaseURL)
	for _, opt := range opts {
		opt(&cfg)
	}

	return &AirNowProvider{
		apiKey: apiKey,
		httpCfg: HTTPClientConfig{
			Client:  client,
			Backoff: cfg.backoff,
		},
		circuit: newCircuitBreaker(airquality.SourceAirNow, cfg.metrics),
		cfg:     cfg,
		log:     logging.Component("airnow"),
	}
}

func (p *AirNowProvider) Source() airquality.Source {
	return airquality.SourceAirNow
}

func (p *AirNowProvider) HasCredential() bool {
	return p.apiKey != ""
}

// Fetch queries one partition. Radius partitions are sent as their
// bounding box; AirNow has no radius query.
func (p *AirNowProvider) Fetch(ctx context.Context, part airquality.Partition, filter []airquality.Pollutant) ([]airquality.Reading, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("airnow api key is not configured: %w", airquality.ErrUnauthorized)
	}

	params := airNowParameterList(filter)
	if params == "" {
		return nil, nil
	}

	bbox := part.Bounds()
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("minX", formatCoord(bbox.MinLon))
		values.Set("minY", formatCoord(bbox.MinLat))
		values.Set("maxX", formatCoord(bbox.MaxLon))
		values.Set("maxY", formatCoord(bbox.MaxLat))
		values.Set("parameters", params)
		values.Set("format", "application/json")
		values.Set("verbose", "1")
		values.Set("nowcastonly", "0")
		values.Set("includerawconcentrations", "1")
		values.Set("api_key", p.apiKey)

		u := fmt.Sprintf("%s/observation/bbox?%s", strings.TrimSuffix(p.cfg.baseURL, "/"), values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []airquality.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode airnow response: %w", err)
	}

	now := p.cfg.clock.Now()
	readings := make([]airquality.Reading, 0, len(records))
	for _, rec := range records {
		r, ok := p.normalize(rec, now)
		if !ok || !containsPollutant(filter, r.Pollutant) {
			continue
		}
		readings = append(readings, r)
	}

	p.log.Debug().
		Str("partition", part.Name).
		Int("records", len(records)).
		Int("readings", len(readings)).
		Msg("airnow partition decoded")
	return readings, nil
}

func (p *AirNowProvider) normalize(rec airquality.Record, now time.Time) (airquality.Reading, bool) {
	pollutant, ok := airquality.ParsePollutant(rec.String("Parameter", "ParameterName"))
	if !ok {
		return airquality.Reading{}, false
	}
	value, ok := airquality.Float(rec["RawConcentration"])
	if !ok || value == airNowMissing {
		value, ok = airquality.Float(rec["Value"])
	}
	if !ok || value == airNowMissing {
		return airquality.Reading{}, false
	}
	coords, ok := airquality.ResolveCoordinates(rec)
	if !ok {
		return airquality.Reading{}, false
	}

	r := airquality.Reading{
		Pollutant:    pollutant,
		Value:        value,
		Unit:         normalizeUnit(rec.String("Unit")),
		ObservedAt:   airquality.ResolveTimestamp(rec, now),
		Coordinates:  coords,
		LocationName: rec.String("SiteName", "ReportingArea"),
		City:         rec.String("ReportingArea"),
		State:        airquality.NormalizeState(rec.String("StateCode")),
		Country:      "US",
		Source:       airquality.SourceAirNow,
		SiteID:       rec.String("FullAQSCode", "IntlAQSCode", "SiteId"),
	}
	if aqi, ok := airquality.Float(rec["AQI"]); ok && aqi >= 0 {
		r = r.WithAQI(int(aqi))
	}
	if err := airquality.ValidateReading(r); err != nil {
		p.log.Debug().Err(err).Str("site", r.SiteID).Msg("airnow record dropped")
		return airquality.Reading{}, false
	}
	return r, true
}

func airNowParameterList(filter []airquality.Pollutant) string {
	var names []string
	for _, pollutant := range airquality.AllPollutants {
		name, supported := airNowParameters[pollutant]
		if supported && containsPollutant(filter, pollutant) {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// normalizeUnit maps the spellings upstreams use onto one form.
func normalizeUnit(u string) string {
	lower := strings.ToLower(strings.TrimSpace(u))
	switch {
	case lower == "":
		return ""
	case common.HasAny(lower, "ug/m3", "µg/m³", "µg/m3", "ug/m³"):
		return "µg/m³"
	case lower == "ppb":
		return "ppb"
	case lower == "ppm":
		return "ppm"
	default:
		return strings.TrimSpace(u)
	}
}
