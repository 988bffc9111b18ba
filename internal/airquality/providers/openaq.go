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
	"golang.org/x/time/rate"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/common"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// OpenAQBaseURL is the OpenAQ v3 API root.
const OpenAQBaseURL = "https://api.openaq.org/v3"

const (
	openAQPageSize  = 200
	openAQMaxPages  = 5
	openAQLookback  = 24 * time.Hour
	maxRadiusMeters = 75000
)

var openAQParameterIDs = map[airquality.Pollutant]int{
	airquality.PollutantPM10:  1,
	airquality.PollutantPM25:  2,
	airquality.PollutantCO:    6,
	airquality.PollutantOzone: 7,
	airquality.PollutantNO2:   8,
	airquality.PollutantSO2:   21,
}

// OpenAQProvider implements airquality.Provider for the OpenAQ v3
// measurements endpoint. Each partition issues one paginated request
// series per pollutant.
type OpenAQProvider struct {
	apiKey  string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	cfg     settings
	log     zerolog.Logger
}

func NewOpenAQProvider(client *http.Client, apiKey string, opts ...Option) *OpenAQProvider {
	cfg := defaultSettings(OpenAQBaseURL)
	for _, opt := range opts {
		opt(&cfg)
	}

	return &OpenAQProvider{
		apiKey: apiKey,
		httpCfg: HTTPClientConfig{
			Client:  client,
			Backoff: cfg.backoff,
		},
		circuit: newCircuitBreaker(airquality.SourceOpenAQ, cfg.metrics),
		cfg:     cfg,
		log:     logging.Component("openaq"),
	}
}

func (p *OpenAQProvider) Source() airquality.Source {
	return airquality.SourceOpenAQ
}

func (p *OpenAQProvider) HasCredential() bool {
	return p.apiKey != ""
}

type openAQPage struct {
	Meta struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
	} `json:"meta"`
	Results []airquality.Record `json:"results"`
}

// Fetch walks every requested pollutant and page of one partition.
// Readings gathered before a failure are returned with the error.
func (p *OpenAQProvider) Fetch(ctx context.Context, part airquality.Partition, filter []airquality.Pollutant) ([]airquality.Reading, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openaq api key is not configured: %w", airquality.ErrUnauthorized)
	}

	limiter := rate.NewLimiter(rate.Every(p.cfg.throttle), 1)
	now := p.cfg.clock.Now().UTC()

	var readings []airquality.Reading
	for _, pollutant := range airquality.AllPollutants {
		id, supported := openAQParameterIDs[pollutant]
		if !supported || !containsPollutant(filter, pollutant) {
			continue
		}

		for page := 1; page <= openAQMaxPages; page++ {
			if err := limiter.Wait(ctx); err != nil {
				return readings, err
			}

			res, err := p.fetchPage(ctx, part, id, page, now)
			if err != nil {
				return readings, fmt.Errorf("%s page %d: %w", pollutant, page, err)
			}
			for _, rec := range res.Results {
				if r, ok := p.normalize(rec, pollutant, now); ok {
					readings = append(readings, r)
				}
			}
			if len(res.Results) < openAQPageSize {
				break
			}
		}
	}

	p.log.Debug().Str("partition", part.Name).Int("readings", len(readings)).Msg("openaq partition decoded")
	return readings, nil
}

func (p *OpenAQProvider) fetchPage(ctx context.Context, part airquality.Partition, parameterID, page int, now time.Time) (openAQPage, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("limit", strconv.Itoa(openAQPageSize))
		values.Set("page", strconv.Itoa(page))
		values.Set("sort_order", "desc")
		values.Set("order_by", "datetime")
		values.Set("date_from", now.Add(-openAQLookback).Format(time.RFC3339))
		values.Set("date_to", now.Format(time.RFC3339))
		values.Set("parameters_id", strconv.Itoa(parameterID))

		switch part.Kind {
		case airquality.PartitionRadius:
			values.Set("coordinates", fmt.Sprintf("%s,%s", formatCoord(part.Center.Lat), formatCoord(part.Center.Lon)))
			values.Set("radius", strconv.Itoa(radiusMeters(part.RadiusKm)))
		default:
			b := part.Bounds()
			values.Set("bbox", strings.Join([]string{
				formatCoord(b.MinLon), formatCoord(b.MinLat), formatCoord(b.MaxLon), formatCoord(b.MaxLat),
			}, ","))
		}

		u := fmt.Sprintf("%s/measurements?%s", strings.TrimSuffix(p.cfg.baseURL, "/"), values.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", p.apiKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return openAQPage{}, err
	}
	defer resp.Body.Close()

	var res openAQPage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return openAQPage{}, fmt.Errorf("decode openaq response: %w", err)
	}
	return res, nil
}

// normalize maps one OpenAQ result. requested is the pollutant the
// request asked for; it is used when the record does not name one.
func (p *OpenAQProvider) normalize(rec airquality.Record, requested airquality.Pollutant, now time.Time) (airquality.Reading, bool) {
	pollutant := requested
	param := rec.Object("parameter")
	name := rec.String("parameter")
	if param != nil {
		name = param.String("name")
	}
	if name != "" {
		parsed, ok := airquality.ParsePollutant(name)
		if !ok {
			return airquality.Reading{}, false
		}
		pollutant = parsed
	}

	// Negative values are reported as measured.
	value, ok := airquality.Float(rec["value"])
	if !ok {
		return airquality.Reading{}, false
	}
	coords, ok := airquality.ResolveCoordinates(rec)
	if !ok {
		return airquality.Reading{}, false
	}

	unit := rec.String("unit")
	if unit == "" && param != nil {
		unit = param.String("units")
	}

	r := airquality.Reading{
		Pollutant:   pollutant,
		Value:       value,
		Unit:        normalizeUnit(unit),
		ObservedAt:  airquality.ResolveTimestamp(rec, now),
		Coordinates: coords,
		Country:     "US",
		Source:      airquality.SourceOpenAQ,
		SiteID:      rec.String("location_id", "locationId", "sensorsId", "id"),
	}

	if loc := rec.Object("location"); loc != nil {
		r.LocationName = loc.String("name", "label")
		r.City = common.FirstNonEmpty(loc.String("city", "locality"), rec.String("city", "locality"))
		r.State = loc.String("state", "region")
		if r.SiteID == "" {
			r.SiteID = loc.String("id")
		}
	} else {
		r.LocationName = rec.String("location", "locationName")
		r.City = rec.String("city", "locality")
		r.State = rec.String("state", "region")
	}
	if country := rec.String("country"); country != "" {
		r.Country = country
	}
	r.State = airquality.NormalizeState(r.State)

	if err := airquality.ValidateReading(r); err != nil {
		p.log.Debug().Err(err).Str("site", r.SiteID).Msg("openaq record dropped")
		return airquality.Reading{}, false
	}
	return r, true
}

func radiusMeters(km float64) int {
	m := int(km * 1000)
	if m > maxRadiusMeters {
		return maxRadiusMeters
	}
	if m < 1 {
		return 1
	}
	return m
}
