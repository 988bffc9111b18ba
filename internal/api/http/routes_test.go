package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/heatmap"
	"github.com/i474232898/air-quality-aggregation/internal/scheduler"
	"github.com/i474232898/air-quality-aggregation/internal/store"
)

type fakeScheduler struct {
	running    bool
	interval   int
	triggerErr error
	triggers   int
}

func (f *fakeScheduler) Start() error {
	f.running = true
	return nil
}

func (f *fakeScheduler) Stop() { f.running = false }

func (f *fakeScheduler) TriggerNow() (*scheduler.Trigger, error) {
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.triggers++
	return &scheduler.Trigger{ID: "run-123"}, nil
}

func (f *fakeScheduler) Reschedule(minutes int) error {
	if minutes < 5 || minutes > 1440 {
		return scheduler.ErrInvalidInterval
	}
	f.interval = minutes
	return nil
}

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Running: f.running, IntervalMinutes: f.interval, Jobs: []scheduler.JobStatus{}}
}

type failingQueries struct{ Queries }

func (failingQueries) Summary(context.Context) (airquality.Summary, error) {
	return airquality.Summary{}, errors.New("disk on fire")
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	app   *fiber.App
	sched *fakeScheduler
	dir   string
}

func reading(p airquality.Pollutant, lat, lon float64, state, city string, observed time.Time) airquality.Reading {
	return airquality.Reading{
		Pollutant:   p,
		Value:       10,
		Unit:        "UG/M3",
		ObservedAt:  observed,
		Coordinates: airquality.Coordinates{Lat: lat, Lon: lon},
		City:        city,
		State:       state,
		Source:      airquality.SourceAirNow,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clock)
	now := clock.Now()

	readings := []airquality.Reading{
		reading(airquality.PollutantPM25, 40.71, -74.00, "NY", "New York", now.Add(-3*time.Hour)),
		reading(airquality.PollutantPM25, 40.75, -73.98, "NY", "New York", now.Add(-1*time.Hour)),
		reading(airquality.PollutantOzone, 34.05, -118.24, "CA", "Los Angeles", now.Add(-2*time.Hour)),
	}
	readings[0].SiteID, readings[0].LocationName = "360610135", "CCNY"
	readings[1].SiteID, readings[1].LocationName = "360610115", "PS 19"
	readings[2].SiteID, readings[2].LocationName = "060371103", "Los Angeles-North Main Street"
	_, err := st.Write(context.Background(), airquality.SourceAirNow, "run-1", readings)
	require.NoError(t, err)

	dir := t.TempDir()
	sched := &fakeScheduler{running: true, interval: 30}
	tracker := airquality.NewStatusTracker()

	app := NewApp(ServerConfig{Gatherer: prometheus.NewRegistry()})
	RegisterRoutes(app, Deps{
		Status:    tracker.Snapshot,
		Queries:   airquality.NewQueryEngine(st, 2*time.Hour),
		Scheduler: sched,
		Snapshots: st,
		Heatmap:   heatmap.NewReader(dir),
	})
	return &fixture{app: app, sched: sched, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	if strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunNow(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/air-quality/extract/run-now", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, body.Success)

	var data struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "run-123", data.RunID)

	f.sched.triggerErr = scheduler.ErrRunInProgress
	code, body = f.do(t, http.MethodPost, "/api/v1/air-quality/extract/run-now", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Message)
}

func TestStatusReportsStorage(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/status", "")
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Extraction airquality.RunStatus `json:"extraction"`
		Scheduler  scheduler.Status     `json:"scheduler"`
		Storage    struct {
			Snapshots int    `json:"snapshots"`
			LastFile  string `json:"last_file"`
		} `json:"storage"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, 1, data.Storage.Snapshots)
	assert.NotEmpty(t, data.Storage.LastFile)
	assert.True(t, data.Scheduler.Running)
	assert.Equal(t, 0, data.Extraction.TotalRuns)
}

func TestSchedulerControl(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/v1/air-quality/scheduler/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, f.sched.running)

	code, _ = f.do(t, http.MethodPost, "/api/v1/air-quality/scheduler/start", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, f.sched.running)

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/scheduler/status", "")
	assert.Equal(t, http.StatusOK, code)
	var st scheduler.Status
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.Equal(t, 30, st.IntervalMinutes)
}

func TestSchedulerInterval(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		body string
		want int
	}{
		{`{"interval_minutes": 60}`, http.StatusOK},
		{`{"interval_minutes": 4}`, http.StatusBadRequest},
		{`{"interval_minutes": 1441}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"interval_minutes": "soon"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		code, _ := f.do(t, http.MethodPut, "/api/v1/air-quality/scheduler/interval", tt.body)
		assert.Equal(t, tt.want, code, tt.body)
	}
	assert.Equal(t, 60, f.sched.interval)
}

func TestLatest(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?pollutant=pm2.5&state=ny", "")
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Count    int                  `json:"count"`
		Readings []airquality.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 2, data.Count)
	assert.True(t, data.Readings[0].ObservedAt.After(data.Readings[1].ObservedAt), "newest first")

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, 1, data.Count)
}

func TestLatestBySiteAndLocation(t *testing.T) {
	f := newFixture(t)

	var data struct {
		Count    int                  `json:"count"`
		Filters  airquality.Filter    `json:"filters"`
		Readings []airquality.Reading `json:"readings"`
	}

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?site_id=360610135", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "CCNY", data.Readings[0].LocationName)
	assert.Equal(t, "360610135", data.Filters.SiteID)

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?location=MAIN+street", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "060371103", data.Readings[0].SiteID)
	assert.Equal(t, "MAIN street", data.Filters.Location)

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?site_id=3606101", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, 0, data.Count, "site_id is an exact match")
}

func TestLatestRejectsBadQuery(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"pollutant=radon", "limit=0", "limit=10001", "limit=many"} {
		code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/latest?"+q, "")
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.False(t, body.Success, q)
	}
}

func TestNearby(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/nearby?lat=40.70&lon=-74.01&radius_km=25", "")
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Count    int                        `json:"count"`
		RadiusKm float64                    `json:"radius_km"`
		Readings []airquality.NearbyReading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 2, data.Count)
	assert.Equal(t, 25.0, data.RadiusKm)
	assert.Less(t, data.Readings[0].DistanceKm, data.Readings[1].DistanceKm)

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/nearby?lat=40.70&lon=-74.01", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, DefaultRadiusKm, data.RadiusKm)
}

func TestNearbyRejectsBadQuery(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{
		"lon=-74",
		"lat=40",
		"lat=north&lon=-74",
		"lat=95&lon=-74",
		"lat=40&lon=-181",
		"lat=40&lon=-74&radius_km=0",
		"lat=40&lon=-74&radius_km=1001",
		"lat=40&lon=-74&pollutant=radon",
	} {
		code, _ := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/nearby?"+q, "")
		assert.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestSummaryAndFilterOptions(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/measurements/summary", "")
	require.Equal(t, http.StatusOK, code)
	var s airquality.Summary
	require.NoError(t, json.Unmarshal(body.Data, &s))
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByState["NY"])

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/filter-options", "")
	require.Equal(t, http.StatusOK, code)
	var opts airquality.FilterOptions
	require.NoError(t, json.Unmarshal(body.Data, &opts))
	assert.Equal(t, 3, opts.Total)
	assert.Len(t, opts.States, 2)
}

func TestQueryErrorRendersEnvelope(t *testing.T) {
	clock := clockwork.NewFakeClock()
	app := NewApp(ServerConfig{})
	RegisterRoutes(app, Deps{
		Queries: failingQueries{airquality.NewQueryEngine(store.NewMemoryStore(clock), time.Hour)},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/air-quality/measurements/summary", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "internal server error", body.Message)
}

func TestSatellite(t *testing.T) {
	f := newFixture(t)

	points := []heatmap.Point{{Lat: 40, Lon: -100, Value: 1}, {Lat: 41, Lon: -101, Value: 2}}
	data, err := json.Marshal(points)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "no2_heatmap.json"), data, 0o644))

	code, body := f.do(t, http.MethodGet, "/api/v1/air-quality/satellite/NO2?min_lat=39&max_lat=42&min_lon=-102&max_lon=-99", "")
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &out))
	assert.Equal(t, 2, out.Count)

	code, body = f.do(t, http.MethodGet, "/api/v1/air-quality/satellite/hcho", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &out))
	assert.Equal(t, 0, out.Count)

	for _, path := range []string{
		"/api/v1/air-quality/satellite/pm25",
		"/api/v1/air-quality/satellite/no2?min_lat=45&max_lat=40",
		"/api/v1/air-quality/satellite/no2?min_lon=west",
	} {
		code, _ := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, code, path)
	}
}
