package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/heatmap"
	"github.com/i474232898/air-quality-aggregation/internal/scheduler"
)

var validate = validator.New()

// Query limits.
const (
	DefaultLimit    = 100
	MaxLimit        = 10000
	DefaultRadiusKm = 50.0
	MaxRadiusKm     = 1000.0
)

// Queries answers read requests; *airquality.QueryEngine satisfies it.
type Queries interface {
	Latest(ctx context.Context, f airquality.Filter, limit int) ([]airquality.Reading, error)
	Nearby(ctx context.Context, center airquality.Coordinates, radiusKm float64, pollutant string, limit int) ([]airquality.NearbyReading, error)
	Summary(ctx context.Context) (airquality.Summary, error)
	FilterOptions(ctx context.Context) (airquality.FilterOptions, error)
}

// SchedulerControl is the part of *scheduler.Scheduler the API drives.
type SchedulerControl interface {
	Start() error
	Stop()
	TriggerNow() (*scheduler.Trigger, error)
	Reschedule(minutes int) error
	Status() scheduler.Status
}

// SnapshotLister reports stored snapshots.
type SnapshotLister interface {
	List(ctx context.Context) ([]airquality.SnapshotMeta, error)
}

// HeatmapSource serves satellite layers; *heatmap.Reader satisfies it.
type HeatmapSource interface {
	Points(ctx context.Context, l heatmap.Layer, box airquality.BBox) ([]heatmap.Point, error)
}

// Deps are the collaborators of the API handlers.
type Deps struct {
	Status    func() airquality.RunStatus
	Queries   Queries
	Scheduler SchedulerControl
	Snapshots SnapshotLister
	Heatmap   HeatmapSource
}

type handlers struct {
	Deps
}

// RegisterRoutes wires the air-quality API into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	h := handlers{deps}
	v1 := app.Group("/api/v1/air-quality")

	v1.Post("/extract/run-now", h.runNow)
	v1.Get("/status", h.status)

	v1.Get("/scheduler/status", h.schedulerStatus)
	v1.Post("/scheduler/start", h.schedulerStart)
	v1.Post("/scheduler/stop", h.schedulerStop)
	v1.Put("/scheduler/interval", h.schedulerInterval)

	v1.Get("/measurements/latest", h.latest)
	v1.Get("/measurements/nearby", h.nearby)
	v1.Get("/measurements/summary", h.summary)
	v1.Get("/filter-options", h.filterOptions)

	v1.Get("/satellite/:pollutant", h.satellite)
}

func (h handlers) runNow(c *fiber.Ctx) error {
	trigger, err := h.Scheduler.TriggerNow()
	if errors.Is(err, scheduler.ErrRunInProgress) {
		return fiber.NewError(fiber.StatusConflict, "an extraction is already in progress")
	}
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusAccepted, "extraction started", fiber.Map{
		"run_id":     trigger.ID,
		"status_url": "/api/v1/air-quality/status",
	})
}

func (h handlers) status(c *fiber.Ctx) error {
	metas, err := h.Snapshots.List(c.UserContext())
	if err != nil {
		return err
	}
	storage := fiber.Map{"snapshots": len(metas)}
	if len(metas) > 0 {
		last := metas[len(metas)-1]
		storage["last_file"] = last.Name
		storage["last_created_at"] = last.CreatedAt
	}

	return respond(c, fiber.StatusOK, "", fiber.Map{
		"extraction": h.Status(),
		"scheduler":  h.Scheduler.Status(),
		"storage":    storage,
	})
}

func (h handlers) schedulerStatus(c *fiber.Ctx) error {
	return respond(c, fiber.StatusOK, "", h.Scheduler.Status())
}

func (h handlers) schedulerStart(c *fiber.Ctx) error {
	if err := h.Scheduler.Start(); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "scheduler started", h.Scheduler.Status())
}

func (h handlers) schedulerStop(c *fiber.Ctx) error {
	h.Scheduler.Stop()
	return respond(c, fiber.StatusOK, "scheduler stopped", h.Scheduler.Status())
}

type intervalRequest struct {
	IntervalMinutes int `json:"interval_minutes" validate:"required,gte=5,lte=1440"`
}

func (h handlers) schedulerInterval(c *fiber.Ctx) error {
	var req intervalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, scheduler.ErrInvalidInterval.Error())
	}

	if err := h.Scheduler.Reschedule(req.IntervalMinutes); err != nil {
		if errors.Is(err, scheduler.ErrInvalidInterval) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	return respond(c, fiber.StatusOK, "interval updated", h.Scheduler.Status())
}

func (h handlers) latest(c *fiber.Ctx) error {
	f, err := parseFilter(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	limit, err := parseLimit(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	readings, err := h.Queries.Latest(c.UserContext(), f, limit)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", fiber.Map{
		"count":    len(readings),
		"filters":  f,
		"readings": readings,
	})
}

type nearbyQuery struct {
	Center   airquality.Coordinates
	RadiusKm float64 `validate:"gt=0,lte=1000"`
}

func (h handlers) nearby(c *fiber.Ctx) error {
	var q nearbyQuery
	var err error
	if q.Center.Lat, err = requiredFloat(c, "lat"); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if q.Center.Lon, err = requiredFloat(c, "lon"); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if q.RadiusKm, err = optionalFloat(c, "radius_km", DefaultRadiusKm); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("lat must be in [-90, 90], lon in [-180, 180], radius_km in (0, %g]", MaxRadiusKm))
	}

	pollutant := c.Query("pollutant")
	if pollutant != "" {
		if _, ok := airquality.ParsePollutant(pollutant); !ok {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown pollutant %q", pollutant))
		}
	}
	limit, err := parseLimit(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	readings, err := h.Queries.Nearby(c.UserContext(), q.Center, q.RadiusKm, pollutant, limit)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", fiber.Map{
		"center":    q.Center,
		"radius_km": q.RadiusKm,
		"count":     len(readings),
		"readings":  readings,
	})
}

func (h handlers) summary(c *fiber.Ctx) error {
	s, err := h.Queries.Summary(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", s)
}

func (h handlers) filterOptions(c *fiber.Ctx) error {
	opts, err := h.Queries.FilterOptions(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", opts)
}

func (h handlers) satellite(c *fiber.Ctx) error {
	layer, err := heatmap.ParseLayer(c.Params("pollutant"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	box := airquality.NationalBBox
	bounds := []struct {
		key  string
		dest *float64
	}{
		{"min_lat", &box.MinLat},
		{"max_lat", &box.MaxLat},
		{"min_lon", &box.MinLon},
		{"max_lon", &box.MaxLon},
	}
	for _, b := range bounds {
		if *b.dest, err = optionalFloat(c, b.key, *b.dest); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if err := validate.Struct(box); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid bounding box")
	}

	points, err := h.Heatmap.Points(c.UserContext(), layer, box)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", fiber.Map{
		"layer":  layer,
		"bbox":   box,
		"count":  len(points),
		"points": points,
	})
}

func parseFilter(c *fiber.Ctx) (airquality.Filter, error) {
	f := airquality.Filter{
		Pollutant: strings.TrimSpace(c.Query("pollutant")),
		State:     strings.TrimSpace(c.Query("state")),
		City:      strings.TrimSpace(c.Query("city")),
		SiteID:    strings.TrimSpace(c.Query("site_id")),
		Location:  strings.TrimSpace(c.Query("location")),
	}
	if f.Pollutant != "" {
		if _, ok := airquality.ParsePollutant(f.Pollutant); !ok {
			return f, fmt.Errorf("unknown pollutant %q", f.Pollutant)
		}
	}
	return f, nil
}

func parseLimit(c *fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxLimit {
		return 0, fmt.Errorf("limit must be an integer in [1, %d]", MaxLimit)
	}
	return n, nil
}

func requiredFloat(c *fiber.Ctx, key string) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	return parseFloat(key, raw)
}

func optionalFloat(c *fiber.Ctx, key string, def float64) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return parseFloat(key, raw)
}

func parseFloat(key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return v, nil
}
