package httpapi

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

const serviceName = "air-quality-aggregation"

// ServerConfig configures the Fiber app built by NewApp.
type ServerConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

// NewApp creates the Fiber app with the shared error handler, middleware,
// health and metrics endpoints. API routes are added by RegisterRoutes.
func NewApp(cfg ServerConfig) *fiber.App {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": serviceName,
			"time":    time.Now().UTC(),
		})
	})

	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return app
}

// ErrorHandler renders errors in the response envelope. *fiber.Error keeps
// its status; anything else is a 500 with a generic message.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	} else {
		logging.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("request failed")
	}

	return c.Status(code).JSON(envelope{Success: false, Message: message})
}

// RequestLogger logs one line per request through fiber's logger
// middleware into the "http" component logger.
func RequestLogger() fiber.Handler {
	return logger.New(logger.Config{
		Format: "${status} ${method} ${path} ${latency} ${ip}\n",
		Output: logging.Component("http"),
	})
}

func respond(c *fiber.Ctx, status int, message string, data any) error {
	return c.Status(status).JSON(envelope{Success: true, Message: message, Data: data})
}
