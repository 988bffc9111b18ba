package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/airquality/providers"
	httpapi "github.com/i474232898/air-quality-aggregation/internal/api/http"
	"github.com/i474232898/air-quality-aggregation/internal/config"
	"github.com/i474232898/air-quality-aggregation/internal/heatmap"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
	"github.com/i474232898/air-quality-aggregation/internal/notify"
	"github.com/i474232898/air-quality-aggregation/internal/scheduler"
	"github.com/i474232898/air-quality-aggregation/internal/store"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})

	clock := clockwork.NewRealClock()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	snapshots, err := openStore(cfg, clock, m)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open snapshot store")
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	backoff := providers.DefaultBackoff
	backoff.RateLimitDelay = cfg.RateLimitBackoff
	opts := []providers.Option{
		providers.WithBackoff(backoff),
		providers.WithThrottle(cfg.ProviderThrottle),
		providers.WithMetrics(m),
		providers.WithClock(clock),
	}

	// AirNow returns bare coordinates; city and state come from reverse
	// geocoding when a Google key is configured.
	var airNow airquality.Provider = providers.NewAirNowProvider(httpClient, cfg.AirNowAPIKey,
		append([]providers.Option{providers.WithBaseURL(cfg.AirNowBaseURL)}, opts...)...)
	if cfg.GeocoderAPIKey != "" {
		airNow = providers.WithReverseGeocoding(airNow, providers.NewGoogleGeocoder(cfg.GeocoderAPIKey), m)
	}
	openAQ := providers.NewOpenAQProvider(httpClient, cfg.OpenAQAPIKey,
		append([]providers.Option{providers.WithBaseURL(cfg.OpenAQBaseURL)}, opts...)...)

	var publisher notify.Publisher = notify.Nop{}
	if cfg.NATSURL != "" {
		p, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		publisher = p
	}
	defer publisher.Close()

	// Core service orchestrating providers and store.
	service := airquality.NewService(snapshots, []airquality.Provider{airNow, openAQ},
		airquality.WithPartitions(cfg.Partitions),
		airquality.WithPollutants(cfg.Pollutants),
		airquality.WithGenerator(airquality.NewGenerator(clock, nil), cfg.SyntheticCount),
		airquality.WithThrottle(cfg.ProviderThrottle),
		airquality.WithPublisher(publisher),
		airquality.WithMetrics(m),
		airquality.WithClock(clock),
	)

	sched := scheduler.New(service, snapshots, scheduler.Config{
		IntervalMinutes: cfg.ExtractionIntervalMinutes,
		FirstRunDelay:   cfg.FirstRunDelay,
		CleanupCron:     cfg.CleanupCron,
		Retention:       cfg.SnapshotRetention,
	}, m, clock)
	if cfg.AutoStart {
		if err := sched.Start(); err != nil {
			logging.Fatal().Err(err).Msg("failed to start scheduler")
		}
	}

	app := httpapi.NewApp(httpapi.ServerConfig{Gatherer: reg})
	httpapi.RegisterRoutes(app, httpapi.Deps{
		Status:    service.Status,
		Queries:   airquality.NewQueryEngine(snapshots, cfg.FreshnessWindow),
		Scheduler: sched,
		Snapshots: snapshots,
		Heatmap:   heatmap.NewReader(cfg.SatelliteDir),
	})

	go func() {
		logging.Info().Str("port", cfg.Port).Msg("http server listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			logging.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("error during shutdown")
	}

	// Waits for an in-flight extraction to finish persisting.
	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logging.Warn().Msg("extraction still running at shutdown deadline")
	}
}

func openStore(cfg *config.AppConfig, clock clockwork.Clock, m *metrics.Metrics) (airquality.SnapshotStore, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		logging.Warn().Msg("using in-memory snapshot store; data is lost on restart")
		return store.NewMemoryStore(clock), nil
	}
	return store.NewFileStore(cfg.DataDir, clock, m)
}
