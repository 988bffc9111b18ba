package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

const (
	StoreBackendFile   = "file"
	StoreBackendMemory = "memory"
)

// Interval bounds accepted for the extraction schedule, in minutes.
const (
	MinIntervalMinutes = 5
	MaxIntervalMinutes = 1440
)

type AppConfig struct {
	AirNowAPIKey  string
	OpenAQAPIKey  string
	AirNowBaseURL string        `validate:"omitempty,url"`
	OpenAQBaseURL string        `validate:"omitempty,url"`
	HTTPTimeout   time.Duration `validate:"gt=0"`

	// ExtractionIntervalMinutes is the period of the extraction job.
	ExtractionIntervalMinutes int `validate:"gte=5,lte=1440"`

	// FirstRunDelay postpones the first extraction after start.
	FirstRunDelay time.Duration `validate:"gte=0"`

	// CleanupCron is a standard five-field cron expression in UTC.
	CleanupCron string `validate:"required"`
	AutoStart   bool

	SnapshotRetention time.Duration `validate:"gt=0"`
	FreshnessWindow   time.Duration `validate:"gt=0"`
	ProviderThrottle  time.Duration `validate:"gte=0"`
	RateLimitBackoff  time.Duration `validate:"gte=0"`
	SyntheticCount    int           `validate:"gte=1,lte=500"`

	StoreBackend string `validate:"oneof=file memory"`
	DataDir      string `validate:"required_if=StoreBackend file"`

	// Partitions defaults to airquality.DefaultPartitions; PARTITIONS_FILE
	// replaces it.
	Partitions []airquality.Partition
	Pollutants []airquality.Pollutant

	GeocoderAPIKey string
	NATSURL        string
	NATSSubject    string
	SatelliteDir   string

	LogLevel  string `validate:"oneof=trace debug info warn error disabled"`
	LogFormat string `validate:"oneof=json console"`

	Port            string        `validate:"required,numeric"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// ConfigFileEnv names an optional flat YAML file whose keys are the
// lowercased environment variable names. Environment variables win.
const ConfigFileEnv = "CONFIG_FILE"

// Load reads configuration from an optional YAML file and the environment,
// with sensible defaults. A .env file in the working directory is loaded
// into the environment first when present.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file loaded")
	}

	k := koanf.New(".")
	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	// AIRNOW_API_KEY -> airnow_api_key
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	src := source{k}

	cfg := &AppConfig{}

	cfg.AirNowAPIKey = src.str("AIRNOW_API_KEY", "")
	cfg.OpenAQAPIKey = src.str("OPENAQ_API_KEY", "")
	cfg.AirNowBaseURL = src.str("AIRNOW_BASE_URL", "")
	cfg.OpenAQBaseURL = src.str("OPENAQ_BASE_URL", "")
	cfg.GeocoderAPIKey = src.str("GOOGLE_GEOCODING_API_KEY", "")
	cfg.NATSURL = src.str("NATS_URL", "")
	cfg.NATSSubject = src.str("NATS_SUBJECT", "airquality.snapshots")
	cfg.SatelliteDir = src.str("SATELLITE_DIR", "data/satellite")
	cfg.StoreBackend = strings.ToLower(src.str("STORE_BACKEND", StoreBackendFile))
	cfg.DataDir = src.str("DATA_DIR", "data/air_quality")
	cfg.CleanupCron = src.str("CLEANUP_CRON", "0 2 * * *")
	cfg.LogLevel = strings.ToLower(src.str("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(src.str("LOG_FORMAT", "json"))
	cfg.Port = src.str("PORT", "8080")

	var err error
	if cfg.ExtractionIntervalMinutes, err = src.int("EXTRACTION_INTERVAL_MINUTES", 30); err != nil {
		return nil, err
	}
	if cfg.SyntheticCount, err = src.int("SYNTHETIC_COUNT", airquality.DefaultSyntheticCount); err != nil {
		return nil, err
	}
	if cfg.AutoStart, err = src.bool("SCHEDULER_AUTOSTART", true); err != nil {
		return nil, err
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"HTTP_TIMEOUT", "30s", &cfg.HTTPTimeout},
		{"FIRST_RUN_DELAY", "10s", &cfg.FirstRunDelay},
		{"SNAPSHOT_RETENTION", "168h", &cfg.SnapshotRetention},
		{"FRESHNESS_WINDOW", "2h", &cfg.FreshnessWindow},
		{"PROVIDER_THROTTLE", "1s", &cfg.ProviderThrottle},
		{"RATE_LIMIT_BACKOFF", "5s", &cfg.RateLimitBackoff},
		{"SHUTDOWN_TIMEOUT", "10s", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(src.str(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = v
	}

	if cfg.Pollutants, err = parsePollutants(src.str("POLLUTANTS", "")); err != nil {
		return nil, err
	}

	cfg.Partitions = airquality.DefaultPartitions()
	if path := src.str("PARTITIONS_FILE", ""); path != "" {
		parts, err := LoadPartitions(path)
		if err != nil {
			return nil, err
		}
		cfg.Partitions = parts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the cleanup cron expression.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cron.ParseStandard(c.CleanupCron); err != nil {
		return fmt.Errorf("invalid CLEANUP_CRON %q: %w", c.CleanupCron, err)
	}
	if len(c.Partitions) == 0 {
		return errors.New("invalid configuration: no partitions")
	}
	return nil
}

// ExtractionInterval is ExtractionIntervalMinutes as a duration.
func (c *AppConfig) ExtractionInterval() time.Duration {
	return time.Duration(c.ExtractionIntervalMinutes) * time.Minute
}

type partitionsFile struct {
	Partitions []struct {
		Name     string          `koanf:"name"`
		Kind     string          `koanf:"kind"`
		BBox     airquality.BBox `koanf:"bbox"`
		Lat      float64         `koanf:"lat"`
		Lon      float64         `koanf:"lon"`
		RadiusKm float64         `koanf:"radius_km"`
	} `koanf:"partitions"`
}

// LoadPartitions reads a YAML list of partitions:
//
//	partitions:
//	  - name: national
//	    kind: bbox
//	    bbox: {min_lon: -125, min_lat: 25, max_lon: -66, max_lat: 49}
//	  - name: Denver
//	    kind: radius
//	    lat: 39.7392
//	    lon: -104.9903
//	    radius_km: 50
func LoadPartitions(path string) ([]airquality.Partition, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load partitions file %s: %w", path, err)
	}

	var pf partitionsFile
	if err := k.Unmarshal("", &pf); err != nil {
		return nil, fmt.Errorf("decode partitions file %s: %w", path, err)
	}

	parts := make([]airquality.Partition, 0, len(pf.Partitions))
	for i, raw := range pf.Partitions {
		p := airquality.Partition{
			Name:     raw.Name,
			Kind:     airquality.PartitionKind(strings.ToLower(raw.Kind)),
			BBox:     raw.BBox,
			Center:   airquality.Coordinates{Lat: raw.Lat, Lon: raw.Lon},
			RadiusKm: raw.RadiusKm,
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("partition-%d", i+1)
		}
		if err := airquality.ValidatePartition(p); err != nil {
			return nil, fmt.Errorf("partition %q: %w", p.Name, err)
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("partitions file %s lists no partitions", path)
	}
	return parts, nil
}

func parsePollutants(s string) ([]airquality.Pollutant, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []airquality.Pollutant
	for _, item := range strings.Split(s, ",") {
		p, ok := airquality.ParsePollutant(item)
		if !ok {
			return nil, fmt.Errorf("invalid POLLUTANTS entry %q", item)
		}
		out = append(out, p)
	}
	return out, nil
}

// source reads settings by their environment variable name. Empty values
// count as unset.
type source struct {
	k *koanf.Koanf
}

func (s source) str(key, def string) string {
	if v := strings.TrimSpace(s.k.String(strings.ToLower(key))); v != "" {
		return v
	}
	return def
}

func (s source) int(key string, def int) (int, error) {
	v := s.str(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (s source) bool(key string, def bool) (bool, error) {
	v := s.str(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
