package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Export sink kinds.
const (
	SinkKafka = "kafka"
	SinkHTTP  = "http"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string

	KafkaEnabled        bool
	KafkaBrokers        []string
	KafkaGroupID        string
	KafkaAmplitudeTopic string
	KafkaOriginTopic    string
	KafkaExportTopic    string

	ExportSink      string
	ExportBucketURL string
	ExportTimeout   time.Duration
	ExportProvider  string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Sweep and retention.
	SweepInterval  time.Duration
	StationMaxAge  time.Duration
	EventMaxAge    time.Duration
	DedupCacheSize int

	// Association holds the window tunables, optionally overridden by the
	// YAML file named in ASSOCIATION_CONFIG.
	Association domain.Window
}

// ConfigurationError reports a required external dependency that is not
// configured. It is fatal for the process.
type ConfigurationError struct {
	Setting string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

var errRequired = errors.New("is required")

// Load reads configuration from environment variables, applying defaults where unset.
// A .env file in the working directory is applied first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}
	kafkaEnabled, err := parseBool("KAFKA_ENABLED", true)
	if err != nil {
		return nil, err
	}
	exportTimeout, err := parsePositiveDuration("EXPORT_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parsePositiveDuration("SWEEP_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}
	stationDays, err := parsePositiveInt("STATION_MAX_AGE_DAYS", 15)
	if err != nil {
		return nil, err
	}
	eventDays, err := parsePositiveInt("EVENT_MAX_AGE_DAYS", 90)
	if err != nil {
		return nil, err
	}
	dedupSize, err := parseNonNegativeInt("DEDUP_CACHE_SIZE", 4096)
	if err != nil {
		return nil, err
	}
	window, err := loadWindow(os.Getenv("ASSOCIATION_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseDriver: strings.ToLower(sharedcfg.EnvOrDefault("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),

		KafkaEnabled:        kafkaEnabled,
		KafkaBrokers:        sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID:        sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "amp-associator"),
		KafkaAmplitudeTopic: sharedcfg.EnvOrDefault("KAFKA_AMPLITUDE_TOPIC", "unassociated-amplitudes"),
		KafkaOriginTopic:    sharedcfg.EnvOrDefault("KAFKA_ORIGIN_TOPIC", "earthquake-origins"),
		KafkaExportTopic:    sharedcfg.EnvOrDefault("KAFKA_EXPORT_TOPIC", "associated-amplitudes"),

		ExportSink:      strings.ToLower(sharedcfg.EnvOrDefault("EXPORT_SINK", SinkKafka)),
		ExportBucketURL: os.Getenv("EXPORT_BUCKET_URL"),
		ExportTimeout:   exportTimeout,
		ExportProvider:  sharedcfg.EnvOrDefault("EXPORT_PROVIDER", domain.DefaultProvider),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		SweepInterval:  sweepInterval,
		StationMaxAge:  time.Duration(stationDays) * 24 * time.Hour,
		EventMaxAge:    time.Duration(eventDays) * 24 * time.Hour,
		DedupCacheSize: dedupSize,

		Association: window,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q: must be postgres or sqlite", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return &ConfigurationError{Setting: "DATABASE_URL", Err: errRequired}
	}

	switch c.ExportSink {
	case SinkKafka, SinkHTTP:
	default:
		return fmt.Errorf("invalid EXPORT_SINK %q: must be kafka or http", c.ExportSink)
	}
	if c.ExportSink == SinkHTTP && c.ExportBucketURL == "" {
		return &ConfigurationError{Setting: "EXPORT_BUCKET_URL", Err: errors.New("is required when EXPORT_SINK is http")}
	}

	if c.KafkaEnabled || c.ExportSink == SinkKafka {
		if len(c.KafkaBrokers) == 0 {
			return &ConfigurationError{Setting: "KAFKA_BROKERS", Err: errRequired}
		}
	}
	if c.KafkaEnabled {
		if c.KafkaAmplitudeTopic == "" || c.KafkaOriginTopic == "" {
			return errors.New("KAFKA_AMPLITUDE_TOPIC and KAFKA_ORIGIN_TOPIC are required")
		}
	}
	if c.ExportSink == SinkKafka && c.KafkaExportTopic == "" {
		return errors.New("KAFKA_EXPORT_TOPIC is required")
	}
	return nil
}

// associationFile mirrors domain.Window for YAML overrides. Fields left out
// of the file keep their defaults.
type associationFile struct {
	Before        time.Duration `yaml:"before"`
	After         time.Duration `yaml:"after"`
	MaxDistanceKm float64       `yaml:"max_distance_km"`
	PWaveSpeed    float64       `yaml:"p_wave_speed_kms"`
	StationWindow time.Duration `yaml:"station_window"`
}

func loadWindow(path string) (domain.Window, error) {
	w := domain.DefaultWindow()
	if path == "" {
		return w, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return w, &ConfigurationError{Setting: "ASSOCIATION_CONFIG", Err: err}
	}
	defer f.Close()

	af := associationFile{
		Before:        w.Before,
		After:         w.After,
		MaxDistanceKm: w.MaxDistanceKm,
		PWaveSpeed:    w.PWaveSpeed,
		StationWindow: w.StationWindow,
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&af); err != nil && !errors.Is(err, io.EOF) {
		return w, fmt.Errorf("invalid ASSOCIATION_CONFIG %s: %w", path, err)
	}

	w = domain.Window{
		Before:        af.Before,
		After:         af.After,
		MaxDistanceKm: af.MaxDistanceKm,
		PWaveSpeed:    af.PWaveSpeed,
		StationWindow: af.StationWindow,
	}
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("invalid ASSOCIATION_CONFIG %s: %w", path, err)
	}
	return w, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be true or false", key)
	}
	return b, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	n, err := parseNonNegativeInt(key, def)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func parseNonNegativeInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", key)
	}
	return n, nil
}
