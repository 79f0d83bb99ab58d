package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Resolver failure policies.
const (
	FailurePolicyFatal = "fatal"
	FailurePolicySkip  = "skip"
)

// Geocache drivers.
const (
	GeocacheNone     = "none"
	GeocacheSQLite   = "sqlite"
	GeocachePostgres = "postgres"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Stage reporting.
	PluginName            string
	ProgressEvery         int
	ResolverFailurePolicy string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	// Persistent geocode cache and offline gazetteer.
	GeocacheDriver string
	GeocacheDSN    string
	GazetteerPath  string

	// Lifecycle event publishing and tracing.
	NATSURL           string
	NATSSubjectPrefix string
	OTLPEndpoint      string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	mapboxTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("MAPBOX_TIMEOUT", "5s"))
	if err != nil || mapboxTimeout <= 0 {
		return nil, errors.New("invalid MAPBOX_TIMEOUT")
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	progressEvery, err := parsePositiveInt("PROGRESS_EVERY", 100)
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "raw-profiles"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "geofixed-profiles"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "profile-geofix"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		PluginName:            sharedcfg.EnvOrDefault("PLUGIN_NAME", "fixgeoprofile"),
		ProgressEvery:         progressEvery,
		ResolverFailurePolicy: sharedcfg.EnvOrDefault("RESOLVER_FAILURE_POLICY", FailurePolicyFatal),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),

		GeocacheDriver: sharedcfg.EnvOrDefault("GEOCACHE_DRIVER", GeocacheNone),
		GeocacheDSN:    os.Getenv("GEOCACHE_DSN"),
		GazetteerPath:  os.Getenv("GAZETTEER_PATH"),

		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: sharedcfg.EnvOrDefault("NATS_SUBJECT_PREFIX", "geofix.progress"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.KafkaSourceTopic == "" {
		return errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if c.KafkaSinkTopic == "" {
		return errors.New("KAFKA_SINK_TOPIC is required")
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	switch c.ResolverFailurePolicy {
	case FailurePolicyFatal, FailurePolicySkip:
	default:
		return fmt.Errorf("invalid RESOLVER_FAILURE_POLICY %q: want %q or %q",
			c.ResolverFailurePolicy, FailurePolicyFatal, FailurePolicySkip)
	}
	switch c.GeocacheDriver {
	case GeocacheNone:
	case GeocacheSQLite, GeocachePostgres:
		if c.GeocacheDSN == "" {
			return fmt.Errorf("GEOCACHE_DSN is required for GEOCACHE_DRIVER=%s", c.GeocacheDriver)
		}
	default:
		return fmt.Errorf("invalid GEOCACHE_DRIVER %q", c.GeocacheDriver)
	}
	return nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}
