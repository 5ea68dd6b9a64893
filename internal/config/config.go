// Package config loads service configuration in three layers: built-in
// defaults, an optional YAML file, and FAULTLINE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config captures everything required to boot the analysis service.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Logging      LoggingConfig    `yaml:"logging"`
	Storage      StorageConfig    `yaml:"storage"`
	Source       SourceConfig     `yaml:"source"`
	Cache        CacheConfig      `yaml:"cache"`
	Applications []Application    `yaml:"applications" ignored:"true"`
	Clustering   ClusteringConfig `yaml:"clustering"`
	Detection    DetectionConfig  `yaml:"detection"`
	Alerts       AlertsConfig     `yaml:"alerts"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig controls the HTTP API and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" envconfig:"SERVER_ADDRESS"`
	MetricsAddress  string        `yaml:"metricsAddress" envconfig:"METRICS_ADDRESS"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" envconfig:"SERVER_GRACEFUL_TIMEOUT"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"STORAGE_DSN"`
}

// CacheConfig selects the backend for alert dedup keys. The in-process
// backend is fine for a single instance; valkey is for running replicas.
type CacheConfig struct {
	// Driver is one of memory, valkey.
	Driver   string `yaml:"driver" envconfig:"CACHE_DRIVER"`
	Addr     string `yaml:"addr" envconfig:"CACHE_ADDR"`
	Username string `yaml:"username" envconfig:"CACHE_USERNAME"`
	Password string `yaml:"password" envconfig:"CACHE_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"CACHE_DB"`
	TLS      bool   `yaml:"tls" envconfig:"CACHE_TLS"`
}

// SourceConfig configures the telemetry query API.
type SourceConfig struct {
	BaseURL  string        `yaml:"baseURL" envconfig:"SOURCE_BASE_URL"`
	QueryKey string        `yaml:"queryKey" envconfig:"SOURCE_QUERY_KEY"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"SOURCE_TIMEOUT"`
	Lookback time.Duration `yaml:"lookback" envconfig:"SOURCE_LOOKBACK"`
}

// Application is one monitored application and its ownership metadata.
type Application struct {
	Name       string `yaml:"name"`
	Repository string `yaml:"repository"`
	Team       string `yaml:"team"`
	// MinOccurrences overrides alerts.minOccurrences for this application.
	MinOccurrences int `yaml:"minOccurrences"`
}

// ClusteringConfig tunes entry-to-cluster assignment.
type ClusteringConfig struct {
	// SimilarityThreshold is the score at which an entry joins an existing cluster.
	SimilarityThreshold float64 `yaml:"similarityThreshold" envconfig:"SIMILARITY_THRESHOLD"`
	// TrainLookback bounds the historical corpus used to train the model.
	TrainLookback time.Duration `yaml:"trainLookback" envconfig:"TRAIN_LOOKBACK"`
}

// DetectionConfig tunes pattern detection and trend analysis.
type DetectionConfig struct {
	Window       time.Duration `yaml:"window" envconfig:"DETECTION_WINDOW"`
	SubIntervals int           `yaml:"subIntervals" envconfig:"DETECTION_SUB_INTERVALS"`
	GrowthFactor float64       `yaml:"growthFactor" envconfig:"DETECTION_GROWTH_FACTOR"`
	NoiseFloor   float64       `yaml:"noiseFloor" envconfig:"DETECTION_NOISE_FLOOR"`
	// CyclicPeriods are the candidate periodicities probed by the cyclic classifier.
	CyclicPeriods        []time.Duration `yaml:"cyclicPeriods" envconfig:"DETECTION_CYCLIC_PERIODS"`
	AutocorrThreshold    float64         `yaml:"autocorrThreshold" envconfig:"DETECTION_AUTOCORR_THRESHOLD"`
	CorrelationWindow    time.Duration   `yaml:"correlationWindow" envconfig:"DETECTION_CORRELATION_WINDOW"`
	CorrelationThreshold float64         `yaml:"correlationThreshold" envconfig:"DETECTION_CORRELATION_THRESHOLD"`
	JaccardThreshold     float64         `yaml:"jaccardThreshold" envconfig:"DETECTION_JACCARD_THRESHOLD"`
}

// AlertsConfig tunes alert decisions and dispatch.
type AlertsConfig struct {
	Enabled             bool          `yaml:"enabled" envconfig:"ALERTS_ENABLED"`
	MinOccurrences      int           `yaml:"minOccurrences" envconfig:"ALERTS_MIN_OCCURRENCES"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold" envconfig:"ALERTS_CONFIDENCE_THRESHOLD"`
	DedupTTL            time.Duration `yaml:"dedupTTL" envconfig:"ALERTS_DEDUP_TTL"`
	WebhookTimeout      time.Duration `yaml:"webhookTimeout" envconfig:"ALERTS_WEBHOOK_TIMEOUT"`
	// DigestChannel receives the scheduled digest summary.
	DigestChannel string `yaml:"digestChannel" envconfig:"ALERTS_DIGEST_CHANNEL"`
	// Channels routes severity names to channel names.
	Channels map[string]string `yaml:"channels" ignored:"true"`
	// Webhooks maps channel names to webhook URLs.
	Webhooks map[string]string `yaml:"webhooks" ignored:"true"`
}

// SchedulerConfig holds the cron expressions for background passes.
type SchedulerConfig struct {
	AnalyzeSpec string `yaml:"analyzeSpec" envconfig:"SCHEDULE_ANALYZE"`
	RetrainSpec string `yaml:"retrainSpec" envconfig:"SCHEDULE_RETRAIN"`
	DigestSpec  string `yaml:"digestSpec" envconfig:"SCHEDULE_DIGEST"`
}

// Load initialises Config from defaults, an optional YAML file, and
// FAULTLINE_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FAULTLINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process("FAULTLINE", &cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: "memory"},
		Cache:   CacheConfig{Driver: "memory"},
		Source: SourceConfig{
			Timeout:  10 * time.Second,
			Lookback: time.Hour,
		},
		Clustering: ClusteringConfig{
			SimilarityThreshold: 0.6,
			TrainLookback:       7 * 24 * time.Hour,
		},
		Detection: DetectionConfig{
			Window:               24 * time.Hour,
			SubIntervals:         8,
			GrowthFactor:         1.5,
			NoiseFloor:           0.1,
			CyclicPeriods:        []time.Duration{24 * time.Hour, 7 * 24 * time.Hour},
			AutocorrThreshold:    0.5,
			CorrelationWindow:    30 * time.Minute,
			CorrelationThreshold: 0.7,
			JaccardThreshold:     0.5,
		},
		Alerts: AlertsConfig{
			Enabled:             true,
			MinOccurrences:      5,
			ConfidenceThreshold: 0.7,
			DedupTTL:            6 * time.Hour,
			WebhookTimeout:      10 * time.Second,
			DigestChannel:       "errors",
		},
		Scheduler: SchedulerConfig{
			AnalyzeSpec: "*/5 * * * *",
			RetrainSpec: "0 3 * * *",
			DigestSpec:  "0 8 * * *",
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Clustering.SimilarityThreshold <= 0 || c.Clustering.SimilarityThreshold > 1 {
		return fmt.Errorf("clustering.similarityThreshold must be in (0,1], got %f", c.Clustering.SimilarityThreshold)
	}
	if c.Detection.SubIntervals < 2 {
		return fmt.Errorf("detection.subIntervals must be at least 2, got %d", c.Detection.SubIntervals)
	}
	if c.Detection.Window <= 0 {
		return fmt.Errorf("detection.window must be positive, got %s", c.Detection.Window)
	}
	for _, period := range c.Detection.CyclicPeriods {
		if period <= 0 {
			return fmt.Errorf("detection.cyclicPeriods entries must be positive, got %s", period)
		}
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite, or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
	}
	switch c.Cache.Driver {
	case "memory", "valkey":
	default:
		return fmt.Errorf("cache.driver must be memory or valkey, got %q", c.Cache.Driver)
	}
	if c.Cache.Driver == "valkey" && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required for driver %q", c.Cache.Driver)
	}
	if len(c.Applications) > 0 && c.Source.BaseURL == "" {
		return fmt.Errorf("source.baseURL is required when applications are configured")
	}
	seen := make(map[string]bool, len(c.Applications))
	for _, app := range c.Applications {
		if app.Name == "" {
			return fmt.Errorf("application entries require a name")
		}
		if seen[app.Name] {
			return fmt.Errorf("duplicate application %q", app.Name)
		}
		if app.MinOccurrences < 0 {
			return fmt.Errorf("application %q minOccurrences cannot be negative", app.Name)
		}
		seen[app.Name] = true
	}
	return nil
}
