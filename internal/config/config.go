// Package config provides configuration for the geogrid service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "GEOGRID_"

// Config holds the configuration for the geogrid service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	HTTP      HTTPConfig      `json:"http" yaml:"http" envPrefix:"HTTP_"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc" envPrefix:"GRPC_"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog" envPrefix:"CATALOG_"`
	Reduce    ReduceConfig    `json:"reduce" yaml:"reduce" envPrefix:"REDUCE_"`
	Retention RetentionConfig `json:"retention" yaml:"retention" envPrefix:"RETENTION_"`
	Log       LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr" env:"ADDR"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// MaxBodyBytes caps request bodies (partials can be large)
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr" env:"ADDR"`
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" env:"TYPE"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" env:"PATH"`

	S3 S3Config `json:"s3" yaml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket" env:"BUCKET"`
	Region       string `json:"region" yaml:"region" env:"REGION"`
	Endpoint     string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style" env:"USE_PATH_STYLE"`
	Prefix       string `json:"prefix" yaml:"prefix" env:"PREFIX"`
}

// CatalogConfig holds job catalog configuration.
type CatalogConfig struct {
	// Path is the SQLite database file; defaults to <data_dir>/catalog.db
	Path string `json:"path" yaml:"path" env:"PATH"`
}

// ReduceConfig tunes reductions.
type ReduceConfig struct {
	// StrictSize rejects inputs that disagree on the requested size
	// instead of using the first input's size
	StrictSize bool `json:"strict_size" yaml:"strict_size" env:"STRICT_SIZE"`

	// FanIn is the maximum number of inputs per node of the reduce tree
	FanIn int `json:"fan_in" yaml:"fan_in" env:"FAN_IN"`

	// Concurrency bounds parallel loads and parallel node reductions
	Concurrency int `json:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`

	// Timeout bounds a single job reduction
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`

	// StatsWindow is how long idle aggregation stats are kept
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window" env:"STATS_WINDOW"`
}

// RetentionConfig controls removal of reduced jobs.
type RetentionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// TTL is how long a reduced job and its objects are kept
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`

	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval" env:"CHECK_INTERVAL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is a logrus level name: debug, info, warn, error
	Level string `json:"level" yaml:"level" env:"LEVEL"`

	// Format is text or json
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path    string `json:"path" yaml:"path" env:"PATH"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./data/geogrid",
		ShutdownTimeout: 30 * time.Second,
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 64 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Reduce: ReduceConfig{
			FanIn:       16,
			Concurrency: 8,
			Timeout:     2 * time.Minute,
			StatsWindow: time.Hour,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			TTL:           7 * 24 * time.Hour,
			CheckInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/geogrid"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Reduce.FanIn < 2 {
		return fmt.Errorf("reduce.fan_in must be at least 2, got %d", c.Reduce.FanIn)
	}

	if c.Reduce.Concurrency < 1 {
		return fmt.Errorf("reduce.concurrency must be at least 1, got %d", c.Reduce.Concurrency)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}

	if c.Reduce.Timeout < 0 {
		return fmt.Errorf("reduce.timeout must not be negative")
	}

	if c.Retention.Enabled && c.Retention.TTL <= 0 {
		return fmt.Errorf("retention.ttl must be positive when retention is enabled")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg. Variables use the
// GEOGRID_ prefix followed by the section, e.g. GEOGRID_REDUCE_FAN_IN.
// Unset variables leave the current value alone.
func LoadFromEnv(cfg *Config) error {
	if err := env.Parse(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Catalog.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Catalog.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
