// Package config provides unified configuration loading for chemlab.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chemlab/internal/blob"
	"chemlab/internal/core"
)

// EnvConfigPath names the environment variable pointing at a config file.
const EnvConfigPath = "CHEMLAB_CONFIG"

// DefaultPath is read by Load when EnvConfigPath is unset and the file exists.
const DefaultPath = "chemlab.yaml"

// Config contains all chemlab configuration settings.
type Config struct {
	// Catalog locates the reference data. An empty path uses the embedded catalog.
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Simulation tunes the lab engines.
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Storage selects where finalized results are persisted.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Blob selects where exported reports are written.
	Blob BlobConfig `json:"blob" yaml:"blob"`

	// Logging configures the structured logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Server configures the HTTP host for metrics and the event stream.
	Server ServerConfig `json:"server" yaml:"server"`
}

// CatalogConfig locates the reference data file.
type CatalogConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SimulationConfig mirrors core.Limits plus the host tick loop.
type SimulationConfig struct {
	MaxActiveReactions      int           `json:"max_active_reactions" yaml:"max_active_reactions"`
	MaxActiveTitrations     int           `json:"max_active_titrations" yaml:"max_active_titrations"`
	MaxActiveMeasurements   int           `json:"max_active_measurements" yaml:"max_active_measurements"`
	SpeedMultiplier         float64       `json:"speed_multiplier" yaml:"speed_multiplier"`
	TemperatureMultiplier   float64       `json:"temperature_multiplier" yaml:"temperature_multiplier"`
	DefaultTemperature      float64       `json:"default_temperature" yaml:"default_temperature"`
	DefaultAcceptableError  float64       `json:"default_acceptable_error" yaml:"default_acceptable_error"`
	DefaultOutlierThreshold float64       `json:"default_outlier_threshold" yaml:"default_outlier_threshold"`
	DefaultMaxDataPoints    int           `json:"default_max_data_points" yaml:"default_max_data_points"`
	PassingThreshold        float64       `json:"passing_threshold" yaml:"passing_threshold"`
	ExcellentThreshold      float64       `json:"excellent_threshold" yaml:"excellent_threshold"`
	TickInterval            time.Duration `json:"tick_interval" yaml:"tick_interval"`
	TickDelta               float64       `json:"tick_delta" yaml:"tick_delta"`
}

// StorageConfig selects the result store driver.
type StorageConfig struct {
	// Driver is "memory", "sqlite" (default) or "postgres".
	Driver      string `json:"driver" yaml:"driver"`
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// BlobConfig selects the report artifact driver.
type BlobConfig struct {
	// Driver is "fs" (default), "s3" or "memory".
	Driver string       `json:"driver" yaml:"driver"`
	FSRoot string       `json:"fs_root,omitempty" yaml:"fs_root,omitempty"`
	S3     S3BlobConfig `json:"s3" yaml:"s3"`
}

// S3BlobConfig configures the S3 (or MinIO) report bucket. Secrets support
// ${VAR} expansion.
type S3BlobConfig struct {
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	PathStyle       bool   `json:"path_style" yaml:"path_style"`
}

// String implements fmt.Stringer so credentials never reach the logs.
func (c S3BlobConfig) String() string {
	secret := ""
	if c.SecretAccessKey != "" {
		secret = "(set)"
	}
	return fmt.Sprintf("S3BlobConfig{Bucket:%s, Region:%s, Endpoint:%s, SecretAccessKey:%s}", c.Bucket, c.Region, c.Endpoint, secret)
}

// LoggingConfig configures log verbosity and encoding.
type LoggingConfig struct {
	// Level is "trace", "debug", "info" (default), "warn" or "error".
	Level string `json:"level" yaml:"level"`
	// Format is "text" (default) or "json".
	Format string `json:"format" yaml:"format"`
	// AuditPath enables the JSONL audit trail when set.
	AuditPath string `json:"audit_path,omitempty" yaml:"audit_path,omitempty"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Address     string `json:"address" yaml:"address"`
	EventBuffer int    `json:"event_buffer" yaml:"event_buffer"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	limits := core.DefaultLimits()
	return &Config{
		Simulation: SimulationConfig{
			MaxActiveReactions:      limits.MaxActiveReactions,
			MaxActiveTitrations:     limits.MaxActiveTitrations,
			MaxActiveMeasurements:   limits.MaxActiveMeasurements,
			SpeedMultiplier:         limits.SpeedMultiplier,
			TemperatureMultiplier:   limits.TemperatureMultiplier,
			DefaultTemperature:      limits.DefaultTemperature,
			DefaultAcceptableError:  limits.DefaultAcceptableError,
			DefaultOutlierThreshold: limits.DefaultOutlierThreshold,
			DefaultMaxDataPoints:    limits.DefaultMaxDataPoints,
			PassingThreshold:        limits.PassingThreshold,
			ExcellentThreshold:      limits.ExcellentThreshold,
			TickInterval:            100 * time.Millisecond,
			TickDelta:               0.1,
		},
		Storage: StorageConfig{
			Driver:     string(core.StorageSQLite),
			SQLitePath: "chemlab.db",
		},
		Blob: BlobConfig{
			Driver: string(blob.DriverFilesystem),
			FSRoot: "reports",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:     ":8080",
			EventBuffer: 256,
		},
	}
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> $CHEMLAB_CONFIG or ./chemlab.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Storage.PostgresDSN = expandEnvVars(config.Storage.PostgresDSN)
	config.Blob.S3.AccessKeyID = expandEnvVars(config.Blob.S3.AccessKeyID)
	config.Blob.S3.SecretAccessKey = expandEnvVars(config.Blob.S3.SecretAccessKey)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	s := c.Simulation
	if s.MaxActiveReactions < 0 || s.MaxActiveTitrations < 0 || s.MaxActiveMeasurements < 0 || s.DefaultMaxDataPoints < 0 {
		errs = append(errs, errors.New("simulation limits must be non-negative"))
	}
	if s.SpeedMultiplier < 0 || s.TemperatureMultiplier < 0 {
		errs = append(errs, errors.New("simulation multipliers must be non-negative"))
	}
	if s.PassingThreshold < 0 || s.PassingThreshold > 1 || s.ExcellentThreshold < 0 || s.ExcellentThreshold > 1 {
		errs = append(errs, fmt.Errorf("grading thresholds must be between 0 and 1, got %g and %g", s.PassingThreshold, s.ExcellentThreshold))
	}
	if s.ExcellentThreshold > 0 && s.ExcellentThreshold < s.PassingThreshold {
		errs = append(errs, fmt.Errorf("excellent_threshold %g is below passing_threshold %g", s.ExcellentThreshold, s.PassingThreshold))
	}
	if s.TickInterval < 0 || s.TickDelta < 0 {
		errs = append(errs, errors.New("tick_interval and tick_delta must be non-negative"))
	}

	switch core.StorageDriver(c.Storage.Driver) {
	case "", core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage driver: %s (valid: memory, sqlite, postgres)", c.Storage.Driver))
	}

	switch blob.Driver(strings.ToLower(c.Blob.Driver)) {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid blob driver: %s (valid: fs, s3, memory)", c.Blob.Driver))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (valid: trace, debug, info, warn, error)", c.Logging.Level))
	}
	if f := strings.ToLower(c.Logging.Format); f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format))
	}
	if c.Server.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("server.event_buffer must be non-negative, got %d", c.Server.EventBuffer))
	}
	return errors.Join(errs...)
}

// Limits converts the simulation settings into engine limits.
func (c *Config) Limits() core.Limits {
	s := c.Simulation
	return core.Limits{
		MaxActiveReactions:      s.MaxActiveReactions,
		MaxActiveTitrations:     s.MaxActiveTitrations,
		MaxActiveMeasurements:   s.MaxActiveMeasurements,
		SpeedMultiplier:         s.SpeedMultiplier,
		TemperatureMultiplier:   s.TemperatureMultiplier,
		DefaultTemperature:      s.DefaultTemperature,
		DefaultAcceptableError:  s.DefaultAcceptableError,
		DefaultOutlierThreshold: s.DefaultOutlierThreshold,
		DefaultMaxDataPoints:    s.DefaultMaxDataPoints,
		PassingThreshold:        s.PassingThreshold,
		ExcellentThreshold:      s.ExcellentThreshold,
	}
}

// StorageOptions converts the storage settings for core.OpenResultStore.
func (c *Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobOptions converts the blob settings for blob.Open.
func (c *Config) BlobOptions() blob.Config {
	return blob.Config{
		Driver: c.Blob.Driver,
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3.Bucket,
			Region:          c.Blob.S3.Region,
			Prefix:          c.Blob.S3.Prefix,
			Endpoint:        c.Blob.S3.Endpoint,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
			PathStyle:       c.Blob.S3.PathStyle,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CHEMLAB_CATALOG_PATH"); v != "" {
		config.Catalog.Path = v
	}

	if v := os.Getenv("CHEMLAB_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = v
	}
	if v := os.Getenv("CHEMLAB_SQLITE_PATH"); v != "" {
		config.Storage.SQLitePath = v
	}
	if v := os.Getenv("CHEMLAB_POSTGRES_DSN"); v != "" {
		config.Storage.PostgresDSN = v
	}

	if v := os.Getenv("CHEMLAB_BLOB_DRIVER"); v != "" {
		config.Blob.Driver = v
	}
	if v := os.Getenv("CHEMLAB_BLOB_FS_ROOT"); v != "" {
		config.Blob.FSRoot = v
	}
	if v := os.Getenv("CHEMLAB_BLOB_S3_BUCKET"); v != "" {
		config.Blob.S3.Bucket = v
	}
	if v := os.Getenv("CHEMLAB_BLOB_S3_REGION"); v != "" {
		config.Blob.S3.Region = v
	}
	if v := os.Getenv("CHEMLAB_BLOB_S3_ENDPOINT"); v != "" {
		config.Blob.S3.Endpoint = v
	}
	if v := os.Getenv("CHEMLAB_BLOB_S3_PATH_STYLE"); v != "" {
		config.Blob.S3.PathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && config.Blob.S3.AccessKeyID == "" {
		config.Blob.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && config.Blob.S3.SecretAccessKey == "" {
		config.Blob.S3.SecretAccessKey = v
	}

	if v := os.Getenv("CHEMLAB_SPEED_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.SpeedMultiplier = f
		}
	}
	if v := os.Getenv("CHEMLAB_TEMPERATURE_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.TemperatureMultiplier = f
		}
	}
	if v := os.Getenv("CHEMLAB_MAX_ACTIVE_REACTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.MaxActiveReactions = n
		}
	}
	if v := os.Getenv("CHEMLAB_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Simulation.TickInterval = d
		}
	}

	if v := os.Getenv("CHEMLAB_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CHEMLAB_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("CHEMLAB_AUDIT_PATH"); v != "" {
		config.Logging.AuditPath = v
	}
	if v := os.Getenv("CHEMLAB_ADDR"); v != "" {
		config.Server.Address = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
