// Package config loads and validates terrain export configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Export      ExportConfig      `mapstructure:"export"`
	Generator   GeneratorConfig   `mapstructure:"generator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Application ApplicationConfig `mapstructure:"application"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name; empty keeps the preset's default.
	Level string `mapstructure:"level"`
}

// ExportConfig governs admission and job handling.
type ExportConfig struct {
	WorkspaceDir      string             `mapstructure:"workspace_dir"`
	MaxCellsPermitted int64              `mapstructure:"max_cells_permitted"`
	RawFormatFactor   int64              `mapstructure:"raw_format_factor"`
	MaxCellsForMemory int64              `mapstructure:"max_cells_for_memory"`
	NumCores          int                `mapstructure:"num_cores"`
	HaltOnReject      bool               `mapstructure:"halt_on_reject"`
	DownloadPrefix    string             `mapstructure:"download_prefix"`
	GenerateTimeout   time.Duration      `mapstructure:"generate_timeout"`
	Retention         time.Duration      `mapstructure:"retention"`
	SweepInterval     time.Duration      `mapstructure:"sweep_interval"`
	Datasets          map[string]float64 `mapstructure:"datasets"`
}

// GeneratorConfig selects the tile generator implementation.
type GeneratorConfig struct {
	// Kind is "command" or "manifest".
	Kind    string        `mapstructure:"kind"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where finished artifacts are mirrored.
type StorageConfig struct {
	// Backend is one of none, memory, local, gcs, s3, azure.
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
	// LocalDir is used by the local backend.
	LocalDir string `mapstructure:"local_dir"`
	// Bucket names the GCS or S3 bucket.
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	// Azure* configure the azure backend. AzureEndpoint overrides the
	// account URL, e.g. for Azurite.
	AzureAccount    string `mapstructure:"azure_account"`
	AzureAccountKey string `mapstructure:"azure_account_key"`
	AzureContainer  string `mapstructure:"azure_container"`
	AzureEndpoint   string `mapstructure:"azure_endpoint"`
	// S3Endpoint overrides the S3 endpoint, e.g. for MinIO.
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// JobsConfig selects the job registry backend.
type JobsConfig struct {
	// Backend is memory or redis.
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	RedisPass string        `mapstructure:"redis_password"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig controls the optional run history database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchEvents int           `mapstructure:"batch_events"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events"`
}

// RateLimitConfig bounds how often a single client may start exports.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
	// IdleTTL evicts per-client limiters that have not been used.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// ApplicationConfig describes the deployment for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

var (
	validStorageBackends   = map[string]bool{"none": true, "memory": true, "local": true, "gcs": true, "s3": true, "azure": true}
	validJobsBackends      = map[string]bool{"memory": true, "redis": true}
	validGeneratorBackends = map[string]bool{"command": true, "manifest": true}
)

// Load builds a Config from an optional .env file, the config file at path
// and TERRAIN_* environment variables.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TERRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("export.workspace_dir", "tmp")
	v.SetDefault("export.max_cells_permitted", 500_000_000)
	v.SetDefault("export.raw_format_factor", 100)
	v.SetDefault("export.max_cells_for_memory", 500_000_000)
	v.SetDefault("export.num_cores", 0)
	v.SetDefault("export.halt_on_reject", true)
	v.SetDefault("export.download_prefix", "/download")
	v.SetDefault("export.generate_timeout", time.Duration(0))
	v.SetDefault("export.retention", 6*time.Hour)
	v.SetDefault("export.sweep_interval", 10*time.Minute)
	v.SetDefault("generator.kind", "manifest")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("jobs.backend", "memory")
	v.SetDefault("jobs.key_prefix", "terrain:job:")
	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("database.table", "export_runs")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_events", 256)
	v.SetDefault("progress.batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 0.2)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("rate_limit.idle_ttl", 10*time.Minute)
	v.SetDefault("application.service_name", "terrain-export")
	v.SetDefault("application.version", "dev")

	// Secrets usually arrive via TERRAIN_* variables; viper only binds keys
	// it already knows about.
	for _, key := range []string{
		"auth.api_key",
		"database.dsn",
		"jobs.redis_addr",
		"jobs.redis_password",
		"storage.azure_account",
		"storage.azure_account_key",
		"pubsub.project_id",
		"pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Export.validate(); err != nil {
		return err
	}
	if !validGeneratorBackends[c.Generator.Kind] {
		return fmt.Errorf("generator.kind %q is not supported", c.Generator.Kind)
	}
	if c.Generator.Kind == "command" && c.Generator.Command == "" {
		return fmt.Errorf("generator.command must be set when generator.kind is command")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if !validJobsBackends[c.Jobs.Backend] {
		return fmt.Errorf("jobs.backend %q is not supported", c.Jobs.Backend)
	}
	if c.Jobs.Backend == "redis" && c.Jobs.RedisAddr == "" {
		return fmt.Errorf("jobs.redis_addr must be set when jobs.backend is redis")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	return nil
}

func (e ExportConfig) validate() error {
	if strings.TrimSpace(e.WorkspaceDir) == "" {
		return fmt.Errorf("export.workspace_dir is required")
	}
	if e.MaxCellsPermitted <= 0 {
		return fmt.Errorf("export.max_cells_permitted must be > 0")
	}
	if e.RawFormatFactor <= 0 {
		return fmt.Errorf("export.raw_format_factor must be > 0")
	}
	if e.NumCores < 0 {
		return fmt.Errorf("export.num_cores must be >= 0")
	}
	if !strings.HasPrefix(e.DownloadPrefix, "/") {
		return fmt.Errorf("export.download_prefix must start with /")
	}
	if e.GenerateTimeout < 0 {
		return fmt.Errorf("export.generate_timeout must be >= 0")
	}
	if e.Retention > 0 && e.SweepInterval <= 0 {
		return fmt.Errorf("export.sweep_interval must be > 0 when export.retention is set")
	}
	for name, cw := range e.Datasets {
		if cw <= 0 {
			return fmt.Errorf("export.datasets[%s] must be > 0", name)
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	if !validStorageBackends[s.Backend] {
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	switch s.Backend {
	case "gcs", "s3":
		if s.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the %s backend", s.Backend)
		}
	case "azure":
		if s.AzureAccount == "" || s.AzureAccountKey == "" || s.AzureContainer == "" {
			return fmt.Errorf("storage.azure_account, storage.azure_account_key and storage.azure_container must be set for the azure backend")
		}
	case "local":
		if s.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	}
	return nil
}

// DatasetTable returns the configured dataset cell widths. Viper lowercases
// map keys; the estimator matches dataset names case-insensitively.
func (e ExportConfig) DatasetTable() map[string]float64 {
	if len(e.Datasets) == 0 {
		return nil
	}
	out := make(map[string]float64, len(e.Datasets))
	for name, cw := range e.Datasets {
		out[name] = cw
	}
	return out
}
