// Package config loads the application configuration from YAML with
// defaults and MESHFLOW_* environment overrides, validating everything
// before the pipeline starts.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"meshflow/pkg/bstream"
	"meshflow/pkg/tracing"
)

// AppConfig holds the application-level settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig holds the status HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// PipelineConfig holds engine-wide defaults.
type PipelineConfig struct {
	// PoolSize is the per-stage thread pool size; -1 means hardware
	// concurrency.
	PoolSize int `yaml:"pool_size"`
	// MetadataCacheDir is an extra directory searched for reader caches.
	MetadataCacheDir string `yaml:"metadata_cache_dir"`
	// DumpCodec compresses dataset dumps: none, snappy, lz4 or zstd.
	DumpCodec string `yaml:"dump_codec"`
	// WatchConfig watches the config file and invalidates the watched
	// stages' caches on change; the file itself is not re-read.
	WatchConfig bool `yaml:"watch_config"`
}

// Config is the root configuration document.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tracing  tracing.Config `yaml:"tracing"`
}

// Load reads path (optional), applies defaults and environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	applyEnvironment(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "meshflow"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "text"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8421
	}
	if cfg.Pipeline.PoolSize == 0 {
		cfg.Pipeline.PoolSize = -1
	}
	if cfg.Pipeline.DumpCodec == "" {
		cfg.Pipeline.DumpCodec = bstream.CodecZstd
	}
	if cfg.Tracing.ServiceName == "" {
		d := tracing.DefaultConfig()
		cfg.Tracing.ServiceName = d.ServiceName
		cfg.Tracing.ServiceVersion = d.ServiceVersion
		if cfg.Tracing.Endpoint == "" {
			cfg.Tracing.Endpoint = d.Endpoint
		}
		if cfg.Tracing.SampleRate == 0 {
			cfg.Tracing.SampleRate = d.SampleRate
		}
		if cfg.Tracing.BatchTimeout == 0 {
			cfg.Tracing.BatchTimeout = d.BatchTimeout
		}
	}
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("MESHFLOW_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("MESHFLOW_LOG_FORMAT"); v != "" {
		cfg.App.LogFormat = v
	}
	if v := os.Getenv("MESHFLOW_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("MESHFLOW_SERVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Enabled = b
		}
	}
	if v := os.Getenv("MESHFLOW_POOL_SIZE"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.PoolSize = p
		}
	}
	if v := os.Getenv("MESHFLOW_METADATA_CACHE_DIR"); v != "" {
		cfg.Pipeline.MetadataCacheDir = v
	}
	if v := os.Getenv("MESHFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
}

// Validate rejects unusable configurations before anything starts.
func Validate(cfg *Config) error {
	switch cfg.App.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.App.LogLevel)
	}
	switch cfg.App.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.App.LogFormat)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", cfg.Server.Port)
	}
	if !bstream.ValidCodec(cfg.Pipeline.DumpCodec) {
		return fmt.Errorf("config: unknown dump codec %q", cfg.Pipeline.DumpCodec)
	}
	if cfg.Pipeline.PoolSize < -1 {
		return fmt.Errorf("config: pool size %d out of range", cfg.Pipeline.PoolSize)
	}
	return nil
}
