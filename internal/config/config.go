// Package config holds the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Database configures the backing store.
	Database DatabaseConfig `yaml:"database"`

	// ManifestPath is the path to the metric manifest.
	ManifestPath string `yaml:"manifest_path"`

	// ImportDir is the base directory for external-source imports.
	ImportDir string `yaml:"import_dir"`

	// Export configures table exports.
	Export ExportConfig `yaml:"export"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`

	// ReadTimeout bounds how long reading a request may take. Ingestion
	// uploads can be large, so this is generous by default.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds how long writing a response may take.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the backing store.
type DatabaseConfig struct {
	// Path is the database file path. Empty means in-memory.
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ExportConfig configures table exports.
type ExportConfig struct {
	// Compression is the Parquet compression algorithm: zstd, snappy,
	// lz4, gzip or none.
	Compression string `yaml:"compression"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is the output format: json or text.
	Format string `yaml:"format"`
}

// Load reads a configuration file, applying defaults for everything the
// file does not set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     10 * time.Minute,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "vitalstore.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		ManifestPath: "manifest.yaml",
		ImportDir:    ".",
		Export: ExportConfig{
			Compression: "zstd",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.ManifestPath == "" {
		return fmt.Errorf("manifest_path is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text")
	}

	switch c.Export.Compression {
	case "zstd", "snappy", "lz4", "gzip", "none":
	default:
		return fmt.Errorf("export.compression must be zstd, snappy, lz4, gzip or none")
	}

	return nil
}
