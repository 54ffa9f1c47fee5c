// Package config loads and validates the process configuration from YAML.
//
// Configuration files may reference environment variables with $(VAR) or
// ${VAR} placeholders; $$ escapes a literal dollar sign and JSONPath
// expressions like $.device.id pass through untouched. DATABASE_URL and
// NATS_URL environment variables override the corresponding file values.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
)

// Defaults applied when the file leaves values unset.
const (
	DefaultBatchSize     = 100
	DefaultLinger        = time.Second
	DefaultMetricsPort   = 9090
	DefaultMaxConns      = 4
	DefaultMaxReconnects = -1
)

// Duration wraps time.Duration with YAML string parsing ("500ms", "1m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig defines bus connection settings.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name,omitempty"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	Token         string   `yaml:"token,omitempty"`
	MaxReconnects int      `yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `yaml:"reconnect_wait,omitempty"`

	// Stream names a JetStream stream to consume from with a durable
	// consumer. Empty means plain core NATS subscriptions.
	Stream  string `yaml:"stream,omitempty"`
	Durable string `yaml:"durable,omitempty"`

	// Subjects the ingestor subscribes to.
	Subjects []string `yaml:"subjects"`
}

// DatabaseConfig defines the storage pool settings.
type DatabaseConfig struct {
	URL            string   `yaml:"url,omitempty"`
	MaxConns       int32    `yaml:"max_conns,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
}

// WriterConfig defines batching thresholds.
type WriterConfig struct {
	BatchSize int      `yaml:"batch_size,omitempty"`
	Linger    Duration `yaml:"linger,omitempty"`
}

// MetricsConfig defines the metrics HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// Config is the complete application configuration.
type Config struct {
	NATS      NATSConfig       `yaml:"nats"`
	Database  DatabaseConfig   `yaml:"database"`
	Writer    WriterConfig     `yaml:"writer"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Pipelines []*pipeline.Spec `yaml:"pipelines"`
}

// Load reads, expands, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	return Parse(raw)
}

// Parse expands environment placeholders, decodes YAML, applies defaults
// and environment overrides, and validates the result.
func Parse(raw []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(raw))
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Parse", "expand environment placeholders")
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "Parse", "decode YAML")
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.Linger == 0 {
		c.Writer.Linger = Duration(DefaultLinger)
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = DefaultMaxReconnects
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = Duration(2 * time.Second)
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "telemetry-ingest"
	}
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
	}
}

// HasDatabasePipelines reports whether any pipeline writes to a table.
func (c *Config) HasDatabasePipelines() bool {
	for _, spec := range c.Pipelines {
		if !spec.IsRepublish() {
			return true
		}
	}
	return false
}

// Validate checks the configuration. Errors are fatal to startup.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return configErr("nats.url is required")
	}
	if len(c.NATS.Subjects) == 0 {
		return configErr("nats.subjects must list at least one subject")
	}
	if c.NATS.Stream != "" && c.NATS.Durable == "" {
		return configErr("nats.durable is required when nats.stream is set")
	}

	if c.Writer.BatchSize < 1 {
		return configErr("writer.batch_size must be positive")
	}
	if c.Writer.Linger.Std() <= 0 {
		return configErr("writer.linger must be positive")
	}

	if len(c.Pipelines) == 0 {
		return configErr("no pipelines defined")
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for _, spec := range c.Pipelines {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Name] {
			return configErr(fmt.Sprintf("duplicate pipeline name %q", spec.Name))
		}
		seen[spec.Name] = true
	}

	if c.HasDatabasePipelines() && c.Database.URL == "" {
		return configErr("database.url is required when pipelines write to tables")
	}

	return nil
}

func configErr(msg string) error {
	return errors.WrapFatal(stderrors.New(msg), "Config", "Validate", "validate configuration")
}
