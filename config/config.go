// Package config provides configuration management for the convlog tool.
// It supports loading configuration from YAML files, environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	"github.com/otherjamesbrown/convlog/pkg/db"
	"github.com/otherjamesbrown/convlog/pkg/events"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/session"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// LogFormat selects the log encoding.
type LogFormat string

const (
	// LogFormatAuto writes JSON unless stderr is a terminal.
	LogFormatAuto    LogFormat = "auto"
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Default configuration values.
const (
	DefaultOutputFormat = OutputFormatText
	DefaultConfigDir    = ".convlog"
	DefaultConfigFile   = "config.yaml"
	DefaultRedisHost    = "localhost"
	DefaultRedisPort    = 6379
)

// EnvConfigDir overrides the configuration directory.
const EnvConfigDir = "CONVLOG_CONFIG_DIR"

// RedisConfig holds change-event broker settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// PublisherConfig converts to the events package's connection settings.
func (c RedisConfig) PublisherConfig() events.PublisherConfig {
	return events.PublisherConfig{Host: c.Host, Port: c.Port, Password: c.Password, DB: c.DB}
}

// RecorderConfig holds the batching settings of the persistence recorder.
type RecorderConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// StorageConfig builds a storage.RecorderConfig around w.
func (c RecorderConfig) StorageConfig(w storage.MessageWriter, logger logging.Logger, m *observability.Metrics) storage.RecorderConfig {
	return storage.RecorderConfig{
		Writer:        w,
		BufferSize:    c.BufferSize,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		WriteTimeout:  c.WriteTimeout,
		MaxRetries:    c.MaxRetries,
		RetryBackoff:  c.RetryBackoff,
		Logger:        logger,
		Metrics:       m,
	}
}

// LoggingConfig holds log level and encoding.
type LoggingConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Config holds the convlog configuration settings.
type Config struct {
	// Reconciler controls role inference, envelope filtering and ids.
	Reconciler conversation.Config `yaml:"reconciler"`

	// Session holds room defaults and queue sizes.
	Session session.Config `yaml:"session"`

	// Database is the transcript store.
	Database db.Config `yaml:"database"`

	// Redis receives change events.
	Redis RedisConfig `yaml:"redis"`

	// Recorder batches persistence writes.
	Recorder RecorderConfig `yaml:"recorder"`

	Logging LoggingConfig `yaml:"logging"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Reconciler: conversation.DefaultConfig(),
		Session: session.Config{
			QueueSize:      session.DefaultQueueSize,
			LocalIdentity:  session.DefaultLocalIdentity,
			PublishTimeout: session.DefaultPublishTimeout,
		},
		Database: *db.DefaultConfig(),
		Redis: RedisConfig{
			Host: DefaultRedisHost,
			Port: DefaultRedisPort,
		},
		Recorder: RecorderConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			WriteTimeout:  5 * time.Second,
			MaxRetries:    2,
			RetryBackoff:  200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Format: LogFormatAuto,
		},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $CONVLOG_CONFIG_DIR if set, otherwise ~/.convlog
func ConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (path if non-empty, else ConfigPath); only an explicit
// path is required to exist
// 3. CONVLOG_* environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if err := loadFromFile(cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg. Keys absent from the file
// keep their current values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// loadFromEnv overlays environment variables onto the configuration.
// Unparseable numbers and durations are ignored.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CONVLOG_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	if envBool(os.Getenv("CONVLOG_DEBUG")) {
		cfg.Debug = true
	}
	if v := os.Getenv("CONVLOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONVLOG_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = LogFormat(v)
	}

	// Reconciler
	if v := os.Getenv("CONVLOG_AGENT_MARKERS"); v != "" {
		cfg.Reconciler.AgentMarkers = splitList(v)
	}
	if v := os.Getenv("CONVLOG_LANE_LOOKUP"); v != "" {
		cfg.Reconciler.LaneLookup = conversation.LaneLookup(v)
	}

	// Session
	if v := os.Getenv("CONVLOG_ROOM"); v != "" {
		cfg.Session.Room = v
	}
	if v := os.Getenv("CONVLOG_LOCAL_IDENTITY"); v != "" {
		cfg.Session.LocalIdentity = v
	}
	envInt("CONVLOG_QUEUE_SIZE", &cfg.Session.QueueSize)

	cfg.Database.ApplyEnv()

	// Redis
	if v := os.Getenv("CONVLOG_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	envInt("CONVLOG_REDIS_PORT", &cfg.Redis.Port)
	if v := os.Getenv("CONVLOG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	envInt("CONVLOG_REDIS_DB", &cfg.Redis.DB)

	// Recorder
	envInt("CONVLOG_RECORDER_BATCH_SIZE", &cfg.Recorder.BatchSize)
	envDuration("CONVLOG_RECORDER_FLUSH_INTERVAL", &cfg.Recorder.FlushInterval)
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}

	if !c.Logging.Format.IsValid() {
		return fmt.Errorf("invalid logging.format: %q (must be auto, json, or console)", c.Logging.Format)
	}

	switch logging.Level(strings.ToLower(c.Logging.Level)) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError, "":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if err := c.Reconciler.Validate(); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	if c.Session.QueueSize < 0 {
		return fmt.Errorf("session.queue_size must not be negative")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
	}

	if c.Recorder.BatchSize < 0 || c.Recorder.BufferSize < 0 {
		return fmt.Errorf("recorder sizes must not be negative")
	}

	return nil
}

// LogLevel returns the effective log level; Debug forces debug.
func (c *Config) LogLevel() logging.Level {
	if c.Debug {
		return logging.LevelDebug
	}
	return logging.ParseLevel(c.Logging.Level)
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// IsValid checks if the log format is valid.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatAuto, LogFormatJSON, LogFormatConsole:
		return true
	default:
		return false
	}
}

// SaveConfig writes cfg to path, or to ConfigPath when path is empty. The
// database password is never written; it belongs in the keyring or env.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	out := *cfg
	out.Database.Password = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}
