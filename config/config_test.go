package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// isolate points the config dir at a temp dir and clears CONVLOG_* vars
// that would leak in from the environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	for _, name := range []string{
		"CONVLOG_OUTPUT_FORMAT", "CONVLOG_DEBUG", "CONVLOG_LOG_LEVEL", "CONVLOG_LOG_FORMAT",
		"CONVLOG_AGENT_MARKERS", "CONVLOG_LANE_LOOKUP", "CONVLOG_ROOM", "CONVLOG_LOCAL_IDENTITY",
		"CONVLOG_QUEUE_SIZE", "CONVLOG_REDIS_HOST", "CONVLOG_REDIS_PORT", "CONVLOG_REDIS_PASSWORD",
		"CONVLOG_REDIS_DB", "CONVLOG_RECORDER_BATCH_SIZE", "CONVLOG_RECORDER_FLUSH_INTERVAL",
		"CONVLOG_DB_HOST", "CONVLOG_DB_PORT", "CONVLOG_DB_NAME", "CONVLOG_DB_USER",
		"CONVLOG_DB_PASSWORD", "CONVLOG_DB_SSLMODE", "CONVLOG_DB_MAX_CONNS", "CONVLOG_DB_MIN_CONNS",
	} {
		t.Setenv(name, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// TestDefaultConfig verifies default configuration values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OutputFormat != DefaultOutputFormat {
		t.Errorf("OutputFormat = %v, want %v", cfg.OutputFormat, DefaultOutputFormat)
	}
	if !reflect.DeepEqual(cfg.Reconciler.AgentMarkers, []string{"agent", "tavus"}) {
		t.Errorf("AgentMarkers = %v", cfg.Reconciler.AgentMarkers)
	}
	if cfg.Reconciler.FinalIDSuffix != "-final" {
		t.Errorf("FinalIDSuffix = %q", cfg.Reconciler.FinalIDSuffix)
	}
	if cfg.Database.Database != "convlog" {
		t.Errorf("Database = %q, want convlog", cfg.Database.Database)
	}
	if cfg.Redis.Port != DefaultRedisPort {
		t.Errorf("Redis.Port = %d", cfg.Redis.Port)
	}
	if cfg.Logging.Format != LogFormatAuto {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if cfg.Debug {
		t.Error("Debug should be false by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestOutputFormat_IsValid verifies output format validation.
func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"invalid", false},
		{"", false},
		{"JSON", false}, // Case sensitive
	}

	for _, tc := range tests {
		if got := tc.format.IsValid(); got != tc.valid {
			t.Errorf("OutputFormat(%q).IsValid() = %v, want %v", tc.format, got, tc.valid)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "pretty" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"upper case level", func(c *Config) { c.Logging.Level = "DEBUG" }, false},
		{"blank agent marker", func(c *Config) { c.Reconciler.AgentMarkers = []string{"agent", " "} }, true},
		{"bad lane lookup", func(c *Config) { c.Reconciler.LaneLookup = "scan" }, true},
		{"negative queue", func(c *Config) { c.Session.QueueSize = -1 }, true},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, true},
		{"bad redis port", func(c *Config) { c.Redis.Port = 0 }, true},
		{"negative batch", func(c *Config) { c.Recorder.BatchSize = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv(EnvConfigDir, "/custom/dir")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error = %v", err)
	}
	if dir != "/custom/dir" {
		t.Errorf("ConfigDir() = %v, want /custom/dir", dir)
	}

	t.Setenv(EnvConfigDir, "")
	dir, err = ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error = %v", err)
	}
	if filepath.Base(dir) != DefaultConfigDir {
		t.Errorf("ConfigDir() = %v, want suffix %v", dir, DefaultConfigDir)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("LoadConfig() without file = %+v, want defaults", cfg)
	}
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	dir := isolate(t)
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), `
output_format: json
reconciler:
  agent_markers: [bot, Assistant]
  lane_lookup: index
session:
  room: clinic-lobby
  queue_size: 64
database:
  host: db.internal
  name: transcripts
redis:
  port: 6380
recorder:
  flush_interval: 500ms
  batch_size: 10
logging:
  level: warn
  format: json
`)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %v", cfg.OutputFormat)
	}
	if !reflect.DeepEqual(cfg.Reconciler.AgentMarkers, []string{"bot", "Assistant"}) {
		t.Errorf("AgentMarkers = %v", cfg.Reconciler.AgentMarkers)
	}
	if cfg.Reconciler.LaneLookup != conversation.LaneLookupIndex {
		t.Errorf("LaneLookup = %v", cfg.Reconciler.LaneLookup)
	}
	if cfg.Reconciler.FinalIDSuffix != "-final" {
		t.Errorf("keys absent from the file keep defaults, got suffix %q", cfg.Reconciler.FinalIDSuffix)
	}
	if cfg.Session.Room != "clinic-lobby" || cfg.Session.QueueSize != 64 {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Database != "transcripts" || cfg.Database.Port != 5432 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Redis.Port != 6380 || cfg.Redis.Host != DefaultRedisHost {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Recorder.FlushInterval != 500*time.Millisecond || cfg.Recorder.BatchSize != 10 {
		t.Errorf("Recorder = %+v", cfg.Recorder)
	}
	if cfg.LogLevel() != logging.LevelWarn {
		t.Errorf("LogLevel() = %v", cfg.LogLevel())
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), "output_format: [not, a, string")

	if _, err := LoadConfig(""); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), "output_format: xml\n")

	if _, err := LoadConfig(""); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadConfig_WithEnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), "output_format: json\nsession:\n  room: from-file\n")

	t.Setenv("CONVLOG_OUTPUT_FORMAT", "yaml")
	t.Setenv("CONVLOG_DEBUG", "1")
	t.Setenv("CONVLOG_AGENT_MARKERS", " concierge, ,bot ")
	t.Setenv("CONVLOG_ROOM", "from-env")
	t.Setenv("CONVLOG_QUEUE_SIZE", "32")
	t.Setenv("CONVLOG_DB_HOST", "pg.example")
	t.Setenv("CONVLOG_REDIS_PORT", "not-a-number")
	t.Setenv("CONVLOG_RECORDER_FLUSH_INTERVAL", "3s")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.OutputFormat != OutputFormatYAML {
		t.Errorf("OutputFormat = %v, want yaml", cfg.OutputFormat)
	}
	if !cfg.Debug || cfg.LogLevel() != logging.LevelDebug {
		t.Error("CONVLOG_DEBUG should force debug level")
	}
	if !reflect.DeepEqual(cfg.Reconciler.AgentMarkers, []string{"concierge", "bot"}) {
		t.Errorf("AgentMarkers = %v", cfg.Reconciler.AgentMarkers)
	}
	if cfg.Session.Room != "from-env" || cfg.Session.QueueSize != 32 {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Database.Host != "pg.example" {
		t.Errorf("Database.Host = %v", cfg.Database.Host)
	}
	if cfg.Redis.Port != DefaultRedisPort {
		t.Errorf("unparseable port should be ignored, got %d", cfg.Redis.Port)
	}
	if cfg.Recorder.FlushInterval != 3*time.Second {
		t.Errorf("FlushInterval = %v", cfg.Recorder.FlushInterval)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.OutputFormat = OutputFormatJSON
	cfg.Reconciler.AgentMarkers = []string{"helper"}
	cfg.Recorder.FlushInterval = 750 * time.Millisecond
	cfg.Database.Password = "hunter2"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %v", loaded.OutputFormat)
	}
	if !reflect.DeepEqual(loaded.Reconciler.AgentMarkers, []string{"helper"}) {
		t.Errorf("AgentMarkers = %v", loaded.Reconciler.AgentMarkers)
	}
	if loaded.Recorder.FlushInterval != 750*time.Millisecond {
		t.Errorf("FlushInterval = %v", loaded.Recorder.FlushInterval)
	}
	if loaded.Database.Password != "" {
		t.Error("password must not be written to the config file")
	}
	if cfg.Database.Password != "hunter2" {
		t.Error("SaveConfig must not modify its argument")
	}
}

func TestEnsureConfigDir(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "a", "b")
	t.Setenv(EnvConfigDir, dir)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("config dir not created: %v", err)
	}
}

func TestRecorderConfig_StorageConfig(t *testing.T) {
	rc := DefaultConfig().Recorder
	sc := rc.StorageConfig(nil, nil, nil)
	if sc.BatchSize != rc.BatchSize || sc.FlushInterval != rc.FlushInterval || sc.MaxRetries != rc.MaxRetries {
		t.Errorf("StorageConfig() = %+v", sc)
	}
}

func TestRedisConfig_PublisherConfig(t *testing.T) {
	pc := RedisConfig{Host: "cache", Port: 6390, DB: 2}.PublisherConfig()
	if pc.Addr() != "cache:6390" || pc.DB != 2 {
		t.Errorf("PublisherConfig() = %+v", pc)
	}
}
