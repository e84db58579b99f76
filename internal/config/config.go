// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/hashrepo/internal/apperr"
)

// Config holds the hashrepo server configuration.
type Config struct {
	Env     string        `yaml:"env"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Stream  StreamConfig  `yaml:"stream"`
	Pull    PullConfig    `yaml:"pull"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// HTTPConfig holds HTTP server settings. Write timeout 0 disables it, which
// live query streams require.
type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// StorageConfig locates the relational database and the blob store.
// Relative database and blob paths are resolved against Dir.
type StorageConfig struct {
	Dir      string `yaml:"dir"`
	Database string `yaml:"database"`
	Blobs    string `yaml:"blobs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// StreamConfig holds live query stream settings.
type StreamConfig struct {
	HeartbeatSec int `yaml:"heartbeat_sec"`
	MaxLimit     int `yaml:"max_limit"` // 0 = unlimited
}

// PullConfig holds replication engine settings shared by every pull.
type PullConfig struct {
	StallTimeoutSec  int     `yaml:"stall_timeout_sec"`
	BackoffInitialMs int     `yaml:"backoff_initial_ms"`
	BackoffMaxSec    int     `yaml:"backoff_max_sec"`
	FetchRate        float64 `yaml:"fetch_rate"` // remote fetches per second
	FetchBurst       int     `yaml:"fetch_burst"`
	TaskAttempts     int     `yaml:"task_attempts"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Load reads configuration from the YAML file at path. An empty path
// selects config/<env>.yaml for the current environment.
func Load(path string) (Config, error) {
	if path == "" {
		path = findConfigPath(GetEnv())
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, apperr.Wrap(apperr.CodeFatalConfig, "read config "+path, err)
	}
	return Parse(path, data)
}

// Parse decodes, defaults, and validates YAML configuration data.
// filename is used in error messages only.
func Parse(filename string, data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	if err := CheckYAML(ConfigDefinition, filename, data); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.CodeFatalConfig, "parse config", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, apperr.Wrap(apperr.CodeFatalConfig, "invalid config", err)
	}
	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = GetEnv()
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "hashrepo.db"
	}
	if c.Storage.Blobs == "" {
		c.Storage.Blobs = "blobs"
	}
	if c.Stream.HeartbeatSec <= 0 {
		c.Stream.HeartbeatSec = 30
	}
	if c.Pull.StallTimeoutSec <= 0 {
		c.Pull.StallTimeoutSec = 90
	}
	if c.Pull.BackoffInitialMs <= 0 {
		c.Pull.BackoffInitialMs = 500
	}
	if c.Pull.BackoffMaxSec <= 0 {
		c.Pull.BackoffMaxSec = 60
	}
	if c.Pull.FetchRate <= 0 {
		c.Pull.FetchRate = 20
	}
	if c.Pull.FetchBurst <= 0 {
		c.Pull.FetchBurst = 5
	}
	if c.Pull.TaskAttempts <= 0 {
		c.Pull.TaskAttempts = 3
	}
	if c.Ingest.MaxBytes <= 0 {
		c.Ingest.MaxBytes = 32 << 20
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Env {
	case "prod", "local", "dev", "test":
	default:
		return fmt.Errorf("env must be one of prod, local, dev, test, got %q", c.Env)
	}
	if !strings.Contains(c.HTTP.Addr, ":") {
		return fmt.Errorf("http.addr must be host:port, got %q", c.HTTP.Addr)
	}
	if c.Pull.BackoffInitialMs > c.Pull.BackoffMaxSec*1000 {
		return fmt.Errorf("pull.backoff_initial_ms (%d) exceeds pull.backoff_max_sec (%d)",
			c.Pull.BackoffInitialMs, c.Pull.BackoffMaxSec)
	}
	return nil
}

// DatabasePath returns the SQLite file path.
func (s StorageConfig) DatabasePath() string {
	return s.resolve(s.Database)
}

// BlobPath returns the Pebble directory.
func (s StorageConfig) BlobPath() string {
	return s.resolve(s.Blobs)
}

func (s StorageConfig) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Dir, p)
}

// Heartbeat returns the stream heartbeat interval.
func (s StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSec) * time.Second
}

// StallTimeout returns how long a remote stream may stay silent.
func (p PullConfig) StallTimeout() time.Duration {
	return time.Duration(p.StallTimeoutSec) * time.Second
}

// BackoffInitial returns the first reconnect delay.
func (p PullConfig) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the reconnect delay.
func (p PullConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSec) * time.Second
}

// findConfigPath locates config/<env>.yaml.
func findConfigPath(env string) string {
	return filepath.Join("config", fmt.Sprintf("%s.yaml", env))
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
