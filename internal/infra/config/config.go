package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Dispatcher  DispatcherConfig   `yaml:"dispatcher"`
	WorkerTypes []WorkerTypeConfig `yaml:"worker_types"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	History     HistoryConfig      `yaml:"history"`
	Logger      LoggerConfig       `yaml:"logger"`
	Tracer      TracerConfig       `yaml:"tracer"`
}

// DispatcherConfig holds task dispatch settings.
type DispatcherConfig struct {
	// MaxRetries is the number of re-attempts after a first failed
	// execution. 0 disables retries.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RetryBackoff switches from a fixed delay to exponential backoff.
	RetryBackoff bool `yaml:"retry_backoff"`
	// AssignTimeout bounds how long Assign waits for a free slot.
	AssignTimeout time.Duration `yaml:"assign_timeout"`
	// MaxConcurrent is the per-type concurrency cap used when a worker
	// type does not set its own.
	MaxConcurrent int `yaml:"max_concurrent"`
	// SubmitRatePerSec throttles batch admission. 0 disables throttling.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	// SubmitBurst is the limiter burst size when throttling is on.
	SubmitBurst int `yaml:"submit_burst"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-type circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// WorkerTypeConfig declares one registered worker type.
type WorkerTypeConfig struct {
	Type          string   `yaml:"type"`
	Priority      int      `yaml:"priority"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Capabilities  []string `yaml:"capabilities,omitempty"`
	Keywords      []string `yaml:"keywords,omitempty"`
}

// SchedulerConfig holds recurring task submission settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"` // cron expression or duration string
	Type     string         `yaml:"type"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
	Priority int            `yaml:"priority,omitempty"`
	OneShot  bool           `yaml:"one_shot,omitempty"`
}

// HistoryConfig holds task history persistence settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.dispatchd/data, falling back to "./data" if $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".dispatchd", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxRetries:    3,
			RetryDelay:    time.Second,
			AssignTimeout: 300 * time.Second,
			MaxConcurrent: 5,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps DISPATCHD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Dispatcher.MaxRetries = n
		}
	}
	if v := os.Getenv("DISPATCHD_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Dispatcher.RetryDelay = d
		}
	}
	if v := os.Getenv("DISPATCHD_RETRY_BACKOFF"); v == "true" {
		cfg.Dispatcher.RetryBackoff = true
	}
	if v := os.Getenv("DISPATCHD_ASSIGN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Dispatcher.AssignTimeout = d
		}
	}
	if v := os.Getenv("DISPATCHD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DISPATCHD_SUBMIT_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Dispatcher.SubmitRatePerSec = f
		}
	}
	if v := os.Getenv("DISPATCHD_SUBMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.SubmitBurst = n
		}
	}
	if v := os.Getenv("DISPATCHD_BREAKER_ENABLED"); v == "true" {
		cfg.Dispatcher.CircuitBreaker.Enabled = true
	}
	if v := os.Getenv("DISPATCHD_HISTORY_ENABLED"); v == "true" {
		cfg.History.Enabled = true
	}
	if v := os.Getenv("DISPATCHD_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("DISPATCHD_SCHEDULER_ENABLED"); v == "true" {
		cfg.Scheduler.Enabled = true
	}
	if v := os.Getenv("DISPATCHD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("DISPATCHD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("DISPATCHD_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("DISPATCHD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("DISPATCHD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
