package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers
// to inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDispatcher(cfg, ve)
	validateWorkerTypes(cfg, ve)
	validateScheduler(cfg, ve)
	validateHistory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDispatcher(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatcher
	if d.MaxRetries < 0 {
		ve.Add("dispatcher.max_retries must be >= 0")
	}
	if d.RetryDelay < 0 {
		ve.Add("dispatcher.retry_delay must be >= 0")
	}
	if d.AssignTimeout < 0 {
		ve.Add("dispatcher.assign_timeout must be >= 0")
	}
	if d.MaxConcurrent < 1 {
		ve.Add("dispatcher.max_concurrent must be >= 1")
	}
	if d.SubmitRatePerSec < 0 {
		ve.Add("dispatcher.submit_rate_per_sec must be >= 0")
	}
	if d.SubmitRatePerSec > 0 && d.SubmitBurst < 1 {
		ve.Add("dispatcher.submit_burst must be >= 1 when submit_rate_per_sec is set")
	}
}

func validateWorkerTypes(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, wt := range cfg.WorkerTypes {
		if wt.Type == "" {
			ve.Add("worker_types[%d].type must not be empty", i)
			continue
		}
		if seen[wt.Type] {
			ve.Add("worker_types[%d]: duplicate type %q", i, wt.Type)
		}
		seen[wt.Type] = true

		if wt.Priority < 0 {
			ve.Add("worker_types[%d] (%s): priority must be >= 0", i, wt.Type)
		}
		if wt.MaxConcurrent < 0 {
			ve.Add("worker_types[%d] (%s): max_concurrent must be >= 0 (0 means the dispatcher default)", i, wt.Type)
		}
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for i, task := range cfg.Scheduler.Tasks {
		if task.Name == "" {
			ve.Add("scheduler.tasks[%d].name must not be empty", i)
		}
		if task.Type == "" {
			ve.Add("scheduler.tasks[%d] (%s): type must not be empty", i, task.Name)
		}
		if task.Schedule == "" {
			ve.Add("scheduler.tasks[%d] (%s): schedule must not be empty", i, task.Name)
			continue
		}
		if _, err := parser.Parse(task.Schedule); err != nil {
			if _, derr := time.ParseDuration(task.Schedule); derr != nil {
				ve.Add("scheduler.tasks[%d] (%s): schedule %q is neither a cron expression nor a duration",
					i, task.Name, task.Schedule)
			}
		}
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if cfg.History.Enabled && cfg.History.Path == "" {
		ve.Add("history.path must not be empty when history is enabled")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
