package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadYAML(cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty, parseable env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Program, "SQUADRON_PROGRAM")
	setString(&cfg.Model, "SQUADRON_MODEL")
	setInt(&cfg.MaxAgents, "SQUADRON_MAX_AGENTS")
	setString(&cfg.SocketPath, "SQUADRON_SOCKET")
	setDuration(&cfg.TerminateTimeout, "SQUADRON_TERMINATE_TIMEOUT")
	setDuration(&cfg.ShutdownTimeout, "SQUADRON_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.TaskTimeout, "SQUADRON_TASK_TIMEOUT")

	setInt(&cfg.Breaker.FailureThreshold, "SQUADRON_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTimeout, "SQUADRON_BREAKER_RECOVERY_TIMEOUT")
	setInt(&cfg.Breaker.SuccessThreshold, "SQUADRON_BREAKER_SUCCESS_THRESHOLD")

	setInt(&cfg.Retry.MaxAttempts, "SQUADRON_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "SQUADRON_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "SQUADRON_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.BackoffFactor, "SQUADRON_RETRY_BACKOFF_FACTOR")
	setBool(&cfg.Retry.Jitter, "SQUADRON_RETRY_JITTER")

	setDuration(&cfg.Monitor.Interval, "SQUADRON_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.RecoveryInterval, "SQUADRON_RECOVERY_INTERVAL")
	setDuration(&cfg.Monitor.Retention, "SQUADRON_METRIC_RETENTION")
	setDuration(&cfg.Monitor.PublishInterval, "SQUADRON_PUBLISH_INTERVAL")
	setBool(&cfg.Monitor.AutoRestart, "SQUADRON_AUTO_RESTART")

	setInt(&cfg.Bus.HistorySize, "SQUADRON_BUS_HISTORY")
	setDuration(&cfg.Bus.ResponseTimeout, "SQUADRON_BUS_RESPONSE_TIMEOUT")
	setInt(&cfg.Bus.EventBuffer, "SQUADRON_BUS_EVENT_BUFFER")

	setInt(&cfg.Pool.MinAgents, "SQUADRON_POOL_MIN_AGENTS")
	setInt(&cfg.Pool.MaxAgents, "SQUADRON_POOL_MAX_AGENTS")
	setDuration(&cfg.Pool.ScaleCooldown, "SQUADRON_POOL_SCALE_COOLDOWN")
}

// Validate checks that settings are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Program == "" {
		errs = append(errs, errors.New("program is required"))
	}
	if c.MaxAgents < 1 {
		errs = append(errs, errors.New("max_agents must be >= 1"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be >= 1"))
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker.success_threshold must be >= 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be >= 1"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be >= retry.base_delay"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.Pool.MinAgents < 0 || c.Pool.MaxAgents < c.Pool.MinAgents {
		errs = append(errs, errors.New("pool.max_agents must be >= pool.min_agents >= 0"))
	}
	if c.Pool.ScaleDownThreshold >= c.Pool.ScaleUpThreshold {
		errs = append(errs, errors.New("pool.scale_down_threshold must be below pool.scale_up_threshold"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
