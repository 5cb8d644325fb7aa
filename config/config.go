package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ByteMirror/squadron/log"

	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".squadron"), nil
}

// Config represents the application configuration
type Config struct {
	// Program is the AI CLI each agent wraps.
	Program string `yaml:"program"`
	// Model is passed to the CLI as --model when set.
	Model string `yaml:"model,omitempty"`
	// MaxAgents caps how many agents the orchestrator will register.
	MaxAgents int `yaml:"max_agents"`
	// SocketPath is where the daemon listens. Empty means the config dir.
	SocketPath string `yaml:"socket_path,omitempty"`
	// TerminateTimeout bounds graceful-then-forced shutdown of one child process.
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	// ShutdownTimeout bounds a full orchestrator shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TaskTimeout bounds execute_task/broadcast_task requests served by the daemon.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
	Monitor MonitorConfig `yaml:"monitor"`
	Bus     BusConfig     `yaml:"bus"`
	Pool    PoolConfig    `yaml:"pool"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// RetryConfig holds the backoff policy for transient failures.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// MonitorConfig holds health monitor settings.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	Retention        time.Duration `yaml:"retention"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	CPUWarning       float64       `yaml:"cpu_warning"`
	CPUCritical      float64       `yaml:"cpu_critical"`
	MemoryWarning    float64       `yaml:"memory_warning"`
	MemoryCritical   float64       `yaml:"memory_critical"`
	DiskWarning      float64       `yaml:"disk_warning"`
	DiskCritical     float64       `yaml:"disk_critical"`
	ErrorRateWarning float64       `yaml:"error_rate_warning"`
	ErrorRateCrit    float64       `yaml:"error_rate_critical"`
	AutoRestart      bool          `yaml:"auto_restart"`
}

// BusConfig holds communication bus settings.
type BusConfig struct {
	HistorySize     int           `yaml:"history_size"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	// EventBuffer caps how many undelivered events each subscriber keeps.
	EventBuffer int `yaml:"event_buffer"`
}

// PoolConfig holds agent pool scaling settings.
type PoolConfig struct {
	MinAgents          int           `yaml:"min_agents"`
	MaxAgents          int           `yaml:"max_agents"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleCooldown      time.Duration `yaml:"scale_cooldown"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Program:          "claude",
		MaxAgents:        10,
		TerminateTimeout: 5 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		TaskTimeout:      10 * time.Minute,
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			MaxDelay:      60 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		},
		Monitor: MonitorConfig{
			Interval:         30 * time.Second,
			RecoveryInterval: 10 * time.Second,
			Retention:        24 * time.Hour,
			PublishInterval:  5 * time.Second,
			CPUWarning:       70,
			CPUCritical:      90,
			MemoryWarning:    80,
			MemoryCritical:   95,
			DiskWarning:      85,
			DiskCritical:     95,
			ErrorRateWarning: 10,
			ErrorRateCrit:    25,
			AutoRestart:      true,
		},
		Bus: BusConfig{
			HistorySize:     1000,
			ResponseTimeout: 30 * time.Second,
			EventBuffer:     1000,
		},
		Pool: PoolConfig{
			MinAgents:          1,
			MaxAgents:          5,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			ScaleCooldown:      30 * time.Second,
		},
	}
}

// ConfigPath returns the location of the YAML config file.
func ConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// DefaultSocketPath returns the daemon socket inside the config directory.
func DefaultSocketPath() string {
	configDir, err := GetConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "squadron.sock")
	}
	return filepath.Join(configDir, "squadron.sock")
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configPath, err := ConfigPath()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Create and save default config if file doesn't exist
		if saveErr := SaveConfig(DefaultConfig()); saveErr != nil {
			log.WarningLog.Printf("failed to save default config: %v", saveErr)
		}
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		log.ErrorLog.Printf("failed to load config file: %v", err)
		return DefaultConfig()
	}
	return cfg
}

// SaveConfig writes the configuration to ~/.squadron/config.yaml.
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	return saveConfigTo(config, filepath.Join(configDir, ConfigFileName))
}

func saveConfigTo(config *Config, path string) error {
	return WriteFileWith(path, 0644, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		return enc.Close()
	})
}

// Socket returns the configured socket path or the default one.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return DefaultSocketPath()
}
