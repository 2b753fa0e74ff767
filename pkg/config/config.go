// Package config loads control plane configuration from defaults, an
// optional YAML file and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agentfleet/controlplane/pkg/logging"
	"github.com/agentfleet/controlplane/pkg/monitor"
)

// Config holds all configuration for the control plane
type Config struct {
	// Admin API listen address
	ListenAddr string `yaml:"listen_addr"`

	// Docker Engine API socket path
	DockerSocket string `yaml:"docker_socket"`
	// Only containers carrying this label are auto-discovered. Empty
	// disables discovery; containers are added through the API instead.
	ContainerLabel string `yaml:"container_label"`

	// Sampling and retention
	CollectInterval  time.Duration `yaml:"collect_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
	HistorySize      int           `yaml:"history_size"`

	// Alerting
	AlertCooldown  time.Duration      `yaml:"alert_cooldown"`
	AlertRetention time.Duration      `yaml:"alert_retention"`
	Thresholds     monitor.Thresholds `yaml:"thresholds"`

	// Health checking
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`

	// Event bus replay depth
	EventHistorySize int `yaml:"event_history_size"`

	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns a configuration with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8090",
		DockerSocket: monitor.DefaultDockerSocket,

		CollectInterval:  monitor.DefaultCollectInterval,
		SweepInterval:    monitor.DefaultSweepInterval,
		MetricsRetention: monitor.DefaultMetricsRetention,
		HistorySize:      monitor.DefaultHistorySize,

		AlertCooldown:  monitor.DefaultAlertCooldown,
		AlertRetention: monitor.DefaultAlertRetention,
		Thresholds:     monitor.DefaultThresholds(),

		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        3 * time.Second,

		EventHistorySize: 256,

		Logging: logging.Config{
			Level:       "info",
			Format:      "json",
			ServiceName: "controlplane",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if val := os.Getenv("CONTROLPLANE_LISTEN_ADDR"); val != "" {
		c.ListenAddr = val
	}

	if val := os.Getenv("CONTROLPLANE_DOCKER_SOCKET"); val != "" {
		c.DockerSocket = val
	}

	if val := os.Getenv("CONTROLPLANE_CONTAINER_LABEL"); val != "" {
		c.ContainerLabel = val
	}

	if val := os.Getenv("CONTROLPLANE_COLLECT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.CollectInterval = d
		}
	}

	if val := os.Getenv("CONTROLPLANE_METRICS_RETENTION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.MetricsRetention = d
		}
	}

	if val := os.Getenv("CONTROLPLANE_ALERT_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.AlertCooldown = d
		}
	}

	if val := os.Getenv("CONTROLPLANE_HEALTH_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.HealthCheckInterval = d
		}
	}

	if val := os.Getenv("CONTROLPLANE_HISTORY_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.HistorySize = n
		}
	}

	if val := os.Getenv("CONTROLPLANE_CPU_WARNING"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Thresholds.CPUWarning = f
		}
	}

	if val := os.Getenv("CONTROLPLANE_CPU_CRITICAL"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Thresholds.CPUCritical = f
		}
	}

	if val := os.Getenv("CONTROLPLANE_MEMORY_WARNING"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Thresholds.MemoryWarning = f
		}
	}

	if val := os.Getenv("CONTROLPLANE_MEMORY_CRITICAL"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Thresholds.MemoryCritical = f
		}
	}

	if val := os.Getenv("CONTROLPLANE_LOG_LEVEL"); val != "" {
		c.Logging.Level = logging.LogLevel(val)
	}

	if val := os.Getenv("CONTROLPLANE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
}

// Validate checks cross-field consistency of the effective configuration
func (c *Config) Validate() error {
	var errors []string

	if c.ListenAddr == "" {
		errors = append(errors, "listen_addr must not be empty")
	}
	if c.CollectInterval <= 0 {
		errors = append(errors, "collect_interval must be positive")
	}
	if c.Thresholds.CPUWarning >= c.Thresholds.CPUCritical {
		errors = append(errors, "cpu warning threshold must be below critical")
	}
	if c.Thresholds.MemoryWarning >= c.Thresholds.MemoryCritical {
		errors = append(errors, "memory warning threshold must be below critical")
	}
	if c.Thresholds.CPUCritical > 100 || c.Thresholds.MemoryCritical > 100 {
		errors = append(errors, "critical thresholds must not exceed 100")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}
