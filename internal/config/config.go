// Package config provides configuration loading for the fleet agent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	Cluster    ClusterConfig    `yaml:"cluster"`
	AWS        AWSConfig        `yaml:"aws"`
	Controller ControllerConfig `yaml:"controller"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Billing    BillingConfig    `yaml:"billing"`
}

// ClusterConfig identifies the cluster whose worker groups are managed.
type ClusterConfig struct {
	// Name filters discovered groups by the KubernetesCluster tag.
	// Empty means no filtering (every group in scope is managed).
	Name string `yaml:"name"`
}

// AWSConfig selects which regions to discover groups in.
type AWSConfig struct {
	Regions []string `yaml:"regions"`
}

// ControllerConfig tunes the control loop.
type ControllerConfig struct {
	// ScanIntervalSeconds is the period between control-loop
	// iterations. Minimum 10.
	ScanIntervalSeconds int `yaml:"scanIntervalSeconds"`
}

// ScanInterval returns the configured period as a duration.
func (c ControllerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr is the metrics/health listen address. Default ":9102".
	ListenAddr string `yaml:"listenAddr"`
}

// BillingConfig enables the spot savings estimator.
type BillingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and fills the few defaulted ones.
func (c *Config) Validate() error {
	if len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws.regions must list at least one region")
	}
	seen := make(map[string]struct{}, len(c.AWS.Regions))
	for _, region := range c.AWS.Regions {
		if region == "" {
			return fmt.Errorf("aws.regions must not contain empty entries")
		}
		if _, dup := seen[region]; dup {
			return fmt.Errorf("aws.regions lists %s twice", region)
		}
		seen[region] = struct{}{}
	}
	if c.Controller.ScanIntervalSeconds < 10 {
		return fmt.Errorf("controller.scanIntervalSeconds must be >= 10, got %d", c.Controller.ScanIntervalSeconds)
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9102"
	}
	return nil
}
