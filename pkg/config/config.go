// Package config loads and validates Loom configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/types"
)

// Config is the top-level Loom configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Registry   RegistryConfig   `yaml:"registry"`
	Router     RouterConfig     `yaml:"router"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Connection ConnectionConfig `yaml:"connection"`
	Storage    StorageConfig    `yaml:"storage"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig controls the metrics/health HTTP listener.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RegistryConfig controls node registry behavior.
type RegistryConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	SyncInterval           time.Duration `yaml:"sync_interval"`
}

// RouterConfig controls task routing.
type RouterConfig struct {
	Strategy        types.Strategy `yaml:"strategy"`
	DecisionHistory int            `yaml:"decision_history"`
	EventHistory    int            `yaml:"event_history"`
}

// MonitorConfig controls the health monitor and bottleneck detector loops.
type MonitorConfig struct {
	HealthInterval     time.Duration `yaml:"health_interval"`
	BottleneckInterval time.Duration `yaml:"bottleneck_interval"`
}

// ConnectionConfig controls per-node resilient connections.
type ConnectionConfig struct {
	InitialDelay          time.Duration `yaml:"initial_delay"`
	MaxDelay              time.Duration `yaml:"max_delay"`
	BackoffFactor         float64       `yaml:"backoff_factor"`
	Jitter                float64       `yaml:"jitter"`
	MaxAttempts           int           `yaml:"max_attempts"`
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	OutboundQueueSize     int           `yaml:"outbound_queue_size"`
}

// StorageConfig controls local best-effort persistence.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SnapshotConfig controls the external metrics snapshot store.
type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":9090",
		},
		Registry: RegistryConfig{
			MaxConsecutiveFailures: 3,
			SyncInterval:           30 * time.Second,
		},
		Router: RouterConfig{
			Strategy:        types.StrategyIntelligent,
			DecisionHistory: 500,
			EventHistory:    1000,
		},
		Monitor: MonitorConfig{
			HealthInterval:     60 * time.Second,
			BottleneckInterval: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			InitialDelay:          1 * time.Second,
			MaxDelay:              60 * time.Second,
			BackoffFactor:         2.0,
			Jitter:                0.1,
			MaxAttempts:           10,
			CircuitBreakerTimeout: 300 * time.Second,
			RequestTimeout:        30 * time.Second,
			MaxRetries:            3,
			IdleTimeout:           60 * time.Second,
			OutboundQueueSize:     256,
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/loom",
		},
		Snapshot: SnapshotConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     7 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Registry.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("registry.max_consecutive_failures must be >= 1")
	}
	if c.Connection.BackoffFactor < 1 {
		return fmt.Errorf("connection.backoff_factor must be >= 1")
	}
	if c.Connection.InitialDelay <= 0 || c.Connection.MaxDelay < c.Connection.InitialDelay {
		return fmt.Errorf("connection delays misconfigured: initial=%v max=%v",
			c.Connection.InitialDelay, c.Connection.MaxDelay)
	}
	if c.Connection.Jitter < 0 || c.Connection.Jitter > 1 {
		return fmt.Errorf("connection.jitter must be in [0,1]")
	}
	switch c.Router.Strategy {
	case types.StrategyPriority, types.StrategyRoundRobin, types.StrategyLeastConnections,
		types.StrategyLeastLoaded, types.StrategyDomainAffinity,
		types.StrategyPriorityWeighted, types.StrategyIntelligent:
	default:
		return fmt.Errorf("unknown router.strategy: %s", c.Router.Strategy)
	}
	return nil
}
