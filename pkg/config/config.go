package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SandboxMode governs how disallowed operations are handled.
type SandboxMode string

const (
	SandboxEnforce SandboxMode = "enforce"
	SandboxWarn    SandboxMode = "warn"
	SandboxCompat  SandboxMode = "compat"
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Min                    int           `yaml:"min"`
	Max                    int           `yaml:"max"`
	MaxRequestsPerWorker   int64         `yaml:"max_requests_per_worker"`
	MaxUptimePerWorker     time.Duration `yaml:"max_uptime_per_worker"`
	MaxQueueSize           int           `yaml:"max_queue_size"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
	MaxConcurrentPerPlugin int           `yaml:"max_concurrent_per_plugin"` // 0 = unlimited
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	WarmupMode             string        `yaml:"warmup_mode"` // none, top-n, marked
	WarmupTopN             int           `yaml:"warmup_top_n"`
	WarmupMaxHandlers      int           `yaml:"warmup_max_handlers"`
}

// DegradeConfig configures the degradation controller.
type DegradeConfig struct {
	SampleInterval   time.Duration `yaml:"sample_interval"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	CPUDegraded      float64       `yaml:"cpu_degraded"`
	CPUCritical      float64       `yaml:"cpu_critical"`
	CPURecover       float64       `yaml:"cpu_recover"`
	MemDegraded      float64       `yaml:"mem_degraded"`
	MemCritical      float64       `yaml:"mem_critical"`
	MemRecover       float64       `yaml:"mem_recover"`
	QueueDegraded    int64         `yaml:"queue_degraded"`
	QueueCritical    int64         `yaml:"queue_critical"`
	QueueRecover     int64         `yaml:"queue_recover"`
	DegradedDelay    time.Duration `yaml:"degraded_delay"`
	CriticalDelay    time.Duration `yaml:"critical_delay"`
	RejectOnCritical bool          `yaml:"reject_on_critical"`
}

// InvokeConfig configures the cross-plugin invoke broker.
type InvokeConfig struct {
	MaxDepth     int           `yaml:"max_depth"`
	MaxFanOut    int           `yaml:"max_fan_out"`
	MaxChainTime time.Duration `yaml:"max_chain_time"`
	TraceKeep    int           `yaml:"trace_keep"`
}

// ServeConfig configures the REST and WS hosts.
type ServeConfig struct {
	RESTAddr   string `yaml:"rest_addr"`
	HealthAddr string `yaml:"health_addr"`
}

// Config is the top-level runtime configuration.
type Config struct {
	LogLevel           string        `yaml:"log_level"`
	LogJSON            bool          `yaml:"log_json"`
	SandboxMode        SandboxMode   `yaml:"sandbox_mode"`
	SandboxTrace       bool          `yaml:"sandbox_trace"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	WorkflowServiceURL string        `yaml:"workflow_service_url"`
	RedisAddr          string        `yaml:"redis_addr"`
	DataDir            string        `yaml:"data_dir"`
	Pool               PoolConfig    `yaml:"pool"`
	Degrade            DegradeConfig `yaml:"degrade"`
	Invoke             InvokeConfig  `yaml:"invoke"`
	Serve              ServeConfig   `yaml:"serve"`
	SnapshotKeep       int           `yaml:"snapshot_keep"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		SandboxMode:    SandboxEnforce,
		DefaultTimeout: 30 * time.Second,
		DataDir:        ".kb",
		Pool: PoolConfig{
			Min:                  2,
			Max:                  10,
			MaxRequestsPerWorker: 1000,
			MaxUptimePerWorker:   30 * time.Minute,
			MaxQueueSize:         100,
			AcquireTimeout:       5 * time.Second,
			HealthCheckInterval:  10 * time.Second,
			WarmupMode:           "none",
			WarmupTopN:           5,
			WarmupMaxHandlers:    20,
		},
		Degrade: DegradeConfig{
			SampleInterval:   10 * time.Second,
			DebounceInterval: 30 * time.Second,
			CPUDegraded:      70,
			CPUCritical:      90,
			CPURecover:       50,
			MemDegraded:      75,
			MemCritical:      90,
			MemRecover:       60,
			QueueDegraded:    100,
			QueueCritical:    500,
			QueueRecover:     50,
			DegradedDelay:    time.Second,
			CriticalDelay:    5 * time.Second,
		},
		Invoke: InvokeConfig{
			MaxDepth:     8,
			MaxFanOut:    16,
			MaxChainTime: 2 * time.Minute,
			TraceKeep:    50,
		},
		Serve: ServeConfig{
			RESTAddr:   ":8440",
			HealthAddr: ":8441",
		},
		SnapshotKeep: 30,
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Subprocess bootstraps receive the parent's effective configuration
	// through KB_RAW_CONFIG_JSON. JSON is a YAML subset, so the same tags
	// apply.
	if v := os.Getenv("KB_RAW_CONFIG_JSON"); v != "" {
		if err := yaml.Unmarshal([]byte(v), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse KB_RAW_CONFIG_JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the environment variables observed by the core.
func (c *Config) applyEnv() {
	if v := os.Getenv("KB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if os.Getenv("DEBUG") != "" {
		c.LogLevel = "debug"
	}
	if v := os.Getenv("KB_SANDBOX_MODE"); v != "" {
		c.SandboxMode = SandboxMode(v)
	}
	if v := os.Getenv("KB_SANDBOX_TRACE"); v == "1" {
		c.SandboxTrace = true
	}
	if v := os.Getenv("KB_WORKFLOW_SERVICE_URL"); v != "" {
		c.WorkflowServiceURL = v
	}
}

// RawJSON serializes the effective configuration for delivery to
// subprocess bootstraps via KB_RAW_CONFIG_JSON.
func (c *Config) RawJSON() (string, error) {
	y, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(y, &m); err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}
	return string(out), nil
}

func (c *Config) validate() error {
	switch c.SandboxMode {
	case SandboxEnforce, SandboxWarn, SandboxCompat:
	default:
		return fmt.Errorf("invalid sandbox mode %q", c.SandboxMode)
	}
	if c.Pool.Min < 0 || c.Pool.Max < c.Pool.Min {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.Pool.Min, c.Pool.Max)
	}
	if c.Pool.MaxQueueSize < 0 {
		return fmt.Errorf("invalid max queue size %d", c.Pool.MaxQueueSize)
	}
	return nil
}
