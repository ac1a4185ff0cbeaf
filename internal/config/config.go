// Package config loads dagexec's runtime configuration: sane defaults,
// overlaid by an optional YAML file, overlaid by an optional .env file,
// overlaid by process environment variables (highest precedence) — the
// same layering services/policy-service/main.go and
// services/orchestrator/main.go use (os.Getenv-driven mode selection),
// generalized from single-knob env reads into a full struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is every knob dagexecd/dagexecctl needs, flattened rather than
// nested the way the original's TOML config split across [scheduler]/
// [pool]/[gate] tables — a single struct is easier to env-override.
//
// Durations are held as time.Duration internally but both the YAML file
// and environment variables express them in whole seconds (per spec §6's
// "*_secs" knob names), so Config is never unmarshalled directly — see
// rawConfig below.
type Config struct {
	Service string
	Addr    string

	StorePath string
	NATSURL   string

	MaxAgents               int
	MaxConcurrentTasks      int
	TaskTimeout             time.Duration
	PoolIdleTimeout         time.Duration
	HealthCheckInterval     time.Duration
	ReadyChannelCapacity    int
	AcquisitionTimeout      time.Duration
	ConfirmedGateTimeout    time.Duration
	ArbitratedGateTimeout   time.Duration
	DecisionRetentionWindow time.Duration

	EnableContextInjection bool
	AutoCleanupAgents      bool
	HardCancel             bool
}

// rawConfig is the YAML file's on-disk shape: every duration is a plain
// integer count of seconds, matching the env var names in the table below.
type rawConfig struct {
	Service string `yaml:"service"`
	Addr    string `yaml:"addr"`

	StorePath string `yaml:"store_path"`
	NATSURL   string `yaml:"nats_url"`

	MaxAgents                   *int `yaml:"max_agents"`
	MaxConcurrentTasks          *int `yaml:"max_concurrent_tasks"`
	TaskTimeoutSecs             *int `yaml:"task_timeout_secs"`
	PoolIdleTimeoutSecs         *int `yaml:"pool_idle_timeout_secs"`
	HealthCheckIntervalSecs     *int `yaml:"health_check_interval_secs"`
	ReadyChannelCapacity        *int `yaml:"ready_channel_capacity"`
	AcquisitionTimeoutSecs      *int `yaml:"agent_acquisition_timeout_secs"`
	ConfirmedGateTimeoutSecs    *int `yaml:"decision_gate_confirmed_timeout_secs"`
	ArbitratedGateTimeoutSecs   *int `yaml:"decision_gate_arbitrated_timeout_secs"`
	DecisionRetentionWindowSecs *int `yaml:"decision_retention_window_secs"`

	EnableContextInjection *bool `yaml:"enable_context_injection"`
	AutoCleanupAgents      *bool `yaml:"auto_cleanup_agents"`
	HardCancel             *bool `yaml:"hard_cancel"`
}

func (c *Config) applyRaw(r rawConfig) {
	if r.Service != "" {
		c.Service = r.Service
	}
	if r.Addr != "" {
		c.Addr = r.Addr
	}
	if r.StorePath != "" {
		c.StorePath = r.StorePath
	}
	if r.NATSURL != "" {
		c.NATSURL = r.NATSURL
	}
	setInt(&c.MaxAgents, r.MaxAgents)
	setInt(&c.MaxConcurrentTasks, r.MaxConcurrentTasks)
	setInt(&c.ReadyChannelCapacity, r.ReadyChannelCapacity)
	setSecs(&c.TaskTimeout, r.TaskTimeoutSecs)
	setSecs(&c.PoolIdleTimeout, r.PoolIdleTimeoutSecs)
	setSecs(&c.HealthCheckInterval, r.HealthCheckIntervalSecs)
	setSecs(&c.AcquisitionTimeout, r.AcquisitionTimeoutSecs)
	setSecs(&c.ConfirmedGateTimeout, r.ConfirmedGateTimeoutSecs)
	setSecs(&c.ArbitratedGateTimeout, r.ArbitratedGateTimeoutSecs)
	setSecs(&c.DecisionRetentionWindow, r.DecisionRetentionWindowSecs)
	if r.EnableContextInjection != nil {
		c.EnableContextInjection = *r.EnableContextInjection
	}
	if r.AutoCleanupAgents != nil {
		c.AutoCleanupAgents = *r.AutoCleanupAgents
	}
	if r.HardCancel != nil {
		c.HardCancel = *r.HardCancel
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setSecs(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

// Defaults mirrors spec §6's env-knob table.
func Defaults() Config {
	return Config{
		Service: "dagexec",
		Addr:    ":8080",

		StorePath: "dagexec.db",
		NATSURL:   "",

		MaxAgents:               10,
		MaxConcurrentTasks:      4,
		TaskTimeout:             300 * time.Second,
		PoolIdleTimeout:         300 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		ReadyChannelCapacity:    64,
		AcquisitionTimeout:      30 * time.Second,
		ConfirmedGateTimeout:    300 * time.Second,
		ArbitratedGateTimeout:   900 * time.Second,
		DecisionRetentionWindow: 24 * time.Hour,

		EnableContextInjection: true,
		AutoCleanupAgents:      true,
		HardCancel:             false,
	}
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if path is empty or the file doesn't exist), an optional .env file in the
// working directory, then process environment variables, in that order —
// each layer overriding the previous one.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var raw rawConfig
			if err := yaml.Unmarshal(b, &raw); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			cfg.applyRaw(raw)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // best-effort; absence of .env is not an error

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.Service, "DAGEXEC_SERVICE")
	str(&cfg.Addr, "DAGEXEC_ADDR")
	str(&cfg.StorePath, "DAGEXEC_STORE_PATH")
	str(&cfg.NATSURL, "DAGEXEC_NATS_URL")

	intv(&cfg.MaxAgents, "DAGEXEC_MAX_AGENTS")
	intv(&cfg.MaxConcurrentTasks, "DAGEXEC_MAX_CONCURRENT_TASKS")
	intv(&cfg.ReadyChannelCapacity, "DAGEXEC_READY_CHANNEL_CAPACITY")

	secs(&cfg.TaskTimeout, "DAGEXEC_TASK_TIMEOUT_SECS")
	secs(&cfg.PoolIdleTimeout, "DAGEXEC_POOL_IDLE_TIMEOUT_SECS")
	secs(&cfg.HealthCheckInterval, "DAGEXEC_HEALTH_CHECK_INTERVAL_SECS")
	secs(&cfg.AcquisitionTimeout, "DAGEXEC_AGENT_ACQUISITION_TIMEOUT_SECS")
	secs(&cfg.ConfirmedGateTimeout, "DAGEXEC_DECISION_GATE_CONFIRMED_TIMEOUT_SECS")
	secs(&cfg.ArbitratedGateTimeout, "DAGEXEC_DECISION_GATE_ARBITRATED_TIMEOUT_SECS")
	secs(&cfg.DecisionRetentionWindow, "DAGEXEC_DECISION_RETENTION_WINDOW_SECS")

	boolv(&cfg.EnableContextInjection, "DAGEXEC_ENABLE_CONTEXT_INJECTION")
	boolv(&cfg.AutoCleanupAgents, "DAGEXEC_AUTO_CLEANUP_AGENTS")
	boolv(&cfg.HardCancel, "DAGEXEC_HARD_CANCEL")
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func secs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func boolv(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects configurations that would make the scheduler or pool
// misbehave rather than letting them fail confusingly at runtime.
func (c Config) Validate() error {
	if c.MaxAgents <= 0 {
		return fmt.Errorf("config: max_agents must be positive, got %d", c.MaxAgents)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.ReadyChannelCapacity <= 0 {
		return fmt.Errorf("config: ready_channel_capacity must be positive, got %d", c.ReadyChannelCapacity)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("config: task_timeout_secs must be positive, got %s", c.TaskTimeout)
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path must not be empty")
	}
	return nil
}
