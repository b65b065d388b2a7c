package config

import (
	"fmt"
	"time"

	"github.com/catherinevee/diagmgr/internal/logger"
)

// Config is the complete kernel configuration. Duration-valued settings are
// YAML strings ("90s", "1h") parsed during validation; read them through
// the typed accessors.
type Config struct {
	Orchestrator OrchestratorSettings `yaml:"orchestrator"`
	Remediation  RemediationSettings  `yaml:"remediation"`
	Snapshots    SnapshotSettings     `yaml:"snapshots"`
	Connector    ConnectorSettings    `yaml:"connector"`
	Storage      StorageSettings      `yaml:"storage"`
	Rules        RuleSettings         `yaml:"rules"`
	Logging      logger.Config        `yaml:"logging"`
	Scheduler    []ScheduleEntry      `yaml:"scheduler,omitempty"`
}

// OrchestratorSettings bound scan admission and execution.
type OrchestratorSettings struct {
	MaxConcurrentScans int    `yaml:"max_concurrent_scans"`
	ScanQueueSize      int    `yaml:"scan_queue_size"`
	ScanTimeout        string `yaml:"scan_timeout"`
	ScannerParallelism int    `yaml:"scanner_parallelism"`
	FindingCap         int    `yaml:"finding_cap"`
}

// RemediationSettings gate how repairs execute. RequireApproval defaults to
// true, so it is a pointer to distinguish "absent" from "false".
type RemediationSettings struct {
	EnableAutoRemediation bool  `yaml:"enable_auto_remediation"`
	RequireApproval       *bool `yaml:"require_approval"`
	Workers               int   `yaml:"workers"`
	MaxRetries            int   `yaml:"max_retries"`
}

// SnapshotSettings select the snapshot backend and retention.
type SnapshotSettings struct {
	Backend         string        `yaml:"backend"`
	TTL             string        `yaml:"ttl"`
	JanitorInterval string        `yaml:"janitor_interval"`
	Redis           RedisSettings `yaml:"redis,omitempty"`
}

// RedisSettings configure the redis snapshot backend.
type RedisSettings struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConnectorSettings guard traffic to externally administered systems.
type ConnectorSettings struct {
	QueryRateLimit   float64 `yaml:"query_rate_limit"`
	QueryBurst       int     `yaml:"query_burst"`
	BreakerThreshold int     `yaml:"breaker_threshold"`
	BreakerCooldown  string  `yaml:"breaker_cooldown"`
	MaxRetries       int     `yaml:"max_retries"`
}

// StorageSettings select where scans, findings and attempts persist.
type StorageSettings struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// RuleSettings locate YAML rule packs.
type RuleSettings struct {
	PackDir   string `yaml:"pack_dir"`
	HotReload bool   `yaml:"hot_reload"`
}

// ScheduleEntry declares one recurring scan.
type ScheduleEntry struct {
	SystemID   string   `yaml:"system_id"`
	Interval   string   `yaml:"interval"`
	Rules      []string `yaml:"rules,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	requireApproval := true
	return &Config{
		Orchestrator: OrchestratorSettings{
			MaxConcurrentScans: 4,
			ScanQueueSize:      16,
			ScanTimeout:        "1h",
			ScannerParallelism: 5,
			FindingCap:         100000,
		},
		Remediation: RemediationSettings{
			EnableAutoRemediation: false,
			RequireApproval:       &requireApproval,
			Workers:               2,
			MaxRetries:            2,
		},
		Snapshots: SnapshotSettings{
			Backend:         "memory",
			TTL:             "24h",
			JanitorInterval: "10m",
			Redis: RedisSettings{
				Addr:      "localhost:6379",
				KeyPrefix: "diagmgr:snapshot:",
			},
		},
		Connector: ConnectorSettings{
			QueryRateLimit:   50,
			QueryBurst:       10,
			BreakerThreshold: 5,
			BreakerCooldown:  "30s",
			MaxRetries:       2,
		},
		Storage: StorageSettings{
			Backend: "memory",
			Path:    "diagmgr.db",
		},
		Rules: RuleSettings{
			PackDir:   "",
			HotReload: false,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// RequireApproval reports the effective approval gate, defaulting to true.
func (c *Config) RequireApproval() bool {
	if c.Remediation.RequireApproval == nil {
		return true
	}
	return *c.Remediation.RequireApproval
}

// ScanTimeout returns the parsed per-scan deadline.
func (c *Config) ScanTimeout() time.Duration {
	return parseDurationOr(c.Orchestrator.ScanTimeout, time.Hour)
}

// SnapshotTTL returns the parsed snapshot retention window.
func (c *Config) SnapshotTTL() time.Duration {
	return parseDurationOr(c.Snapshots.TTL, 24*time.Hour)
}

// SnapshotJanitorInterval returns how often expired snapshots are swept.
func (c *Config) SnapshotJanitorInterval() time.Duration {
	return parseDurationOr(c.Snapshots.JanitorInterval, 10*time.Minute)
}

// BreakerCooldown returns how long a tripped connector breaker stays open.
func (c *Config) BreakerCooldown() time.Duration {
	return parseDurationOr(c.Connector.BreakerCooldown, 30*time.Second)
}

// ScheduleInterval returns the parsed interval of one scheduler entry.
func (e ScheduleEntry) ScheduleInterval() time.Duration {
	return parseDurationOr(e.Interval, time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentScans < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_scans must be at least 1")
	}
	if c.Orchestrator.ScanQueueSize < 0 {
		return fmt.Errorf("orchestrator.scan_queue_size must not be negative")
	}
	if c.Orchestrator.FindingCap < 1 {
		return fmt.Errorf("orchestrator.finding_cap must be at least 1")
	}
	if c.Remediation.Workers < 1 {
		return fmt.Errorf("remediation.workers must be at least 1")
	}
	if c.Remediation.MaxRetries < 0 {
		return fmt.Errorf("remediation.max_retries must not be negative")
	}
	for _, field := range []struct{ name, value string }{
		{"orchestrator.scan_timeout", c.Orchestrator.ScanTimeout},
		{"snapshots.ttl", c.Snapshots.TTL},
		{"snapshots.janitor_interval", c.Snapshots.JanitorInterval},
		{"connector.breaker_cooldown", c.Connector.BreakerCooldown},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be memory or sqlite, got %q", c.Storage.Backend)
	}
	switch c.Snapshots.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("snapshots.backend must be memory or redis, got %q", c.Snapshots.Backend)
	}
	if c.Snapshots.Backend == "redis" && c.Snapshots.Redis.Addr == "" {
		return fmt.Errorf("snapshots.redis.addr is required for the redis backend")
	}
	for i, entry := range c.Scheduler {
		if entry.SystemID == "" {
			return fmt.Errorf("scheduler[%d].system_id is required", i)
		}
		if entry.Interval == "" {
			return fmt.Errorf("scheduler[%d].interval is required", i)
		}
		if _, err := time.ParseDuration(entry.Interval); err != nil {
			return fmt.Errorf("scheduler[%d].interval: %w", i, err)
		}
	}
	return nil
}
