package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/catherinevee/diagmgr/internal/logger"
)

// Manager loads the kernel configuration and hot-reloads it when the file
// changes. Dynamic settings (approval gate, auto-remediation) take effect on
// the next read through Get; structural settings (queue sizes, workers)
// apply at restart.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        logger.Logger
}

// NewManager loads configuration from path and starts watching it. A
// missing file yields defaults; a broken watcher is not fatal.
func NewManager(path string, log logger.Logger) (*Manager, error) {
	m := &Manager{
		configPath: path,
		stopCh:     make(chan struct{}),
		log:        log,
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if path == "" {
		return m, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return m, nil
	}
	m.watcher = watcher
	go m.watchChanges()

	return m, nil
}

// Load reads, defaults, overrides and validates the configuration.
func (m *Manager) Load() error {
	cfg := Default()

	if m.configPath != "" {
		data, err := os.ReadFile(m.configPath)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}
			applyDefaults(cfg)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Manager) watchChanges() {
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.Load(); err != nil {
				m.log.Error("config reload failed, keeping previous configuration", logger.Err(err))
				continue
			}
			m.log.Info("configuration reloaded", logger.String("path", m.configPath))

			m.mu.RLock()
			cfg := m.config
			callbacks := append([]func(*Config){}, m.callbacks...)
			m.mu.RUnlock()
			for _, cb := range callbacks {
				cb(cfg)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", logger.Err(err))

		case <-m.stopCh:
			return
		}
	}
}

// Stop closes the watcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

// applyDefaults fills zero-valued fields a partial YAML file left out.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Orchestrator.MaxConcurrentScans == 0 {
		cfg.Orchestrator.MaxConcurrentScans = def.Orchestrator.MaxConcurrentScans
	}
	if cfg.Orchestrator.ScanQueueSize == 0 {
		cfg.Orchestrator.ScanQueueSize = def.Orchestrator.ScanQueueSize
	}
	if cfg.Orchestrator.ScanTimeout == "" {
		cfg.Orchestrator.ScanTimeout = def.Orchestrator.ScanTimeout
	}
	if cfg.Orchestrator.ScannerParallelism == 0 {
		cfg.Orchestrator.ScannerParallelism = def.Orchestrator.ScannerParallelism
	}
	if cfg.Orchestrator.FindingCap == 0 {
		cfg.Orchestrator.FindingCap = def.Orchestrator.FindingCap
	}
	if cfg.Remediation.RequireApproval == nil {
		cfg.Remediation.RequireApproval = def.Remediation.RequireApproval
	}
	if cfg.Remediation.Workers == 0 {
		cfg.Remediation.Workers = def.Remediation.Workers
	}
	if cfg.Remediation.MaxRetries == 0 {
		cfg.Remediation.MaxRetries = def.Remediation.MaxRetries
	}
	if cfg.Snapshots.Backend == "" {
		cfg.Snapshots.Backend = def.Snapshots.Backend
	}
	if cfg.Snapshots.TTL == "" {
		cfg.Snapshots.TTL = def.Snapshots.TTL
	}
	if cfg.Snapshots.JanitorInterval == "" {
		cfg.Snapshots.JanitorInterval = def.Snapshots.JanitorInterval
	}
	if cfg.Snapshots.Redis.Addr == "" {
		cfg.Snapshots.Redis.Addr = def.Snapshots.Redis.Addr
	}
	if cfg.Snapshots.Redis.KeyPrefix == "" {
		cfg.Snapshots.Redis.KeyPrefix = def.Snapshots.Redis.KeyPrefix
	}
	if cfg.Connector.QueryRateLimit == 0 {
		cfg.Connector.QueryRateLimit = def.Connector.QueryRateLimit
	}
	if cfg.Connector.QueryBurst == 0 {
		cfg.Connector.QueryBurst = def.Connector.QueryBurst
	}
	if cfg.Connector.BreakerThreshold == 0 {
		cfg.Connector.BreakerThreshold = def.Connector.BreakerThreshold
	}
	if cfg.Connector.BreakerCooldown == "" {
		cfg.Connector.BreakerCooldown = def.Connector.BreakerCooldown
	}
	if cfg.Connector.MaxRetries == 0 {
		cfg.Connector.MaxRetries = def.Connector.MaxRetries
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}
}

// applyEnvironmentOverrides lets deploys override file settings without
// editing it.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("DIAGMGR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DIAGMGR_MAX_CONCURRENT_SCANS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxConcurrentScans = n
		}
	}
	if v := os.Getenv("DIAGMGR_SCAN_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.ScanTimeout = v
		}
	}
	if v := os.Getenv("DIAGMGR_REQUIRE_APPROVAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Remediation.RequireApproval = &b
		}
	}
	if v := os.Getenv("DIAGMGR_ENABLE_AUTO_REMEDIATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Remediation.EnableAutoRemediation = b
		}
	}
	if v := os.Getenv("DIAGMGR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DIAGMGR_REDIS_ADDR"); v != "" {
		cfg.Snapshots.Redis.Addr = v
	}
}
