// Package kernel wires the diagnostic subsystems into one facade with an
// init → run → shutdown lifecycle. Callers hold a *Kernel handle; no
// package-level state exists.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/orchestrator"
	"github.com/catherinevee/diagmgr/internal/registry"
	"github.com/catherinevee/diagmgr/internal/remediation"
	"github.com/catherinevee/diagmgr/internal/rules"
	"github.com/catherinevee/diagmgr/internal/scanner/builtin"
	"github.com/catherinevee/diagmgr/internal/scheduler"
	"github.com/catherinevee/diagmgr/internal/shared/config"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
	"github.com/catherinevee/diagmgr/internal/snapshot"
	"github.com/catherinevee/diagmgr/internal/storage"
)

// Deps are the injection points for construction. Connector is required;
// everything else defaults from the configuration. Tests pass fakes here.
type Deps struct {
	Connector connector.Connector

	// Logger overrides the process logger built from cfg.Logging.
	Logger logger.Logger
	// Metrics overrides the collector set. When nil, collectors register
	// on the default prometheus registerer.
	Metrics *metrics.Kernel
	// Tracer instruments scans and attempts. Nil means no tracing.
	Tracer trace.Tracer
	// SnapshotBackend overrides the backend selected by cfg.Snapshots.
	SnapshotBackend snapshot.Backend
	// Store and ScanStore override the persistence selected by cfg.Storage.
	Store     findings.Store
	ScanStore orchestrator.ScanStore
	// Journal overrides the attempt journal.
	Journal remediation.AttemptJournal
}

// Kernel owns every subsystem and exposes the public operations. Construct
// with New, launch with Start, stop with Shutdown.
type Kernel struct {
	cfg *config.Config
	log logger.Logger

	metrics   *metrics.Kernel
	bus       *events.Bus
	registry  *registry.Registry
	ruleEng   *rules.Engine
	conn      connector.Connector
	store     findings.Store
	scans     orchestrator.ScanStore
	snapshots *snapshot.Manager
	orch      *orchestrator.Orchestrator
	remedy    *remediation.Engine
	sched     *scheduler.Scheduler

	// Set when the sqlite / redis backends are in play so Shutdown can
	// close them.
	sqlite *storage.SQLiteStore
	redis  *snapshot.RedisBackend

	startOnce sync.Once
	cancel    context.CancelFunc
}

// New builds a kernel from configuration and injected dependencies. Nothing
// runs until Start.
func New(cfg *config.Config, deps Deps) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.New(errs.KindInvalidInput, "invalid configuration").WithWrapped(err).Build()
	}
	if deps.Connector == nil {
		return nil, errs.InvalidInput("a connector is required")
	}

	log := deps.Logger
	if log == nil {
		logger.Initialize(cfg.Logging)
		log = logger.New("kernel")
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	k := &Kernel{
		cfg:     cfg,
		log:     log,
		metrics: m,
		bus:     events.NewBus(log, m),
	}

	k.registry = registry.New(log)
	for _, def := range builtin.All() {
		if err := k.registry.RegisterScanner(def); err != nil {
			return nil, err
		}
	}
	if cfg.Rules.PackDir != "" {
		n, err := k.registry.LoadPackDir(cfg.Rules.PackDir)
		if err != nil {
			return nil, err
		}
		log.Info("rule packs loaded",
			logger.String("dir", cfg.Rules.PackDir),
			logger.Int("rules", n),
		)
	}
	k.ruleEng = rules.New(log, m)

	k.store = deps.Store
	k.scans = deps.ScanStore
	journal := deps.Journal
	if cfg.Storage.Backend == "sqlite" {
		sq, err := storage.Open(cfg.Storage.Path, log)
		if err != nil {
			return nil, err
		}
		k.sqlite = sq
		if k.store == nil {
			k.store = sq
		}
		if k.scans == nil {
			k.scans = sq
		}
		if journal == nil {
			journal = sq
		}
	}
	if k.store == nil {
		k.store = findings.NewMemoryStore()
	}
	if k.scans == nil {
		k.scans = orchestrator.NewMemoryScanStore()
	}
	if journal == nil {
		journal = remediation.NopJournal{}
	}

	backend := deps.SnapshotBackend
	if backend == nil {
		switch cfg.Snapshots.Backend {
		case "redis":
			rb, err := snapshot.NewRedisBackend(context.Background(), snapshot.RedisConfig{
				Addr:      cfg.Snapshots.Redis.Addr,
				Password:  cfg.Snapshots.Redis.Password,
				DB:        cfg.Snapshots.Redis.DB,
				KeyPrefix: cfg.Snapshots.Redis.KeyPrefix,
			})
			if err != nil {
				return nil, err
			}
			k.redis = rb
			backend = rb
		default:
			backend = snapshot.NewMemoryBackend()
		}
	}
	k.snapshots = snapshot.New(backend, cfg.SnapshotTTL(), k.bus, log, m)

	k.conn = connector.NewGuard(deps.Connector, connector.GuardConfig{
		QueryRateLimit:   cfg.Connector.QueryRateLimit,
		QueryBurst:       cfg.Connector.QueryBurst,
		BreakerThreshold: cfg.Connector.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown(),
		MaxRetries:       cfg.Connector.MaxRetries,
	}, log, m)

	k.remedy = remediation.New(k.conn, k.snapshots, k.store, journal,
		k.ruleEng, k.bus, log, m, deps.Tracer, remediation.Config{
			RequireApproval: cfg.RequireApproval(),
			MaxRetries:      cfg.Remediation.MaxRetries,
			Workers:         cfg.Remediation.Workers,
		})

	k.orch = orchestrator.New(k.registry, k.conn, k.ruleEng, k.store, k.scans,
		k.bus, log, m, deps.Tracer, orchestrator.Settings{
			MaxConcurrentScans: cfg.Orchestrator.MaxConcurrentScans,
			QueueSize:          cfg.Orchestrator.ScanQueueSize,
			ScanTimeout:        cfg.ScanTimeout(),
			ScannerParallelism: cfg.Orchestrator.ScannerParallelism,
			FindingCap:         cfg.Orchestrator.FindingCap,
		})

	k.sched = scheduler.New(cfg.Scheduler, k.orch, log)
	return k, nil
}

// Start launches the workers, janitor, scheduler and event journal. It is
// idempotent: only the first call does anything. The context bounds the
// lifetime of everything started here; Shutdown cancels it.
func (k *Kernel) Start(ctx context.Context) {
	k.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		k.cancel = cancel

		if k.sqlite != nil {
			k.sqlite.JournalEvents(runCtx, k.bus)
		}
		if k.cfg.Remediation.EnableAutoRemediation {
			k.bus.RegisterHandler(k.autoRemediate, events.TopicRemediationAvailable)
		}
		if k.cfg.Rules.PackDir != "" && k.cfg.Rules.HotReload {
			stop := make(chan struct{})
			go func() {
				<-runCtx.Done()
				close(stop)
			}()
			if err := k.registry.WatchPacks(k.cfg.Rules.PackDir, stop); err != nil {
				k.log.Warn("rule pack hot reload unavailable", logger.Err(err))
			}
		}

		k.orch.Start(runCtx)
		k.remedy.Start(runCtx)
		k.snapshots.StartJanitor(runCtx, k.cfg.SnapshotJanitorInterval())
		k.sched.Start(runCtx)

		k.log.Info("kernel started",
			logger.Int("scan_workers", k.cfg.Orchestrator.MaxConcurrentScans),
			logger.Int("remediation_workers", k.cfg.Remediation.Workers),
			logger.Bool("auto_remediation", k.cfg.Remediation.EnableAutoRemediation),
		)
	})
}

// Shutdown cancels the run context, waits for the workers to drain within
// the context deadline, then closes the bus and any owned backends.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.cancel != nil {
		k.cancel()
	}

	done := make(chan struct{})
	go func() {
		k.sched.Wait()
		k.orch.WaitWorkers()
		k.remedy.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errs.FromContext(ctx)
	}

	k.bus.Close()
	if k.sqlite != nil {
		if cerr := k.sqlite.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if k.redis != nil {
		if cerr := k.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	k.log.Info("kernel stopped")
	return err
}

// RunDiagnostics creates a scan. With wait set it blocks until the scan
// reaches a terminal state and returns the final record; otherwise it
// returns the queued handle immediately.
func (k *Kernel) RunDiagnostics(ctx context.Context, systemID string, opts models.ScanOptions, wait bool) (*models.Scan, error) {
	scan, err := k.orch.CreateScan(ctx, systemID, opts)
	if err != nil {
		return nil, err
	}
	if !wait {
		return scan, nil
	}
	return k.orch.Wait(ctx, scan.ID)
}

// GetScan returns a scan by id.
func (k *Kernel) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	return k.orch.GetScan(ctx, id)
}

// ListScans returns the scans known to the orchestrator, newest first.
func (k *Kernel) ListScans(ctx context.Context) []*models.Scan {
	return k.orch.ListScans(ctx)
}

// CancelScan cancels a pending or running scan.
func (k *Kernel) CancelScan(ctx context.Context, id string) error {
	return k.orch.CancelScan(ctx, id)
}

// WaitScan blocks until the scan reaches a terminal state.
func (k *Kernel) WaitScan(ctx context.Context, id string) (*models.Scan, error) {
	return k.orch.Wait(ctx, id)
}

// Findings returns the open findings of a system.
func (k *Kernel) Findings(ctx context.Context, systemID string, filter findings.Filter) ([]*models.Finding, error) {
	return k.store.ListOpen(ctx, systemID, filter)
}

// Finding returns one finding by id.
func (k *Kernel) Finding(ctx context.Context, id string) (*models.Finding, error) {
	return k.store.Get(ctx, id)
}

// MarkFalsePositive closes a finding as a false positive, blocking future
// remediation of it.
func (k *Kernel) MarkFalsePositive(ctx context.Context, findingID, by string) error {
	return k.store.MarkFalsePositive(ctx, findingID, by, time.Now().UTC())
}

// Remediate executes one of a finding's declared actions. Approval gating,
// dry runs and rollback follow the remediation engine's rules.
func (k *Kernel) Remediate(ctx context.Context, findingID, actionID string, opts models.RemediationOptions) (*models.RemediationAttempt, error) {
	finding, err := k.store.Get(ctx, findingID)
	if err != nil {
		return nil, err
	}
	action, ok := finding.ActionByID(actionID)
	if !ok {
		return nil, errs.InvalidInputf("finding %s has no action %s", findingID, actionID)
	}
	return k.remedy.Execute(ctx, finding, action, opts)
}

// ValidateRemediation reports whether an action could run right now,
// without executing anything.
func (k *Kernel) ValidateRemediation(ctx context.Context, findingID, actionID string) (*remediation.ValidationResult, error) {
	finding, err := k.store.Get(ctx, findingID)
	if err != nil {
		return nil, err
	}
	action, ok := finding.ActionByID(actionID)
	if !ok {
		return nil, errs.InvalidInputf("finding %s has no action %s", findingID, actionID)
	}
	return k.remedy.Validate(ctx, finding, action)
}

// Approve releases a pending attempt and executes it on the caller's
// goroutine.
func (k *Kernel) Approve(ctx context.Context, attemptID, by string) (*models.RemediationAttempt, error) {
	return k.remedy.Approve(ctx, attemptID, by)
}

// Rollback restores the snapshot of a completed attempt.
func (k *Kernel) Rollback(ctx context.Context, attemptID string) (*models.RemediationAttempt, error) {
	return k.remedy.Rollback(ctx, attemptID)
}

// Attempts returns the attempts recorded for a finding, oldest first.
func (k *Kernel) Attempts(findingID string) []*models.RemediationAttempt {
	return k.remedy.AttemptsFor(findingID)
}

// Rules returns the registered diagnostic rules.
func (k *Kernel) Rules() []*models.DiagnosticRule {
	return k.registry.Rules()
}

// Registry exposes the registry for plugin registration.
func (k *Kernel) Registry() *registry.Registry {
	return k.registry
}

// Orchestrator exposes the scan engine. Extension point; most callers use
// the facade operations instead.
func (k *Kernel) Orchestrator() *orchestrator.Orchestrator {
	return k.orch
}

// RemediationEngine exposes the remediation engine. Extension point.
func (k *Kernel) RemediationEngine() *remediation.Engine {
	return k.remedy
}

// Bus exposes the event bus for external subscribers.
func (k *Kernel) Bus() *events.Bus {
	return k.bus
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() *config.Config {
	return k.cfg
}

// autoRemediate dispatches newly remediable findings to the remediation
// pool. Only automatic, non-high-risk, approval-free actions qualify;
// everything else stays an event for human subscribers.
func (k *Kernel) autoRemediate(event events.Event) {
	if event.FindingID == "" {
		return
	}
	ctx := context.Background()
	finding, err := k.store.Get(ctx, event.FindingID)
	if err != nil {
		k.log.Warn("auto-remediation lookup failed",
			logger.String("finding_id", event.FindingID),
			logger.Err(err),
		)
		return
	}
	if !finding.CanRemediate() {
		return
	}
	for i := range finding.Actions {
		action := finding.Actions[i]
		if action.Kind != models.ActionAutomatic || action.RiskLevel == models.RiskHigh {
			continue
		}
		if action.RequiresApproval || k.cfg.RequireApproval() {
			continue
		}
		err := k.remedy.Enqueue(finding, action, models.RemediationOptions{
			ExecutedBy: "auto-remediation",
		})
		if err != nil {
			k.log.Warn("auto-remediation enqueue failed",
				logger.String("finding_id", finding.ID),
				logger.String("action_id", action.ID),
				logger.Err(err),
			)
		}
		return
	}
}
