// Package orchestrator owns the scan lifecycle: admission through a
// bounded FIFO queue, worker dispatch, scanner fan-out, finding
// aggregation, and the scan state machine. Backpressure is an admission
// error, never a dropped scan record.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/registry"
	"github.com/catherinevee/diagmgr/internal/rules"
	"github.com/catherinevee/diagmgr/internal/scanner"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

// ScanStore persists scan records. The sqlite store implements it; the
// in-package memory store serves tests and embedded use.
type ScanStore interface {
	SaveScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id string) (*models.Scan, error)
}

// Settings bound scan admission and execution.
type Settings struct {
	MaxConcurrentScans int
	QueueSize          int
	ScanTimeout        time.Duration
	ScannerParallelism int
	FindingCap         int
}

func (s *Settings) normalize() {
	if s.MaxConcurrentScans < 1 {
		s.MaxConcurrentScans = 4
	}
	if s.QueueSize < 0 {
		s.QueueSize = 16
	}
	if s.ScanTimeout <= 0 {
		s.ScanTimeout = time.Hour
	}
	if s.ScannerParallelism < 1 {
		s.ScannerParallelism = 5
	}
	if s.FindingCap < 1 {
		s.FindingCap = 100000
	}
}

type queuedScan struct {
	id      string
	timeout time.Duration
}

// Orchestrator admits, schedules and executes diagnostic scans.
type Orchestrator struct {
	registry *registry.Registry
	conn     connector.Connector
	engine   *rules.Engine
	store    findings.Store
	scans    ScanStore
	bus      *events.Bus
	log      logger.Logger
	metrics  *metrics.Kernel
	tracer   trace.Tracer
	cfg      Settings

	queue chan queuedScan

	mu      sync.RWMutex
	index   map[string]*models.Scan
	waiters map[string]chan struct{}
	cancels map[string]context.CancelFunc

	workersWG sync.WaitGroup
}

// New creates an orchestrator. Call Start to launch the workers.
func New(reg *registry.Registry, conn connector.Connector, engine *rules.Engine,
	store findings.Store, scans ScanStore, bus *events.Bus,
	log logger.Logger, m *metrics.Kernel, tracer trace.Tracer, cfg Settings) *Orchestrator {

	cfg.normalize()
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("diagmgr/orchestrator")
	}
	return &Orchestrator{
		registry: reg,
		conn:     conn,
		engine:   engine,
		store:    store,
		scans:    scans,
		bus:      bus,
		log:      log,
		metrics:  m,
		tracer:   tracer,
		cfg:      cfg,
		queue:    make(chan queuedScan, cfg.MaxConcurrentScans+cfg.QueueSize),
		index:    make(map[string]*models.Scan),
		waiters:  make(map[string]chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the scan workers. They drain the queue until the context
// cancels.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.MaxConcurrentScans; i++ {
		o.workersWG.Add(1)
		go func() {
			defer o.workersWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case q := <-o.queue:
					o.metrics.ScanQueueDepth.Dec()
					o.execute(ctx, q)
				}
			}
		}()
	}
}

// WaitWorkers blocks until the workers have exited.
func (o *Orchestrator) WaitWorkers() {
	o.workersWG.Wait()
}

// CreateScan validates the request and admits it to the queue. A full
// queue is backpressure: the error is returned and nothing is recorded.
// Unknown explicit rule ids are rejected here, before queueing.
func (o *Orchestrator) CreateScan(ctx context.Context, systemID string, opts models.ScanOptions) (*models.Scan, error) {
	if systemID == "" {
		return nil, errs.InvalidInput("system id is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, errs.New(errs.KindInvalidInput, "invalid scan options").WithWrapped(err).Build()
	}

	version := ""
	if health, err := o.conn.HealthCheck(ctx); err == nil {
		version = health.Version
	}
	if _, err := o.registry.ResolveRules(opts, version); err != nil {
		return nil, err
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.ScanTimeout
	}

	now := time.Now().UTC()
	scan := &models.Scan{
		ID:            uuid.New().String(),
		SystemID:      systemID,
		SystemVersion: version,
		Rules:         append([]string(nil), opts.Rules...),
		Categories:    append([]models.DiagnosticCategory(nil), opts.Categories...),
		Status:        models.ScanStatusPending,
		Trigger:       trigger,
		TriggeredBy:   opts.TriggeredBy,
		QueuedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Admission is bounded by non-terminal scans: at most MaxConcurrentScans
	// running plus QueueSize waiting. The channel is sized for the bound, so
	// the send below cannot block once admission passes.
	o.mu.Lock()
	admitted := 0
	for _, s := range o.index {
		if !s.IsTerminal() {
			admitted++
		}
	}
	if admitted >= o.cfg.MaxConcurrentScans+o.cfg.QueueSize {
		o.mu.Unlock()
		return nil, errs.Backpressure(
			fmt.Sprintf("scan queue is full (%d admitted)", admitted))
	}
	select {
	case o.queue <- queuedScan{id: scan.ID, timeout: timeout}:
	default:
		o.mu.Unlock()
		return nil, errs.Backpressure(
			fmt.Sprintf("scan queue is full (%d pending)", o.cfg.QueueSize))
	}
	o.index[scan.ID] = scan
	o.waiters[scan.ID] = make(chan struct{})
	o.mu.Unlock()

	o.metrics.ScanQueueDepth.Inc()
	o.persist(ctx, scan)
	o.log.Info("scan queued",
		logger.String("scan_id", scan.ID),
		logger.String("system_id", systemID),
		logger.String("trigger", string(trigger)),
	)
	return cloneScan(scan), nil
}

// GetScan returns one scan by id.
func (o *Orchestrator) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	o.mu.RLock()
	scan, ok := o.index[id]
	o.mu.RUnlock()
	if ok {
		return cloneScan(scan), nil
	}
	return o.scans.GetScan(ctx, id)
}

// ListScans returns every scan this orchestrator has admitted, most
// recently queued first.
func (o *Orchestrator) ListScans(ctx context.Context) []*models.Scan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.Scan, 0, len(o.index))
	for _, scan := range o.index {
		out = append(out, cloneScan(scan))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.After(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the scan reaches a terminal state or the context
// cancels, then returns its final record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.Scan, error) {
	o.mu.RLock()
	scan, ok := o.index[id]
	ch, waiting := o.waiters[id]
	o.mu.RUnlock()
	if !ok {
		return nil, errs.InvalidInputf("scan %s not found", id)
	}
	if !waiting {
		return cloneScan(scan), nil
	}

	select {
	case <-ctx.Done():
		return nil, errs.FromContext(ctx)
	case <-ch:
		return o.GetScan(ctx, id)
	}
}

// CancelScan cancels a pending or running scan. Cancelling a terminal scan
// is illegal_state.
func (o *Orchestrator) CancelScan(ctx context.Context, id string) error {
	o.mu.Lock()
	scan, ok := o.index[id]
	if !ok {
		o.mu.Unlock()
		return errs.InvalidInputf("scan %s not found", id)
	}
	if scan.IsTerminal() {
		o.mu.Unlock()
		return errs.IllegalStatef("scan %s is already %s", id, scan.Status)
	}

	if scan.Status == models.ScanStatusPending {
		now := time.Now().UTC()
		scan.Status = models.ScanStatusCancelled
		scan.CompletedAt = &now
		scan.UpdatedAt = now
		snapshot := cloneScan(scan)
		o.mu.Unlock()

		o.persist(ctx, snapshot)
		o.metrics.ScansFinished.WithLabelValues(string(models.ScanStatusCancelled)).Inc()
		o.bus.Publish(events.Event{
			Type:     events.TopicScanCancelled,
			SystemID: snapshot.SystemID,
			ScanID:   id,
		})
		o.mu.Lock()
		o.closeWaiterLocked(id)
		o.mu.Unlock()
		return nil
	}

	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// execute drives one dequeued scan to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, q queuedScan) {
	o.mu.Lock()
	scan, ok := o.index[q.id]
	if !ok || scan.Status != models.ScanStatusPending {
		// Cancelled while queued; the waiter is already closed.
		o.mu.Unlock()
		return
	}
	started := time.Now().UTC()
	scan.Status = models.ScanStatusRunning
	scan.StartedAt = &started
	scan.UpdatedAt = started

	runCtx, cancel := context.WithTimeout(ctx, q.timeout)
	o.cancels[q.id] = cancel
	snapshot := cloneScan(scan)
	o.mu.Unlock()
	defer cancel()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, q.id)
		o.mu.Unlock()
	}()

	runCtx, span := o.tracer.Start(runCtx, "orchestrator.scan")
	defer span.End()

	o.persist(ctx, snapshot)
	o.metrics.ScansStarted.Inc()
	o.metrics.ActiveScans.Inc()
	defer o.metrics.ActiveScans.Dec()
	o.bus.Publish(events.Event{
		Type:     events.TopicScanStarted,
		SystemID: snapshot.SystemID,
		ScanID:   snapshot.ID,
		Payload:  map[string]interface{}{"trigger": string(snapshot.Trigger)},
	})
	o.log.Info("scan started",
		logger.String("scan_id", snapshot.ID),
		logger.String("system_id", snapshot.SystemID),
	)

	outcome := o.runScan(runCtx, snapshot)
	o.finalize(ctx, q.id, started, outcome)
}

// scanOutcome is what one scan execution produced before finalization.
type scanOutcome struct {
	status  models.ScanStatus
	summary models.FindingSummary
	errors  []models.ScanError
	errText string
}

// runScan fans out the scanner tasks, aggregates their findings, and
// persists the result. Scanner failures degrade the scan; only timeout,
// cancellation and the finding cap make it fail.
func (o *Orchestrator) runScan(ctx context.Context, scan *models.Scan) scanOutcome {
	outcome := scanOutcome{status: models.ScanStatusCompleted}

	resolved, err := o.registry.ResolveRules(models.ScanOptions{
		Rules:      scan.Rules,
		Categories: scan.Categories,
	}, scan.SystemVersion)
	if err != nil {
		outcome.status = models.ScanStatusFailed
		outcome.errText = err.Error()
		return outcome
	}

	byRule := make(map[string]*models.DiagnosticRule, len(resolved))
	for _, rule := range resolved {
		byRule[rule.ID] = rule
	}

	previous, err := o.store.OpenByKey(ctx, scan.SystemID)
	if err != nil {
		outcome.status = models.ScanStatusFailed
		outcome.errText = fmt.Sprintf("loading previous findings: %v", err)
		return outcome
	}

	defs := o.scannersFor(resolved, scan.SystemVersion)
	if len(defs) == 0 {
		o.log.Warn("no scanners cover the requested rules",
			logger.String("scan_id", scan.ID),
		)
		return outcome
	}

	var (
		resMu     sync.Mutex
		results   []*scanner.Result
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ScannerParallelism)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			runner := scanner.NewRunner(def, o.engine, o.log)
			sc := &scanner.Context{
				SystemID:         scan.SystemID,
				ScanID:           scan.ID,
				SystemVersion:    scan.SystemVersion,
				Connector:        o.conn,
				Rules:            resolved,
				PreviousFindings: previous,
				Now:              time.Now().UTC(),
			}
			res := runner.Scan(gctx, sc)
			if cerr := runner.Close(gctx, sc); cerr != nil {
				o.log.Warn("scanner cleanup failed",
					logger.String("scanner", def.ID),
					logger.Err(cerr),
				)
			}

			resMu.Lock()
			results = append(results, res)
			completed++
			progress := completed * 100 / len(defs)
			resMu.Unlock()
			o.updateProgress(scan.ID, progress)
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic aggregation order regardless of completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].ScannerID < results[j].ScannerID })

	best := make(map[string]*models.Finding)
	owner := make(map[string]string)
	for _, res := range results {
		// Scanner errors carrying a rule id mean the rule was disabled for
		// this scan. Journaling subscribers learn about it here; the scan
		// itself continues.
		for _, scanErr := range res.Errors {
			if scanErr.RuleID == "" {
				continue
			}
			o.bus.Publish(events.Event{
				Type:     events.TopicRuleMisconfigured,
				SystemID: scan.SystemID,
				ScanID:   scan.ID,
				Payload: map[string]interface{}{
					"rule_id":    scanErr.RuleID,
					"scanner_id": scanErr.ScannerID,
					"error":      scanErr.Message,
				},
			})
		}
		outcome.errors = append(outcome.errors, res.Errors...)
		for _, f := range res.Findings {
			key := f.Key().String()
			cur, ok := best[key]
			if !ok ||
				f.Severity.Rank() > cur.Severity.Rank() ||
				(f.Severity.Rank() == cur.Severity.Rank() && res.ScannerID < owner[key]) {
				best[key] = f
				owner[key] = res.ScannerID
			}
		}
	}

	keys := make([]string, 0, len(best))
	for key := range best {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	open := len(previous)
	for _, key := range keys {
		f := best[key]
		_, seenBefore := previous[key]
		if !seenBefore {
			if open >= o.cfg.FindingCap {
				outcome.status = models.ScanStatusFailed
				outcome.errText = errs.ResourceExhausted(
					fmt.Sprintf("finding cap %d reached; earlier findings were persisted", o.cfg.FindingCap)).Error()
				break
			}
			open++
		}

		f.ScanID = scan.ID
		stored, err := o.store.Upsert(ctx, f)
		if err != nil {
			outcome.errors = append(outcome.errors, models.ScanError{
				ScannerID: owner[key],
				RuleID:    f.RuleID,
				Message:   "persisting finding: " + err.Error(),
				Retryable: errs.IsRetryable(err),
			})
			continue
		}

		outcome.summary.Add(stored.Severity, stored.Category)
		topic := events.TopicFindingCreated
		if seenBefore {
			topic = events.TopicFindingUpdated
		}
		o.bus.Publish(events.Event{
			Type:      topic,
			SystemID:  scan.SystemID,
			ScanID:    scan.ID,
			FindingID: stored.ID,
			Payload: map[string]interface{}{
				"rule_id":     stored.RuleID,
				"severity":    string(stored.Severity),
				"category":    string(stored.Category),
				"occurrences": stored.OccurrenceCount,
			},
		})
		// remediation.available is the auto-remediation trigger, so it is
		// published only for rules that opted in. Manual remediation of any
		// remediable finding stays open through the facade.
		if rule := byRule[stored.RuleID]; stored.CanRemediate() && rule != nil && rule.AutoRemediate {
			o.bus.Publish(events.Event{
				Type:      events.TopicRemediationAvailable,
				SystemID:  scan.SystemID,
				ScanID:    scan.ID,
				FindingID: stored.ID,
				Payload:   map[string]interface{}{"actions": len(stored.Actions)},
			})
		}
	}

	switch {
	case outcome.status == models.ScanStatusFailed:
	case ctx.Err() == context.DeadlineExceeded:
		outcome.status = models.ScanStatusFailed
		outcome.errText = "scan deadline exceeded"
	case ctx.Err() == context.Canceled:
		outcome.status = models.ScanStatusCancelled
	case allTasksErrored(results):
		outcome.status = models.ScanStatusFailed
		outcome.errText = "every scanner errored without producing findings"
	}
	return outcome
}

// allTasksErrored reports whether every scanner task errored and none
// produced a finding. Errors carrying a rule id are per-rule degradations,
// not task failures, so they do not count; one working scanner keeps the
// scan out of failed.
func allTasksErrored(results []*scanner.Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, res := range results {
		if len(res.Findings) > 0 {
			return false
		}
		errored := false
		for _, e := range res.Errors {
			if e.RuleID == "" {
				errored = true
				break
			}
		}
		if !errored {
			return false
		}
	}
	return true
}

// finalize moves the scan to its terminal state, persists it and notifies
// waiters and the bus.
func (o *Orchestrator) finalize(ctx context.Context, id string, started time.Time, outcome scanOutcome) {
	now := time.Now().UTC()

	o.mu.Lock()
	scan, ok := o.index[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	if !scan.Status.CanTransitionTo(outcome.status) {
		// Terminal already (cancelled from outside); leave it be.
		o.closeWaiterLocked(id)
		o.mu.Unlock()
		return
	}
	scan.Status = outcome.status
	scan.Summary = outcome.summary
	scan.Errors = outcome.errors
	scan.Error = outcome.errText
	scan.CompletedAt = &now
	scan.UpdatedAt = now
	if outcome.status == models.ScanStatusCompleted {
		scan.Progress = 100
	}
	snapshot := cloneScan(scan)
	o.mu.Unlock()

	o.persist(ctx, snapshot)
	o.metrics.ScansFinished.WithLabelValues(string(outcome.status)).Inc()
	o.metrics.ScanDuration.Observe(now.Sub(started).Seconds())

	topic := events.TopicScanCompleted
	switch outcome.status {
	case models.ScanStatusFailed:
		topic = events.TopicScanFailed
	case models.ScanStatusCancelled:
		topic = events.TopicScanCancelled
	}
	o.bus.Publish(events.Event{
		Type:     topic,
		SystemID: snapshot.SystemID,
		ScanID:   id,
		Payload: map[string]interface{}{
			"findings": snapshot.Summary.Total,
			"errors":   len(snapshot.Errors),
			"error":    snapshot.Error,
		},
	})
	o.log.Info("scan finished",
		logger.String("scan_id", id),
		logger.String("status", string(outcome.status)),
		logger.Int("findings", snapshot.Summary.Total),
		logger.Int("errors", len(snapshot.Errors)),
	)

	// Waiters wake only after the terminal record and its events are out.
	o.mu.Lock()
	o.closeWaiterLocked(id)
	o.mu.Unlock()
}

// scannersFor selects the scanner definitions covering the resolved rules'
// categories, filtered by target version support, ordered by id.
func (o *Orchestrator) scannersFor(resolved []*models.DiagnosticRule, version string) []*scanner.Definition {
	categories := make(map[models.DiagnosticCategory]struct{})
	for _, rule := range resolved {
		categories[rule.Category] = struct{}{}
	}

	seen := make(map[string]struct{})
	var defs []*scanner.Definition
	for category := range categories {
		for _, def := range o.registry.ScannersFor(category) {
			if _, dup := seen[def.ID]; dup {
				continue
			}
			if !def.SupportsVersion(version) {
				continue
			}
			seen[def.ID] = struct{}{}
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// updateProgress bumps the scan's progress and emits scan.progress.
// Progress on a terminal scan is dropped, and updates are clamped below
// 100: full progress is reserved for the completed transition in finalize,
// so a scan that fails during aggregation never reads as fully done.
func (o *Orchestrator) updateProgress(id string, progress int) {
	if progress > 99 {
		progress = 99
	}
	o.mu.Lock()
	scan, ok := o.index[id]
	if !ok || scan.IsTerminal() || progress <= scan.Progress {
		o.mu.Unlock()
		return
	}
	scan.Progress = progress
	scan.UpdatedAt = time.Now().UTC()
	systemID := scan.SystemID
	o.mu.Unlock()

	o.bus.Publish(events.Event{
		Type:     events.TopicScanProgress,
		SystemID: systemID,
		ScanID:   id,
		Payload:  map[string]interface{}{"progress": progress},
	})
}

func (o *Orchestrator) persist(ctx context.Context, scan *models.Scan) {
	if err := o.scans.SaveScan(context.WithoutCancel(ctx), scan); err != nil {
		o.log.Error("scan persistence failed",
			logger.String("scan_id", scan.ID),
			logger.Err(err),
		)
	}
}

func (o *Orchestrator) closeWaiterLocked(id string) {
	if ch, ok := o.waiters[id]; ok {
		close(ch)
		delete(o.waiters, id)
	}
}

func cloneScan(s *models.Scan) *models.Scan {
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Rules = append([]string(nil), s.Rules...)
	out.Categories = append([]models.DiagnosticCategory(nil), s.Categories...)
	out.Errors = append([]models.ScanError(nil), s.Errors...)
	return &out
}
