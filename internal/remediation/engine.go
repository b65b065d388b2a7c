// Package remediation executes repair actions against target systems:
// validation, approval gating, snapshot-backed execution, post-condition
// verification with automatic rollback. Attempts walk an explicit state
// machine (pending → approved → executing → completed|failed →
// rolled-back) and every transition lands on the event bus.
package remediation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/rules"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
	"github.com/catherinevee/diagmgr/internal/snapshot"
)

// AttemptJournal persists attempt transitions. The sqlite store implements
// it; embedded deployments use NopJournal.
type AttemptJournal interface {
	SaveAttempt(ctx context.Context, attempt *models.RemediationAttempt) error
}

// NopJournal discards attempt records.
type NopJournal struct{}

// SaveAttempt discards the attempt.
func (NopJournal) SaveAttempt(context.Context, *models.RemediationAttempt) error { return nil }

// Config tunes the engine.
type Config struct {
	// RequireApproval, when true, demands approval for every action
	// regardless of the action's own flag. Defaults to true at the facade.
	RequireApproval bool
	// MaxRetries bounds transient-error retries during execution.
	MaxRetries int
	// Workers sizes the auto-remediation pool.
	Workers int
}

// Retry backoff for transient connector errors during execution:
// exponential from 2s capped at 30s, at most two retries.
const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// ValidationResult reports whether an action may run and what running it
// would cost.
type ValidationResult struct {
	Valid             bool              `json:"valid"`
	Reasons           []string          `json:"reasons,omitempty"`
	RequiresApproval  bool              `json:"requires_approval"`
	RequiresDowntime  bool              `json:"requires_downtime"`
	RiskLevel         models.RiskLevel  `json:"risk_level"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
}

// Engine validates, executes and rolls back remediation actions. One
// engine serves all findings; per-finding leases serialize destructive
// work.
type Engine struct {
	conn      connector.Connector
	snapshots *snapshot.Manager
	store     findings.Store
	journal   AttemptJournal
	guards    *rules.Engine
	bus       *events.Bus
	log       logger.Logger
	metrics   *metrics.Kernel
	tracer    trace.Tracer
	cfg       Config

	leases *leaseRegistry

	mu        sync.RWMutex
	attempts  map[string]*models.RemediationAttempt
	byFinding map[string][]string

	queue     chan remediationJob
	workersWG sync.WaitGroup
}

type remediationJob struct {
	finding *models.Finding
	action  models.RemediationAction
	opts    models.RemediationOptions
}

// New creates a remediation engine.
func New(conn connector.Connector, snapshots *snapshot.Manager, store findings.Store,
	journal AttemptJournal, guards *rules.Engine, bus *events.Bus,
	log logger.Logger, m *metrics.Kernel, tracer trace.Tracer, cfg Config) *Engine {

	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if journal == nil {
		journal = NopJournal{}
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("diagmgr/remediation")
	}
	return &Engine{
		conn:      conn,
		snapshots: snapshots,
		store:     store,
		journal:   journal,
		guards:    guards,
		bus:       bus,
		log:       log,
		metrics:   m,
		tracer:    tracer,
		cfg:       cfg,
		leases:    newLeaseRegistry(),
		attempts:  make(map[string]*models.RemediationAttempt),
		byFinding: make(map[string][]string),
		queue:     make(chan remediationJob, cfg.Workers*4),
	}
}

// Start launches the auto-remediation workers. They drain Enqueue'd jobs
// until the context cancels.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.workersWG.Add(1)
		go func() {
			defer e.workersWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-e.queue:
					if _, err := e.Execute(ctx, job.finding, job.action, job.opts); err != nil {
						e.log.Warn("queued remediation failed",
							logger.String("finding_id", job.finding.ID),
							logger.String("action_id", job.action.ID),
							logger.Err(err),
						)
					}
				}
			}
		}()
	}
}

// Wait blocks until the workers have exited.
func (e *Engine) Wait() {
	e.workersWG.Wait()
}

// Enqueue hands a remediation to the worker pool without blocking. A full
// queue is backpressure.
func (e *Engine) Enqueue(finding *models.Finding, action models.RemediationAction, opts models.RemediationOptions) error {
	select {
	case e.queue <- remediationJob{finding: finding, action: action, opts: opts}:
		return nil
	default:
		return errs.Backpressure("remediation queue is full")
	}
}

// Validate checks that the action is applicable to the finding right now:
// the finding is still open and remediable, the action belongs to it, and
// its pre-conditions hold against current system state.
func (e *Engine) Validate(ctx context.Context, finding *models.Finding, action models.RemediationAction) (*ValidationResult, error) {
	result := &ValidationResult{
		RequiresApproval:  e.requiresApproval(action),
		RequiresDowntime:  action.RequiresDowntime,
		RiskLevel:         action.RiskLevel,
		EstimatedDuration: action.EstimatedDuration,
	}

	current, err := e.store.Get(ctx, finding.ID)
	if err != nil {
		return nil, err
	}
	if !current.CanRemediate() {
		result.Reasons = append(result.Reasons, "finding is not remediable (resolved, false positive, or not flagged remediable)")
	}
	if _, ok := current.ActionByID(action.ID); !ok {
		result.Reasons = append(result.Reasons, fmt.Sprintf("action %s is not attached to finding %s", action.ID, finding.ID))
	}

	if len(action.PreConditions) > 0 {
		data, err := e.guardData(ctx, action.PreConditions)
		if err != nil {
			return nil, err
		}
		ok, err := e.guards.Check(action.ID+"/pre", action.PreConditions, data)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Reasons = append(result.Reasons, "pre-conditions do not hold")
		}
	}

	result.Valid = len(result.Reasons) == 0
	return result, nil
}

// Execute runs the full remediation state machine for one (finding,
// action) pair. Without required approval it returns the attempt parked in
// pending after publishing remediation.approval-requested; with approval
// (or none needed) it runs to a terminal state. The returned attempt and a
// nil error reflect guard failures too: inspect attempt.Status.
func (e *Engine) Execute(ctx context.Context, finding *models.Finding, action models.RemediationAction, opts models.RemediationOptions) (*models.RemediationAttempt, error) {
	ctx, span := e.tracer.Start(ctx, "remediation.execute")
	defer span.End()

	if err := e.leases.acquire(finding.ID); err != nil {
		return nil, err
	}
	defer e.leases.release(finding.ID)

	current, err := e.store.Get(ctx, finding.ID)
	if err != nil {
		return nil, err
	}
	if !current.CanRemediate() {
		return nil, errs.IllegalStatef("finding %s is not remediable", finding.ID)
	}
	action.Normalize()

	attempt := e.adoptPending(current.ID, action.ID)
	if attempt == nil {
		attempt = e.newAttempt(current, action, opts)
	}
	if opts.ApprovedBy != "" && attempt.ApprovedBy == "" {
		attempt.ApprovedBy = opts.ApprovedBy
	}

	if e.requiresApproval(action) && attempt.ApprovedBy == "" {
		e.record(ctx, attempt)
		e.bus.Publish(events.Event{
			Type:      events.TopicRemediationApprovalRequested,
			SystemID:  attempt.SystemID,
			FindingID: attempt.FindingID,
			AttemptID: attempt.ID,
			Payload: map[string]interface{}{
				"action_id":  action.ID,
				"risk_level": string(action.RiskLevel),
				"operation":  action.Operation,
			},
		})
		e.log.Info("remediation awaiting approval",
			logger.String("attempt_id", attempt.ID),
			logger.String("finding_id", attempt.FindingID),
			logger.String("action_id", action.ID),
		)
		return e.snapshotOf(attempt), nil
	}

	e.transition(attempt, models.AttemptApproved)
	now := time.Now().UTC()
	if attempt.ApprovedAt == nil {
		attempt.ApprovedAt = &now
	}
	return e.run(ctx, attempt, current, action, opts)
}

// Approve transitions a pending attempt to approved and resumes execution
// on the caller's goroutine. Approving an already-approved attempt is a
// no-op returning its current state.
func (e *Engine) Approve(ctx context.Context, attemptID, by string) (*models.RemediationAttempt, error) {
	e.mu.Lock()
	attempt, ok := e.attempts[attemptID]
	if !ok {
		e.mu.Unlock()
		return nil, errs.InvalidInputf("attempt %s not found", attemptID)
	}
	if attempt.Status != models.AttemptPending {
		snap := e.snapshotOfLocked(attempt)
		e.mu.Unlock()
		if attempt.ApprovedBy != "" {
			return snap, nil
		}
		return nil, errs.IllegalStatef("attempt %s is %s, not pending", attemptID, attempt.Status)
	}
	attempt.ApprovedBy = by
	findingID, actionID := attempt.FindingID, attempt.ActionID
	e.mu.Unlock()

	finding, err := e.store.Get(ctx, findingID)
	if err != nil {
		return nil, err
	}
	action, ok := finding.ActionByID(actionID)
	if !ok {
		return nil, errs.InvalidInputf("action %s is no longer attached to finding %s", actionID, findingID)
	}
	return e.Execute(ctx, finding, action, models.RemediationOptions{
		ExecutedBy: attempt.ExecutedBy,
		ApprovedBy: by,
		DryRun:     attempt.DryRun,
	})
}

// Rollback manually reverts a completed, successful attempt using its
// snapshot and the action's recorded rollback operation.
func (e *Engine) Rollback(ctx context.Context, attemptID string) (*models.RemediationAttempt, error) {
	e.mu.RLock()
	attempt, ok := e.attempts[attemptID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.InvalidInputf("attempt %s not found", attemptID)
	}
	if !attempt.CanRollback() {
		return nil, errs.IllegalStatef("attempt %s is not rollback-eligible", attemptID)
	}

	if err := e.leases.acquire(attempt.FindingID); err != nil {
		return nil, err
	}
	defer e.leases.release(attempt.FindingID)

	finding, err := e.store.Get(ctx, attempt.FindingID)
	if err != nil {
		return nil, err
	}
	action, _ := finding.ActionByID(attempt.ActionID)

	if err := e.revert(ctx, attempt, action); err != nil {
		attempt.RollbackError = err.Error()
		e.record(ctx, attempt)
		return nil, err
	}

	e.transition(attempt, models.AttemptRolledBack)
	attempt.Success = false
	e.record(ctx, attempt)
	e.metrics.Rollbacks.Inc()
	e.bus.Publish(events.Event{
		Type:      events.TopicRemediationRolledBack,
		SystemID:  attempt.SystemID,
		FindingID: attempt.FindingID,
		AttemptID: attempt.ID,
		Payload:   map[string]interface{}{"snapshot_id": attempt.SnapshotID},
	})
	return e.snapshotOf(attempt), nil
}

// Attempt returns one attempt by id.
func (e *Engine) Attempt(id string) (*models.RemediationAttempt, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	attempt, ok := e.attempts[id]
	if !ok {
		return nil, false
	}
	return e.snapshotOfLocked(attempt), true
}

// AttemptsFor returns the attempts made against one finding, oldest first.
func (e *Engine) AttemptsFor(findingID string) []*models.RemediationAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.byFinding[findingID]
	out := make([]*models.RemediationAttempt, 0, len(ids))
	for _, id := range ids {
		if attempt, ok := e.attempts[id]; ok {
			out = append(out, e.snapshotOfLocked(attempt))
		}
	}
	return out
}

// run drives an approved attempt to a terminal state.
func (e *Engine) run(ctx context.Context, attempt *models.RemediationAttempt, finding *models.Finding, action models.RemediationAction, opts models.RemediationOptions) (*models.RemediationAttempt, error) {
	started := time.Now().UTC()
	e.transition(attempt, models.AttemptExecuting)
	attempt.StartedAt = &started
	e.record(ctx, attempt)
	e.bus.Publish(events.Event{
		Type:      events.TopicRemediationStarted,
		SystemID:  attempt.SystemID,
		FindingID: attempt.FindingID,
		AttemptID: attempt.ID,
		Payload: map[string]interface{}{
			"action_id": action.ID,
			"operation": action.Operation,
			"dry_run":   opts.DryRun,
		},
	})
	defer func() {
		e.metrics.RemediationAttempts.WithLabelValues(string(attempt.Status)).Inc()
		e.metrics.RemediationDuration.Observe(time.Since(started).Seconds())
	}()

	// Cancellation is honored between the phases below, never mid-execute.
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, attempt, errs.FromContext(ctx)), nil
	}

	if len(action.PreConditions) > 0 {
		data, err := e.guardData(ctx, action.PreConditions)
		if err != nil {
			return e.fail(ctx, attempt, err), nil
		}
		ok, err := e.guards.Check(action.ID+"/pre", action.PreConditions, data)
		if err != nil {
			return e.fail(ctx, attempt, err), nil
		}
		if !ok {
			return e.fail(ctx, attempt, errs.PreconditionFalse(
				fmt.Sprintf("pre-conditions for action %s do not hold", action.ID))), nil
		}
	}

	if opts.DryRun {
		e.log.Info("dry run: planned change not applied",
			logger.String("attempt_id", attempt.ID),
			logger.String("operation", action.Operation),
			logger.Any("parameters", paramsForLog(action.Parameters)),
		)
		attempt.DryRun = true
		attempt.Success = true
		attempt.Output = "dry run: " + action.Operation
		e.complete(ctx, attempt, false)
		return e.snapshotOf(attempt), nil
	}

	snap, err := e.snapshots.Take(ctx, e.conn, action.Scope(attempt.SystemID), attempt.ExecutedBy)
	if err != nil {
		return e.fail(ctx, attempt, err), nil
	}
	attempt.SnapshotID = snap.ID
	e.record(ctx, attempt)

	if err := e.snapshots.Pin(ctx, snap.ID); err != nil {
		return e.fail(ctx, attempt, err), nil
	}
	defer func() {
		if err := e.snapshots.Unpin(context.WithoutCancel(ctx), snap.ID); err != nil {
			e.log.Warn("snapshot unpin failed",
				logger.String("snapshot_id", snap.ID),
				logger.Err(err),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, attempt, errs.FromContext(ctx)), nil
	}

	result, retries, err := e.executeWithRetry(ctx, action)
	attempt.Retries = retries
	if err != nil {
		return e.fail(ctx, attempt, err), nil
	}
	attempt.Output = result.Output

	before, after, err := e.observeChange(ctx, snap, action, attempt.SystemID)
	if err != nil {
		e.log.Warn("post-change observation failed",
			logger.String("attempt_id", attempt.ID),
			logger.Err(err),
		)
	} else {
		attempt.Changes = &models.ChangeSet{Before: before, After: after}
	}

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, attempt, errs.FromContext(ctx)), nil
	}

	if len(action.PostConditions) > 0 {
		data, gerr := e.guardData(ctx, action.PostConditions)
		var ok bool
		if gerr == nil {
			ok, gerr = e.guards.Check(action.ID+"/post", action.PostConditions, data)
		}
		if gerr != nil {
			return e.fail(ctx, attempt, gerr), nil
		}
		if !ok {
			return e.handlePostconditionFailure(ctx, attempt, action), nil
		}
	}

	attempt.Success = true
	e.complete(ctx, attempt, true)
	return e.snapshotOf(attempt), nil
}

// handlePostconditionFailure rolls back automatically when the action
// permits, otherwise reports the partially changed system loudly.
func (e *Engine) handlePostconditionFailure(ctx context.Context, attempt *models.RemediationAttempt, action models.RemediationAction) *models.RemediationAttempt {
	failure := errs.PostconditionFalse(
		fmt.Sprintf("post-conditions for action %s do not hold after execution", action.ID))
	e.fail(ctx, attempt, failure)

	if !action.CanRollback {
		e.log.Error("post-condition failed and action cannot roll back: system left partially changed",
			logger.String("attempt_id", attempt.ID),
			logger.String("finding_id", attempt.FindingID),
			logger.String("snapshot_id", attempt.SnapshotID),
		)
		return e.snapshotOf(attempt)
	}

	if err := e.revert(ctx, attempt, action); err != nil {
		// Never mask the post-condition failure with the rollback error.
		attempt.RollbackError = err.Error()
		e.record(ctx, attempt)
		e.log.Error("automatic rollback failed",
			logger.String("attempt_id", attempt.ID),
			logger.String("snapshot_id", attempt.SnapshotID),
			logger.Err(err),
		)
		return e.snapshotOf(attempt)
	}

	e.transition(attempt, models.AttemptRolledBack)
	e.record(ctx, attempt)
	e.metrics.Rollbacks.Inc()
	e.bus.Publish(events.Event{
		Type:      events.TopicRemediationRolledBack,
		SystemID:  attempt.SystemID,
		FindingID: attempt.FindingID,
		AttemptID: attempt.ID,
		Payload:   map[string]interface{}{"snapshot_id": attempt.SnapshotID},
	})
	return e.snapshotOf(attempt)
}

// revert restores the attempt's snapshot, then runs the action's declared
// rollback operation when one exists.
func (e *Engine) revert(ctx context.Context, attempt *models.RemediationAttempt, action models.RemediationAction) error {
	if attempt.SnapshotID == "" {
		return errs.SnapshotMissing("")
	}
	if _, err := e.snapshots.Restore(ctx, e.conn, attempt.SnapshotID); err != nil {
		return err
	}
	if action.RollbackOperation == "" {
		return nil
	}
	_, err := e.conn.ExecuteOperation(ctx, connector.Operation{
		Name:       action.RollbackOperation,
		Parameters: action.RollbackParameters,
	})
	return err
}

// executeWithRetry applies the per-action timeout and retries transient
// connector errors within the kernel backoff policy.
func (e *Engine) executeWithRetry(ctx context.Context, action models.RemediationAction) (connector.OperationResult, int, error) {
	opCtx, cancel := context.WithTimeout(ctx, action.ExecutionTimeout())
	defer cancel()

	op := connector.Operation{Name: action.Operation, Parameters: action.Parameters}
	delay := retryBaseDelay
	retries := 0
	for {
		result, err := e.conn.ExecuteOperation(opCtx, op)
		if err == nil {
			return result, retries, nil
		}
		if !errs.IsRetryable(err) || retries >= e.cfg.MaxRetries {
			return connector.OperationResult{}, retries, err
		}
		retries++
		select {
		case <-opCtx.Done():
			return connector.OperationResult{}, retries, errs.FromContext(opCtx)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// observeChange derives the before state from the snapshot payload and
// reads the after state freshly from the connector.
func (e *Engine) observeChange(ctx context.Context, snap *models.Snapshot, action models.RemediationAction, systemID string) (models.Value, models.Value, error) {
	before, err := models.ParseJSON(snap.State)
	if err != nil {
		return models.NullVal(), models.NullVal(), err
	}
	res, err := e.conn.ExecuteOperation(ctx, connector.Operation{
		Name:   connector.OpCaptureState,
		Target: action.Scope(systemID).ComponentPath,
	})
	if err != nil {
		return before, models.NullVal(), err
	}
	return before, res.Data, nil
}

// guardData extracts the state slices named by the guard conditions: one
// connector query per distinct root segment.
func (e *Engine) guardData(ctx context.Context, conds []models.RuleCondition) (models.DataSet, error) {
	roots := make(map[string]struct{})
	for i := range conds {
		root := conds[i].Field
		if j := strings.IndexByte(root, '.'); j > 0 {
			root = root[:j]
		}
		roots[root] = struct{}{}
	}
	ordered := make([]string, 0, len(roots))
	for root := range roots {
		ordered = append(ordered, root)
	}
	sort.Strings(ordered)

	data := models.DataSet{}
	for _, root := range ordered {
		rows, err := e.conn.ExecuteQuery(ctx, connector.Query{Resource: root})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		if len(rows[0]) == 1 {
			if v, ok := rows[0]["value"]; ok {
				data[root] = v
				continue
			}
		}
		m := make(map[string]models.Value, len(rows[0]))
		for k, v := range rows[0] {
			m[k] = v
		}
		data[root] = models.MapVal(m)
	}
	return data, nil
}

func (e *Engine) requiresApproval(action models.RemediationAction) bool {
	return e.cfg.RequireApproval || action.RequiresApproval || action.RiskLevel == models.RiskHigh
}

func (e *Engine) newAttempt(finding *models.Finding, action models.RemediationAction, opts models.RemediationOptions) *models.RemediationAttempt {
	now := time.Now().UTC()
	attempt := &models.RemediationAttempt{
		ID:         uuid.New().String(),
		FindingID:  finding.ID,
		ActionID:   action.ID,
		SystemID:   finding.SystemID,
		Status:     models.AttemptPending,
		DryRun:     opts.DryRun,
		ExecutedBy: opts.ExecutedBy,
		ApprovedBy: opts.ApprovedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	e.mu.Lock()
	e.attempts[attempt.ID] = attempt
	e.byFinding[finding.ID] = append(e.byFinding[finding.ID], attempt.ID)
	e.mu.Unlock()
	return attempt
}

// adoptPending returns the existing non-terminal attempt for the pair, so
// an approval round-trip resumes rather than duplicating. The per-finding
// lease guarantees nothing else is executing it.
func (e *Engine) adoptPending(findingID, actionID string) *models.RemediationAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range e.byFinding[findingID] {
		attempt := e.attempts[id]
		if attempt.ActionID == actionID && attempt.Status == models.AttemptPending {
			return attempt
		}
	}
	return nil
}

func (e *Engine) transition(attempt *models.RemediationAttempt, next models.AttemptStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !attempt.Status.CanTransitionTo(next) {
		// Transitions are driven by the engine itself under the lease; a
		// miss here is a programming error worth surfacing in logs.
		e.log.Error("illegal attempt transition suppressed",
			logger.String("attempt_id", attempt.ID),
			logger.String("from", string(attempt.Status)),
			logger.String("to", string(next)),
		)
		return
	}
	attempt.Status = next
	attempt.UpdatedAt = time.Now().UTC()
}

// fail lands the attempt in failed with the error's kind and publishes
// remediation.failed.
func (e *Engine) fail(ctx context.Context, attempt *models.RemediationAttempt, cause error) *models.RemediationAttempt {
	if attempt.Status != models.AttemptFailed {
		e.transition(attempt, models.AttemptFailed)
	}
	now := time.Now().UTC()
	attempt.CompletedAt = &now
	attempt.Success = false
	attempt.Error = cause.Error()
	attempt.ErrorKind = string(errs.KindOf(cause))
	e.record(ctx, attempt)

	e.log.Error("remediation failed",
		logger.String("attempt_id", attempt.ID),
		logger.String("finding_id", attempt.FindingID),
		logger.String("snapshot_id", attempt.SnapshotID),
		logger.Err(cause),
	)
	e.bus.Publish(events.Event{
		Type:      events.TopicRemediationFailed,
		SystemID:  attempt.SystemID,
		FindingID: attempt.FindingID,
		AttemptID: attempt.ID,
		Payload: map[string]interface{}{
			"error":       cause.Error(),
			"error_kind":  attempt.ErrorKind,
			"snapshot_id": attempt.SnapshotID,
		},
	})
	return e.snapshotOf(attempt)
}

// complete lands the attempt in completed; resolve closes the finding,
// which dry runs never do.
func (e *Engine) complete(ctx context.Context, attempt *models.RemediationAttempt, resolve bool) {
	e.transition(attempt, models.AttemptCompleted)
	now := time.Now().UTC()
	attempt.CompletedAt = &now
	e.record(ctx, attempt)

	if resolve {
		by := attempt.ExecutedBy
		if by == "" {
			by = "remediation-engine"
		}
		if err := e.store.MarkResolved(ctx, attempt.FindingID, by, now); err != nil {
			e.log.Error("failed to resolve finding after remediation",
				logger.String("finding_id", attempt.FindingID),
				logger.Err(err),
			)
		} else {
			e.bus.Publish(events.Event{
				Type:      events.TopicFindingResolved,
				SystemID:  attempt.SystemID,
				FindingID: attempt.FindingID,
				Payload:   map[string]interface{}{"resolved_by": by, "attempt_id": attempt.ID},
			})
		}
	}

	e.bus.Publish(events.Event{
		Type:      events.TopicRemediationCompleted,
		SystemID:  attempt.SystemID,
		FindingID: attempt.FindingID,
		AttemptID: attempt.ID,
		Payload: map[string]interface{}{
			"dry_run":     attempt.DryRun,
			"snapshot_id": attempt.SnapshotID,
			"retries":     attempt.Retries,
		},
	})
}

func (e *Engine) record(ctx context.Context, attempt *models.RemediationAttempt) {
	if err := e.journal.SaveAttempt(ctx, attempt); err != nil {
		e.log.Warn("attempt journal write failed",
			logger.String("attempt_id", attempt.ID),
			logger.Err(err),
		)
	}
}

func (e *Engine) snapshotOf(attempt *models.RemediationAttempt) *models.RemediationAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotOfLocked(attempt)
}

func (e *Engine) snapshotOfLocked(attempt *models.RemediationAttempt) *models.RemediationAttempt {
	clone := *attempt
	if attempt.Changes != nil {
		changes := *attempt.Changes
		clone.Changes = &changes
	}
	return &clone
}

func paramsForLog(params map[string]models.Value) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v.String()
	}
	return out
}
