package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ActionKind classifies how much human involvement an action needs.
type ActionKind string

const (
	ActionAutomatic     ActionKind = "automatic"
	ActionSemiAutomatic ActionKind = "semi-automatic"
	ActionManual        ActionKind = "manual"
)

// RiskLevel grades the blast radius of a remediation action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Action execution timeouts derive from the declared estimate and are
// clamped to this range.
const (
	MinActionTimeout = 30 * time.Second
	MaxActionTimeout = 10 * time.Minute
)

// RemediationAction declares a repair the kernel can apply for a finding,
// including the guards evaluated before and after execution.
type RemediationAction struct {
	ID                string          `json:"id" yaml:"id" validate:"required"`
	Name              string          `json:"name" yaml:"name" validate:"required"`
	Description       string          `json:"description,omitempty" yaml:"description"`
	Kind              ActionKind      `json:"kind" yaml:"kind" validate:"required,oneof=automatic semi-automatic manual"`
	Operation         string          `json:"operation" yaml:"operation" validate:"required"`
	Parameters        map[string]Value `json:"parameters,omitempty" yaml:"parameters"`
	RiskLevel         RiskLevel       `json:"risk_level" yaml:"risk_level" validate:"required,oneof=low medium high"`
	RequiresApproval  bool            `json:"requires_approval" yaml:"requires_approval"`
	RequiresDowntime  bool            `json:"requires_downtime" yaml:"requires_downtime"`
	EstimatedDuration time.Duration   `json:"estimated_duration,omitempty" yaml:"estimated_duration"`
	CanRollback       bool            `json:"can_rollback" yaml:"can_rollback"`
	RollbackOperation string          `json:"rollback_operation,omitempty" yaml:"rollback_operation"`
	RollbackParameters map[string]Value `json:"rollback_parameters,omitempty" yaml:"rollback_parameters"`
	SnapshotType      SnapshotType    `json:"snapshot_type,omitempty" yaml:"snapshot_type" validate:"omitempty,oneof=configuration database filesystem composite"`
	SnapshotScope     string          `json:"snapshot_scope,omitempty" yaml:"snapshot_scope"`
	PreConditions     []RuleCondition `json:"pre_conditions,omitempty" yaml:"pre_conditions" validate:"dive"`
	PostConditions    []RuleCondition `json:"post_conditions,omitempty" yaml:"post_conditions" validate:"dive"`
}

// Normalize enforces structural invariants that are repairs rather than
// errors: high-risk actions always require approval, and rollback-capable
// actions default to a configuration snapshot.
func (a *RemediationAction) Normalize() {
	if a.RiskLevel == RiskHigh {
		a.RequiresApproval = true
	}
	if a.CanRollback && a.SnapshotType == "" {
		a.SnapshotType = SnapshotConfiguration
	}
}

// Validate validates the RemediationAction struct
func (a *RemediationAction) Validate() error {
	validate := validator.New()
	if err := validate.Struct(a); err != nil {
		return err
	}
	if a.RiskLevel == RiskHigh && !a.RequiresApproval {
		return fmt.Errorf("action %s: high risk actions require approval", a.ID)
	}
	if a.CanRollback && a.SnapshotType == "" {
		return fmt.Errorf("action %s: rollback requires a snapshot type", a.ID)
	}
	return nil
}

// ExecutionTimeout returns the execution deadline for the action: three
// times the declared estimate, clamped to [MinActionTimeout, MaxActionTimeout].
func (a *RemediationAction) ExecutionTimeout() time.Duration {
	t := a.EstimatedDuration * 3
	if t < MinActionTimeout {
		return MinActionTimeout
	}
	if t > MaxActionTimeout {
		return MaxActionTimeout
	}
	return t
}

// Scope returns the snapshot scope covering the action's declared surface.
// An action without an explicit scope snapshots the subtree named by its
// "path" parameter's root segment, falling back to everything.
func (a *RemediationAction) Scope(systemID string) SnapshotScope {
	scope := SnapshotScope{SystemID: systemID, Type: a.SnapshotType}
	if scope.Type == "" {
		scope.Type = SnapshotConfiguration
	}
	if a.SnapshotScope != "" {
		scope.ComponentPath = a.SnapshotScope
		return scope
	}
	if pathVal, ok := a.Parameters["path"]; ok {
		if path, ok := pathVal.AsString(); ok {
			if i := strings.IndexByte(path, '.'); i > 0 {
				scope.ComponentPath = path[:i]
			} else {
				scope.ComponentPath = path
			}
		}
	}
	return scope
}

// AttemptStatus is the lifecycle state of a remediation attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptApproved   AttemptStatus = "approved"
	AttemptExecuting  AttemptStatus = "executing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled-back"
)

// IsTerminal reports whether the attempt has finished. A rolled-back
// transition out of completed or failed is the only move allowed from a
// terminal status.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether the attempt state machine permits moving
// from s to next.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	switch s {
	case AttemptPending:
		return next == AttemptApproved || next == AttemptFailed
	case AttemptApproved:
		return next == AttemptExecuting || next == AttemptFailed
	case AttemptExecuting:
		return next == AttemptCompleted || next == AttemptFailed
	case AttemptCompleted, AttemptFailed:
		return next == AttemptRolledBack
	}
	return false
}

// ChangeSet records the observable before and after state of a remediation.
type ChangeSet struct {
	Before Value `json:"before"`
	After  Value `json:"after"`
}

// RemediationAttempt is the audit record of one remediation execution
// against one finding.
type RemediationAttempt struct {
	ID            string        `json:"id" db:"id" validate:"required,uuid"`
	FindingID     string        `json:"finding_id" db:"finding_id" validate:"required"`
	ActionID      string        `json:"action_id" db:"action_id" validate:"required"`
	SystemID      string        `json:"system_id" db:"system_id"`
	Status        AttemptStatus `json:"status" db:"status" validate:"required,oneof=pending approved executing completed failed rolled-back"`
	DryRun        bool          `json:"dry_run" db:"dry_run"`
	ExecutedBy    string        `json:"executed_by" db:"executed_by"`
	ApprovedBy    string        `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty" db:"approved_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Success       bool          `json:"success" db:"success"`
	Output        string        `json:"output,omitempty" db:"output"`
	Error         string        `json:"error,omitempty" db:"error"`
	ErrorKind     string        `json:"error_kind,omitempty" db:"error_kind"`
	Changes       *ChangeSet    `json:"changes,omitempty" db:"changes"`
	SnapshotID    string        `json:"snapshot_id,omitempty" db:"snapshot_id"`
	RollbackError string        `json:"rollback_error,omitempty" db:"rollback_error"`
	Retries       int           `json:"retries" db:"retries"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Validate validates the RemediationAttempt struct
func (ra *RemediationAttempt) Validate() error {
	validate := validator.New()
	return validate.Struct(ra)
}

// IsTerminal reports whether the attempt has finished.
func (ra *RemediationAttempt) IsTerminal() bool {
	return ra.Status.IsTerminal()
}

// CanRollback reports whether a manual rollback of this attempt is
// possible: it completed successfully and a snapshot was captured.
func (ra *RemediationAttempt) CanRollback() bool {
	return ra.Status == AttemptCompleted && ra.Success && ra.SnapshotID != "" && !ra.DryRun
}

// RemediationOptions carries per-request execution settings.
type RemediationOptions struct {
	DryRun     bool   `json:"dry_run"`
	ExecutedBy string `json:"executed_by"`
	ApprovedBy string `json:"approved_by,omitempty"`
}
