package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// ScanStatus represents the lifecycle state of a diagnostic scan.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing. Terminal scans accept
// no further transitions or progress updates.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the scan state machine permits moving
// from s to next.
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	switch s {
	case ScanStatusPending:
		return next == ScanStatusRunning || next == ScanStatusCancelled
	case ScanStatusRunning:
		return next == ScanStatusCompleted || next == ScanStatusFailed || next == ScanStatusCancelled
	}
	return false
}

// TriggerKind records what initiated a scan.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEvent     TriggerKind = "event"
	TriggerAPI       TriggerKind = "api"
)

// ScanOptions selects which rules a scan evaluates and how it was initiated.
// Rules and Categories union together; an empty selection means all enabled
// rules compatible with the target version.
type ScanOptions struct {
	Rules       []string             `json:"rules,omitempty"`
	Categories  []DiagnosticCategory `json:"categories,omitempty" validate:"dive,oneof=performance security configuration integrity conflicts"`
	Trigger     TriggerKind          `json:"trigger,omitempty" validate:"omitempty,oneof=manual scheduled event api"`
	TriggeredBy string               `json:"triggered_by,omitempty"`
	Timeout     time.Duration        `json:"timeout,omitempty"`
}

// Validate validates the ScanOptions struct
func (so *ScanOptions) Validate() error {
	validate := validator.New()
	return validate.Struct(so)
}

// FindingSummary aggregates finding counts for a completed scan.
type FindingSummary struct {
	Total      int                        `json:"total"`
	BySeverity map[Severity]int           `json:"by_severity,omitempty"`
	ByCategory map[DiagnosticCategory]int `json:"by_category,omitempty"`
}

// Add counts one finding into the summary.
func (fs *FindingSummary) Add(severity Severity, category DiagnosticCategory) {
	if fs.BySeverity == nil {
		fs.BySeverity = make(map[Severity]int)
	}
	if fs.ByCategory == nil {
		fs.ByCategory = make(map[DiagnosticCategory]int)
	}
	fs.Total++
	fs.BySeverity[severity]++
	fs.ByCategory[category]++
}

// ScanError records a non-fatal error surfaced by one scanner task.
type ScanError struct {
	ScannerID string `json:"scanner_id"`
	RuleID    string `json:"rule_id,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Scan represents one diagnostic run against a target system.
type Scan struct {
	ID            string               `json:"id" db:"id" validate:"required,uuid"`
	SystemID      string               `json:"system_id" db:"system_id" validate:"required"`
	SystemVersion string               `json:"system_version,omitempty" db:"system_version"`
	Rules         []string             `json:"rules,omitempty" db:"rules"`
	Categories    []DiagnosticCategory `json:"categories,omitempty" db:"categories"`
	Status        ScanStatus           `json:"status" db:"status" validate:"required,oneof=pending running completed failed cancelled"`
	Progress      int                  `json:"progress" db:"progress" validate:"min=0,max=100"`
	Trigger       TriggerKind          `json:"trigger" db:"trigger" validate:"required,oneof=manual scheduled event api"`
	TriggeredBy   string               `json:"triggered_by,omitempty" db:"triggered_by"`
	Summary       FindingSummary       `json:"summary" db:"summary"`
	Errors        []ScanError          `json:"errors,omitempty" db:"errors"`
	Error         string               `json:"error,omitempty" db:"error"`
	QueuedAt      time.Time            `json:"queued_at" db:"queued_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at" db:"updated_at"`
}

// Validate validates the Scan struct
func (s *Scan) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// IsTerminal reports whether the scan has reached a terminal status.
func (s *Scan) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// CanBeCancelled reports whether a cancel request is still meaningful.
func (s *Scan) CanBeCancelled() bool {
	return s.Status == ScanStatusPending || s.Status == ScanStatusRunning
}

// Duration returns the wall time between start and completion, or zero when
// the scan has not finished.
func (s *Scan) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
