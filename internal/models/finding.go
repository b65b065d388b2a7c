package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// FindingKey is the identity of a finding: the same defect re-detected on
// the same resource coalesces onto one open finding per key.
type FindingKey struct {
	SystemID     string `json:"system_id"`
	RuleID       string `json:"rule_id"`
	Component    string `json:"component"`
	ResourcePath string `json:"resource_path"`
}

// String renders the key for logs.
func (k FindingKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.SystemID, k.RuleID, k.Component, k.ResourcePath)
}

// Evidence captures what a rule observed when it matched.
type Evidence struct {
	Actual     Value             `json:"actual"`
	Expected   Value             `json:"expected"`
	Difference Value             `json:"difference,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Finding is a detected defect on a target system. A finding stays open
// across scans, accumulating occurrences, until it is resolved or marked a
// false positive.
type Finding struct {
	ID              string              `json:"id" db:"id" validate:"required,uuid"`
	ScanID          string              `json:"scan_id" db:"scan_id"`
	SystemID        string              `json:"system_id" db:"system_id" validate:"required"`
	RuleID          string              `json:"rule_id" db:"rule_id" validate:"required"`
	Component       string              `json:"component" db:"component"`
	ResourcePath    string              `json:"resource_path" db:"resource_path"`
	Category        DiagnosticCategory  `json:"category" db:"category" validate:"required,oneof=performance security configuration integrity conflicts"`
	Severity        Severity            `json:"severity" db:"severity" validate:"required,oneof=critical high medium low info"`
	Title           string              `json:"title" db:"title" validate:"required"`
	Description     string              `json:"description,omitempty" db:"description"`
	Impact          string              `json:"impact,omitempty" db:"impact"`
	Recommendation  string              `json:"recommendation,omitempty" db:"recommendation"`
	Evidence        Evidence            `json:"evidence" db:"evidence"`
	DetectedAt      time.Time           `json:"detected_at" db:"detected_at"`
	LastSeenAt      time.Time           `json:"last_seen_at" db:"last_seen_at"`
	OccurrenceCount int                 `json:"occurrence_count" db:"occurrence_count" validate:"min=1"`
	Remediable      bool                `json:"remediable" db:"remediable"`
	Actions         []RemediationAction `json:"actions,omitempty" db:"actions"`
	AttemptIDs      []string            `json:"attempt_ids,omitempty" db:"attempt_ids"`
	Acknowledged    bool                `json:"acknowledged" db:"acknowledged"`
	AcknowledgedBy  string              `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	FalsePositive   bool                `json:"false_positive" db:"false_positive"`
	Resolved        bool                `json:"resolved" db:"resolved"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      string              `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}

// Validate validates the Finding struct
func (f *Finding) Validate() error {
	validate := validator.New()
	if err := validate.Struct(f); err != nil {
		return err
	}
	if f.FalsePositive && f.Remediable {
		return fmt.Errorf("finding %s: false positives are not remediable", f.ID)
	}
	return nil
}

// Key returns the identity key of the finding.
func (f *Finding) Key() FindingKey {
	return FindingKey{
		SystemID:     f.SystemID,
		RuleID:       f.RuleID,
		Component:    f.Component,
		ResourcePath: f.ResourcePath,
	}
}

// IsOpen reports whether the finding is still active.
func (f *Finding) IsOpen() bool {
	return !f.Resolved
}

// CanRemediate reports whether remediation may be attempted.
func (f *Finding) CanRemediate() bool {
	return f.Remediable && !f.FalsePositive && !f.Resolved
}

// MarkFalsePositive flags the finding as a false positive, which also makes
// it non-remediable.
func (f *Finding) MarkFalsePositive(by string, now time.Time) {
	f.FalsePositive = true
	f.Remediable = false
	f.Acknowledged = true
	f.AcknowledgedBy = by
	f.UpdatedAt = now
}

// MarkResolved closes the finding.
func (f *Finding) MarkResolved(by string, now time.Time) {
	f.Resolved = true
	f.ResolvedAt = &now
	f.ResolvedBy = by
	f.UpdatedAt = now
}

// ActionByID returns the remediation action attached to the finding with
// the given id.
func (f *Finding) ActionByID(id string) (RemediationAction, bool) {
	for i := range f.Actions {
		if f.Actions[i].ID == id {
			return f.Actions[i], true
		}
	}
	return RemediationAction{}, false
}
