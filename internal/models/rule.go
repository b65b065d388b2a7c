package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DiagnosticCategory groups rules and scanners by the class of defect they
// target.
type DiagnosticCategory string

const (
	CategoryPerformance   DiagnosticCategory = "performance"
	CategorySecurity      DiagnosticCategory = "security"
	CategoryConfiguration DiagnosticCategory = "configuration"
	CategoryIntegrity     DiagnosticCategory = "integrity"
	CategoryConflicts     DiagnosticCategory = "conflicts"
)

// AllCategories returns every known category in stable order.
func AllCategories() []DiagnosticCategory {
	return []DiagnosticCategory{
		CategoryPerformance,
		CategorySecurity,
		CategoryConfiguration,
		CategoryIntegrity,
		CategoryConflicts,
	}
}

// ParseCategory maps a string onto a known category.
func ParseCategory(s string) (DiagnosticCategory, error) {
	for _, c := range AllCategories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown diagnostic category %q", s)
}

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for comparison; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// ParseSeverity maps a string onto a known severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ConditionOperator is the comparison a rule condition applies to a
// resolved field value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "eq"
	OpNotEquals   ConditionOperator = "ne"
	OpGreaterThan ConditionOperator = "gt"
	OpLessThan    ConditionOperator = "lt"
	OpContains    ConditionOperator = "contains"
	OpRegex       ConditionOperator = "regex"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not-exists"
)

// ParseOperator maps a string onto a known operator.
func ParseOperator(s string) (ConditionOperator, error) {
	switch ConditionOperator(s) {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpContains, OpRegex, OpExists, OpNotExists:
		return ConditionOperator(s), nil
	}
	return "", fmt.Errorf("unknown condition operator %q", s)
}

// RuleCondition is one predicate over a dotted field path in the scanner's
// extracted data set. All conditions of a rule must hold for a finding.
type RuleCondition struct {
	Field    string            `json:"field" yaml:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" yaml:"operator" validate:"required,oneof=eq ne gt lt contains regex exists not-exists"`
	Value    Value             `json:"value,omitempty" yaml:"value"`
	Severity Severity          `json:"severity,omitempty" yaml:"severity" validate:"omitempty,oneof=critical high medium low info"`
}

// NeedsValue reports whether the operator requires a comparison value.
func (rc *RuleCondition) NeedsValue() bool {
	switch rc.Operator {
	case OpExists, OpNotExists:
		return false
	}
	return true
}

// DiagnosticRule declares what to detect, how severe it is, and which
// remediation actions apply. Rules are versioned and matched against the
// target system version before evaluation.
type DiagnosticRule struct {
	ID                string               `json:"id" yaml:"id" db:"id" validate:"required"`
	Version           string               `json:"version" yaml:"version" db:"version" validate:"required"`
	Name              string               `json:"name" yaml:"name" db:"name" validate:"required"`
	Description       string               `json:"description,omitempty" yaml:"description" db:"description"`
	Category          DiagnosticCategory   `json:"category" yaml:"category" db:"category" validate:"required,oneof=performance security configuration integrity conflicts"`
	Severity          Severity             `json:"severity" yaml:"severity" db:"severity" validate:"required,oneof=critical high medium low info"`
	Enabled           bool                 `json:"enabled" yaml:"enabled" db:"enabled"`
	SupportedVersions []string             `json:"supported_versions" yaml:"supported_versions" validate:"min=1"`
	Conditions        []RuleCondition      `json:"conditions" yaml:"conditions" validate:"min=1,dive"`
	Impact            string               `json:"impact,omitempty" yaml:"impact"`
	Recommendation    string               `json:"recommendation,omitempty" yaml:"recommendation"`
	Tags              []string             `json:"tags,omitempty" yaml:"tags"`
	AutoRemediate     bool                 `json:"auto_remediate,omitempty" yaml:"auto_remediate"`
	Actions           []RemediationAction  `json:"actions,omitempty" yaml:"actions" validate:"dive"`
	Interval          time.Duration        `json:"interval,omitempty" yaml:"interval"`
	CreatedAt         time.Time            `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt         time.Time            `json:"updated_at,omitempty" yaml:"-"`
}

// Normalize applies the structural repairs of every action. Callers that
// validate a rule normalize it first, so a declaration relying on an action
// default (approval on high risk, configuration snapshots for rollback) is
// accepted rather than rejected.
func (r *DiagnosticRule) Normalize() {
	for i := range r.Actions {
		r.Actions[i].Normalize()
	}
}

// Validate validates the DiagnosticRule struct
func (r *DiagnosticRule) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return err
	}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.NeedsValue() && c.Value.IsNull() {
			return fmt.Errorf("rule %s: condition %d (%s %s) requires a value", r.ID, i, c.Field, c.Operator)
		}
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return fmt.Errorf("rule %s: action %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// AppliesToVersion reports whether the rule supports the given target
// system version.
func (r *DiagnosticRule) AppliesToVersion(version string) bool {
	return MatchesVersion(version, r.SupportedVersions)
}

// ActionByID returns the rule action with the given id.
func (r *DiagnosticRule) ActionByID(id string) (RemediationAction, bool) {
	for i := range r.Actions {
		if r.Actions[i].ID == id {
			return r.Actions[i], true
		}
	}
	return RemediationAction{}, false
}
