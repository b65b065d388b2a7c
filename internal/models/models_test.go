package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanStatus_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from ScanStatus
		to   ScanStatus
		want bool
	}{
		{"pending to running", ScanStatusPending, ScanStatusRunning, true},
		{"pending to cancelled", ScanStatusPending, ScanStatusCancelled, true},
		{"pending to completed", ScanStatusPending, ScanStatusCompleted, false},
		{"running to completed", ScanStatusRunning, ScanStatusCompleted, true},
		{"running to failed", ScanStatusRunning, ScanStatusFailed, true},
		{"running to cancelled", ScanStatusRunning, ScanStatusCancelled, true},
		{"completed is absorbing", ScanStatusCompleted, ScanStatusRunning, false},
		{"failed is absorbing", ScanStatusFailed, ScanStatusCancelled, false},
		{"cancelled is absorbing", ScanStatusCancelled, ScanStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestScanStatus_IsTerminal(t *testing.T) {
	assert.False(t, ScanStatusPending.IsTerminal())
	assert.False(t, ScanStatusRunning.IsTerminal())
	assert.True(t, ScanStatusCompleted.IsTerminal())
	assert.True(t, ScanStatusFailed.IsTerminal())
	assert.True(t, ScanStatusCancelled.IsTerminal())
}

func TestScan_Validate(t *testing.T) {
	scan := Scan{
		ID:       uuid.New().String(),
		SystemID: "wp-prod-1",
		Status:   ScanStatusPending,
		Trigger:  TriggerManual,
	}
	assert.NoError(t, scan.Validate())

	scan.Status = "exploded"
	assert.Error(t, scan.Validate())

	scan.Status = ScanStatusPending
	scan.Progress = 101
	assert.Error(t, scan.Validate())
}

func TestFindingSummary_Add(t *testing.T) {
	var s FindingSummary
	s.Add(SeverityHigh, CategoryPerformance)
	s.Add(SeverityHigh, CategorySecurity)
	s.Add(SeverityLow, CategoryPerformance)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.BySeverity[SeverityHigh])
	assert.Equal(t, 1, s.BySeverity[SeverityLow])
	assert.Equal(t, 2, s.ByCategory[CategoryPerformance])
}

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestMatchesVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		patterns []string
		want     bool
	}{
		{"wildcard matches anything", "10.4.2", []string{"*"}, true},
		{"prefix glob matches", "10.4.2", []string{"10.*"}, true},
		{"prefix glob respects boundary", "100.1.0", []string{"10.*"}, false},
		{"exact match", "6.4.2", []string{"6.4.2"}, true},
		{"exact mismatch", "6.4.3", []string{"6.4.2"}, false},
		{"any pattern suffices", "9.1.0", []string{"8.*", "9.*"}, true},
		{"empty list matches nothing", "1.0.0", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesVersion(tt.version, tt.patterns))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.2.0", "1.2.0"))
	assert.Equal(t, 0, CompareVersions("1.2", "1.2.0"))
	assert.Equal(t, -1, CompareVersions("1.2.0", "1.10.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "1.9.9"))
	assert.Equal(t, 1, CompareVersions("1.2.1", "1.2"))
}

func TestDiagnosticRule_Validate(t *testing.T) {
	rule := DiagnosticRule{
		ID:                "perf-cpu-usage",
		Version:           "1.0.0",
		Name:              "High CPU usage",
		Category:          CategoryPerformance,
		Severity:          SeverityHigh,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []RuleCondition{
			{Field: "performance.cpu_percent", Operator: OpGreaterThan, Value: IntVal(80)},
		},
	}
	require.NoError(t, rule.Validate())

	t.Run("missing conditions", func(t *testing.T) {
		r := rule
		r.Conditions = nil
		assert.Error(t, r.Validate())
	})

	t.Run("missing supported versions", func(t *testing.T) {
		r := rule
		r.SupportedVersions = nil
		assert.Error(t, r.Validate())
	})

	t.Run("operator requires value", func(t *testing.T) {
		r := rule
		r.Conditions = []RuleCondition{{Field: "x", Operator: OpEquals}}
		assert.Error(t, r.Validate())
	})

	t.Run("exists needs no value", func(t *testing.T) {
		r := rule
		r.Conditions = []RuleCondition{{Field: "x", Operator: OpExists}}
		assert.NoError(t, r.Validate())
	})
}

func TestDiagnosticRule_AppliesToVersion(t *testing.T) {
	rule := DiagnosticRule{SupportedVersions: []string{"6.*"}}
	assert.True(t, rule.AppliesToVersion("6.4.2"))
	assert.False(t, rule.AppliesToVersion("5.9.0"))
}

func TestRemediationAction_Normalize(t *testing.T) {
	a := RemediationAction{
		ID:        "restart-pool",
		Name:      "Restart worker pool",
		Kind:      ActionAutomatic,
		Operation: "pool.restart",
		RiskLevel: RiskHigh,
	}
	a.Normalize()
	assert.True(t, a.RequiresApproval, "high risk forces approval")

	b := RemediationAction{CanRollback: true}
	b.Normalize()
	assert.Equal(t, SnapshotConfiguration, b.SnapshotType)
}

func TestRemediationAction_Validate(t *testing.T) {
	a := RemediationAction{
		ID:        "disable-debug",
		Name:      "Disable debug mode",
		Kind:      ActionAutomatic,
		Operation: "settings.update",
		RiskLevel: RiskHigh,
	}
	assert.Error(t, a.Validate(), "high risk without approval is invalid")

	a.RequiresApproval = true
	assert.NoError(t, a.Validate())

	a.CanRollback = true
	assert.Error(t, a.Validate(), "rollback without snapshot type is invalid")

	a.SnapshotType = SnapshotConfiguration
	assert.NoError(t, a.Validate())
}

func TestRemediationAction_ExecutionTimeout(t *testing.T) {
	tests := []struct {
		name     string
		estimate time.Duration
		want     time.Duration
	}{
		{"zero estimate clamps to minimum", 0, 30 * time.Second},
		{"small estimate clamps to minimum", 5 * time.Second, 30 * time.Second},
		{"mid estimate scales by three", time.Minute, 3 * time.Minute},
		{"large estimate clamps to maximum", time.Hour, 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := RemediationAction{EstimatedDuration: tt.estimate}
			assert.Equal(t, tt.want, a.ExecutionTimeout())
		})
	}
}

func TestAttemptStatus_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from AttemptStatus
		to   AttemptStatus
		want bool
	}{
		{"pending to approved", AttemptPending, AttemptApproved, true},
		{"pending to failed", AttemptPending, AttemptFailed, true},
		{"pending skips to executing", AttemptPending, AttemptExecuting, false},
		{"approved to executing", AttemptApproved, AttemptExecuting, true},
		{"executing to completed", AttemptExecuting, AttemptCompleted, true},
		{"executing to failed", AttemptExecuting, AttemptFailed, true},
		{"completed to rolled back", AttemptCompleted, AttemptRolledBack, true},
		{"failed to rolled back", AttemptFailed, AttemptRolledBack, true},
		{"rolled back is absorbing", AttemptRolledBack, AttemptPending, false},
		{"completed cannot re-execute", AttemptCompleted, AttemptExecuting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestFinding_FalsePositiveNotRemediable(t *testing.T) {
	f := Finding{
		ID:              uuid.New().String(),
		SystemID:        "wp-prod-1",
		RuleID:          "perf-cpu-usage",
		Category:        CategoryPerformance,
		Severity:        SeverityHigh,
		Title:           "High CPU usage",
		OccurrenceCount: 1,
		Remediable:      true,
	}
	require.NoError(t, f.Validate())
	assert.True(t, f.CanRemediate())

	f.MarkFalsePositive("ops", time.Now())
	assert.False(t, f.Remediable)
	assert.False(t, f.CanRemediate())
	assert.NoError(t, f.Validate())

	f.Remediable = true
	assert.Error(t, f.Validate(), "false positive findings must not be remediable")
}

func TestFinding_Key(t *testing.T) {
	f := Finding{
		SystemID:     "wp-prod-1",
		RuleID:       "perf-cpu-usage",
		Component:    "core",
		ResourcePath: "system/cpu",
	}
	k := f.Key()
	assert.Equal(t, "wp-prod-1", k.SystemID)
	assert.Equal(t, "wp-prod-1/perf-cpu-usage/core/system/cpu", k.String())

	same := Finding{SystemID: "wp-prod-1", RuleID: "perf-cpu-usage", Component: "core", ResourcePath: "system/cpu"}
	assert.Equal(t, k, same.Key(), "keys are comparable values")
}

func TestFinding_MarkResolved(t *testing.T) {
	now := time.Now()
	f := Finding{ID: uuid.New().String()}
	f.MarkResolved("remediation", now)
	assert.True(t, f.Resolved)
	require.NotNil(t, f.ResolvedAt)
	assert.Equal(t, now, *f.ResolvedAt)
	assert.False(t, f.IsOpen())
}

func TestSnapshot_Expired(t *testing.T) {
	now := time.Now()
	s := Snapshot{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))

	var noTTL Snapshot
	assert.False(t, noTTL.Expired(now), "zero expiry never expires")
}
