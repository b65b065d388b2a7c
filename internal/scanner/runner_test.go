package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/rules"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

func testEngine() *rules.Engine {
	return rules.New(logger.NewNop(), metrics.NewNop())
}

func testDefinition(extract func(context.Context, *Context) (models.DataSet, error)) *Definition {
	return &Definition{
		ID:        "performance",
		Name:      "Performance Scanner",
		Category:  models.CategoryPerformance,
		Version:   "1.0.0",
		Component: "core",
		Extract:   extract,
	}
}

func responseTimeRule() *models.DiagnosticRule {
	return &models.DiagnosticRule{
		ID:                "perf-response-time",
		Version:           "1.0.0",
		Name:              "Average response time above threshold",
		Category:          models.CategoryPerformance,
		Severity:          models.SeverityMedium,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []models.RuleCondition{
			{Field: "performance.response_ms", Operator: models.OpGreaterThan, Value: models.IntVal(80)},
		},
	}
}

func scanContext(rules ...*models.DiagnosticRule) *Context {
	return &Context{
		SystemID:         "sys-1",
		ScanID:           "scan-1",
		SystemVersion:    "10.4.2",
		Connector:        connector.NewMock("10.4.2"),
		Rules:            rules,
		PreviousFindings: map[string]*models.Finding{},
		Now:              time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func staticExtract(ms int64) func(context.Context, *Context) (models.DataSet, error) {
	return func(context.Context, *Context) (models.DataSet, error) {
		return models.DataSet{
			"performance": models.MapVal(map[string]models.Value{
				"response_ms": models.IntVal(ms),
			}),
		}, nil
	}
}

func TestRunnerProducesFinding(t *testing.T) {
	def := testDefinition(staticExtract(92))
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(), scanContext(responseTimeRule()))

	require.Len(t, result.Findings, 1)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.RulesEvaluated)
	assert.False(t, result.Failed())

	f := result.Findings[0]
	assert.Equal(t, "core", f.Component)
	assert.Equal(t, "performance/perf-response-time", f.ResourcePath)
	assert.Equal(t, models.IntVal(92), f.Evidence.Actual)
	assert.Equal(t, models.IntVal(80), f.Evidence.Expected)
	assert.Equal(t, 1, f.OccurrenceCount)
}

func TestRunnerCoalescesWithOpenPreviousFinding(t *testing.T) {
	def := testDefinition(staticExtract(92))
	r := NewRunner(def, testEngine(), logger.NewNop())
	sc := scanContext(responseTimeRule())

	first := r.Scan(context.Background(), sc)
	require.Len(t, first.Findings, 1)
	prev := first.Findings[0]

	sc2 := scanContext(responseTimeRule())
	sc2.ScanID = "scan-2"
	sc2.Now = sc.Now.Add(time.Hour)
	sc2.PreviousFindings = map[string]*models.Finding{prev.Key().String(): prev}

	second := NewRunner(testDefinition(staticExtract(95)), testEngine(), logger.NewNop()).
		Scan(context.Background(), sc2)
	require.Len(t, second.Findings, 1)

	f := second.Findings[0]
	assert.Equal(t, prev.ID, f.ID, "identity carries forward")
	assert.Equal(t, prev.DetectedAt, f.DetectedAt, "first detection time is preserved")
	assert.Equal(t, 2, f.OccurrenceCount)
	assert.Equal(t, sc2.Now, f.LastSeenAt)
	assert.Equal(t, models.IntVal(95), f.Evidence.Actual, "evidence reflects the latest observation")
}

func TestRunnerIgnoresResolvedPreviousFinding(t *testing.T) {
	def := testDefinition(staticExtract(92))
	r := NewRunner(def, testEngine(), logger.NewNop())
	sc := scanContext(responseTimeRule())

	first := r.Scan(context.Background(), sc)
	require.Len(t, first.Findings, 1)
	prev := first.Findings[0]
	prev.MarkResolved("operator", sc.Now)

	sc2 := scanContext(responseTimeRule())
	sc2.PreviousFindings = map[string]*models.Finding{prev.Key().String(): prev}

	second := NewRunner(testDefinition(staticExtract(92)), testEngine(), logger.NewNop()).
		Scan(context.Background(), sc2)
	require.Len(t, second.Findings, 1)

	f := second.Findings[0]
	assert.NotEqual(t, prev.ID, f.ID, "a resolved finding does not coalesce")
	assert.Equal(t, 1, f.OccurrenceCount)
}

func TestRunnerDegradesOnPartialExtraction(t *testing.T) {
	def := testDefinition(func(context.Context, *Context) (models.DataSet, error) {
		return models.DataSet{
			"performance": models.MapVal(map[string]models.Value{
				"response_ms": models.IntVal(92),
			}),
		}, errs.ConnectorTransient("cache metrics unavailable", nil)
	})
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(), scanContext(responseTimeRule()))

	assert.True(t, result.Degraded)
	require.Len(t, result.Findings, 1)
	require.Len(t, result.Errors, 1)
	assert.True(t, result.Errors[0].Retryable)
}

func TestRunnerFailsWhenNothingExtracted(t *testing.T) {
	def := testDefinition(func(context.Context, *Context) (models.DataSet, error) {
		return nil, errs.ConnectorTransient("target unreachable", nil)
	})
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(), scanContext(responseTimeRule()))

	assert.Empty(t, result.Findings)
	require.Len(t, result.Errors, 1)
	assert.True(t, result.Errors[0].Retryable)
	assert.True(t, result.Failed())
}

func TestRunnerSkipsFilteredRules(t *testing.T) {
	disabled := responseTimeRule()
	disabled.ID = "disabled-rule"
	disabled.Enabled = false

	wrongVersion := responseTimeRule()
	wrongVersion.ID = "wrong-version"
	wrongVersion.SupportedVersions = []string{"9.*"}

	wrongCategory := responseTimeRule()
	wrongCategory.ID = "wrong-category"
	wrongCategory.Category = models.CategorySecurity

	notWhitelisted := responseTimeRule()
	notWhitelisted.ID = "not-whitelisted"

	def := testDefinition(staticExtract(92))
	def.SupportedRules = []string{"perf-response-time"}
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(),
		scanContext(responseTimeRule(), disabled, wrongVersion, wrongCategory, notWhitelisted))

	assert.Equal(t, 1, result.RulesEvaluated)
	assert.Equal(t, 4, result.RulesSkipped)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "perf-response-time", result.Findings[0].RuleID)
}

func TestRunnerContinuesPastMisconfiguredRule(t *testing.T) {
	bad := responseTimeRule()
	bad.ID = "bad-regex"
	bad.Conditions = []models.RuleCondition{
		{Field: "performance.response_ms", Operator: models.OpRegex, Value: models.StringVal("([unclosed")},
	}

	def := testDefinition(staticExtract(92))
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(), scanContext(bad, responseTimeRule()))

	assert.Equal(t, 2, result.RulesEvaluated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "bad-regex", result.Errors[0].RuleID)
	assert.False(t, result.Errors[0].Retryable)
	require.Len(t, result.Findings, 1, "remaining rules still run")
}

func TestRunnerObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	def := testDefinition(staticExtract(92))
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(ctx, scanContext(responseTimeRule(), responseTimeRule()))

	assert.Empty(t, result.Findings)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, 0, result.RulesEvaluated)
}

func TestRunnerInitializeFailureIsFatal(t *testing.T) {
	def := testDefinition(staticExtract(92))
	def.Initialize = func(context.Context, *Context) error {
		return errs.ConnectorPermanent("credentials rejected", nil)
	}
	r := NewRunner(def, testEngine(), logger.NewNop())

	result := r.Scan(context.Background(), scanContext(responseTimeRule()))

	assert.True(t, result.Failed())
	require.Len(t, result.Errors, 1)
	assert.False(t, result.Errors[0].Retryable)
}

func TestProcessBatches(t *testing.T) {
	var ranges [][2]int
	err := ProcessBatches(context.Background(), 250, 100, func(start, end int) error {
		ranges = append(ranges, [2]int{start, end})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 100}, {100, 200}, {200, 250}}, ranges)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ProcessBatches(ctx, 10, 5, func(start, end int) error { return nil })
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}
