package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fixture struct {
	orch  *Orchestrator
	conn  *connector.Mock
	store *findings.MemoryStore
	scans *MemoryScanStore
	reg   *registry.Registry
	bus   *events.Bus

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T, cfg Settings) *fixture {
	t.Helper()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(120))

	bus := events.NewBus(logger.NewNop(), metrics.NewNop())
	store := findings.NewMemoryStore()
	scans := NewMemoryScanStore()
	reg := registry.New(logger.NewNop())
	engine := rules.New(logger.NewNop(), metrics.NewNop())

	f := &fixture{conn: conn, store: store, scans: scans, reg: reg, bus: bus}
	bus.RegisterHandler(func(e events.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})

	require.NoError(t, reg.RegisterRule(timeoutRule()))
	require.NoError(t, reg.RegisterScanner(settingsScanner("scanner-settings")))

	f.orch = New(reg, conn, engine, store, scans, bus,
		logger.NewNop(), metrics.NewNop(), nil, cfg)
	return f
}

func (f *fixture) published(topic events.Topic) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		if e.Type == topic {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.orch.Start(ctx)
}

func (f *fixture) runScan(t *testing.T, opts models.ScanOptions) *models.Scan {
	t.Helper()
	scan, err := f.orch.CreateScan(context.Background(), "sys-1", opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.orch.Wait(ctx, scan.ID)
	require.NoError(t, err)
	return done
}

func timeoutRule() *models.DiagnosticRule {
	return &models.DiagnosticRule{
		ID:                "rule-timeout",
		Version:           "1.0.0",
		Name:              "session timeout too high",
		Category:          models.CategoryConfiguration,
		Severity:          models.SeverityHigh,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		AutoRemediate:     true,
		Conditions: []models.RuleCondition{
			{Field: "settings.timeout", Operator: models.OpGreaterThan, Value: models.IntVal(60)},
		},
		Actions: []models.RemediationAction{{
			ID:        "act-lower-timeout",
			Name:      "Lower session timeout",
			Kind:      models.ActionAutomatic,
			Operation: "settings.update",
			Parameters: map[string]models.Value{
				"path":  models.StringVal("settings.timeout"),
				"value": models.IntVal(30),
			},
			RiskLevel: models.RiskLow,
		}},
	}
}

func settingsScanner(id string) *scanner.Definition {
	return &scanner.Definition{
		ID:        id,
		Name:      "settings scanner",
		Category:  models.CategoryConfiguration,
		Version:   "1.0.0",
		Component: "settings",
		Extract: func(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
			rows, err := sc.Connector.ExecuteQuery(ctx, connector.Query{Resource: "settings"})
			if err != nil {
				return nil, err
			}
			data := models.DataSet{}
			if len(rows) > 0 {
				m := make(map[string]models.Value, len(rows[0]))
				for k, v := range rows[0] {
					m[k] = v
				}
				data["settings"] = models.MapVal(m)
			}
			return data, nil
		},
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "config/settings/timeout"
		},
	}
}

func TestScanDetectsAndPersistsFindings(t *testing.T) {
	f := newFixture(t, Settings{})
	f.start(t)

	done := f.runScan(t, models.ScanOptions{TriggeredBy: "tester"})

	assert.Equal(t, models.ScanStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 1, done.Summary.Total)
	assert.Equal(t, 1, done.Summary.BySeverity[models.SeverityHigh])
	assert.Empty(t, done.Errors)

	open, err := f.store.ListOpen(context.Background(), "sys-1", findings.Filter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, done.ID, open[0].ScanID)
	assert.Equal(t, "rule-timeout", open[0].RuleID)
	assert.True(t, open[0].Remediable)

	persisted, err := f.scans.GetScan(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, persisted.Status)

	assert.Len(t, f.published(events.TopicScanStarted), 1)
	assert.Len(t, f.published(events.TopicScanCompleted), 1)
	assert.Len(t, f.published(events.TopicFindingCreated), 1)
	assert.Len(t, f.published(events.TopicRemediationAvailable), 1)
	assert.NotEmpty(t, f.published(events.TopicScanProgress))
}

func TestCreateScanRejectsUnknownRule(t *testing.T) {
	f := newFixture(t, Settings{})

	_, err := f.orch.CreateScan(context.Background(), "sys-1",
		models.ScanOptions{Rules: []string{"no-such-rule"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
	assert.Zero(t, f.scans.Count())
}

func TestQueueFullIsBackpressureWithoutARecord(t *testing.T) {
	f := newFixture(t, Settings{MaxConcurrentScans: 1, QueueSize: 0})
	// Workers not started, so the single admission slot stays occupied.

	_, err := f.orch.CreateScan(context.Background(), "sys-1", models.ScanOptions{})
	require.NoError(t, err)

	_, err = f.orch.CreateScan(context.Background(), "sys-1", models.ScanOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.KindBackpressure, errs.KindOf(err))
	assert.Equal(t, 1, f.scans.Count())
}

func TestRepeatScanCoalescesFindings(t *testing.T) {
	f := newFixture(t, Settings{})
	f.start(t)

	first := f.runScan(t, models.ScanOptions{})
	second := f.runScan(t, models.ScanOptions{})
	require.Equal(t, models.ScanStatusCompleted, first.Status)
	require.Equal(t, models.ScanStatusCompleted, second.Status)

	open, err := f.store.ListOpen(context.Background(), "sys-1", findings.Filter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].OccurrenceCount)
	assert.Equal(t, second.ID, open[0].ScanID)

	assert.Len(t, f.published(events.TopicFindingCreated), 1)
	assert.Len(t, f.published(events.TopicFindingUpdated), 1)
}

func TestCancelPendingScan(t *testing.T) {
	f := newFixture(t, Settings{})
	// No workers: the scan stays pending.

	scan, err := f.orch.CreateScan(context.Background(), "sys-1", models.ScanOptions{})
	require.NoError(t, err)
	require.NoError(t, f.orch.CancelScan(context.Background(), scan.ID))

	done, err := f.orch.Wait(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCancelled, done.Status)
	assert.Len(t, f.published(events.TopicScanCancelled), 1)

	err = f.orch.CancelScan(context.Background(), scan.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindIllegalState, errs.KindOf(err))
}

func TestCancelRunningScan(t *testing.T) {
	f := newFixture(t, Settings{})
	f.conn.SetLatency(300 * time.Millisecond)
	f.start(t)

	scan, err := f.orch.CreateScan(context.Background(), "sys-1", models.ScanOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.orch.CancelScan(context.Background(), scan.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.orch.Wait(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCancelled, done.Status)
}

func TestScanTimeoutFailsTheScan(t *testing.T) {
	f := newFixture(t, Settings{})
	f.conn.SetLatency(300 * time.Millisecond)
	f.start(t)

	scan, err := f.orch.CreateScan(context.Background(), "sys-1",
		models.ScanOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.orch.Wait(ctx, scan.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ScanStatusFailed, done.Status)
	assert.Contains(t, done.Error, "deadline")
	assert.Len(t, f.published(events.TopicScanFailed), 1)
}

func TestFindingCapFailsScanButKeepsEarlierFindings(t *testing.T) {
	f := newFixture(t, Settings{FindingCap: 1})
	f.conn.SetState("settings.debug", models.BoolVal(true))
	debugRule := &models.DiagnosticRule{
		ID:                "rule-debug",
		Version:           "1.0.0",
		Name:              "debug mode enabled",
		Category:          models.CategoryConfiguration,
		Severity:          models.SeverityMedium,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []models.RuleCondition{
			{Field: "settings.debug", Operator: models.OpEquals, Value: models.BoolVal(true)},
		},
	}
	require.NoError(t, f.reg.RegisterRule(debugRule))
	f.start(t)

	done := f.runScan(t, models.ScanOptions{})

	assert.Equal(t, models.ScanStatusFailed, done.Status)
	assert.Contains(t, done.Error, "finding cap")
	assert.Less(t, done.Progress, 100, "only a completed scan reads fully done")
	for _, e := range f.published(events.TopicScanProgress) {
		if p, ok := e.Payload["progress"].(int); ok {
			assert.Less(t, p, 100)
		}
	}

	open, err := f.store.ListOpen(context.Background(), "sys-1", findings.Filter{})
	require.NoError(t, err)
	assert.Len(t, open, 1, "findings aggregated before the cap are kept")
}

func TestScanFailsWhenEveryScannerErrors(t *testing.T) {
	f := newFixture(t, Settings{})
	cpuRule := &models.DiagnosticRule{
		ID:                "rule-cpu",
		Version:           "1.0.0",
		Name:              "cpu usage above threshold",
		Category:          models.CategoryPerformance,
		Severity:          models.SeverityHigh,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []models.RuleCondition{
			{Field: "performance.cpu_percent", Operator: models.OpGreaterThan, Value: models.IntVal(80)},
		},
	}
	require.NoError(t, f.reg.RegisterRule(cpuRule))

	broken := settingsScanner("scanner-perf-broken")
	broken.Category = models.CategoryPerformance
	broken.Extract = func(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
		return nil, errs.ConnectorPermanent("metrics schema missing", nil)
	}
	require.NoError(t, f.reg.RegisterScanner(broken))
	f.start(t)

	// Only the broken scanner covers the performance category, so every
	// task of this scan errors with nothing found.
	done := f.runScan(t, models.ScanOptions{
		Categories: []models.DiagnosticCategory{models.CategoryPerformance},
	})

	assert.Equal(t, models.ScanStatusFailed, done.Status)
	assert.Contains(t, done.Error, "every scanner errored")
	require.NotEmpty(t, done.Errors)
	assert.False(t, done.Errors[0].Retryable)
	assert.Len(t, f.published(events.TopicScanFailed), 1)
}

func TestMisconfiguredRuleEmitsEventAndScanContinues(t *testing.T) {
	f := newFixture(t, Settings{})
	badRegex := &models.DiagnosticRule{
		ID:                "rule-bad-regex",
		Version:           "1.0.0",
		Name:              "unparseable pattern",
		Category:          models.CategoryConfiguration,
		Severity:          models.SeverityLow,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []models.RuleCondition{
			{Field: "settings.timeout", Operator: models.OpRegex, Value: models.StringVal("[")},
		},
	}
	require.NoError(t, f.reg.RegisterRule(badRegex))
	f.start(t)

	done := f.runScan(t, models.ScanOptions{})

	assert.Equal(t, models.ScanStatusCompleted, done.Status, "a misconfigured rule degrades, never fails")
	assert.Equal(t, 1, done.Summary.Total)

	require.NotEmpty(t, done.Errors)
	var ruleErr *models.ScanError
	for i := range done.Errors {
		if done.Errors[i].RuleID == "rule-bad-regex" {
			ruleErr = &done.Errors[i]
		}
	}
	require.NotNil(t, ruleErr)

	emitted := f.published(events.TopicRuleMisconfigured)
	require.Len(t, emitted, 1)
	assert.Equal(t, done.ID, emitted[0].ScanID)
	assert.Equal(t, "rule-bad-regex", emitted[0].Payload["rule_id"])
}

func TestRemediationAvailableNeedsRuleOptIn(t *testing.T) {
	f := newFixture(t, Settings{})
	f.conn.SetState("settings.debug", models.BoolVal(true))
	optedOut := &models.DiagnosticRule{
		ID:                "rule-debug-remediable",
		Version:           "1.0.0",
		Name:              "debug mode enabled",
		Category:          models.CategoryConfiguration,
		Severity:          models.SeverityMedium,
		Enabled:           true,
		SupportedVersions: []string{"*"},
		Conditions: []models.RuleCondition{
			{Field: "settings.debug", Operator: models.OpEquals, Value: models.BoolVal(true)},
		},
		Actions: []models.RemediationAction{{
			ID:        "act-disable-debug",
			Name:      "Disable debug mode",
			Kind:      models.ActionAutomatic,
			Operation: "settings.update",
			Parameters: map[string]models.Value{
				"path":  models.StringVal("settings.debug"),
				"value": models.BoolVal(false),
			},
			RiskLevel: models.RiskLow,
		}},
	}
	require.NoError(t, f.reg.RegisterRule(optedOut))
	f.start(t)

	done := f.runScan(t, models.ScanOptions{})
	require.Equal(t, models.ScanStatusCompleted, done.Status)
	require.Equal(t, 2, done.Summary.Total)

	available := f.published(events.TopicRemediationAvailable)
	require.Len(t, available, 1, "only the opted-in rule announces auto-remediation")

	open, err := f.store.ListOpen(context.Background(), "sys-1", findings.Filter{})
	require.NoError(t, err)
	for _, finding := range open {
		if finding.RuleID == "rule-timeout" {
			assert.Equal(t, finding.ID, available[0].FindingID)
		} else {
			assert.True(t, finding.Remediable, "opt-out affects events, not manual remediation")
		}
	}
}

func TestDuplicateKeysFromSiblingScannersCollapse(t *testing.T) {
	f := newFixture(t, Settings{})
	require.NoError(t, f.reg.RegisterScanner(settingsScanner("scanner-settings-b")))
	f.start(t)

	done := f.runScan(t, models.ScanOptions{})
	require.Equal(t, models.ScanStatusCompleted, done.Status)

	open, err := f.store.ListOpen(context.Background(), "sys-1", findings.Filter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, 1, open[0].OccurrenceCount)
	assert.Equal(t, 1, done.Summary.Total)
}

func TestBrokenScannerDegradesScanInsteadOfFailingIt(t *testing.T) {
	f := newFixture(t, Settings{})
	broken := settingsScanner("scanner-broken")
	broken.Extract = func(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
		return nil, errs.ConnectorTransient("backend unavailable", nil)
	}
	require.NoError(t, f.reg.RegisterScanner(broken))
	f.start(t)

	done := f.runScan(t, models.ScanOptions{})

	assert.Equal(t, models.ScanStatusCompleted, done.Status)
	assert.Equal(t, 1, done.Summary.Total)
	require.NotEmpty(t, done.Errors)
	assert.True(t, done.Errors[0].Retryable)
}

func TestWaitOnUnknownScan(t *testing.T) {
	f := newFixture(t, Settings{})
	_, err := f.orch.Wait(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}
