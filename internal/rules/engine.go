package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

// Context carries the scan-scoped identity stamped onto findings. The
// engine reads nothing else: the same rule, data and context always yield
// the same result, so evaluation is safe to run concurrently.
type Context struct {
	SystemID     string
	ScanID       string
	Component    string
	ResourcePath string
	Now          time.Time
}

// Engine evaluates diagnostic rules against extracted data sets. Regex
// patterns compile once per rule and are cached for the engine's lifetime.
type Engine struct {
	log     logger.Logger
	metrics *metrics.Kernel

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// New creates a rule engine.
func New(log logger.Logger, m *metrics.Kernel) *Engine {
	return &Engine{
		log:     log,
		metrics: m,
		cache:   make(map[string]*regexp.Regexp),
	}
}

// Evaluate checks every condition of the rule against data, in order,
// short-circuiting on the first miss. It returns a finding when all
// conditions hold, nil when any fails, and a rule_misconfigured error when
// the rule itself is unusable (bad regex, missing comparison value). A
// misconfigured rule is the caller's cue to disable it for the scan; it is
// never a reason to abort the scan.
func (e *Engine) Evaluate(rule *models.DiagnosticRule, data models.DataSet, ectx Context) (*models.Finding, error) {
	e.metrics.RulesEvaluated.Inc()

	resolved := make([]models.Value, len(rule.Conditions))
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		matched, value, err := e.evalCondition(rule, cond, data)
		if err != nil {
			e.metrics.RulesMisconfigured.Inc()
			return nil, err
		}
		if !matched {
			return nil, nil
		}
		resolved[i] = value
	}

	finding := e.buildFinding(rule, resolved, ectx)
	e.metrics.FindingsDetected.WithLabelValues(string(finding.Severity), string(finding.Category)).Inc()
	return finding, nil
}

// Check evaluates a bare condition list against data, short-circuiting on
// the first miss. The remediation engine uses it for pre- and
// post-condition guards; name labels the guard in misconfiguration errors.
func (e *Engine) Check(name string, conds []models.RuleCondition, data models.DataSet) (bool, error) {
	guard := &models.DiagnosticRule{ID: name}
	for i := range conds {
		matched, _, err := e.evalCondition(guard, &conds[i], data)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalCondition(rule *models.DiagnosticRule, cond *models.RuleCondition, data models.DataSet) (bool, models.Value, error) {
	if cond.NeedsValue() && cond.Value.IsNull() {
		return false, models.NullVal(), errs.RuleMisconfigured(rule.ID,
			fmt.Sprintf("condition on %q (%s) has no comparison value", cond.Field, cond.Operator))
	}

	value, found := data.Resolve(cond.Field)
	if found && value.IsNull() {
		found = false
	}

	switch cond.Operator {
	case models.OpExists:
		return found, value, nil
	case models.OpNotExists:
		return !found, value, nil
	}

	if !found {
		return false, models.NullVal(), nil
	}

	switch cond.Operator {
	case models.OpEquals:
		return value.Equal(cond.Value), value, nil

	case models.OpNotEquals:
		return !value.Equal(cond.Value), value, nil

	case models.OpGreaterThan, models.OpLessThan:
		if !value.IsNumber() || !cond.Value.IsNumber() {
			e.log.Warn("numeric comparison on non-numeric operands, condition skipped",
				logger.String("rule_id", rule.ID),
				logger.String("field", cond.Field),
				logger.String("operator", string(cond.Operator)),
				logger.String("value_kind", value.Kind().String()),
			)
			return false, value, nil
		}
		order, ok := value.Compare(cond.Value)
		if !ok {
			return false, value, nil
		}
		if cond.Operator == models.OpGreaterThan {
			return order > 0, value, nil
		}
		return order < 0, value, nil

	case models.OpContains:
		return containsMatch(value, cond.Value), value, nil

	case models.OpRegex:
		pattern, ok := cond.Value.AsString()
		if !ok {
			return false, value, errs.RuleMisconfigured(rule.ID,
				fmt.Sprintf("regex condition on %q needs a string pattern", cond.Field))
		}
		re, err := e.compile(rule.ID, pattern)
		if err != nil {
			return false, value, errs.RuleMisconfigured(rule.ID,
				fmt.Sprintf("regex %q does not compile: %v", pattern, err))
		}
		s, ok := value.AsString()
		if !ok {
			return false, value, nil
		}
		return re.MatchString(s), value, nil
	}

	return false, value, errs.RuleMisconfigured(rule.ID,
		fmt.Sprintf("unknown operator %q", cond.Operator))
}

// containsMatch is substring on strings, element membership on lists and
// key membership on maps.
func containsMatch(value, want models.Value) bool {
	switch value.Kind() {
	case models.KindString:
		s, _ := value.AsString()
		needle, ok := want.AsString()
		return ok && strings.Contains(s, needle)
	case models.KindList:
		items, _ := value.AsList()
		for _, item := range items {
			if item.Equal(want) {
				return true
			}
		}
		return false
	case models.KindMap:
		m, _ := value.AsMap()
		key, ok := want.AsString()
		if !ok {
			return false
		}
		_, present := m[key]
		return present
	}
	return false
}

func (e *Engine) compile(ruleID, pattern string) (*regexp.Regexp, error) {
	key := ruleID + "\x00" + pattern
	e.mu.RLock()
	re, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[key] = re
	e.mu.Unlock()
	return re, nil
}

// CachedPatterns reports how many compiled regexes the engine holds.
func (e *Engine) CachedPatterns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Engine) buildFinding(rule *models.DiagnosticRule, resolved []models.Value, ectx Context) *models.Finding {
	severity := rule.Severity
	overrideRank := -1
	for i := range rule.Conditions {
		if ovr := rule.Conditions[i].Severity; ovr != "" && ovr.Rank() > overrideRank {
			severity = ovr
			overrideRank = ovr.Rank()
		}
	}

	first := rule.Conditions[0]
	evidence := models.Evidence{
		Actual:   resolved[0],
		Expected: first.Value,
		Context:  make(map[string]string, len(rule.Conditions)),
	}
	if resolved[0].IsNumber() && first.Value.IsNumber() {
		evidence.Difference = numericDifference(resolved[0], first.Value)
	}
	for i := range rule.Conditions {
		evidence.Context[rule.Conditions[i].Field] = resolved[i].String()
	}

	return &models.Finding{
		ID:              uuid.New().String(),
		ScanID:          ectx.ScanID,
		SystemID:        ectx.SystemID,
		RuleID:          rule.ID,
		Component:       ectx.Component,
		ResourcePath:    ectx.ResourcePath,
		Category:        rule.Category,
		Severity:        severity,
		Title:           rule.Name,
		Description:     rule.Description,
		Impact:          rule.Impact,
		Recommendation:  rule.Recommendation,
		Evidence:        evidence,
		DetectedAt:      ectx.Now,
		LastSeenAt:      ectx.Now,
		OccurrenceCount: 1,
		Remediable:      len(rule.Actions) > 0,
		Actions:         rule.Actions,
		CreatedAt:       ectx.Now,
		UpdatedAt:       ectx.Now,
	}
}

func numericDifference(actual, expected models.Value) models.Value {
	if ai, ok := actual.AsInt(); ok {
		if ei, ok := expected.AsInt(); ok {
			return models.IntVal(ai - ei)
		}
	}
	af, _ := actual.AsFloat()
	ef, _ := expected.AsFloat()
	return models.FloatVal(af - ef)
}
