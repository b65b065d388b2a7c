package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/rules"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// Runner drives one scanner definition through the common scan loop:
// initialize once, extract, filter rules, evaluate, coalesce against
// previous findings, collect errors. A runner is created per scan task and
// is safe for a single goroutine.
type Runner struct {
	def    *Definition
	engine *rules.Engine
	log    logger.Logger

	initOnce sync.Once
	initErr  error
}

// NewRunner binds a definition to the rule engine.
func NewRunner(def *Definition, engine *rules.Engine, log logger.Logger) *Runner {
	return &Runner{
		def:    def,
		engine: engine,
		log:    log.WithFields(logger.String("scanner", def.ID)),
	}
}

// Scan executes the task. It never returns an error: failures land in
// Result.Errors so one broken scanner cannot poison its siblings.
func (r *Runner) Scan(ctx context.Context, sc *Context) *Result {
	started := time.Now()
	result := &Result{ScannerID: r.def.ID}
	defer func() { result.Duration = time.Since(started) }()

	r.initOnce.Do(func() {
		if r.def.Initialize != nil {
			r.initErr = r.def.Initialize(ctx, sc)
		}
	})
	if r.initErr != nil {
		result.Errors = append(result.Errors, models.ScanError{
			ScannerID: r.def.ID,
			Message:   "initialize: " + r.initErr.Error(),
			Retryable: errs.IsRetryable(r.initErr),
		})
		return result
	}

	data, err := r.def.Extract(ctx, sc)
	if err != nil {
		if len(data) == 0 {
			result.Errors = append(result.Errors, models.ScanError{
				ScannerID: r.def.ID,
				Message:   "extract: " + err.Error(),
				Retryable: errs.IsRetryable(err),
			})
			return result
		}
		// Partial data: degrade instead of failing, rules over the missing
		// slices simply resolve to absent.
		result.Degraded = true
		result.Errors = append(result.Errors, models.ScanError{
			ScannerID: r.def.ID,
			Message:   "partial extraction: " + err.Error(),
			Retryable: errs.IsRetryable(err),
		})
		r.log.Warn("continuing with partial extraction",
			logger.String("scan_id", sc.ScanID),
			logger.Err(err),
		)
	}

	for _, rule := range sc.Rules {
		if cerr := ctx.Err(); cerr != nil {
			result.Errors = append(result.Errors, models.ScanError{
				ScannerID: r.def.ID,
				Message:   errs.FromContext(ctx).Error(),
				Retryable: false,
			})
			break
		}
		if !r.shouldEvaluate(rule, sc) {
			result.RulesSkipped++
			continue
		}

		finding, err := r.engine.Evaluate(rule, data, rules.Context{
			SystemID:     sc.SystemID,
			ScanID:       sc.ScanID,
			Component:    r.component(),
			ResourcePath: r.def.resourcePath(rule, data),
			Now:          sc.Now,
		})
		result.RulesEvaluated++
		if err != nil {
			r.log.Error("rule disabled for this scan",
				logger.String("rule_id", rule.ID),
				logger.Err(err),
			)
			result.Errors = append(result.Errors, models.ScanError{
				ScannerID: r.def.ID,
				RuleID:    rule.ID,
				Message:   err.Error(),
				Retryable: false,
			})
			continue
		}
		if finding == nil {
			continue
		}
		r.coalesce(finding, sc)
		result.Findings = append(result.Findings, finding)
	}

	return result
}

// Close runs the definition's cleanup hook.
func (r *Runner) Close(ctx context.Context, sc *Context) error {
	if r.def.Cleanup == nil {
		return nil
	}
	return r.def.Cleanup(ctx, sc)
}

func (r *Runner) shouldEvaluate(rule *models.DiagnosticRule, sc *Context) bool {
	if rule.Category != r.def.Category {
		return false
	}
	if !rule.Enabled {
		return false
	}
	if !r.def.SupportsRule(rule.ID) {
		return false
	}
	if !rule.AppliesToVersion(sc.SystemVersion) {
		return false
	}
	return true
}

func (r *Runner) component() string {
	if r.def.Component != "" {
		return r.def.Component
	}
	return "core"
}

// coalesce carries identity forward: a re-detected open finding keeps its
// original id and detection time and counts one more occurrence.
func (r *Runner) coalesce(finding *models.Finding, sc *Context) {
	prev, ok := sc.PreviousFindings[finding.Key().String()]
	if !ok || !prev.IsOpen() {
		return
	}
	finding.ID = prev.ID
	finding.DetectedAt = prev.DetectedAt
	finding.CreatedAt = prev.CreatedAt
	finding.OccurrenceCount = prev.OccurrenceCount + 1
}
