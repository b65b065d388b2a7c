package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// DefaultBatchSize bounds how many extracted items a scanner handles per
// batch when it does not configure its own size.
const DefaultBatchSize = 100

// Context is everything a scanner task needs for one scan: target identity,
// the guarded connector, the rules to evaluate, and the open findings from
// earlier scans keyed by FindingKey.String() for coalescing.
type Context struct {
	SystemID         string
	ScanID           string
	SystemVersion    string
	Connector        connector.Querier
	Rules            []*models.DiagnosticRule
	PreviousFindings map[string]*models.Finding
	Now              time.Time
}

// Definition describes one scanner as a capability record. Scanners are
// composed, not subclassed: behavior lives in the three function fields and
// the runner drives the common loop around them.
type Definition struct {
	ID                string
	Name              string
	Category          models.DiagnosticCategory
	Version           string
	Component         string
	SupportedRules    []string
	SupportedVersions []string
	BatchSize         int

	// Initialize runs once per scan before the first extraction. Optional.
	Initialize func(ctx context.Context, sc *Context) error
	// Extract pulls category data through the connector. Returning partial
	// data alongside an error degrades the scan instead of failing it.
	Extract func(ctx context.Context, sc *Context) (models.DataSet, error)
	// Cleanup releases whatever Initialize acquired. Optional.
	Cleanup func(ctx context.Context, sc *Context) error
	// ResourcePath names the resource a finding is about. Optional; the
	// default is "<category>/<rule id>".
	ResourcePath func(rule *models.DiagnosticRule, data models.DataSet) string
}

// Validate checks the definition is registrable.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errs.InvalidInput("scanner id is required")
	}
	if d.Name == "" {
		return errs.InvalidInputf("scanner %s: name is required", d.ID)
	}
	if _, err := models.ParseCategory(string(d.Category)); err != nil {
		return errs.InvalidInputf("scanner %s: %v", d.ID, err)
	}
	if d.Version == "" {
		return errs.InvalidInputf("scanner %s: version is required", d.ID)
	}
	if d.Extract == nil {
		return errs.InvalidInputf("scanner %s: extract function is required", d.ID)
	}
	return nil
}

// SupportsRule reports whether the scanner accepts the rule id. An empty
// whitelist accepts every rule in the scanner's category.
func (d *Definition) SupportsRule(id string) bool {
	if len(d.SupportedRules) == 0 {
		return true
	}
	for _, r := range d.SupportedRules {
		if r == id {
			return true
		}
	}
	return false
}

// SupportsVersion reports whether the scanner handles the target system
// version. An empty pattern list means all versions.
func (d *Definition) SupportsVersion(version string) bool {
	if len(d.SupportedVersions) == 0 {
		return true
	}
	return models.MatchesVersion(version, d.SupportedVersions)
}

func (d *Definition) resourcePath(rule *models.DiagnosticRule, data models.DataSet) string {
	if d.ResourcePath != nil {
		return d.ResourcePath(rule, data)
	}
	return fmt.Sprintf("%s/%s", d.Category, rule.ID)
}

func (d *Definition) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

// Result is what one scanner task returns to the orchestrator. A failed
// scanner still returns a result: zero findings plus at least one error.
type Result struct {
	ScannerID      string
	Findings       []*models.Finding
	Errors         []models.ScanError
	RulesEvaluated int
	RulesSkipped   int
	Degraded       bool
	Duration       time.Duration
}

// Failed reports whether the task produced nothing but errors.
func (r *Result) Failed() bool {
	return len(r.Findings) == 0 && len(r.Errors) > 0 && r.RulesEvaluated == 0
}

// ProcessBatches runs fn over [0,total) in fixed-size half-open ranges,
// checking for cancellation between batches.
func ProcessBatches(ctx context.Context, total, size int, fn func(start, end int) error) error {
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx)
		}
		end := start + size
		if end > total {
			end = total
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
