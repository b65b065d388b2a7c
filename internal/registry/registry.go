// Package registry is the catalog of diagnostic rules and scanners.
// Built-ins register during kernel init; plugins register through the same
// port. An id conflict is rejected unless the newcomer carries a strictly
// higher version, which replaces the incumbent.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// Registry holds the registered rules and scanner definitions.
type Registry struct {
	log logger.Logger

	mu       sync.RWMutex
	rules    map[string]*models.DiagnosticRule
	scanners map[string]*scanner.Definition
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	return &Registry{
		log:      log,
		rules:    make(map[string]*models.DiagnosticRule),
		scanners: make(map[string]*scanner.Definition),
	}
}

// RegisterRule adds or upgrades a rule, normalizing its actions before
// validation. Same id with a version that is not strictly higher is
// rejected with invalid_input.
func (r *Registry) RegisterRule(rule *models.DiagnosticRule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return errs.New(errs.KindInvalidInput, "invalid rule definition").
			WithResource(rule.ID).
			WithWrapped(err).
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rules[rule.ID]; ok {
		if models.CompareVersions(rule.Version, existing.Version) <= 0 {
			return errs.InvalidInputf(
				"rule %s already registered at version %s; %s does not supersede it",
				rule.ID, existing.Version, rule.Version)
		}
		r.log.Info("rule upgraded",
			logger.String("rule_id", rule.ID),
			logger.String("from", existing.Version),
			logger.String("to", rule.Version),
		)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	r.rules[rule.ID] = rule
	return nil
}

// RegisterScanner adds or upgrades a scanner definition under the same
// conflict rule as rules.
func (r *Registry) RegisterScanner(def *scanner.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.scanners[def.ID]; ok {
		if models.CompareVersions(def.Version, existing.Version) <= 0 {
			return errs.InvalidInputf(
				"scanner %s already registered at version %s; %s does not supersede it",
				def.ID, existing.Version, def.Version)
		}
		r.log.Info("scanner upgraded",
			logger.String("scanner_id", def.ID),
			logger.String("from", existing.Version),
			logger.String("to", def.Version),
		)
	}

	r.scanners[def.ID] = def
	return nil
}

// Rule looks up one rule by id.
func (r *Registry) Rule(id string) (*models.DiagnosticRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules returns every registered rule ordered by id.
func (r *Registry) Rules() []*models.DiagnosticRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DiagnosticRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scanner looks up one scanner definition by id.
func (r *Registry) Scanner(id string) (*scanner.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.scanners[id]
	return def, ok
}

// Scanners returns every registered scanner ordered by id.
func (r *Registry) Scanners() []*scanner.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*scanner.Definition, 0, len(r.scanners))
	for _, def := range r.scanners {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScannersFor returns the scanners covering a category, ordered by id so
// same-key tie-breaks downstream are deterministic.
func (r *Registry) ScannersFor(category models.DiagnosticCategory) []*scanner.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*scanner.Definition
	for _, def := range r.scanners {
		if def.Category == category {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveRules selects the rules a scan will evaluate: the union of the
// explicitly requested ids and every rule in the requested categories,
// intersected with enabled and version-compatible rules. An empty selection
// means all categories. Unknown explicit ids are invalid_input.
func (r *Registry) ResolveRules(opts models.ScanOptions, systemVersion string) ([]*models.DiagnosticRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make(map[string]*models.DiagnosticRule)
	for _, id := range opts.Rules {
		rule, ok := r.rules[id]
		if !ok {
			return nil, errs.InvalidInputf("unknown rule id %q", id)
		}
		selected[id] = rule
	}

	categories := opts.Categories
	if len(opts.Rules) == 0 && len(categories) == 0 {
		categories = models.AllCategories()
	}
	for _, rule := range r.rules {
		for _, c := range categories {
			if rule.Category == c {
				selected[rule.ID] = rule
				break
			}
		}
	}

	out := make([]*models.DiagnosticRule, 0, len(selected))
	for _, rule := range selected {
		if !rule.Enabled {
			r.log.Debug("rule excluded: disabled", logger.String("rule_id", rule.ID))
			continue
		}
		if !rule.AppliesToVersion(systemVersion) {
			r.log.Debug("rule excluded: version mismatch",
				logger.String("rule_id", rule.ID),
				logger.String("system_version", systemVersion),
			)
			continue
		}
		out = append(out, rule)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
