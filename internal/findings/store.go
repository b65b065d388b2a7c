// Package findings defines the finding store port and its in-memory
// reference implementation. The kernel relies only on per-call atomicity:
// upserts merge by identity key, and callers needing cross-finding
// consistency watch the event bus instead.
package findings

import (
	"context"
	"time"

	"github.com/catherinevee/diagmgr/internal/models"
)

// Filter narrows a finding listing. Zero fields match everything.
type Filter struct {
	RuleID     string
	Category   models.DiagnosticCategory
	Severity   models.Severity
	Component  string
	Remediable *bool
	Limit      int
}

// Matches reports whether a finding passes the filter.
func (f Filter) Matches(finding *models.Finding) bool {
	if f.RuleID != "" && finding.RuleID != f.RuleID {
		return false
	}
	if f.Category != "" && finding.Category != f.Category {
		return false
	}
	if f.Severity != "" && finding.Severity != f.Severity {
		return false
	}
	if f.Component != "" && finding.Component != f.Component {
		return false
	}
	if f.Remediable != nil && finding.Remediable != *f.Remediable {
		return false
	}
	return true
}

// Store persists findings keyed by their identity. Implementations must
// make Upsert atomic per key; everything else may be eventually consistent.
type Store interface {
	// Upsert merges the finding onto the open finding with the same
	// identity key, preserving detected_at and taking the larger
	// occurrence count and the later last_seen_at. Without an open match
	// it inserts. Returns the stored finding.
	Upsert(ctx context.Context, finding *models.Finding) (*models.Finding, error)

	// Get returns one finding by id.
	Get(ctx context.Context, id string) (*models.Finding, error)

	// ListOpen returns unresolved findings for a system, newest first.
	ListOpen(ctx context.Context, systemID string, filter Filter) ([]*models.Finding, error)

	// OpenByKey indexes the open findings of a system by
	// FindingKey.String(), the shape scanners coalesce against.
	OpenByKey(ctx context.Context, systemID string) (map[string]*models.Finding, error)

	// MarkResolved closes the finding.
	MarkResolved(ctx context.Context, findingID, by string, at time.Time) error

	// MarkFalsePositive flags the finding and strips remediability.
	MarkFalsePositive(ctx context.Context, findingID, by string, at time.Time) error
}
