package findings

import (
	"context"
	"sort"
	"sync"
	"time"

	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/models"
)

// MemoryStore is the mutex-guarded reference store. It backs tests and the
// embedded configuration; the sqlite store carries the same semantics for
// durable deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*models.Finding
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*models.Finding)}
}

// Upsert merges by identity key against the open finding, if any.
func (s *MemoryStore) Upsert(ctx context.Context, finding *models.Finding) (*models.Finding, error) {
	if finding == nil {
		return nil, errs.InvalidInput("finding is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := finding.Key()
	var existing *models.Finding
	for _, f := range s.byID {
		if f.IsOpen() && f.Key() == key {
			existing = f
			break
		}
	}

	stored := cloneFinding(finding)
	if existing != nil {
		stored.ID = existing.ID
		stored.DetectedAt = existing.DetectedAt
		stored.CreatedAt = existing.CreatedAt
		if existing.OccurrenceCount >= stored.OccurrenceCount {
			stored.OccurrenceCount = existing.OccurrenceCount + 1
		}
		if existing.LastSeenAt.After(stored.LastSeenAt) {
			stored.LastSeenAt = existing.LastSeenAt
		}
		stored.Acknowledged = existing.Acknowledged
		stored.AcknowledgedBy = existing.AcknowledgedBy
		stored.AttemptIDs = existing.AttemptIDs
	}
	s.byID[stored.ID] = stored
	return cloneFinding(stored), nil
}

// Get returns one finding by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byID[id]
	if !ok {
		return nil, errs.InvalidInputf("finding %s not found", id)
	}
	return cloneFinding(f), nil
}

// ListOpen returns unresolved findings for a system, newest first.
func (s *MemoryStore) ListOpen(ctx context.Context, systemID string, filter Filter) ([]*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Finding
	for _, f := range s.byID {
		if !f.IsOpen() || f.SystemID != systemID {
			continue
		}
		if !filter.Matches(f) {
			continue
		}
		out = append(out, cloneFinding(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// OpenByKey indexes open findings by identity key string.
func (s *MemoryStore) OpenByKey(ctx context.Context, systemID string) (map[string]*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Finding)
	for _, f := range s.byID {
		if f.IsOpen() && f.SystemID == systemID {
			out[f.Key().String()] = cloneFinding(f)
		}
	}
	return out, nil
}

// MarkResolved closes the finding.
func (s *MemoryStore) MarkResolved(ctx context.Context, findingID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byID[findingID]
	if !ok {
		return errs.InvalidInputf("finding %s not found", findingID)
	}
	if f.Resolved {
		return nil
	}
	f.MarkResolved(by, at)
	return nil
}

// MarkFalsePositive flags the finding as a false positive.
func (s *MemoryStore) MarkFalsePositive(ctx context.Context, findingID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byID[findingID]
	if !ok {
		return errs.InvalidInputf("finding %s not found", findingID)
	}
	f.MarkFalsePositive(by, at)
	return nil
}

// AttachAttempt records an attempt id on the finding's history.
func (s *MemoryStore) AttachAttempt(ctx context.Context, findingID, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byID[findingID]
	if !ok {
		return errs.InvalidInputf("finding %s not found", findingID)
	}
	f.AttemptIDs = append(f.AttemptIDs, attemptID)
	return nil
}

// Count reports stored findings, open and closed. Tests only.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneFinding(f *models.Finding) *models.Finding {
	out := *f
	if f.ResolvedAt != nil {
		t := *f.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Actions = append([]models.RemediationAction(nil), f.Actions...)
	out.AttemptIDs = append([]string(nil), f.AttemptIDs...)
	return &out
}
