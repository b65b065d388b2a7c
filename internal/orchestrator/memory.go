package orchestrator

import (
	"context"
	"sync"

	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// MemoryScanStore keeps scan records in a mutex-guarded map. Tests and the
// embedded configuration use it; durable deployments use the sqlite store.
type MemoryScanStore struct {
	mu    sync.RWMutex
	scans map[string]*models.Scan
}

// NewMemoryScanStore creates an empty store.
func NewMemoryScanStore() *MemoryScanStore {
	return &MemoryScanStore{scans: make(map[string]*models.Scan)}
}

// SaveScan inserts or replaces the scan record.
func (s *MemoryScanStore) SaveScan(ctx context.Context, scan *models.Scan) error {
	if scan == nil {
		return errs.InvalidInput("scan is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[scan.ID] = cloneScan(scan)
	return nil
}

// GetScan returns one scan by id.
func (s *MemoryScanStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[id]
	if !ok {
		return nil, errs.InvalidInputf("scan %s not found", id)
	}
	return cloneScan(scan), nil
}

// Count reports stored scans. Tests only.
func (s *MemoryScanStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scans)
}
