package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// MemoryBackend is the default in-process snapshot store.
type MemoryBackend struct {
	mu    sync.RWMutex
	snaps map[string]*models.Snapshot
	pins  map[string]int
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		snaps: make(map[string]*models.Snapshot),
		pins:  make(map[string]int),
	}
}

// Save stores one snapshot. Snapshots are immutable; saving an existing id
// is an illegal state.
func (b *MemoryBackend) Save(ctx context.Context, snap *models.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.snaps[snap.ID]; ok {
		return errs.IllegalStatef("snapshot %s already exists", snap.ID)
	}
	clone := *snap
	clone.State = append([]byte(nil), snap.State...)
	b.snaps[snap.ID] = &clone
	return nil
}

// Load returns one snapshot by id.
func (b *MemoryBackend) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.snaps[id]
	if !ok {
		return nil, errs.SnapshotMissing(id)
	}
	clone := *snap
	clone.State = append([]byte(nil), snap.State...)
	return &clone, nil
}

// Delete removes one snapshot.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snaps, id)
	delete(b.pins, id)
	return nil
}

// Pin increments the snapshot's refcount.
func (b *MemoryBackend) Pin(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.snaps[id]; !ok {
		return errs.SnapshotMissing(id)
	}
	b.pins[id]++
	return nil
}

// Unpin decrements the refcount. The ttl argument exists for backends with
// native expiry; memory snapshots keep their original expires_at.
func (b *MemoryBackend) Unpin(ctx context.Context, id string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins[id] > 0 {
		b.pins[id]--
	}
	if b.pins[id] == 0 {
		delete(b.pins, id)
	}
	return nil
}

// Pinned reports whether the snapshot holds any pin references.
func (b *MemoryBackend) Pinned(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pins[id] > 0, nil
}

// Expired returns the ids of snapshots past their retention window.
func (b *MemoryBackend) Expired(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for id, snap := range b.snaps {
		if snap.Expired(now) {
			out = append(out, id)
		}
	}
	return out, nil
}
