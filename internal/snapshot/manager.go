// Package snapshot captures and restores scoped slices of target system
// state so remediations can be undone. Every snapshot carries a SHA-256
// checksum verified before restore; in-use snapshots are pinned against
// expiry with refcounts released when the owning attempt terminates.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

// Backend stores snapshot records. Implementations must keep pinned
// snapshots retrievable regardless of TTL.
type Backend interface {
	Save(ctx context.Context, snap *models.Snapshot) error
	Load(ctx context.Context, id string) (*models.Snapshot, error)
	Delete(ctx context.Context, id string) error
	Pin(ctx context.Context, id string) error
	Unpin(ctx context.Context, id string, ttl time.Duration) error
	Pinned(ctx context.Context, id string) (bool, error)
	Expired(ctx context.Context, now time.Time) ([]string, error)
}

// RestoreResult reports what a restore did.
type RestoreResult struct {
	SnapshotID string    `json:"snapshot_id"`
	Output     string    `json:"output,omitempty"`
	RestoredAt time.Time `json:"restored_at"`
}

// Manager is the snapshot lifecycle owner: capture through the connector,
// checksum verification, TTL expiry with pin protection.
type Manager struct {
	backend Backend
	ttl     time.Duration
	bus     *events.Bus
	log     logger.Logger
	metrics *metrics.Kernel
}

// New creates a manager over the given backend. ttl is the retention
// window applied to new snapshots; it is floored so a snapshot can never
// expire before the longest possible remediation plus a buffer.
func New(backend Backend, ttl time.Duration, bus *events.Bus, log logger.Logger, m *metrics.Kernel) *Manager {
	if min := models.MaxActionTimeout + 5*time.Minute; ttl < min {
		ttl = min
	}
	return &Manager{
		backend: backend,
		ttl:     ttl,
		bus:     bus,
		log:     log,
		metrics: m,
	}
}

// Checksum is the integrity hash of a snapshot payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Take captures the scoped state through the connector and stores it.
func (m *Manager) Take(ctx context.Context, conn connector.Connector, scope models.SnapshotScope, createdBy string) (*models.Snapshot, error) {
	res, err := conn.ExecuteOperation(ctx, connector.Operation{
		Name:   connector.OpCaptureState,
		Target: scope.ComponentPath,
	})
	if err != nil {
		m.metrics.SnapshotOps.WithLabelValues("take", "error").Inc()
		return nil, err
	}

	payload, err := res.Data.MarshalJSON()
	if err != nil {
		m.metrics.SnapshotOps.WithLabelValues("take", "error").Inc()
		return nil, errs.New(errs.KindSnapshotCorrupt, "captured state is not serializable").
			WithWrapped(err).Build()
	}

	now := time.Now().UTC()
	snap := &models.Snapshot{
		ID:            uuid.New().String(),
		SystemID:      scope.SystemID,
		Type:          scope.Type,
		ComponentPath: scope.ComponentPath,
		Checksum:      Checksum(payload),
		State:         payload,
		SizeBytes:     int64(len(payload)),
		CreatedBy:     createdBy,
		TakenAt:       now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.backend.Save(ctx, snap); err != nil {
		m.metrics.SnapshotOps.WithLabelValues("take", "error").Inc()
		return nil, err
	}

	m.metrics.SnapshotOps.WithLabelValues("take", "ok").Inc()
	m.log.Info("snapshot taken",
		logger.String("snapshot_id", snap.ID),
		logger.String("system_id", snap.SystemID),
		logger.String("scope", snap.ComponentPath),
		logger.Int64("size_bytes", snap.SizeBytes),
	)
	m.bus.Publish(events.Event{
		Type:     events.TopicSnapshotCreated,
		SystemID: snap.SystemID,
		Payload: map[string]interface{}{
			"snapshot_id": snap.ID,
			"type":        string(snap.Type),
			"scope":       snap.ComponentPath,
			"checksum":    snap.Checksum,
		},
	})
	return snap, nil
}

// Get loads one snapshot without verifying integrity.
func (m *Manager) Get(ctx context.Context, id string) (*models.Snapshot, error) {
	return m.backend.Load(ctx, id)
}

// Restore verifies the checksum, then pushes the captured state back
// through the connector. Restoring the same snapshot twice produces the
// same state: the connector's restore replaces the scoped subtree
// wholesale.
func (m *Manager) Restore(ctx context.Context, conn connector.Connector, id string) (*RestoreResult, error) {
	snap, err := m.backend.Load(ctx, id)
	if err != nil {
		m.metrics.SnapshotOps.WithLabelValues("restore", "missing").Inc()
		return nil, err
	}

	if Checksum(snap.State) != snap.Checksum {
		m.metrics.SnapshotOps.WithLabelValues("restore", "corrupt").Inc()
		m.bus.Publish(events.Event{
			Type:     events.TopicSnapshotCorrupt,
			SystemID: snap.SystemID,
			Payload:  map[string]interface{}{"snapshot_id": snap.ID},
		})
		return nil, errs.SnapshotCorrupt(snap.ID)
	}

	res, err := conn.ExecuteOperation(ctx, connector.Operation{
		Name:   connector.OpRestoreState,
		Target: snap.ComponentPath,
		Parameters: map[string]models.Value{
			"state": models.StringVal(string(snap.State)),
		},
	})
	if err != nil {
		m.metrics.SnapshotOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}

	m.metrics.SnapshotOps.WithLabelValues("restore", "ok").Inc()
	m.log.Info("snapshot restored",
		logger.String("snapshot_id", snap.ID),
		logger.String("system_id", snap.SystemID),
		logger.String("scope", snap.ComponentPath),
	)
	m.bus.Publish(events.Event{
		Type:     events.TopicSnapshotRestored,
		SystemID: snap.SystemID,
		Payload: map[string]interface{}{
			"snapshot_id": snap.ID,
			"scope":       snap.ComponentPath,
		},
	})
	return &RestoreResult{SnapshotID: snap.ID, Output: res.Output, RestoredAt: time.Now().UTC()}, nil
}

// Pin protects the snapshot from expiry while an attempt holds it.
func (m *Manager) Pin(ctx context.Context, id string) error {
	return m.backend.Pin(ctx, id)
}

// Unpin releases one pin reference and re-arms the TTL when the last
// reference drops.
func (m *Manager) Unpin(ctx context.Context, id string) error {
	return m.backend.Unpin(ctx, id, m.ttl)
}

// Expire removes snapshots past their TTL, skipping pinned ones. Returns
// the ids removed.
func (m *Manager) Expire(ctx context.Context, now time.Time) ([]string, error) {
	candidates, err := m.backend.Expired(ctx, now)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range candidates {
		pinned, err := m.backend.Pinned(ctx, id)
		if err != nil {
			return removed, err
		}
		if pinned {
			continue
		}
		if err := m.backend.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
		m.metrics.SnapshotOps.WithLabelValues("expire", "ok").Inc()
	}
	if len(removed) > 0 {
		m.log.Info("expired snapshots swept", logger.Int("count", len(removed)))
	}
	return removed, nil
}

// StartJanitor sweeps expired snapshots on the given interval until the
// context cancels.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := m.Expire(ctx, now); err != nil {
					m.log.Warn("snapshot sweep failed", logger.Err(err))
				}
			}
		}
	}()
}
