package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

func testManager() (*Manager, *MemoryBackend, *events.Bus) {
	backend := NewMemoryBackend()
	bus := events.NewBus(logger.NewNop(), metrics.NewNop())
	mgr := New(backend, 24*time.Hour, bus, logger.NewNop(), metrics.NewNop())
	return mgr, backend, bus
}

func settingsScope() models.SnapshotScope {
	return models.SnapshotScope{
		SystemID:      "sys-1",
		Type:          models.SnapshotConfiguration,
		ComponentPath: "settings",
	}
}

func TestTakeCapturesScopedState(t *testing.T) {
	mgr, _, _ := testManager()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))
	conn.SetState("other.value", models.StringVal("untouched"))

	snap, err := mgr.Take(context.Background(), conn, settingsScope(), "tester")
	require.NoError(t, err)

	assert.Equal(t, "sys-1", snap.SystemID)
	assert.Equal(t, models.SnapshotConfiguration, snap.Type)
	assert.Equal(t, Checksum(snap.State), snap.Checksum)
	assert.JSONEq(t, `{"timeout":60}`, string(snap.State))
	assert.Equal(t, int64(len(snap.State)), snap.SizeBytes)
}

func TestRestoreRoundTrip(t *testing.T) {
	mgr, _, _ := testManager()
	ctx := context.Background()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))

	snap, err := mgr.Take(ctx, conn, settingsScope(), "tester")
	require.NoError(t, err)

	conn.SetState("settings.timeout", models.IntVal(120))
	got, _ := conn.State("settings.timeout")
	require.Equal(t, models.IntVal(120), got)

	_, err = mgr.Restore(ctx, conn, snap.ID)
	require.NoError(t, err)

	got, _ = conn.State("settings.timeout")
	assert.Equal(t, models.IntVal(60), got)
}

func TestRestoreIsIdempotent(t *testing.T) {
	mgr, _, _ := testManager()
	ctx := context.Background()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))

	snap, err := mgr.Take(ctx, conn, settingsScope(), "tester")
	require.NoError(t, err)

	conn.SetState("settings.timeout", models.IntVal(120))
	_, err = mgr.Restore(ctx, conn, snap.ID)
	require.NoError(t, err)
	first, _ := conn.State("settings")

	_, err = mgr.Restore(ctx, conn, snap.ID)
	require.NoError(t, err)
	second, _ := conn.State("settings")

	assert.True(t, first.Equal(second), "repeated restore must converge on the same state")
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	mgr, backend, bus := testManager()
	ctx := context.Background()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))

	sub := bus.Subscribe(events.TopicSnapshotCorrupt)
	defer sub.Unsubscribe()

	snap, err := mgr.Take(ctx, conn, settingsScope(), "tester")
	require.NoError(t, err)

	// Tamper with the stored payload behind the manager's back.
	backend.mu.Lock()
	backend.snaps[snap.ID].State = []byte(`{"timeout":999}`)
	backend.mu.Unlock()

	_, err = mgr.Restore(ctx, conn, snap.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindSnapshotCorrupt, errs.KindOf(err))

	select {
	case event := <-sub.C:
		assert.Equal(t, events.TopicSnapshotCorrupt, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot.corrupt event")
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	mgr, _, _ := testManager()
	_, err := mgr.Restore(context.Background(), connector.NewMock("10.4.2"), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, errs.KindSnapshotMissing, errs.KindOf(err))
}

func TestExpireSkipsPinned(t *testing.T) {
	mgr, backend, _ := testManager()
	ctx := context.Background()
	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))

	pinned, err := mgr.Take(ctx, conn, settingsScope(), "tester")
	require.NoError(t, err)
	loose, err := mgr.Take(ctx, conn, settingsScope(), "tester")
	require.NoError(t, err)

	require.NoError(t, mgr.Pin(ctx, pinned.ID))

	// Both are past retention at this point in the future.
	future := time.Now().Add(48 * time.Hour)
	removed, err := mgr.Expire(ctx, future)
	require.NoError(t, err)

	assert.Equal(t, []string{loose.ID}, removed)
	_, err = backend.Load(ctx, pinned.ID)
	assert.NoError(t, err, "pinned snapshot survives the sweep")

	// Releasing the pin makes it sweepable.
	require.NoError(t, mgr.Unpin(ctx, pinned.ID))
	removed, err = mgr.Expire(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, []string{pinned.ID}, removed)
}

func TestTTLFloorCoversRemediationTimeout(t *testing.T) {
	backend := NewMemoryBackend()
	bus := events.NewBus(logger.NewNop(), metrics.NewNop())
	mgr := New(backend, time.Minute, bus, logger.NewNop(), metrics.NewNop())

	conn := connector.NewMock("10.4.2")
	conn.SetState("settings.timeout", models.IntVal(60))

	snap, err := mgr.Take(context.Background(), conn, settingsScope(), "tester")
	require.NoError(t, err)

	minWindow := models.MaxActionTimeout + 5*time.Minute
	assert.GreaterOrEqual(t, snap.ExpiresAt.Sub(snap.TakenAt), minWindow,
		"retention must outlast the longest remediation plus buffer")
}
