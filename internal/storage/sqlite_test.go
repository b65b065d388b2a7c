package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedFinding(id, scanID string, detected time.Time) *models.Finding {
	return &models.Finding{
		ID:              id,
		ScanID:          scanID,
		SystemID:        "sys-1",
		RuleID:          "perf-cpu-usage",
		Component:       "core",
		ResourcePath:    "performance/perf-cpu-usage",
		Category:        models.CategoryPerformance,
		Severity:        models.SeverityHigh,
		Title:           "CPU usage above threshold",
		Evidence:        models.Evidence{Actual: models.IntVal(92), Expected: models.IntVal(80)},
		DetectedAt:      detected,
		LastSeenAt:      detected,
		OccurrenceCount: 1,
		CreatedAt:       detected,
		UpdatedAt:       detected,
	}
}

func TestSQLiteUpsertCoalesces(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	later := first.Add(5 * time.Minute)

	_, err := store.Upsert(ctx, storedFinding("f-1", "scan-1", first))
	require.NoError(t, err)

	redetected := storedFinding("f-2", "scan-2", later)
	redetected.Evidence.Actual = models.IntVal(95)
	stored, err := store.Upsert(ctx, redetected)
	require.NoError(t, err)

	assert.Equal(t, "f-1", stored.ID)
	assert.Equal(t, 2, stored.OccurrenceCount)
	assert.Equal(t, first, stored.DetectedAt.UTC())
	assert.Equal(t, later, stored.LastSeenAt.UTC())
	assert.Equal(t, "scan-2", stored.ScanID, "re-detection re-homes the finding on the newer scan")

	open, err := store.ListOpen(ctx, "sys-1", findings.Filter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.IntVal(95), open[0].Evidence.Actual)
}

func TestSQLiteResolveThenRedetect(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.Upsert(ctx, storedFinding("f-1", "scan-1", now))
	require.NoError(t, err)
	require.NoError(t, store.MarkResolved(ctx, "f-1", "operator", now.Add(time.Minute)))

	stored, err := store.Upsert(ctx, storedFinding("f-2", "scan-2", now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "f-2", stored.ID, "resolved lifetime does not coalesce")
	assert.Equal(t, 1, stored.OccurrenceCount)

	resolved, err := store.Get(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "operator", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestSQLiteMarkFalsePositive(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	f := storedFinding("f-1", "scan-1", now)
	f.Remediable = true
	_, err := store.Upsert(ctx, f)
	require.NoError(t, err)

	require.NoError(t, store.MarkFalsePositive(ctx, "f-1", "operator", now))

	got, err := store.Get(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, got.FalsePositive)
	assert.False(t, got.Remediable)
}

func TestSQLiteScanRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	started := now.Add(time.Second)

	scan := &models.Scan{
		ID:        "scan-1",
		SystemID:  "sys-1",
		Status:    models.ScanStatusRunning,
		Progress:  40,
		Trigger:   models.TriggerManual,
		QueuedAt:  now,
		StartedAt: &started,
		CreatedAt: now,
		UpdatedAt: now,
	}
	scan.Summary.Add(models.SeverityHigh, models.CategoryPerformance)
	require.NoError(t, store.SaveScan(ctx, scan))

	got, err := store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, 1, got.Summary.Total)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started, got.StartedAt.UTC())
}

func TestSQLiteDeleteScanCascade(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveScan(ctx, &models.Scan{
		ID: "scan-1", SystemID: "sys-1", Status: models.ScanStatusCompleted,
		Progress: 100, Trigger: models.TriggerManual,
		QueuedAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	exclusive := storedFinding("f-1", "scan-1", now)
	_, err := store.Upsert(ctx, exclusive)
	require.NoError(t, err)

	shared := storedFinding("f-2", "scan-1", now)
	shared.RuleID = "sec-admin-path"
	shared.ResourcePath = "security/sec-admin-path"
	_, err = store.Upsert(ctx, shared)
	require.NoError(t, err)

	// Second scan re-detects the shared finding, re-homing it.
	redetect := storedFinding("f-3", "scan-2", now.Add(time.Hour))
	redetect.RuleID = "sec-admin-path"
	redetect.ResourcePath = "security/sec-admin-path"
	_, err = store.Upsert(ctx, redetect)
	require.NoError(t, err)

	require.NoError(t, store.DeleteScan(ctx, "scan-1"))

	_, err = store.Get(ctx, "f-1")
	assert.Error(t, err, "exclusive finding cascades with its scan")

	survivor, err := store.Get(ctx, "f-2")
	require.NoError(t, err, "re-detected finding survives the deleted scan")
	assert.Equal(t, "scan-2", survivor.ScanID)
}

func TestSQLiteAttemptRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.Upsert(ctx, storedFinding("f-1", "scan-1", now))
	require.NoError(t, err)

	completed := now.Add(30 * time.Second)
	attempt := &models.RemediationAttempt{
		ID:          "att-1",
		FindingID:   "f-1",
		ActionID:    "act-1",
		SystemID:    "sys-1",
		Status:      models.AttemptCompleted,
		ExecutedBy:  "operator",
		StartedAt:   &now,
		CompletedAt: &completed,
		Success:     true,
		SnapshotID:  "snap-1",
		Changes: &models.ChangeSet{
			Before: models.IntVal(60),
			After:  models.IntVal(120),
		},
		CreatedAt: now,
		UpdatedAt: completed,
	}
	require.NoError(t, store.SaveAttempt(ctx, attempt))

	attempts, err := store.ListAttempts(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	got := attempts[0]
	assert.Equal(t, models.AttemptCompleted, got.Status)
	assert.True(t, got.Success)
	assert.Equal(t, "snap-1", got.SnapshotID)
	require.NotNil(t, got.Changes)
	assert.Equal(t, models.IntVal(60), got.Changes.Before)
	assert.Equal(t, models.IntVal(120), got.Changes.After)
}
