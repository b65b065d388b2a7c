package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/shared/config"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls []models.ScanOptions
	err   error
}

func (f *fakeCreator) CreateScan(ctx context.Context, systemID string, opts models.ScanOptions) (*models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, opts)
	return &models.Scan{ID: uuid.New().String(), SystemID: systemID, Status: models.ScanStatusPending}, nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSchedulerFiresRecurringScans(t *testing.T) {
	creator := &fakeCreator{}
	sched := New([]config.ScheduleEntry{
		{SystemID: "sys-1", Interval: "20ms", Categories: []string{"configuration"}},
	}, creator, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	require.Eventually(t, func() bool { return creator.count() >= 2 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	sched.Wait()

	creator.mu.Lock()
	defer creator.mu.Unlock()
	opts := creator.calls[0]
	assert.Equal(t, models.TriggerScheduled, opts.Trigger)
	assert.Equal(t, "scheduler", opts.TriggeredBy)
	assert.Equal(t, []models.DiagnosticCategory{models.CategoryConfiguration}, opts.Categories)
}

func TestSchedulerSkipsTickOnBackpressure(t *testing.T) {
	creator := &fakeCreator{err: errs.Backpressure("queue full")}
	sched := New([]config.ScheduleEntry{
		{SystemID: "sys-1", Interval: "10ms"},
	}, creator, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	sched.Wait()

	assert.Zero(t, creator.count())
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	creator := &fakeCreator{}
	sched := New([]config.ScheduleEntry{
		{SystemID: "sys-1", Interval: "10ms"},
	}, creator, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	require.Eventually(t, func() bool { return creator.count() >= 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	sched.Wait()

	settled := creator.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, creator.count())
}
