package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/diagmgr/internal/logger"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
	"github.com/catherinevee/diagmgr/internal/shared/resilience"
)

func newTestGuard(t *testing.T, m *Mock, cfg GuardConfig) *Guard {
	t.Helper()
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 10
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = time.Minute
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return NewGuard(m, cfg, logger.NewNop(), metrics.NewNop())
}

func TestGuardRetriesTransientQueryFailures(t *testing.T) {
	m := seedMock(t)
	g := newTestGuard(t, m, GuardConfig{MaxRetries: 2})

	m.FailNextQueries(1, errs.ConnectorTransient("flaky", nil))

	rows, err := g.ExecuteQuery(context.Background(), Query{Resource: "extensions"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, m.Queries(), 2, "one failure plus one retry")
}

func TestGuardDoesNotRetryPermanentFailures(t *testing.T) {
	m := seedMock(t)
	g := newTestGuard(t, m, GuardConfig{MaxRetries: 2})

	m.FailNextQueries(1, errs.ConnectorPermanent("forbidden", nil))

	_, err := g.ExecuteQuery(context.Background(), Query{Resource: "extensions"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnectorPermanent, errs.KindOf(err))
	assert.Len(t, m.Queries(), 1)
}

func TestGuardDoesNotRetryOperations(t *testing.T) {
	m := seedMock(t)
	g := newTestGuard(t, m, GuardConfig{MaxRetries: 2})

	m.FailOperation("settings.update", errs.ConnectorTransient("flaky", nil))

	_, err := g.ExecuteOperation(context.Background(), Operation{Name: "settings.update"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnectorTransient, errs.KindOf(err))
	assert.Len(t, m.Operations(), 1, "mutations pass through exactly once")
}

func TestGuardBreakerOpensAfterRepeatedFailures(t *testing.T) {
	m := seedMock(t)
	g := newTestGuard(t, m, GuardConfig{MaxRetries: 0, BreakerThreshold: 2})

	m.FailResource("extensions", errs.ConnectorTransient("down", nil))

	for i := 0; i < 2; i++ {
		_, err := g.ExecuteQuery(context.Background(), Query{Resource: "extensions"})
		require.Error(t, err)
	}

	_, err := g.ExecuteQuery(context.Background(), Query{Resource: "extensions"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnectorTransient, errs.KindOf(err))
	assert.True(t, errors.Is(err, resilience.ErrBreakerOpen))
	assert.Len(t, m.Queries(), 2, "open breaker sheds without reaching the target")
}

func TestGuardHealthCheckBypassesBreaker(t *testing.T) {
	m := seedMock(t)
	g := newTestGuard(t, m, GuardConfig{MaxRetries: 0, BreakerThreshold: 1})

	m.FailResource("extensions", errs.ConnectorTransient("down", nil))
	_, err := g.ExecuteQuery(context.Background(), Query{Resource: "extensions"})
	require.Error(t, err)

	health, err := g.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health.Status)
	assert.Equal(t, "10.4.2", health.Version)
}
