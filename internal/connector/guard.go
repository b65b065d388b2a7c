package connector

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/catherinevee/diagmgr/internal/logger"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
	"github.com/catherinevee/diagmgr/internal/shared/resilience"
)

// GuardConfig tunes the protective wrapper around a connector.
type GuardConfig struct {
	QueryRateLimit   float64
	QueryBurst       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
}

// Guard wraps a connector with the traffic discipline owed to an
// externally administered system: a query rate limit, a circuit breaker
// shared by reads and writes, and transient-error retries on reads.
// Mutations are not retried here; the remediation engine owns that policy.
type Guard struct {
	inner   Connector
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	log     logger.Logger
	metrics *metrics.Kernel
}

// NewGuard wraps inner with rate limiting, breaker and retry behavior.
func NewGuard(inner Connector, cfg GuardConfig, log logger.Logger, m *metrics.Kernel) *Guard {
	if cfg.QueryRateLimit <= 0 {
		cfg.QueryRateLimit = 50
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = 10
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	if cfg.MaxRetries < 0 {
		retryCfg.MaxRetries = 0
	}
	if cfg.RetryDelay > 0 {
		retryCfg.InitialDelay = cfg.RetryDelay
	}

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:         "connector",
		MaxFailures:  cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerCooldown,
		OnStateChange: func(from, to resilience.BreakerState) {
			log.Warn("connector breaker state changed",
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})

	return &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryRateLimit), cfg.QueryBurst),
		breaker: breaker,
		retry:   retryCfg,
		log:     log,
		metrics: m,
	}
}

// ExecuteQuery applies rate limiting and the breaker, then retries
// transient failures within the kernel retry policy.
func (g *Guard) ExecuteQuery(ctx context.Context, q Query) ([]Row, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	rows, err := resilience.RetryWithResult(ctx, g.retry, func() ([]Row, error) {
		if !g.breaker.Allow() {
			return nil, errs.ConnectorTransient("connector circuit open", resilience.ErrBreakerOpen)
		}
		rows, err := g.inner.ExecuteQuery(ctx, q)
		if err != nil {
			g.breaker.RecordFailure()
			return nil, err
		}
		g.breaker.RecordSuccess()
		return rows, nil
	})

	if err != nil {
		g.metrics.ConnectorQueries.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}
	g.metrics.ConnectorQueries.WithLabelValues("ok").Inc()
	return rows, nil
}

// ExecuteOperation applies rate limiting and the breaker. Failures pass
// through exactly once.
func (g *Guard) ExecuteOperation(ctx context.Context, op Operation) (OperationResult, error) {
	if err := g.throttle(ctx); err != nil {
		return OperationResult{}, err
	}
	if !g.breaker.Allow() {
		return OperationResult{}, errs.ConnectorTransient("connector circuit open", resilience.ErrBreakerOpen)
	}

	res, err := g.inner.ExecuteOperation(ctx, op)
	if err != nil {
		g.breaker.RecordFailure()
		return OperationResult{}, err
	}
	g.breaker.RecordSuccess()
	return res, nil
}

// HealthCheck passes through; health probes bypass the rate limiter so a
// saturated limiter cannot mask an unhealthy target.
func (g *Guard) HealthCheck(ctx context.Context) (Health, error) {
	return g.inner.HealthCheck(ctx)
}

// Connect passes through.
func (g *Guard) Connect(ctx context.Context) error {
	return g.inner.Connect(ctx)
}

// Disconnect passes through.
func (g *Guard) Disconnect(ctx context.Context) error {
	return g.inner.Disconnect(ctx)
}

// IsConnected passes through.
func (g *Guard) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Guard) throttle(ctx context.Context) error {
	if g.limiter.Allow() {
		return nil
	}
	g.metrics.ConnectorThrottled.Inc()
	if err := g.limiter.Wait(ctx); err != nil {
		if cerr := errs.FromContext(ctx); cerr != nil {
			return cerr
		}
		return errs.ConnectorTransient("rate limiter wait failed", err)
	}
	return nil
}
