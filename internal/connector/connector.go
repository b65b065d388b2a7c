package connector

import (
	"context"
	"time"

	"github.com/catherinevee/diagmgr/internal/models"
)

// Well-known operation names every connector implements in addition to its
// system-specific repairs. Capture and restore move opaque state for the
// snapshot manager.
const (
	OpCaptureState = "state.capture"
	OpRestoreState = "state.restore"
)

// Query is a read against a target system resource, addressed by a dotted
// path in the connector's resource namespace.
type Query struct {
	Resource string                  `json:"resource"`
	Fields   []string                `json:"fields,omitempty"`
	Filter   map[string]models.Value `json:"filter,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
}

// Row is one record returned by a query.
type Row map[string]models.Value

// Operation is a mutation against a target system.
type Operation struct {
	Name       string                  `json:"name"`
	Target     string                  `json:"target,omitempty"`
	Parameters map[string]models.Value `json:"parameters,omitempty"`
}

// OperationResult reports what an operation did.
type OperationResult struct {
	Output  string       `json:"output,omitempty"`
	Changed bool         `json:"changed"`
	Data    models.Value `json:"data,omitempty"`
}

// Health is the connector's view of the target system.
type Health struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	ResponseTime time.Duration     `json:"response_time"`
	Details      map[string]string `json:"details,omitempty"`
}

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Querier is the read-only capability set handed to scanners. Queries must
// be safe to run concurrently.
type Querier interface {
	ExecuteQuery(ctx context.Context, q Query) ([]Row, error)
	HealthCheck(ctx context.Context) (Health, error)
}

// Connector is the full port to one externally administered system. The
// kernel serializes mutations through the remediation engine; reads may be
// concurrent. Implementations map their failures onto the connector error
// kinds so retry policy stays uniform.
type Connector interface {
	Querier

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	ExecuteOperation(ctx context.Context, op Operation) (OperationResult, error)
}
