package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelError_Error(t *testing.T) {
	err := New(KindConnectorTransient, "connection refused").
		WithOp("connector.query").
		WithResource("wp-prod-1").
		WithWrapped(errors.New("dial tcp: refused")).
		Build()

	msg := err.Error()
	assert.Contains(t, msg, "[connector_transient]")
	assert.Contains(t, msg, "connector.query")
	assert.Contains(t, msg, "connection refused")
	assert.Contains(t, msg, "caused by: dial tcp: refused")
}

func TestKernelError_KindMatching(t *testing.T) {
	base := Backpressure("scan queue full")

	assert.Equal(t, KindBackpressure, KindOf(base))
	assert.True(t, IsKind(base, KindBackpressure))
	assert.False(t, IsKind(base, KindIllegalState))

	wrapped := fmt.Errorf("create scan: %w", base)
	assert.Equal(t, KindBackpressure, KindOf(wrapped), "kind survives wrapping")
	assert.True(t, IsKind(wrapped, KindBackpressure))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestKernelError_Is(t *testing.T) {
	err := IllegalState("scan already terminal")
	target := &KernelError{Kind: KindIllegalState}
	assert.True(t, errors.Is(err, target))

	other := &KernelError{Kind: KindCancelled}
	assert.False(t, errors.Is(err, other))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ConnectorTransient("timeout", nil)))
	assert.False(t, IsRetryable(ConnectorPermanent("bad credentials", nil)))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(context.Canceled))

	wrapped := fmt.Errorf("query: %w", ConnectorTransient("reset", nil))
	assert.True(t, IsRetryable(wrapped))
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromContext(ctx)
	require.NotNil(t, err)
	assert.Equal(t, KindCancelled, err.Kind)

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	err = FromContext(dctx)
	require.NotNil(t, err)
	assert.Equal(t, KindCancelled, err.Kind)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *KernelError
		kind      Kind
		retryable bool
	}{
		{"invalid input", InvalidInput("unknown rule id"), KindInvalidInput, false},
		{"backpressure", Backpressure("queue full"), KindBackpressure, true},
		{"illegal state", IllegalState("terminal"), KindIllegalState, false},
		{"connector transient", ConnectorTransient("reset", nil), KindConnectorTransient, true},
		{"connector permanent", ConnectorPermanent("auth", nil), KindConnectorPermanent, false},
		{"rule misconfigured", RuleMisconfigured("r1", "bad regex"), KindRuleMisconfigured, false},
		{"precondition", PreconditionFalse("guard failed"), KindPreconditionFalse, false},
		{"postcondition", PostconditionFalse("no effect"), KindPostconditionFalse, false},
		{"snapshot corrupt", SnapshotCorrupt("snap-1"), KindSnapshotCorrupt, false},
		{"snapshot missing", SnapshotMissing("snap-2"), KindSnapshotMissing, false},
		{"resource exhausted", ResourceExhausted("finding cap"), KindResourceExhausted, false},
		{"cancelled", Cancelled("shutdown"), KindCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.NotEmpty(t, tt.err.Message)
			assert.False(t, tt.err.Timestamp.IsZero())
		})
	}
}

func TestBuilder_Details(t *testing.T) {
	err := New(KindResourceExhausted, "finding cap reached").
		WithSystem("wp-prod-1").
		WithDetail("cap", "100000").
		Build()

	assert.Equal(t, "wp-prod-1", err.SystemID)
	assert.Equal(t, "100000", err.Details["cap"])
	assert.NotEmpty(t, err.Origin)
	assert.NotEmpty(t, err.ToJSON())
}
