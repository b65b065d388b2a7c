package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is the stable error taxonomy exposed at kernel boundaries. Callers
// branch on kinds, never on message text.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"       // malformed request, unknown rule or action id
	KindBackpressure       Kind = "backpressure"        // scan queue full
	KindIllegalState       Kind = "illegal_state"       // state machine violation
	KindConnectorTransient Kind = "connector_transient" // target unreachable, retry may help
	KindConnectorPermanent Kind = "connector_permanent" // auth failure, unsupported operation
	KindRuleMisconfigured  Kind = "rule_misconfigured"  // bad regex or impossible condition
	KindPreconditionFalse  Kind = "precondition_false"  // remediation pre-check did not hold
	KindPostconditionFalse Kind = "postcondition_false" // remediation post-check did not hold
	KindSnapshotCorrupt    Kind = "snapshot_corrupt"    // checksum mismatch on restore
	KindSnapshotMissing    Kind = "snapshot_missing"    // snapshot expired or deleted
	KindResourceExhausted  Kind = "resource_exhausted"  // finding cap or memory limit hit
	KindCancelled          Kind = "cancelled"           // context cancelled, timeout, shutdown
)

// Severity grades an error for log level selection and alert routing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// KernelError carries the kind taxonomy plus enough context to act on the
// failure without parsing the message.
type KernelError struct {
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Op         string            `json:"op,omitempty"`
	SystemID   string            `json:"system_id,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Origin     string            `json:"origin,omitempty"`
	Wrapped    error             `json:"-"`
	Retryable  bool              `json:"retryable"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}
	parts = append(parts, e.Message)
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("(resource: %s)", e.Resource))
	}
	if e.Wrapped != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Wrapped))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the wrapped error.
func (e *KernelError) Unwrap() error {
	return e.Wrapped
}

// Is matches on kind so errors.Is works against sentinel kinds.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches one context detail.
func (e *KernelError) WithDetail(key, value string) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// ToJSON serializes the error for audit sinks.
func (e *KernelError) ToJSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Builder assembles a KernelError fluently.
type Builder struct {
	err *KernelError
}

// New starts building an error of the given kind.
func New(kind Kind, message string) *Builder {
	_, file, line, _ := runtime.Caller(1)
	return &Builder{
		err: &KernelError{
			Kind:      kind,
			Severity:  SeverityMedium,
			Message:   message,
			Timestamp: time.Now(),
			Origin:    fmt.Sprintf("%s:%d", trimPath(file), line),
		},
	}
}

func trimPath(file string) string {
	if i := strings.LastIndex(file, "/internal/"); i >= 0 {
		return file[i+1:]
	}
	return file
}

// Newf starts building an error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Builder {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithOp records the failing operation.
func (b *Builder) WithOp(op string) *Builder {
	b.err.Op = op
	return b
}

// WithSeverity overrides the default medium severity.
func (b *Builder) WithSeverity(s Severity) *Builder {
	b.err.Severity = s
	return b
}

// WithSystem records the target system.
func (b *Builder) WithSystem(systemID string) *Builder {
	b.err.SystemID = systemID
	return b
}

// WithResource records the affected resource.
func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

// WithDetail attaches one context detail.
func (b *Builder) WithDetail(key, value string) *Builder {
	if b.err.Details == nil {
		b.err.Details = make(map[string]string)
	}
	b.err.Details[key] = value
	return b
}

// WithWrapped wraps a causing error.
func (b *Builder) WithWrapped(err error) *Builder {
	b.err.Wrapped = err
	return b
}

// WithRetry marks the error retryable with an advisory delay.
func (b *Builder) WithRetry(retryAfter time.Duration) *Builder {
	b.err.Retryable = true
	b.err.RetryAfter = retryAfter
	return b
}

// Build returns the assembled error.
func (b *Builder) Build() *KernelError {
	return b.err
}

// Common constructors.

// InvalidInput rejects a malformed or unresolvable request.
func InvalidInput(message string) *KernelError {
	return New(KindInvalidInput, message).WithSeverity(SeverityLow).Build()
}

// InvalidInputf rejects a malformed request with a formatted message.
func InvalidInputf(format string, args ...interface{}) *KernelError {
	return New(KindInvalidInput, fmt.Sprintf(format, args...)).WithSeverity(SeverityLow).Build()
}

// Backpressure reports a full admission queue.
func Backpressure(message string) *KernelError {
	return New(KindBackpressure, message).WithRetry(5 * time.Second).Build()
}

// IllegalState reports a forbidden state machine transition.
func IllegalState(message string) *KernelError {
	return New(KindIllegalState, message).Build()
}

// IllegalStatef reports a forbidden transition with a formatted message.
func IllegalStatef(format string, args ...interface{}) *KernelError {
	return New(KindIllegalState, fmt.Sprintf(format, args...)).Build()
}

// ConnectorTransient reports a retryable connector failure.
func ConnectorTransient(message string, cause error) *KernelError {
	return New(KindConnectorTransient, message).
		WithWrapped(cause).
		WithRetry(2 * time.Second).
		Build()
}

// ConnectorPermanent reports a non-retryable connector failure.
func ConnectorPermanent(message string, cause error) *KernelError {
	return New(KindConnectorPermanent, message).
		WithSeverity(SeverityHigh).
		WithWrapped(cause).
		Build()
}

// RuleMisconfigured reports an unevaluable rule; the rule gets disabled,
// the scan continues.
func RuleMisconfigured(ruleID, message string) *KernelError {
	return New(KindRuleMisconfigured, message).
		WithResource(ruleID).
		WithSeverity(SeverityLow).
		Build()
}

// PreconditionFalse reports a remediation whose pre-check did not hold.
func PreconditionFalse(message string) *KernelError {
	return New(KindPreconditionFalse, message).Build()
}

// PostconditionFalse reports a remediation that executed but did not have
// the declared effect.
func PostconditionFalse(message string) *KernelError {
	return New(KindPostconditionFalse, message).WithSeverity(SeverityHigh).Build()
}

// SnapshotCorrupt reports a checksum mismatch on restore.
func SnapshotCorrupt(snapshotID string) *KernelError {
	return Newf(KindSnapshotCorrupt, "snapshot %s failed checksum verification", snapshotID).
		WithResource(snapshotID).
		WithSeverity(SeverityCritical).
		Build()
}

// SnapshotMissing reports a snapshot that expired or was never taken.
func SnapshotMissing(snapshotID string) *KernelError {
	return Newf(KindSnapshotMissing, "snapshot %s not found", snapshotID).
		WithResource(snapshotID).
		Build()
}

// ResourceExhausted reports a hit cap or budget.
func ResourceExhausted(message string) *KernelError {
	return New(KindResourceExhausted, message).WithSeverity(SeverityHigh).Build()
}

// Cancelled reports a cancelled or timed out operation.
func Cancelled(message string) *KernelError {
	return New(KindCancelled, message).Build()
}

// FromContext maps a context error onto the taxonomy. Returns nil when the
// context is still live.
func FromContext(ctx context.Context) *KernelError {
	switch ctx.Err() {
	case context.Canceled:
		return Cancelled("operation cancelled")
	case context.DeadlineExceeded:
		return Cancelled("operation deadline exceeded")
	default:
		return nil
	}
}

// KindOf extracts the kind from anywhere in the unwrap chain. Plain errors
// report an empty kind.
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error chain is marked retryable.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}
