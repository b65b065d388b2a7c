package events

import (
	"time"
)

// Topic is a typed event channel name. The set below is closed: publishers
// and subscribers share these constants rather than raw strings.
type Topic string

const (
	TopicScanStarted   Topic = "scan.started"
	TopicScanProgress  Topic = "scan.progress"
	TopicScanCompleted Topic = "scan.completed"
	TopicScanFailed    Topic = "scan.failed"
	TopicScanCancelled Topic = "scan.cancelled"

	TopicFindingCreated  Topic = "finding.created"
	TopicFindingUpdated  Topic = "finding.updated"
	TopicFindingResolved Topic = "finding.resolved"

	TopicRuleMisconfigured Topic = "rule.misconfigured"

	TopicRemediationAvailable         Topic = "remediation.available"
	TopicRemediationApprovalRequested Topic = "remediation.approval-requested"
	TopicRemediationStarted           Topic = "remediation.started"
	TopicRemediationCompleted         Topic = "remediation.completed"
	TopicRemediationFailed            Topic = "remediation.failed"
	TopicRemediationRolledBack        Topic = "remediation.rolled-back"

	TopicSnapshotCreated  Topic = "snapshot.created"
	TopicSnapshotRestored Topic = "snapshot.restored"
	TopicSnapshotCorrupt  Topic = "snapshot.corrupt"
)

// SchemaVersion is stamped on every event so external consumers can detect
// payload format changes.
const SchemaVersion = 1

// Event is the envelope delivered to subscribers. Identity fields are set
// by the publisher; ID, Version and Timestamp are filled by the bus when
// left zero.
type Event struct {
	ID        string                 `json:"id"`
	Type      Topic                  `json:"type"`
	Version   int                    `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	SystemID  string                 `json:"system_id,omitempty"`
	ScanID    string                 `json:"scan_id,omitempty"`
	FindingID string                 `json:"finding_id,omitempty"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// OrderingKey returns the identity whose event sequence must stay ordered.
// Delivery is FIFO per subscriber, which preserves order for every key;
// the key exists for journaling and external fan-out.
func (e Event) OrderingKey() string {
	switch {
	case e.FindingID != "":
		return e.FindingID
	case e.ScanID != "":
		return e.ScanID
	case e.AttemptID != "":
		return e.AttemptID
	case e.SystemID != "":
		return e.SystemID
	default:
		return e.ID
	}
}
