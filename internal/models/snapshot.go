package models

import "time"

// SnapshotType names the class of state a snapshot captures.
type SnapshotType string

const (
	SnapshotConfiguration SnapshotType = "configuration"
	SnapshotDatabase      SnapshotType = "database"
	SnapshotFilesystem    SnapshotType = "filesystem"
	SnapshotComposite     SnapshotType = "composite"
)

// SnapshotScope addresses the slice of a target system a snapshot covers.
type SnapshotScope struct {
	SystemID      string       `json:"system_id"`
	Type          SnapshotType `json:"type"`
	ComponentPath string       `json:"component_path"`
}

// Snapshot is an opaque, checksummed capture of target system state taken
// before a mutating remediation so the change can be undone.
type Snapshot struct {
	ID            string       `json:"id" db:"id"`
	SystemID      string       `json:"system_id" db:"system_id"`
	Type          SnapshotType `json:"type" db:"type"`
	ComponentPath string       `json:"component_path" db:"component_path"`
	Checksum      string       `json:"checksum" db:"checksum"`
	State         []byte       `json:"state,omitempty" db:"state"`
	SizeBytes     int64        `json:"size_bytes" db:"size_bytes"`
	CreatedBy     string       `json:"created_by,omitempty" db:"created_by"`
	TakenAt       time.Time    `json:"taken_at" db:"taken_at"`
	ExpiresAt     time.Time    `json:"expires_at" db:"expires_at"`
}

// Scope returns the scope the snapshot was taken over.
func (s *Snapshot) Scope() SnapshotScope {
	return SnapshotScope{SystemID: s.SystemID, Type: s.Type, ComponentPath: s.ComponentPath}
}

// Expired reports whether the snapshot's retention window has passed.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
