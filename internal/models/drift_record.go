package models

import (
	"time"

	"gorm.io/datatypes"
)

// Drift kinds recorded when local records and gateway state diverge.
const (
	// DriftKindOrphanedPeer marks a remote peer created without a local binding.
	DriftKindOrphanedPeer = "orphaned_peer"
	// DriftKindRemoteDeleteFailed marks a binding removed locally whose remote peer may still exist.
	DriftKindRemoteDeleteFailed = "remote_delete_failed"
	// DriftKindRemoteMissing marks a binding whose remote peer vanished out-of-band.
	DriftKindRemoteMissing = "remote_missing"
)

// DriftRecord is an auditable divergence that needs an administrator decision.
type DriftRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Kind         string `gorm:"type:varchar(64);not null;index"` // Drift kind.
	GatewayID    uint64 `gorm:"not null;index"`                  // Affected gateway.
	RemotePeerID string `gorm:"type:varchar(128)"`               // Affected remote peer, when known.
	Message      string `gorm:"type:text"`                       // Human readable description.

	Details datatypes.JSON `gorm:"type:jsonb"` // Extra context (user, binding, operation id).

	ResolvedAt *time.Time `gorm:"index"` // Set when an administrator resolves the record.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
