package models

import "time"

// Binding associates a logical user with one remote peer on one gateway.
type Binding struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	LogicalUserID uint64 `gorm:"not null;index"`                                                   // Owning logical user ID.
	GatewayID     uint64 `gorm:"not null;uniqueIndex:idx_bindings_gateway_remote_peer,priority:1"` // Gateway hosting the peer.
	RemotePeerID  string `gorm:"type:varchar(128);not null;uniqueIndex:idx_bindings_gateway_remote_peer,priority:2"`

	RemotePeerName string     `gorm:"type:text;not null"` // Peer name as known by the gateway.
	ExpiresAt      *time.Time // Optional peer expiry.

	Enabled       *bool      `gorm:"type:boolean"`                        // Cached enabled flag; nil when unknown.
	RemoteMissing bool       `gorm:"type:boolean;not null;default:false"` // Peer absent from the last gateway listing.
	LastSyncedAt  *time.Time // Last time the cached flags were refreshed from the gateway.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
