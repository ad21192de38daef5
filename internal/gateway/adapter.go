// Package gateway talks to wg-easy style VPN gateways.
//
// Each gateway gets its own Adapter from the Registry. Adapters share a
// SessionCache so concurrent callers reuse one session per gateway.
package gateway

import (
	"context"
	"time"
)

// Peer is one remote peer as reported by a gateway.
type Peer struct {
	ID                string
	Name              string
	Enabled           bool
	PublicKey         string
	TransferRx        int64
	TransferTx        int64
	CreatedAt         *time.Time
	ExpiresAt         *time.Time
	LatestHandshakeAt *time.Time
}

// Active reports whether the peer ever completed a handshake.
func (p Peer) Active() bool {
	return p.LatestHandshakeAt != nil && !p.LatestHandshakeAt.IsZero()
}

// Counters are cumulative transfer counters of one peer.
type Counters struct {
	Rx        int64
	Tx        int64
	SampledAt time.Time
}

// Adapter is the capability set the core needs from a gateway.
type Adapter interface {
	Authenticate(ctx context.Context) error
	ListPeers(ctx context.Context) ([]Peer, error)
	CreatePeer(ctx context.Context, name string, expiresAt *time.Time) (string, error)
	DeletePeer(ctx context.Context, remoteID string) error
	SetEnabled(ctx context.Context, remoteID string, enabled bool) error
	SetExpiry(ctx context.Context, remoteID string, expiresAt *time.Time) error
	FetchConfiguration(ctx context.Context, remoteID string) ([]byte, error)
	FetchQRCode(ctx context.Context, remoteID string) ([]byte, error)
	FetchTrafficCounters(ctx context.Context, remoteID string) (Counters, error)
}
