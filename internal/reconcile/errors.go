package reconcile

import (
	"errors"
	"fmt"
)

// ErrOrphanedPeer means a remote peer was created but its binding could not be stored.
var ErrOrphanedPeer = errors.New("remote peer created without a local binding")

// OrphanError identifies the orphaned remote peer. The peer is left in place for an administrator to attach or delete.
type OrphanError struct {
	GatewayID    uint64
	RemotePeerID string
	DriftID      uint64
	Err          error
}

func (e *OrphanError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway %d: peer %s: %v: %v", e.GatewayID, e.RemotePeerID, ErrOrphanedPeer, e.Err)
}

func (e *OrphanError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrOrphanedPeer, e.Err}
}

var errAlreadyBound = errors.New("remote peer already bound")
