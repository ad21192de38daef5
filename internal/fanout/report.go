package fanout

import (
	"fmt"

	"github.com/wgfleet/wgfleet/internal/gateway"
)

// ItemError describes one failed item of a fan-out in reports.
type ItemError struct {
	GatewayID    uint64 `json:"gateway_id"`
	GatewayName  string `json:"gateway_name,omitempty"`
	BindingID    uint64 `json:"binding_id,omitempty"`
	RemotePeerID string `json:"remote_peer_id,omitempty"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
}

// NewItemError builds an ItemError for a gateway-level failure.
func NewItemError(gatewayID uint64, gatewayName string, err error) ItemError {
	item := ItemError{GatewayID: gatewayID, GatewayName: gatewayName}
	if err != nil {
		item.Kind = gateway.Kind(err)
		item.Message = err.Error()
	}
	return item
}

// PartialFailure aggregates the failed items of a fan-out whose other items succeeded or were skipped.
type PartialFailure struct {
	Op       string
	Total    int
	Failures []ItemError
}

func (p *PartialFailure) Error() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%s: %d of %d items failed", p.Op, len(p.Failures), p.Total)
}

// AsError returns a *PartialFailure when failures is non-empty, nil otherwise.
func AsError(op string, total int, failures []ItemError) error {
	if len(failures) == 0 {
		return nil
	}
	return &PartialFailure{Op: op, Total: total, Failures: failures}
}
