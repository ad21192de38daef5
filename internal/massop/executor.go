// Package massop applies one change to many bindings at once.
//
// Remote calls fan out with bounded parallelism and are never rolled back:
// each binding's outcome is reported on its own.
package massop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/metrics"
	"github.com/wgfleet/wgfleet/internal/models"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
)

const (
	defaultMaxConcurrency = 5
	defaultRequestTimeout = 30 * time.Second
)

var errGatewayMissing = errors.New("gateway no longer exists")

// Options configures an Executor.
type Options struct {
	MaxConcurrency int
	RequestTimeout time.Duration
}

// Executor runs mass operations.
type Executor struct {
	store          *store.Store
	registry       *gateway.Registry
	maxConcurrency int
	requestTimeout time.Duration
	now            func() time.Time
}

// NewExecutor constructs an Executor.
func NewExecutor(s *store.Store, registry *gateway.Registry, opts Options) *Executor {
	if s == nil || registry == nil {
		return nil
	}
	e := &Executor{
		store:          s,
		registry:       registry,
		maxConcurrency: opts.MaxConcurrency,
		requestTimeout: opts.RequestTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = defaultMaxConcurrency
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = defaultRequestTimeout
	}
	return e
}

// BindingOutcome is the result of one binding in a mass operation.
type BindingOutcome struct {
	BindingID    uint64 `json:"binding_id"`
	GatewayID    uint64 `json:"gateway_id"`
	GatewayName  string `json:"gateway_name"`
	RemotePeerID string `json:"remote_peer_id"`
	OK           bool   `json:"ok"`
	Stale        bool   `json:"stale,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report aggregates per-binding outcomes.
type Report struct {
	OperationID string           `json:"operation_id"`
	Op          string           `json:"op"`
	UserID      uint64           `json:"user_id,omitempty"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Outcomes    []BindingOutcome `json:"outcomes"`
}

// Err returns a *fanout.PartialFailure when any binding failed.
func (r Report) Err() error {
	failures := make([]fanout.ItemError, 0, r.Failed)
	for _, o := range r.Outcomes {
		if o.OK {
			continue
		}
		failures = append(failures, fanout.ItemError{
			GatewayID:    o.GatewayID,
			GatewayName:  o.GatewayName,
			BindingID:    o.BindingID,
			RemotePeerID: o.RemotePeerID,
			Kind:         o.Kind,
			Message:      o.Error,
		})
	}
	return fanout.AsError(r.Op, r.Total, failures)
}

type target struct {
	binding models.Binding
	gateway models.Gateway
	known   bool
}

func (e *Executor) fanoutOptions(op string) fanout.Options {
	return fanout.Options{
		Op:      op,
		Limit:   internalsettings.GatewayConcurrency(e.maxConcurrency),
		Timeout: e.requestTimeout,
	}
}

func (e *Executor) targets(ctx context.Context, bindings []models.Binding) ([]target, error) {
	gateways, errList := e.store.ListGateways(ctx)
	if errList != nil {
		return nil, errList
	}
	byID := make(map[uint64]models.Gateway, len(gateways))
	for _, gw := range gateways {
		byID[gw.ID] = gw
	}
	out := make([]target, 0, len(bindings))
	for _, b := range bindings {
		gw, ok := byID[b.GatewayID]
		out = append(out, target{binding: b, gateway: gw, known: ok})
	}
	return out, nil
}

func (e *Executor) run(ctx context.Context, op string, targets []target, fn func(ctx context.Context, adapter gateway.Adapter, b models.Binding) error) []fanout.Result[target, struct{}] {
	return fanout.Run(ctx, targets, e.fanoutOptions(op), func(callCtx context.Context, t target) (struct{}, error) {
		if !t.known {
			return struct{}{}, fmt.Errorf("binding %d: gateway %d: %w", t.binding.ID, t.binding.GatewayID, errGatewayMissing)
		}
		return struct{}{}, fn(callCtx, e.registry.For(t.gateway), t.binding)
	})
}

func outcomeFor(t target, err error) BindingOutcome {
	o := BindingOutcome{
		BindingID:    t.binding.ID,
		GatewayID:    t.binding.GatewayID,
		GatewayName:  t.gateway.Name,
		RemotePeerID: t.binding.RemotePeerID,
		OK:           err == nil,
	}
	if err != nil {
		o.Kind = gateway.Kind(err)
		o.Error = err.Error()
	}
	return o
}

func newReport(op string, userID uint64) Report {
	return Report{OperationID: uuid.NewString(), Op: op, UserID: userID, Outcomes: []BindingOutcome{}}
}

func (r *Report) add(o BindingOutcome) {
	r.Total++
	if o.OK {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

func (e *Executor) recordDeleteFailure(ctx context.Context, operationID string, t target, cause error) {
	log.WithError(cause).Warnf("massop: remote delete of peer %s on gateway %d failed, binding %d removed locally", t.binding.RemotePeerID, t.binding.GatewayID, t.binding.ID)
	_, errDrift := e.store.RecordDrift(ctx, store.DriftEntry{
		Kind:         models.DriftKindRemoteDeleteFailed,
		GatewayID:    t.binding.GatewayID,
		RemotePeerID: t.binding.RemotePeerID,
		Message:      fmt.Sprintf("peer %q may still exist on gateway %q", t.binding.RemotePeerName, t.gateway.Name),
		Details: map[string]any{
			"binding_id":   t.binding.ID,
			"user_id":      t.binding.LogicalUserID,
			"operation_id": operationID,
			"error":        cause.Error(),
		},
	})
	if errDrift != nil {
		log.WithError(errDrift).Errorf("massop: record drift for binding %d failed", t.binding.ID)
	}
}

// deletePeer treats an already missing peer as deleted.
func deletePeer(ctx context.Context, adapter gateway.Adapter, b models.Binding) error {
	if errDelete := adapter.DeletePeer(ctx, b.RemotePeerID); errDelete != nil && !errors.Is(errDelete, gateway.ErrBindingNotFound) {
		return errDelete
	}
	return nil
}

// DeleteGateway removes a gateway and its bindings locally. Remote peers are left untouched.
func (e *Executor) DeleteGateway(ctx context.Context, gatewayID uint64) (int64, error) {
	removed, errDelete := e.store.DeleteGateway(ctx, gatewayID)
	if errDelete != nil {
		return 0, errDelete
	}
	e.registry.Forget(gatewayID)
	metrics.ForgetGateway(gatewayID)
	log.Infof("massop: gateway %d deleted with %d binding(s)", gatewayID, removed)
	return removed, nil
}
