// Package reconcile keeps logical users and remote peers consistent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
)

const (
	defaultMaxConcurrency = 5
	defaultRequestTimeout = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	Matcher        UserMatcher
}

// Engine creates, attaches and imports bindings.
type Engine struct {
	store          *store.Store
	registry       *gateway.Registry
	matcher        UserMatcher
	maxConcurrency int
	requestTimeout time.Duration
	now            func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(s *store.Store, registry *gateway.Registry, opts Options) *Engine {
	if s == nil || registry == nil {
		return nil
	}
	e := &Engine{
		store:          s,
		registry:       registry,
		matcher:        opts.Matcher,
		maxConcurrency: opts.MaxConcurrency,
		requestTimeout: opts.RequestTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if e.matcher == nil {
		e.matcher = NameMatcher{}
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = defaultMaxConcurrency
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = defaultRequestTimeout
	}
	return e
}

func (e *Engine) fanoutOptions(op string) fanout.Options {
	return fanout.Options{
		Op:      op,
		Limit:   internalsettings.GatewayConcurrency(e.maxConcurrency),
		Timeout: e.requestTimeout,
	}
}

// CreateBinding creates a peer named after the user on one gateway and stores the binding.
func (e *Engine) CreateBinding(ctx context.Context, userID, gatewayID uint64, expiresAt *time.Time) (models.Binding, error) {
	user, errUser := e.store.GetUser(ctx, userID)
	if errUser != nil {
		return models.Binding{}, errUser
	}
	gw, errGateway := e.store.GetGateway(ctx, gatewayID)
	if errGateway != nil {
		return models.Binding{}, errGateway
	}
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	return e.createOn(callCtx, "", user, gw, expiresAt)
}

// createOn never deletes a remote peer it created: if the binding insert fails
// the peer is reported as orphaned and recorded as drift.
func (e *Engine) createOn(ctx context.Context, operationID string, user models.LogicalUser, gw models.Gateway, expiresAt *time.Time) (models.Binding, error) {
	adapter := e.registry.For(gw)
	remoteID, errCreate := adapter.CreatePeer(ctx, user.Name, expiresAt)
	if errCreate != nil {
		return models.Binding{}, errCreate
	}

	now := e.now()
	enabled := true
	b := models.Binding{
		LogicalUserID:  user.ID,
		GatewayID:      gw.ID,
		RemotePeerID:   remoteID,
		RemotePeerName: user.Name,
		ExpiresAt:      utcPtr(expiresAt),
		Enabled:        &enabled,
		LastSyncedAt:   &now,
	}
	storeCtx := context.WithoutCancel(ctx)
	if errPersist := e.store.CreateBinding(storeCtx, &b); errPersist != nil {
		return models.Binding{}, e.orphan(storeCtx, operationID, user, gw, remoteID, errPersist)
	}
	return b, nil
}

func (e *Engine) orphan(ctx context.Context, operationID string, user models.LogicalUser, gw models.Gateway, remoteID string, cause error) error {
	log.WithError(cause).Warnf("reconcile: peer %s created on gateway %d (%s) for user %d but binding was not stored", remoteID, gw.ID, gw.Name, user.ID)
	orphanErr := &OrphanError{GatewayID: gw.ID, RemotePeerID: remoteID, Err: cause}
	details := map[string]any{"user_id": user.ID, "user_name": user.Name, "error": cause.Error()}
	if operationID != "" {
		details["operation_id"] = operationID
	}
	record, errDrift := e.store.RecordDrift(ctx, store.DriftEntry{
		Kind:         models.DriftKindOrphanedPeer,
		GatewayID:    gw.ID,
		RemotePeerID: remoteID,
		Message:      fmt.Sprintf("peer created for user %q (id %d) but not bound", user.Name, user.ID),
		Details:      details,
	})
	if errDrift != nil {
		log.WithError(errDrift).Errorf("reconcile: record orphaned peer %s on gateway %d failed", remoteID, gw.ID)
		return orphanErr
	}
	orphanErr.DriftID = record.ID
	return orphanErr
}

// BindExisting attaches a peer that already exists on the gateway to a user.
// Unlike import, a conflicting binding is an error.
func (e *Engine) BindExisting(ctx context.Context, userID, gatewayID uint64, remoteID string) (models.Binding, error) {
	remoteID = strings.TrimSpace(remoteID)
	user, errUser := e.store.GetUser(ctx, userID)
	if errUser != nil {
		return models.Binding{}, errUser
	}
	gw, errGateway := e.store.GetGateway(ctx, gatewayID)
	if errGateway != nil {
		return models.Binding{}, errGateway
	}
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	peers, errList := e.registry.For(gw).ListPeers(callCtx)
	if errList != nil {
		return models.Binding{}, errList
	}
	var found *gateway.Peer
	for i := range peers {
		if peers[i].ID == remoteID {
			found = &peers[i]
			break
		}
	}
	if found == nil {
		return models.Binding{}, fmt.Errorf("gateway %d: peer %s: %w", gw.ID, remoteID, gateway.ErrBindingNotFound)
	}

	b := bindingFromPeer(user.ID, gw.ID, *found, e.now())
	if errCreate := e.store.CreateBinding(ctx, &b); errCreate != nil {
		return models.Binding{}, errCreate
	}
	if closed, errResolve := e.store.ResolveDriftForPeer(ctx, gw.ID, remoteID, e.now()); errResolve != nil {
		log.WithError(errResolve).Warnf("reconcile: resolve drift for peer %s failed", remoteID)
	} else if closed > 0 {
		log.Infof("reconcile: peer %s on gateway %d attached to user %d, %d drift record(s) resolved", remoteID, gw.ID, user.ID, closed)
	}
	return b, nil
}

// CreatedBinding lists one binding produced by a mass create.
type CreatedBinding struct {
	GatewayID    uint64 `json:"gateway_id"`
	GatewayName  string `json:"gateway_name"`
	BindingID    uint64 `json:"binding_id"`
	RemotePeerID string `json:"remote_peer_id"`
}

// MassCreateReport is the outcome of CreateForAllGateways.
type MassCreateReport struct {
	OperationID string             `json:"operation_id"`
	UserID      uint64             `json:"user_id"`
	Created     int                `json:"created"`
	Skipped     int                `json:"skipped"`
	Bindings    []CreatedBinding   `json:"bindings"`
	Errors      []fanout.ItemError `json:"errors"`
}

// Err returns a *fanout.PartialFailure when any gateway failed.
func (r MassCreateReport) Err() error {
	return fanout.AsError("create_for_all_gateways", r.Created+r.Skipped+len(r.Errors), r.Errors)
}

// CreateForAllGateways creates a peer for the user on every gateway where they have no binding yet.
// Gateways fail independently; each failure is reported and never affects the others.
func (e *Engine) CreateForAllGateways(ctx context.Context, userID uint64, expiresAt *time.Time) (MassCreateReport, error) {
	report := MassCreateReport{OperationID: uuid.NewString(), UserID: userID, Bindings: []CreatedBinding{}, Errors: []fanout.ItemError{}}
	user, errUser := e.store.GetUser(ctx, userID)
	if errUser != nil {
		return report, errUser
	}
	gateways, errList := e.store.ListGateways(ctx)
	if errList != nil {
		return report, errList
	}
	bound, errBound := e.store.UserGatewayIDs(ctx, userID)
	if errBound != nil {
		return report, errBound
	}

	targets := make([]models.Gateway, 0, len(gateways))
	for _, gw := range gateways {
		if bound[gw.ID] {
			report.Skipped++
			continue
		}
		targets = append(targets, gw)
	}

	results := fanout.Run(ctx, targets, e.fanoutOptions("create_peer"), func(callCtx context.Context, gw models.Gateway) (models.Binding, error) {
		return e.createOn(callCtx, report.OperationID, user, gw, expiresAt)
	})
	for _, res := range results {
		if res.Err != nil {
			report.Errors = append(report.Errors, itemError(res.Item, res.Err))
			continue
		}
		report.Created++
		report.Bindings = append(report.Bindings, CreatedBinding{
			GatewayID:    res.Item.ID,
			GatewayName:  res.Item.Name,
			BindingID:    res.Value.ID,
			RemotePeerID: res.Value.RemotePeerID,
		})
	}
	log.Infof("reconcile: mass create for user %d (op=%s): created=%d skipped=%d errors=%d",
		userID, report.OperationID, report.Created, report.Skipped, len(report.Errors))
	return report, nil
}

func itemError(gw models.Gateway, err error) fanout.ItemError {
	item := fanout.NewItemError(gw.ID, gw.Name, err)
	var orphanErr *OrphanError
	if errors.As(err, &orphanErr) {
		item.Kind = "orphaned_peer"
		item.RemotePeerID = orphanErr.RemotePeerID
	}
	return item
}

func bindingFromPeer(userID, gatewayID uint64, peer gateway.Peer, now time.Time) models.Binding {
	enabled := peer.Enabled
	return models.Binding{
		LogicalUserID:  userID,
		GatewayID:      gatewayID,
		RemotePeerID:   peer.ID,
		RemotePeerName: peer.Name,
		ExpiresAt:      utcPtr(peer.ExpiresAt),
		Enabled:        &enabled,
		LastSyncedAt:   &now,
	}
}

func peerUserName(peer gateway.Peer) string {
	name := strings.TrimSpace(peer.Name)
	if name == "" {
		return "peer-" + peer.ID
	}
	return name
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
