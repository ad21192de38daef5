package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/gateway/gatewaytest"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/store/storetest"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *gatewaytest.Fleet) {
	t.Helper()
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	return NewEngine(s, fleet.Registry(), Options{MaxConcurrency: 3, RequestTimeout: time.Second}), s, fleet
}

func TestCreateBindingPersists(t *testing.T) {
	e, s, fleet := newTestEngine(t)
	ctx := context.Background()
	gw := storetest.Gateway(t, s, "gw")
	alice := storetest.User(t, s, "alice")
	expires := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)

	b, errCreate := e.CreateBinding(ctx, alice.ID, gw.ID, &expires)
	if errCreate != nil {
		t.Fatalf("CreateBinding: %v", errCreate)
	}
	peer, ok := fleet.Gateway(gw.ID).Peer(b.RemotePeerID)
	if !ok || peer.Name != "alice" || peer.ExpiresAt == nil || !peer.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected remote peer: %+v (found=%v)", peer, ok)
	}
	stored, errGet := s.FindBinding(ctx, gw.ID, b.RemotePeerID)
	if errGet != nil || stored.LogicalUserID != alice.ID || stored.Enabled == nil || !*stored.Enabled {
		t.Fatalf("unexpected stored binding: %+v (%v)", stored, errGet)
	}
}

func TestCreateBindingSurfacesGatewayErrors(t *testing.T) {
	e, s, fleet := newTestEngine(t)
	gw := storetest.Gateway(t, s, "gw")
	alice := storetest.User(t, s, "alice")
	fleet.Gateway(gw.ID).Fail("create_peer", gateway.ErrGatewayRejected)

	if _, errCreate := e.CreateBinding(context.Background(), alice.ID, gw.ID, nil); !errors.Is(errCreate, gateway.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", errCreate)
	}
	all, _ := s.ListBindings(context.Background())
	if len(all) != 0 {
		t.Fatalf("expected no bindings, got %d", len(all))
	}
	if _, errCreate := e.CreateBinding(context.Background(), 999, gw.ID, nil); !errors.Is(errCreate, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", errCreate)
	}
}

func TestCreateBindingOrphanIsRecorded(t *testing.T) {
	e, s, fleet := newTestEngine(t)
	ctx := context.Background()
	gw := storetest.Gateway(t, s, "gw")
	alice := storetest.User(t, s, "alice")
	bob := storetest.User(t, s, "bob")
	// The fake hands out "1" next; a stale row already claims it.
	storetest.Binding(t, s, bob.ID, gw.ID, "1", "stale")

	_, errCreate := e.CreateBinding(ctx, alice.ID, gw.ID, nil)
	if !errors.Is(errCreate, ErrOrphanedPeer) {
		t.Fatalf("expected ErrOrphanedPeer, got %v", errCreate)
	}
	var orphanErr *OrphanError
	if !errors.As(errCreate, &orphanErr) || orphanErr.RemotePeerID != "1" || orphanErr.DriftID == 0 {
		t.Fatalf("unexpected orphan error: %+v", orphanErr)
	}
	if fleet.Gateway(gw.ID).PeerCount() != 1 || fleet.Gateway(gw.ID).Calls("delete_peer") != 0 {
		t.Fatalf("orphaned remote peer must be left in place")
	}
	drift, _ := s.ListDrift(ctx, false)
	if len(drift) != 1 || drift[0].Kind != models.DriftKindOrphanedPeer || drift[0].RemotePeerID != "1" {
		t.Fatalf("unexpected drift: %+v", drift)
	}
}

func TestCreateForAllGatewaysCompleteness(t *testing.T) {
	e, s, fleet := newTestEngine(t)
	ctx := context.Background()
	gateways := make([]models.Gateway, 5)
	for i := range gateways {
		gateways[i] = storetest.Gateway(t, s, "gw"+string(rune('a'+i)))
	}
	alice := storetest.User(t, s, "alice")

	report, errCreate := e.CreateForAllGateways(ctx, alice.ID, nil)
	if errCreate != nil {
		t.Fatalf("CreateForAllGateways: %v", errCreate)
	}
	if report.Created != 5 || report.Skipped != 0 || len(report.Errors) != 0 || report.OperationID == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Err() != nil {
		t.Fatalf("expected no partial failure, got %v", report.Err())
	}

	report, _ = e.CreateForAllGateways(ctx, alice.ID, nil)
	if report.Created != 0 || report.Skipped != 5 {
		t.Fatalf("expected all skipped on rerun, got %+v", report)
	}

	fleet.Gateway(gateways[1].ID).FailAll(gateway.ErrGatewayUnreachable)
	fleet.Gateway(gateways[3].ID).FailAll(gateway.ErrGatewayUnreachable)
	bob := storetest.User(t, s, "bob")
	report, _ = e.CreateForAllGateways(ctx, bob.ID, nil)
	if report.Created != 3 || len(report.Errors) != 2 {
		t.Fatalf("expected 3 created and 2 errors, got %+v", report)
	}
	for _, item := range report.Errors {
		if item.Kind != "gateway_unreachable" || (item.GatewayID != gateways[1].ID && item.GatewayID != gateways[3].ID) {
			t.Fatalf("unexpected error item: %+v", item)
		}
	}
	if report.Err() == nil {
		t.Fatalf("expected partial failure")
	}
	bindings, _ := s.ListBindingsByUser(ctx, bob.ID)
	if len(bindings) != 3 {
		t.Fatalf("expected 3 bindings for bob, got %d", len(bindings))
	}
}

func TestBindExisting(t *testing.T) {
	e, s, fleet := newTestEngine(t)
	ctx := context.Background()
	gw := storetest.Gateway(t, s, "gw")
	alice := storetest.User(t, s, "alice")
	remoteID := fleet.Gateway(gw.ID).AddPeer("alice-laptop")
	if _, errDrift := s.RecordDrift(ctx, store.DriftEntry{Kind: models.DriftKindOrphanedPeer, GatewayID: gw.ID, RemotePeerID: remoteID}); errDrift != nil {
		t.Fatalf("seed drift: %v", errDrift)
	}

	b, errBind := e.BindExisting(ctx, alice.ID, gw.ID, remoteID)
	if errBind != nil {
		t.Fatalf("BindExisting: %v", errBind)
	}
	if b.RemotePeerName != "alice-laptop" || b.LogicalUserID != alice.ID {
		t.Fatalf("unexpected binding: %+v", b)
	}
	open, _ := s.ListDrift(ctx, false)
	if len(open) != 0 {
		t.Fatalf("expected drift resolved, got %+v", open)
	}
	if _, errBind = e.BindExisting(ctx, alice.ID, gw.ID, remoteID); !errors.Is(errBind, store.ErrDuplicateBinding) {
		t.Fatalf("expected ErrDuplicateBinding, got %v", errBind)
	}
	if _, errBind = e.BindExisting(ctx, alice.ID, gw.ID, "404"); !errors.Is(errBind, gateway.ErrBindingNotFound) {
		t.Fatalf("expected ErrBindingNotFound, got %v", errBind)
	}
}
