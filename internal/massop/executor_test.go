package massop

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

type fixture struct {
	exec     *Executor
	store    *store.Store
	fleet    *gatewaytest.Fleet
	gateways []models.Gateway
	user     models.LogicalUser
	bindings []models.Binding
}

// newFixture creates one user with a binding on each of n gateways.
func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	f := fixture{
		exec:  NewExecutor(s, fleet.Registry(), Options{MaxConcurrency: 2, RequestTimeout: time.Second}),
		store: s,
		fleet: fleet,
		user:  storetest.User(t, s, "alice"),
	}
	for i := 0; i < n; i++ {
		gw := storetest.Gateway(t, s, "gw"+string(rune('a'+i)))
		remoteID := fleet.Gateway(gw.ID).AddPeer("alice")
		f.gateways = append(f.gateways, gw)
		f.bindings = append(f.bindings, storetest.Binding(t, s, f.user.ID, gw.ID, remoteID, "alice"))
	}
	return f
}

func TestSetUserEnabledIsolatesFailures(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if errSeed := f.store.SetBindingsEnabled(ctx, []uint64{f.bindings[0].ID, f.bindings[1].ID, f.bindings[2].ID}, true, time.Now()); errSeed != nil {
		t.Fatalf("seed flags: %v", errSeed)
	}
	f.fleet.Gateway(f.gateways[1].ID).FailAll(gateway.ErrGatewayUnreachable)

	report, errRun := f.exec.SetUserEnabled(ctx, f.user.ID, false)
	if errRun != nil {
		t.Fatalf("SetUserEnabled: %v", errRun)
	}
	if report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, o := range report.Outcomes {
		failed := o.GatewayID == f.gateways[1].ID
		if o.OK == failed || o.Stale != failed {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	}
	if report.Err() == nil {
		t.Fatalf("expected partial failure")
	}

	for i, b := range f.bindings {
		got, _ := f.store.GetBinding(ctx, b.ID)
		wantEnabled := i == 1
		if got.Enabled == nil || *got.Enabled != wantEnabled {
			t.Fatalf("binding %d: expected cached enabled=%v, got %v", i, wantEnabled, got.Enabled)
		}
		peer, _ := f.fleet.Gateway(b.GatewayID).Peer(b.RemotePeerID)
		if peer.Enabled != wantEnabled {
			t.Fatalf("binding %d: remote enabled=%v", i, peer.Enabled)
		}
	}
}

func TestSetUserEnabledUnknownUser(t *testing.T) {
	f := newFixture(t, 0)
	if _, errRun := f.exec.SetUserEnabled(context.Background(), 999, true); !errors.Is(errRun, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errRun)
	}
}

func TestSetBindingEnabledPropagatesKind(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.fleet.Gateway(f.gateways[0].ID).RemovePeer(f.bindings[0].RemotePeerID)

	if _, errSet := f.exec.SetBindingEnabled(ctx, f.bindings[0].ID, false); !errors.Is(errSet, gateway.ErrBindingNotFound) {
		t.Fatalf("expected ErrBindingNotFound, got %v", errSet)
	}
	got, _ := f.store.GetBinding(ctx, f.bindings[0].ID)
	if got.Enabled != nil {
		t.Fatalf("cached flag must not change on failure, got %v", *got.Enabled)
	}
}

func TestSetBindingExpiry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	expires := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)

	b, errSet := f.exec.SetBindingExpiry(ctx, f.bindings[0].ID, &expires)
	if errSet != nil {
		t.Fatalf("SetBindingExpiry: %v", errSet)
	}
	if b.ExpiresAt == nil || !b.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected local expiry %v", b.ExpiresAt)
	}
	peer, _ := f.fleet.Gateway(f.gateways[0].ID).Peer(f.bindings[0].RemotePeerID)
	if peer.ExpiresAt == nil || !peer.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected remote expiry %v", peer.ExpiresAt)
	}

	f.fleet.Gateway(f.gateways[0].ID).Fail("set_expiry", gateway.ErrGatewayUnreachable)
	if _, errSet = f.exec.SetBindingExpiry(ctx, f.bindings[0].ID, nil); !errors.Is(errSet, gateway.ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", errSet)
	}
	got, _ := f.store.GetBinding(ctx, f.bindings[0].ID)
	if got.ExpiresAt == nil {
		t.Fatalf("local expiry must be kept when the gateway call fails")
	}
}

func TestDeleteUserCascadesDespiteRemoteFailure(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.fleet.Gateway(f.gateways[2].ID).Fail("delete_peer", gateway.ErrGatewayUnreachable)

	report, errDelete := f.exec.DeleteUser(ctx, f.user.ID)
	if errDelete != nil {
		t.Fatalf("DeleteUser: %v", errDelete)
	}
	if report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, errGet := f.store.GetUser(ctx, f.user.ID); !errors.Is(errGet, store.ErrNotFound) {
		t.Fatalf("user must be removed, got %v", errGet)
	}
	all, _ := f.store.ListBindings(ctx)
	if len(all) != 0 {
		t.Fatalf("expected all bindings removed, got %d", len(all))
	}
	if f.fleet.Gateway(f.gateways[0].ID).PeerCount() != 0 || f.fleet.Gateway(f.gateways[2].ID).PeerCount() != 1 {
		t.Fatalf("unexpected remote state")
	}
	drift, _ := f.store.ListDrift(ctx, false)
	if len(drift) != 1 || drift[0].Kind != models.DriftKindRemoteDeleteFailed || drift[0].GatewayID != f.gateways[2].ID {
		t.Fatalf("unexpected drift: %+v", drift)
	}
}

func TestDeleteBindingTreatsMissingPeerAsDeleted(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.fleet.Gateway(f.gateways[0].ID).RemovePeer(f.bindings[0].RemotePeerID)

	outcome, errDelete := f.exec.DeleteBinding(ctx, f.bindings[0].ID)
	if errDelete != nil {
		t.Fatalf("DeleteBinding: %v", errDelete)
	}
	if !outcome.OK {
		t.Fatalf("expected ok outcome, got %+v", outcome)
	}
	if _, errGet := f.store.GetBinding(ctx, f.bindings[0].ID); !errors.Is(errGet, store.ErrNotFound) {
		t.Fatalf("binding must be removed, got %v", errGet)
	}
	if _, errDelete = f.exec.DeleteBinding(ctx, f.bindings[0].ID); !errors.Is(errDelete, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errDelete)
	}
}

func TestDeleteGatewayLeavesRemoteAlone(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	removed, errDelete := f.exec.DeleteGateway(ctx, f.gateways[0].ID)
	if errDelete != nil {
		t.Fatalf("DeleteGateway: %v", errDelete)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed binding, got %d", removed)
	}
	if f.fleet.Gateway(f.gateways[0].ID).Calls("delete_peer") != 0 {
		t.Fatalf("gateway deletion must not call the remote gateway")
	}
	remaining, _ := f.store.ListBindingsByUser(ctx, f.user.ID)
	if len(remaining) != 1 || remaining[0].GatewayID != f.gateways[1].ID {
		t.Fatalf("unexpected remaining bindings: %+v", remaining)
	}
}
