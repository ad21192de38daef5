package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/gateway/gatewaytest"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/store/storetest"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

func TestGatewayPeerSummary(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw := storetest.Gateway(t, s, "gw")
	fake := fleet.Gateway(gw.ID)
	a := fake.AddPeer("a")
	b := fake.AddPeer("b")
	fake.AddPeer("idle")
	fake.SetCounters(a, 100, 10)
	fake.SetCounters(b, 50, 5)
	fake.SetHandshake(a, time.Now())

	svc := NewService(s, fleet.Registry(), nil, Options{})
	got, err := svc.GatewayPeerSummary(context.Background(), gw.ID)
	if err != nil {
		t.Fatalf("GatewayPeerSummary: %v", err)
	}
	want := PeerSummary{GatewayID: gw.ID, TotalClients: 3, ActiveClients: 1, TotalRx: 150, TotalTx: 15}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, err = svc.GatewayPeerSummary(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	fake.FailAll(gateway.ErrAuthFailure)
	if _, err = svc.GatewayPeerSummary(context.Background(), gw.ID); !errors.Is(err, gateway.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestOverviewRollsUpUsersAndIsolatesFailures(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw1 := storetest.Gateway(t, s, "gw-1")
	gw2 := storetest.Gateway(t, s, "gw-2")
	down := storetest.Gateway(t, s, "down")
	alice := storetest.User(t, s, "alice")
	storetest.User(t, s, "bob")

	p1 := fleet.Gateway(gw1.ID).AddPeer("alice")
	fleet.Gateway(gw1.ID).AddPeer("stranger")
	p2 := fleet.Gateway(gw2.ID).AddPeer("alice")
	fleet.Gateway(gw1.ID).SetCounters(p1, 1000, 100)
	fleet.Gateway(gw2.ID).SetCounters(p2, 500, 50)
	fleet.Gateway(gw2.ID).SetHandshake(p2, time.Now())
	fleet.Gateway(down.ID).FailAll(gateway.ErrGatewayUnreachable)
	storetest.Binding(t, s, alice.ID, gw1.ID, p1, "alice")
	storetest.Binding(t, s, alice.ID, gw2.ID, p2, "alice")

	agg := traffic.NewAggregator(s, fleet.Registry(), traffic.NewMemoryStore(), traffic.Options{})
	svc := NewService(s, fleet.Registry(), agg, Options{RequestTimeout: time.Second})
	ctx := context.Background()

	if _, err := svc.Overview(ctx, "2d"); err == nil {
		t.Fatalf("expected period error")
	}

	got, err := svc.Overview(ctx, "")
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if got.Period != "24h" || len(got.Gateways) != 3 {
		t.Fatalf("unexpected overview: %+v", got)
	}
	if !got.Gateways[0].OK || got.Gateways[0].TotalClients != 2 || got.Gateways[0].TotalRx != 1000 {
		t.Fatalf("unexpected gw-1 row: %+v", got.Gateways[0])
	}
	if len(got.Gateways[0].History) != 1 {
		t.Fatalf("expected one recorded sample, got %+v", got.Gateways[0].History)
	}
	if got.Gateways[2].OK || got.Gateways[2].ErrorKind != "gateway_unreachable" {
		t.Fatalf("unexpected down row: %+v", got.Gateways[2])
	}
	if len(got.Users) != 1 {
		t.Fatalf("expected one user row, got %+v", got.Users)
	}
	u := got.Users[0]
	if u.UserID != alice.ID || u.PeersCount != 2 || u.ActivePeers != 1 || u.GatewaysCount != 2 || u.TotalRx != 1500 || u.TotalTx != 150 {
		t.Fatalf("unexpected user row: %+v", u)
	}

	fleet.Gateway(gw1.ID).SetCounters(p1, 1300, 100)
	got, _ = svc.Overview(ctx, "1h")
	if got.Gateways[0].PeriodRx != 300 || len(got.Gateways[0].History) != 2 {
		t.Fatalf("unexpected period traffic: %+v", got.Gateways[0])
	}
	if u = got.Users[0]; u.PeriodRx != 300 || u.PeriodTx != 0 || u.TotalRx != 1800 {
		t.Fatalf("unexpected user period traffic: %+v", u)
	}
}

func TestUserBindingsStatus(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw1 := storetest.Gateway(t, s, "gw-1")
	gw2 := storetest.Gateway(t, s, "gw-2")
	alice := storetest.User(t, s, "alice")
	ctx := context.Background()

	p1 := fleet.Gateway(gw1.ID).AddPeer("alice")
	p1b := fleet.Gateway(gw1.ID).AddPeer("alice-phone")
	p2 := fleet.Gateway(gw2.ID).AddPeer("alice")
	_ = fleet.Gateway(gw1.ID).SetEnabled(ctx, p1b, false)
	fleet.Gateway(gw2.ID).FailAll(gateway.ErrGatewayUnreachable)
	b1 := storetest.Binding(t, s, alice.ID, gw1.ID, p1, "alice")
	b1b := storetest.Binding(t, s, alice.ID, gw1.ID, p1b, "alice-phone")
	storetest.Binding(t, s, alice.ID, gw2.ID, p2, "alice")

	svc := NewService(s, fleet.Registry(), nil, Options{RequestTimeout: time.Second})
	rows, err := svc.UserBindingsStatus(ctx, alice.ID)
	if err != nil {
		t.Fatalf("UserBindingsStatus: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].LiveEnabled == nil || !*rows[0].LiveEnabled || rows[0].GatewayName != "gw-1" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].LiveEnabled == nil || *rows[1].LiveEnabled {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
	if rows[2].LiveEnabled != nil || rows[2].ErrorKind != "gateway_unreachable" {
		t.Fatalf("unexpected third row: %+v", rows[2])
	}
	if calls := fleet.Gateway(gw1.ID).Calls("list_peers"); calls != 1 {
		t.Fatalf("expected one listing per gateway, got %d", calls)
	}

	cached, _ := s.GetBinding(ctx, b1b.ID)
	if cached.Enabled == nil || *cached.Enabled {
		t.Fatalf("expected cached flag refreshed to false: %+v", cached)
	}
	cached, _ = s.GetBinding(ctx, b1.ID)
	if cached.Enabled == nil || !*cached.Enabled {
		t.Fatalf("expected cached flag refreshed to true: %+v", cached)
	}

	if _, err = svc.UserBindingsStatus(ctx, 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
