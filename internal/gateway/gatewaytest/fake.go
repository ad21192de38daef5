// Package gatewaytest provides an in-memory gateway.Adapter for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
)

// Fake is an in-memory gateway with injectable failures.
type Fake struct {
	GatewayID uint64

	mu       sync.Mutex
	peers    map[string]*gateway.Peer
	order    []string
	nextID   int
	failures map[string]error
	calls    map[string]int
	delay    time.Duration
}

// NewFake returns an empty fake gateway.
func NewFake(gatewayID uint64) *Fake {
	return &Fake{
		GatewayID: gatewayID,
		peers:     make(map[string]*gateway.Peer),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Fail makes op return err until Heal is called. op "*" matches every call.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	f.failures[op] = err
	f.mu.Unlock()
}

// FailAll makes every call return err.
func (f *Fake) FailAll(err error) { f.Fail("*", err) }

// Heal clears all injected failures.
func (f *Fake) Heal() {
	f.mu.Lock()
	f.failures = make(map[string]error)
	f.mu.Unlock()
}

// SetDelay delays every call, honouring ctx.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// AddPeer seeds a remote peer and returns its id.
func (f *Fake) AddPeer(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name, nil)
}

// SetCounters overwrites the cumulative counters of a peer.
func (f *Fake) SetCounters(remoteID string, rx, tx int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if peer, ok := f.peers[remoteID]; ok {
		peer.TransferRx = rx
		peer.TransferTx = tx
	}
}

// SetHandshake marks a peer active.
func (f *Fake) SetHandshake(remoteID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if peer, ok := f.peers[remoteID]; ok {
		ts := at.UTC()
		peer.LatestHandshakeAt = &ts
	}
}

// RemovePeer deletes a peer out-of-band.
func (f *Fake) RemovePeer(remoteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(remoteID)
}

// Peer returns a copy of a remote peer.
func (f *Fake) Peer(remoteID string) (gateway.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return gateway.Peer{}, false
	}
	return *peer, true
}

// PeerCount returns the number of remote peers.
func (f *Fake) PeerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) Authenticate(ctx context.Context) error {
	return f.begin(ctx, "authenticate")
}

func (f *Fake) ListPeers(ctx context.Context) ([]gateway.Peer, error) {
	if err := f.begin(ctx, "list_peers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.Peer, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.peers[id])
	}
	return out, nil
}

func (f *Fake) CreatePeer(ctx context.Context, name string, expiresAt *time.Time) (string, error) {
	if err := f.begin(ctx, "create_peer"); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("fake: %w", gateway.ErrGatewayRejected)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name, expiresAt), nil
}

func (f *Fake) DeletePeer(ctx context.Context, remoteID string) error {
	if err := f.begin(ctx, "delete_peer"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[remoteID]; !ok {
		return fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	f.removeLocked(remoteID)
	return nil
}

func (f *Fake) SetEnabled(ctx context.Context, remoteID string, enabled bool) error {
	if err := f.begin(ctx, "set_enabled"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	peer.Enabled = enabled
	return nil
}

func (f *Fake) SetExpiry(ctx context.Context, remoteID string, expiresAt *time.Time) error {
	if err := f.begin(ctx, "set_expiry"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	peer.ExpiresAt = copyTime(expiresAt)
	return nil
}

func (f *Fake) FetchConfiguration(ctx context.Context, remoteID string) ([]byte, error) {
	if err := f.begin(ctx, "fetch_configuration"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return nil, fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	return []byte(fmt.Sprintf("[Interface]\n# %s\nAddress = 10.8.0.%s/24\n", peer.Name, peer.ID)), nil
}

func (f *Fake) FetchQRCode(ctx context.Context, remoteID string) ([]byte, error) {
	if err := f.begin(ctx, "fetch_qrcode"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return nil, fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	return []byte(fmt.Sprintf("<svg><!-- %s --></svg>", peer.Name)), nil
}

func (f *Fake) FetchTrafficCounters(ctx context.Context, remoteID string) (gateway.Counters, error) {
	if err := f.begin(ctx, "fetch_counters"); err != nil {
		return gateway.Counters{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.peers[remoteID]
	if !ok {
		return gateway.Counters{}, fmt.Errorf("fake: %w", gateway.ErrBindingNotFound)
	}
	return gateway.Counters{Rx: peer.TransferRx, Tx: peer.TransferTx, SampledAt: time.Now().UTC()}, nil
}

func (f *Fake) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.failures[op]
	if err == nil {
		err = f.failures["*"]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("fake %s: %w: %v", op, gateway.ErrGatewayUnreachable, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func (f *Fake) addLocked(name string, expiresAt *time.Time) string {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	now := time.Now().UTC()
	f.peers[id] = &gateway.Peer{
		ID:        id,
		Name:      name,
		Enabled:   true,
		CreatedAt: &now,
		ExpiresAt: copyTime(expiresAt),
	}
	f.order = append(f.order, id)
	return id
}

func (f *Fake) removeLocked(remoteID string) {
	delete(f.peers, remoteID)
	for i, id := range f.order {
		if id == remoteID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

// Fleet hands out one Fake per gateway id.
type Fleet struct {
	mu    sync.Mutex
	fakes map[uint64]*Fake
}

// NewFleet returns an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{fakes: make(map[uint64]*Fake)}
}

// Gateway returns the fake for id, creating it on first use.
func (f *Fleet) Gateway(id uint64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	fake, ok := f.fakes[id]
	if !ok {
		fake = NewFake(id)
		f.fakes[id] = fake
	}
	return fake
}

// Registry returns a gateway registry backed by the fleet.
func (f *Fleet) Registry() *gateway.Registry {
	return gateway.NewRegistryWithFactory(func(gw models.Gateway) gateway.Adapter {
		return f.Gateway(gw.ID)
	})
}
