package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/wgfleet/wgfleet/internal/models"
)

// Factory builds an Adapter for a gateway row.
type Factory func(gw models.Gateway) Adapter

// Registry hands out one Adapter per gateway id and rebuilds it when the
// gateway's address or credentials change.
type Registry struct {
	mu       sync.Mutex
	entries  map[uint64]registryEntry
	factory  Factory
	sessions *SessionCache
}

type registryEntry struct {
	adapter     Adapter
	fingerprint string
}

// NewRegistry returns a registry of wg-easy clients sharing one session cache.
func NewRegistry(opts ClientOptions, sessionLifetime time.Duration) *Registry {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessionCache(sessionLifetime)
		opts.Sessions = sessions
	}
	return &Registry{
		entries:  make(map[uint64]registryEntry),
		sessions: sessions,
		factory: func(gw models.Gateway) Adapter {
			return NewWGEasyClient(gw, opts)
		},
	}
}

// NewRegistryWithFactory returns a registry that builds adapters with factory.
func NewRegistryWithFactory(factory Factory) *Registry {
	return &Registry{
		entries:  make(map[uint64]registryEntry),
		factory:  factory,
		sessions: NewSessionCache(defaultSessionLifetime),
	}
}

// For returns the adapter for gw.
func (r *Registry) For(gw models.Gateway) Adapter {
	fingerprint := strings.Join([]string{
		strings.TrimSpace(gw.BaseURL),
		gw.Username,
		gw.Password,
	}, "\x00")

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[gw.ID]; ok && entry.fingerprint == fingerprint {
		return entry.adapter
	}
	if _, existed := r.entries[gw.ID]; existed {
		r.sessions.Invalidate(gw.ID)
	}
	adapter := r.factory(gw)
	r.entries[gw.ID] = registryEntry{adapter: adapter, fingerprint: fingerprint}
	return adapter
}

// Forget drops the adapter and cached session of a gateway.
func (r *Registry) Forget(gatewayID uint64) {
	r.mu.Lock()
	delete(r.entries, gatewayID)
	r.mu.Unlock()
	r.sessions.Invalidate(gatewayID)
}
