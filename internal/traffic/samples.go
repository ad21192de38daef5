package traffic

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sample is one reading of cumulative counters.
type Sample struct {
	At time.Time `json:"timestamp"`
	Rx int64     `json:"total_rx"`
	Tx int64     `json:"total_tx"`
}

// SampleStore keeps time-ordered samples per series key.
type SampleStore interface {
	Append(ctx context.Context, key string, s Sample) error
	Range(ctx context.Context, key string, from, to time.Time) ([]Sample, error)
	Latest(ctx context.Context, key string) (Sample, bool, error)
	Prune(ctx context.Context, before time.Time) error
	// Keys lists the series keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GatewayKey names the series of a gateway's summed counters.
func GatewayKey(gatewayID uint64) string {
	return "gw:" + strconv.FormatUint(gatewayID, 10)
}

// PeerKey names the series of one remote peer.
func PeerKey(gatewayID uint64, remotePeerID string) string {
	return "peer:" + strconv.FormatUint(gatewayID, 10) + ":" + remotePeerID
}

// PeerKeyPrefix is the common prefix of every peer series on a gateway.
func PeerKeyPrefix(gatewayID uint64) string {
	return "peer:" + strconv.FormatUint(gatewayID, 10) + ":"
}

// MemoryStore is a process-local SampleStore.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]Sample
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string][]Sample)}
}

func (m *MemoryStore) Append(_ context.Context, key string, s Sample) error {
	s.At = s.At.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.series[key]
	if n := len(samples); n == 0 || !s.At.Before(samples[n-1].At) {
		m.series[key] = append(samples, s)
		return nil
	}
	idx := sort.Search(len(samples), func(i int) bool { return samples[i].At.After(s.At) })
	samples = append(samples, Sample{})
	copy(samples[idx+1:], samples[idx:])
	samples[idx] = s
	m.series[key] = samples
	return nil
}

func (m *MemoryStore) Range(_ context.Context, key string, from, to time.Time) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, 0)
	for _, s := range m.series[key] {
		if s.At.Before(from) || s.At.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, key string) (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := m.series[key]
	if len(samples) == 0 {
		return Sample{}, false, nil
	}
	return samples[len(samples)-1], true, nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, samples := range m.series {
		idx := sort.Search(len(samples), func(i int) bool { return !samples[i].At.Before(before) })
		if idx == len(samples) {
			delete(m.series, key)
			continue
		}
		if idx > 0 {
			m.series[key] = append([]Sample(nil), samples[idx:]...)
		}
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for key := range m.series {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
