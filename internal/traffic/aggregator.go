// Package traffic samples peer counters and derives per-period traffic.
package traffic

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/metrics"
	"github.com/wgfleet/wgfleet/internal/models"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
)

const (
	defaultSampleInterval = 5 * time.Minute
	defaultRetention      = 7 * 24 * time.Hour
	defaultRequestTimeout = 20 * time.Second
	defaultMaxConcurrency = 5
)

// Options configures an Aggregator.
type Options struct {
	SampleInterval time.Duration
	Retention      time.Duration
	RequestTimeout time.Duration
	MaxConcurrency int
}

// Aggregator records counters from every gateway and answers traffic queries.
type Aggregator struct {
	store          *store.Store
	registry       *gateway.Registry
	samples        SampleStore
	interval       time.Duration
	retention      time.Duration
	requestTimeout time.Duration
	maxConcurrency int
	now            func() time.Time
}

// NewAggregator constructs an Aggregator. samples defaults to a MemoryStore.
func NewAggregator(s *store.Store, registry *gateway.Registry, samples SampleStore, opts Options) *Aggregator {
	if s == nil || registry == nil {
		return nil
	}
	if samples == nil {
		samples = NewMemoryStore()
	}
	a := &Aggregator{
		store:          s,
		registry:       registry,
		samples:        samples,
		interval:       opts.SampleInterval,
		retention:      opts.Retention,
		requestTimeout: opts.RequestTimeout,
		maxConcurrency: opts.MaxConcurrency,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if a.interval <= 0 {
		a.interval = defaultSampleInterval
	}
	if a.retention <= 0 {
		a.retention = defaultRetention
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = defaultRequestTimeout
	}
	if a.maxConcurrency <= 0 {
		a.maxConcurrency = defaultMaxConcurrency
	}
	return a
}

// Start launches the sampling loop in a background goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	if a == nil {
		return
	}
	go a.run(ctx)
	log.Infof("traffic sampler started (interval=%s, retention=%s)", a.interval, a.retention)
}

func (a *Aggregator) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, errSample := a.SampleAll(ctx); errSample != nil {
			log.WithError(errSample).Warn("traffic sampler: sampling failed")
		}
		interval := internalsettings.SecondsValue(internalsettings.TrafficSampleIntervalSecondsKey, a.interval)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// SampleReport summarises one sampling round.
type SampleReport struct {
	Gateways int                `json:"gateways"`
	Peers    int                `json:"peers"`
	Errors   []fanout.ItemError `json:"errors"`
}

// SampleAll lists every gateway and records gateway and peer samples.
func (a *Aggregator) SampleAll(ctx context.Context) (SampleReport, error) {
	report := SampleReport{Errors: []fanout.ItemError{}}
	gateways, errList := a.store.ListGateways(ctx)
	if errList != nil {
		return report, errList
	}
	opts := fanout.Options{
		Op:      "sample_traffic",
		Limit:   internalsettings.GatewayConcurrency(a.maxConcurrency),
		Timeout: a.requestTimeout,
	}
	results := fanout.Run(ctx, gateways, opts, func(callCtx context.Context, gw models.Gateway) ([]gateway.Peer, error) {
		return a.registry.For(gw).ListPeers(callCtx)
	})
	at := a.now()
	storeCtx := context.WithoutCancel(ctx)
	for _, res := range results {
		if res.Err != nil {
			report.Errors = append(report.Errors, fanout.NewItemError(res.Item.ID, res.Item.Name, res.Err))
			continue
		}
		if errRecord := a.RecordPeers(storeCtx, res.Item.ID, res.Value, at); errRecord != nil {
			report.Errors = append(report.Errors, fanout.NewItemError(res.Item.ID, res.Item.Name, errRecord))
			continue
		}
		report.Gateways++
		report.Peers += len(res.Value)
	}
	if errPrune := a.samples.Prune(storeCtx, at.Add(-a.retention)); errPrune != nil {
		log.WithError(errPrune).Warn("traffic sampler: prune failed")
	}
	return report, nil
}

// RecordPeers stores one listing: a sample per peer plus the gateway-wide sum.
func (a *Aggregator) RecordPeers(ctx context.Context, gatewayID uint64, peers []gateway.Peer, at time.Time) error {
	var total Sample
	total.At = at
	for _, peer := range peers {
		total.Rx += peer.TransferRx
		total.Tx += peer.TransferTx
		if errAppend := a.samples.Append(ctx, PeerKey(gatewayID, peer.ID), Sample{At: at, Rx: peer.TransferRx, Tx: peer.TransferTx}); errAppend != nil {
			return errAppend
		}
	}
	if errAppend := a.samples.Append(ctx, GatewayKey(gatewayID), total); errAppend != nil {
		return errAppend
	}
	metrics.AddTrafficSamples(len(peers) + 1)
	return nil
}

// GatewaySeries returns the gateway's samples within the period, as recorded.
func (a *Aggregator) GatewaySeries(ctx context.Context, gatewayID uint64, period time.Duration) ([]Sample, error) {
	now := a.now()
	return a.samples.Range(ctx, GatewayKey(gatewayID), now.Add(-period), now)
}

// GatewayDelta returns the traffic a gateway moved during the period: the sum of
// each peer's own delta. Peers appearing or disappearing from the listing change
// the gateway-wide sum without moving any traffic, so that sum is charted but not
// differenced.
func (a *Aggregator) GatewayDelta(ctx context.Context, gatewayID uint64, period time.Duration) (Totals, error) {
	keys, err := a.samples.Keys(ctx, PeerKeyPrefix(gatewayID))
	if err != nil {
		return Totals{}, err
	}
	var out Totals
	for _, key := range keys {
		delta, errDelta := a.seriesDelta(ctx, key, period)
		if errDelta != nil {
			return Totals{}, errDelta
		}
		out.Rx += delta.Rx
		out.Tx += delta.Tx
	}
	return out, nil
}

// PeerDelta returns the traffic one peer moved during the period.
func (a *Aggregator) PeerDelta(ctx context.Context, gatewayID uint64, remotePeerID string, period time.Duration) (Totals, error) {
	return a.seriesDelta(ctx, PeerKey(gatewayID, remotePeerID), period)
}

func (a *Aggregator) seriesDelta(ctx context.Context, key string, period time.Duration) (Totals, error) {
	now := a.now()
	series, err := a.samples.Range(ctx, key, now.Add(-period), now)
	if err != nil {
		return Totals{}, err
	}
	return Delta(series), nil
}

// PeerTraffic is the traffic of one bound peer.
type PeerTraffic struct {
	BindingID    uint64     `json:"binding_id"`
	GatewayID    uint64     `json:"gateway_id"`
	RemotePeerID string     `json:"remote_peer_id"`
	TotalRx      int64      `json:"total_rx"`
	TotalTx      int64      `json:"total_tx"`
	PeriodRx     int64      `json:"period_rx"`
	PeriodTx     int64      `json:"period_tx"`
	SampledAt    *time.Time `json:"sampled_at,omitempty"`
}

// UserTraffic rolls up the traffic of every peer bound to a user.
type UserTraffic struct {
	UserID   uint64        `json:"user_id"`
	Period   string        `json:"period"`
	TotalRx  int64         `json:"total_rx"`
	TotalTx  int64         `json:"total_tx"`
	PeriodRx int64         `json:"period_rx"`
	PeriodTx int64         `json:"period_tx"`
	Peers    []PeerTraffic `json:"peers"`
}

// UserRollup sums the latest counters and the period deltas of a user's peers.
func (a *Aggregator) UserRollup(ctx context.Context, userID uint64, periodName string) (UserTraffic, error) {
	name, period, errPeriod := ParsePeriod(periodName)
	if errPeriod != nil {
		return UserTraffic{}, errPeriod
	}
	if _, errUser := a.store.GetUser(ctx, userID); errUser != nil {
		return UserTraffic{}, errUser
	}
	bindings, errList := a.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return UserTraffic{}, errList
	}
	out := UserTraffic{UserID: userID, Period: name, Peers: make([]PeerTraffic, 0, len(bindings))}
	now := a.now()
	for _, b := range bindings {
		key := PeerKey(b.GatewayID, b.RemotePeerID)
		pt := PeerTraffic{BindingID: b.ID, GatewayID: b.GatewayID, RemotePeerID: b.RemotePeerID}
		latest, ok, errLatest := a.samples.Latest(ctx, key)
		if errLatest != nil {
			return UserTraffic{}, errLatest
		}
		if ok {
			at := latest.At
			pt.TotalRx, pt.TotalTx, pt.SampledAt = latest.Rx, latest.Tx, &at
		}
		series, errRange := a.samples.Range(ctx, key, now.Add(-period), now)
		if errRange != nil {
			return UserTraffic{}, errRange
		}
		delta := Delta(series)
		pt.PeriodRx, pt.PeriodTx = delta.Rx, delta.Tx

		out.TotalRx += pt.TotalRx
		out.TotalTx += pt.TotalTx
		out.PeriodRx += pt.PeriodRx
		out.PeriodTx += pt.PeriodTx
		out.Peers = append(out.Peers, pt)
	}
	return out, nil
}

// RefreshUser fetches fresh counters for each of a user's bindings and records them.
func (a *Aggregator) RefreshUser(ctx context.Context, userID uint64) ([]fanout.ItemError, error) {
	bindings, errList := a.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return nil, errList
	}
	gateways, errGateways := a.store.ListGateways(ctx)
	if errGateways != nil {
		return nil, errGateways
	}
	byID := make(map[uint64]models.Gateway, len(gateways))
	for _, gw := range gateways {
		byID[gw.ID] = gw
	}
	opts := fanout.Options{
		Op:      "fetch_counters",
		Limit:   internalsettings.GatewayConcurrency(a.maxConcurrency),
		Timeout: a.requestTimeout,
	}
	results := fanout.Run(ctx, bindings, opts, func(callCtx context.Context, b models.Binding) (gateway.Counters, error) {
		gw, ok := byID[b.GatewayID]
		if !ok {
			return gateway.Counters{}, errors.New("gateway no longer exists")
		}
		return a.registry.For(gw).FetchTrafficCounters(callCtx, b.RemotePeerID)
	})
	failures := make([]fanout.ItemError, 0)
	storeCtx := context.WithoutCancel(ctx)
	for _, res := range results {
		b := res.Item
		if res.Err != nil {
			item := fanout.NewItemError(b.GatewayID, byID[b.GatewayID].Name, res.Err)
			item.BindingID = b.ID
			item.RemotePeerID = b.RemotePeerID
			failures = append(failures, item)
			continue
		}
		at := res.Value.SampledAt
		if at.IsZero() {
			at = a.now()
		}
		if errAppend := a.samples.Append(storeCtx, PeerKey(b.GatewayID, b.RemotePeerID), Sample{At: at, Rx: res.Value.Rx, Tx: res.Value.Tx}); errAppend != nil {
			return failures, errAppend
		}
	}
	return failures, nil
}
