// Package dashboard assembles live fleet views from gateway listings and recorded traffic.
package dashboard

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/traffic"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxConcurrency = 5
)

// Options configures a Service.
type Options struct {
	RequestTimeout time.Duration
	MaxConcurrency int
}

// Service answers dashboard queries.
type Service struct {
	store          *store.Store
	registry       *gateway.Registry
	traffic        *traffic.Aggregator
	requestTimeout time.Duration
	maxConcurrency int
	now            func() time.Time
}

// NewService constructs a Service. agg may be nil, in which case period traffic is omitted.
func NewService(s *store.Store, registry *gateway.Registry, agg *traffic.Aggregator, opts Options) *Service {
	svc := &Service{
		store:          s,
		registry:       registry,
		traffic:        agg,
		requestTimeout: opts.RequestTimeout,
		maxConcurrency: opts.MaxConcurrency,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if svc.requestTimeout <= 0 {
		svc.requestTimeout = defaultRequestTimeout
	}
	if svc.maxConcurrency <= 0 {
		svc.maxConcurrency = defaultMaxConcurrency
	}
	return svc
}

func (s *Service) fanoutOptions(op string) fanout.Options {
	return fanout.Options{
		Op:      op,
		Limit:   internalsettings.GatewayConcurrency(s.maxConcurrency),
		Timeout: s.requestTimeout,
	}
}

// PeerSummary aggregates one gateway listing.
type PeerSummary struct {
	GatewayID     uint64 `json:"gateway_id"`
	TotalClients  int    `json:"total_clients"`
	ActiveClients int    `json:"active_clients"`
	TotalRx       int64  `json:"total_rx"`
	TotalTx       int64  `json:"total_tx"`
}

func summarize(gatewayID uint64, peers []gateway.Peer) PeerSummary {
	out := PeerSummary{GatewayID: gatewayID, TotalClients: len(peers)}
	for _, p := range peers {
		out.TotalRx += p.TransferRx
		out.TotalTx += p.TransferTx
		if p.Active() {
			out.ActiveClients++
		}
	}
	return out
}

// GatewayPeerSummary lists one gateway and summarises its peers.
func (s *Service) GatewayPeerSummary(ctx context.Context, gatewayID uint64) (PeerSummary, error) {
	gw, errGet := s.store.GetGateway(ctx, gatewayID)
	if errGet != nil {
		return PeerSummary{}, errGet
	}
	peers, errList := s.registry.For(gw).ListPeers(ctx)
	if errList != nil {
		return PeerSummary{}, errList
	}
	return summarize(gw.ID, peers), nil
}

// GatewayOverview is one gateway's row in the overview.
type GatewayOverview struct {
	GatewayID   uint64 `json:"gateway_id"`
	GatewayName string `json:"gateway_name"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`

	TotalClients  int              `json:"total_clients"`
	ActiveClients int              `json:"active_clients"`
	TotalRx       int64            `json:"total_rx"`
	TotalTx       int64            `json:"total_tx"`
	PeriodRx      int64            `json:"period_rx"`
	PeriodTx      int64            `json:"period_tx"`
	History       []traffic.Sample `json:"history"`
}

// UserOverview aggregates a logical user's peers across reachable gateways.
type UserOverview struct {
	UserID        uint64 `json:"user_id"`
	UserName      string `json:"user_name"`
	PeersCount    int    `json:"peers_count"`
	ActivePeers   int    `json:"active_peers"`
	GatewaysCount int    `json:"gateways_count"`
	TotalRx       int64  `json:"total_rx"`
	TotalTx       int64  `json:"total_tx"`
	PeriodRx      int64  `json:"period_rx"`
	PeriodTx      int64  `json:"period_tx"`
}

// Overview is the fleet-wide dashboard.
type Overview struct {
	Period   string            `json:"period"`
	Gateways []GatewayOverview `json:"gateways"`
	Users    []UserOverview    `json:"users"`
}

type userAccumulator struct {
	UserOverview
	gateways map[uint64]bool
}

// Overview lists every gateway concurrently, records a traffic sample from each
// successful listing and rolls peers up per bound user.
func (s *Service) Overview(ctx context.Context, periodName string) (Overview, error) {
	name, period, errPeriod := traffic.ParsePeriod(periodName)
	if errPeriod != nil {
		return Overview{}, errPeriod
	}
	gateways, errList := s.store.ListGateways(ctx)
	if errList != nil {
		return Overview{}, errList
	}
	users, errUsers := s.store.ListUsers(ctx, "")
	if errUsers != nil {
		return Overview{}, errUsers
	}
	bindings, errBindings := s.store.ListBindings(ctx)
	if errBindings != nil {
		return Overview{}, errBindings
	}
	userNames := make(map[uint64]string, len(users))
	for _, u := range users {
		userNames[u.ID] = u.Name
	}
	owners := make(map[uint64]map[string]uint64)
	for _, b := range bindings {
		if owners[b.GatewayID] == nil {
			owners[b.GatewayID] = make(map[string]uint64)
		}
		owners[b.GatewayID][b.RemotePeerID] = b.LogicalUserID
	}

	results := fanout.Run(ctx, gateways, s.fanoutOptions("dashboard_overview"), func(callCtx context.Context, gw models.Gateway) ([]gateway.Peer, error) {
		return s.registry.For(gw).ListPeers(callCtx)
	})

	out := Overview{Period: name, Gateways: make([]GatewayOverview, 0, len(results)), Users: []UserOverview{}}
	stats := make(map[uint64]*userAccumulator)
	storeCtx := context.WithoutCancel(ctx)
	now := s.now()
	for _, res := range results {
		gw := res.Item
		row := GatewayOverview{GatewayID: gw.ID, GatewayName: gw.Name, History: []traffic.Sample{}}
		if res.Err != nil {
			row.Error = res.Err.Error()
			row.ErrorKind = gateway.Kind(res.Err)
			out.Gateways = append(out.Gateways, row)
			continue
		}
		summary := summarize(gw.ID, res.Value)
		row.OK = true
		row.TotalClients = summary.TotalClients
		row.ActiveClients = summary.ActiveClients
		row.TotalRx = summary.TotalRx
		row.TotalTx = summary.TotalTx
		s.attachTraffic(storeCtx, &row, res.Value, now, period)

		for _, peer := range res.Value {
			uid, ok := owners[gw.ID][peer.ID]
			if !ok {
				continue
			}
			userName, ok := userNames[uid]
			if !ok {
				continue
			}
			acc := stats[uid]
			if acc == nil {
				acc = &userAccumulator{UserOverview: UserOverview{UserID: uid, UserName: userName}, gateways: make(map[uint64]bool)}
				stats[uid] = acc
			}
			acc.PeersCount++
			acc.gateways[gw.ID] = true
			acc.TotalRx += peer.TransferRx
			acc.TotalTx += peer.TransferTx
			if peer.Active() {
				acc.ActivePeers++
			}
			if s.traffic != nil {
				delta, errDelta := s.traffic.PeerDelta(storeCtx, gw.ID, peer.ID, period)
				if errDelta != nil {
					log.WithError(errDelta).Warnf("dashboard: read traffic for peer %s on gateway %d failed", peer.ID, gw.ID)
					continue
				}
				acc.PeriodRx += delta.Rx
				acc.PeriodTx += delta.Tx
			}
		}
		out.Gateways = append(out.Gateways, row)
	}

	for _, acc := range stats {
		acc.GatewaysCount = len(acc.gateways)
		out.Users = append(out.Users, acc.UserOverview)
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].UserID < out.Users[j].UserID })
	return out, nil
}

func (s *Service) attachTraffic(ctx context.Context, row *GatewayOverview, peers []gateway.Peer, at time.Time, period time.Duration) {
	if s.traffic == nil {
		return
	}
	if errRecord := s.traffic.RecordPeers(ctx, row.GatewayID, peers, at); errRecord != nil {
		log.WithError(errRecord).Warnf("dashboard: record traffic sample for gateway %d failed", row.GatewayID)
		return
	}
	history, errSeries := s.traffic.GatewaySeries(ctx, row.GatewayID, period)
	if errSeries != nil {
		log.WithError(errSeries).Warnf("dashboard: read traffic series for gateway %d failed", row.GatewayID)
		return
	}
	delta, errDelta := s.traffic.GatewayDelta(ctx, row.GatewayID, period)
	if errDelta != nil {
		log.WithError(errDelta).Warnf("dashboard: read peer traffic for gateway %d failed", row.GatewayID)
		return
	}
	row.PeriodRx, row.PeriodTx = delta.Rx, delta.Tx
	row.History = history
}

// BindingStatus is a binding annotated with its live enabled flag.
type BindingStatus struct {
	Binding     models.Binding
	GatewayName string
	// LiveEnabled is nil when the gateway could not be listed or no longer has the peer.
	LiveEnabled *bool
	Error       string
	ErrorKind   string
}

// UserBindingsStatus lists each gateway holding one of the user's bindings once
// and reports the live enabled flag of every binding. Cached flags are refreshed
// for the bindings that were found.
func (s *Service) UserBindingsStatus(ctx context.Context, userID uint64) ([]BindingStatus, error) {
	if _, errUser := s.store.GetUser(ctx, userID); errUser != nil {
		return nil, errUser
	}
	bindings, errList := s.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return nil, errList
	}
	if len(bindings) == 0 {
		return []BindingStatus{}, nil
	}
	byGateway := make(map[uint64][]models.Binding)
	gatewayIDs := make([]uint64, 0)
	for _, b := range bindings {
		if _, seen := byGateway[b.GatewayID]; !seen {
			gatewayIDs = append(gatewayIDs, b.GatewayID)
		}
		byGateway[b.GatewayID] = append(byGateway[b.GatewayID], b)
	}
	gateways := make([]models.Gateway, 0, len(gatewayIDs))
	for _, id := range gatewayIDs {
		gw, errGet := s.store.GetGateway(ctx, id)
		if errGet != nil {
			return nil, errGet
		}
		gateways = append(gateways, gw)
	}

	results := fanout.Run(ctx, gateways, s.fanoutOptions("binding_status"), func(callCtx context.Context, gw models.Gateway) ([]gateway.Peer, error) {
		return s.registry.For(gw).ListPeers(callCtx)
	})

	out := make([]BindingStatus, 0, len(bindings))
	storeCtx := context.WithoutCancel(ctx)
	now := s.now()
	for _, res := range results {
		gw := res.Item
		var live map[string]bool
		if res.Err == nil {
			live = make(map[string]bool, len(res.Value))
			for _, p := range res.Value {
				live[p.ID] = p.Enabled
			}
		}
		var enabledIDs, disabledIDs []uint64
		for _, b := range byGateway[gw.ID] {
			row := BindingStatus{Binding: b, GatewayName: gw.Name}
			if res.Err != nil {
				row.Error = res.Err.Error()
				row.ErrorKind = gateway.Kind(res.Err)
			} else if enabled, ok := live[b.RemotePeerID]; ok {
				row.LiveEnabled = &enabled
				if enabled {
					enabledIDs = append(enabledIDs, b.ID)
				} else {
					disabledIDs = append(disabledIDs, b.ID)
				}
			}
			out = append(out, row)
		}
		s.refreshFlags(storeCtx, enabledIDs, true, now)
		s.refreshFlags(storeCtx, disabledIDs, false, now)
	}
	return out, nil
}

func (s *Service) refreshFlags(ctx context.Context, ids []uint64, enabled bool, at time.Time) {
	if len(ids) == 0 {
		return
	}
	if errSet := s.store.SetBindingsEnabled(ctx, ids, enabled, at); errSet != nil {
		log.WithError(errSet).Warn("dashboard: refresh cached enabled flags failed")
	}
}
