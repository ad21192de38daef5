package health

import (
	"context"
	"errors"
	"fmt"
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
	defaultPollInterval   = 5 * time.Minute
	defaultCheckTimeout   = 20 * time.Second
	defaultMaxConcurrency = 5
	noGatewayRetryDelay   = 30 * time.Second
)

// Result is the outcome of one gateway check.
type Result struct {
	GatewayID   uint64    `json:"gateway_id"`
	GatewayName string    `json:"gateway_name"`
	OK          bool      `json:"ok"`
	CheckedAt   time.Time `json:"checked_at"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	PeerCount   int       `json:"peer_count"`
}

// Options configures a Poller.
type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxConcurrency int
}

// Poller checks gateway health on demand and on a background interval.
// An unhealthy gateway is never skipped by later operations.
type Poller struct {
	store          *store.Store
	registry       *gateway.Registry
	interval       time.Duration
	requestTimeout time.Duration
	maxConcurrency int
	hadGateways    bool
}

// NewPoller constructs a health poller.
func NewPoller(s *store.Store, registry *gateway.Registry, opts Options) *Poller {
	if s == nil || registry == nil {
		return nil
	}
	p := &Poller{
		store:          s,
		registry:       registry,
		interval:       opts.Interval,
		requestTimeout: opts.RequestTimeout,
		maxConcurrency: opts.MaxConcurrency,
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = defaultCheckTimeout
	}
	if p.maxConcurrency <= 0 {
		p.maxConcurrency = defaultMaxConcurrency
	}
	return p
}

// Start launches the polling loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go p.run(ctx)
	log.Infof("health poller started (interval=%s)", p.interval)
}

func (p *Poller) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		interval := p.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if interval <= 0 {
			interval = p.interval
		}
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

func (p *Poller) poll(ctx context.Context) time.Duration {
	interval := internalsettings.SecondsValue(internalsettings.HealthPollIntervalSecondsKey, p.interval)
	results, errCheck := p.CheckAll(ctx)
	if errCheck != nil {
		log.WithError(errCheck).Warn("health poller: load gateways failed")
		return interval
	}
	if len(results) == 0 {
		if !p.hadGateways {
			return noGatewayRetryDelay
		}
		return interval
	}
	p.hadGateways = true

	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	if failed > 0 {
		log.Warnf("health poller: %d of %d gateways unhealthy", failed, len(results))
	} else {
		log.Debugf("health poller: %d gateways healthy", len(results))
	}
	return interval
}

// CheckGateway runs a health check for one gateway and records the outcome on its row.
// The returned error covers store failures only; gateway failures are part of Result.
func (p *Poller) CheckGateway(ctx context.Context, gatewayID uint64) (Result, error) {
	if p == nil {
		return Result{}, errors.New("health poller: poller not initialized")
	}
	gw, errGet := p.store.GetGateway(ctx, gatewayID)
	if errGet != nil {
		return Result{}, errGet
	}
	callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	return p.check(callCtx, gw), nil
}

// CheckAll checks every gateway with bounded concurrency.
func (p *Poller) CheckAll(ctx context.Context) ([]Result, error) {
	if p == nil {
		return nil, errors.New("health poller: poller not initialized")
	}
	gateways, errList := p.store.ListGateways(ctx)
	if errList != nil {
		return nil, errList
	}
	opts := fanout.Options{
		Op:      "health_check",
		Limit:   internalsettings.GatewayConcurrency(p.maxConcurrency),
		Timeout: p.requestTimeout,
	}
	settled := fanout.Run(ctx, gateways, opts, func(callCtx context.Context, gw models.Gateway) (Result, error) {
		return p.check(callCtx, gw), nil
	})
	results := make([]Result, 0, len(settled))
	for _, res := range settled {
		results = append(results, res.Value)
	}
	return results, nil
}

func (p *Poller) check(ctx context.Context, gw models.Gateway) Result {
	adapter := p.registry.For(gw)
	result := Result{GatewayID: gw.ID, GatewayName: gw.Name}

	errCheck := adapter.Authenticate(ctx)
	var peers []gateway.Peer
	if errCheck == nil {
		peers, errCheck = adapter.ListPeers(ctx)
	}
	result.CheckedAt = time.Now().UTC()
	result.OK = errCheck == nil
	if errCheck != nil {
		result.Error = errCheck.Error()
		result.ErrorKind = gateway.Kind(errCheck)
	} else {
		result.PeerCount = len(peers)
	}
	metrics.SetGatewayUp(gw.ID, result.OK)

	// Persist on a detached context so a caller that went away still leaves a record.
	storeCtx := context.WithoutCancel(ctx)
	if errRecord := p.store.RecordGatewayStatus(storeCtx, gw.ID, result.OK, result.CheckedAt, result.Error); errRecord != nil {
		log.WithError(errRecord).Warnf("health poller: record status failed (gateway=%d)", gw.ID)
	}
	if result.OK {
		p.syncBindings(storeCtx, gw, peers, result.CheckedAt)
	} else {
		log.WithError(errCheck).Warnf("health poller: gateway %d (%s) unhealthy", gw.ID, gw.Name)
	}
	return result
}

// syncBindings refreshes cached binding flags from a successful listing.
func (p *Poller) syncBindings(ctx context.Context, gw models.Gateway, peers []gateway.Peer, at time.Time) {
	present := make(map[string]bool, len(peers))
	for _, peer := range peers {
		present[peer.ID] = peer.Enabled
	}
	res, errSync := p.store.SyncGatewayBindings(ctx, gw.ID, present, at)
	if errSync != nil {
		log.WithError(errSync).Warnf("health poller: sync bindings failed (gateway=%d)", gw.ID)
		return
	}
	for _, b := range res.NewlyMissing {
		log.Warnf("health poller: peer %s bound to user %d is missing on gateway %d", b.RemotePeerID, b.LogicalUserID, gw.ID)
		_, errDrift := p.store.RecordDrift(ctx, store.DriftEntry{
			Kind:         models.DriftKindRemoteMissing,
			GatewayID:    gw.ID,
			RemotePeerID: b.RemotePeerID,
			Message:      fmt.Sprintf("peer %q no longer listed by gateway %q", b.RemotePeerName, gw.Name),
			Details:      map[string]any{"binding_id": b.ID, "user_id": b.LogicalUserID},
		})
		if errDrift != nil {
			log.WithError(errDrift).Warnf("health poller: record drift failed (binding=%d)", b.ID)
		}
	}
}
