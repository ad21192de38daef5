package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
)

// PeerError reports a peer that could not be imported.
type PeerError struct {
	RemotePeerID string `json:"remote_peer_id"`
	Name         string `json:"name"`
	Message      string `json:"message"`
}

// ImportReport summarises ImportFromGateway.
type ImportReport struct {
	OperationID  string      `json:"operation_id"`
	GatewayID    uint64      `json:"gateway_id"`
	GatewayName  string      `json:"gateway_name"`
	Total        int         `json:"total"`
	Imported     int         `json:"imported"`
	Skipped      int         `json:"skipped"`
	UsersCreated int         `json:"users_created"`
	UsersMatched int         `json:"users_matched"`
	Errors       []PeerError `json:"errors"`
}

// MultiImportReport summarises ImportAll.
type MultiImportReport struct {
	OperationID string             `json:"operation_id"`
	Imported    int                `json:"imported"`
	Skipped     int                `json:"skipped"`
	Gateways    []ImportReport     `json:"gateways"`
	Errors      []fanout.ItemError `json:"errors"`
}

// ImportFromGateway binds every unbound peer of a gateway to a logical user.
// Running it twice leaves the store unchanged the second time.
func (e *Engine) ImportFromGateway(ctx context.Context, gatewayID uint64) (ImportReport, error) {
	gw, errGateway := e.store.GetGateway(ctx, gatewayID)
	if errGateway != nil {
		return ImportReport{}, errGateway
	}
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	peers, errList := e.registry.For(gw).ListPeers(callCtx)
	if errList != nil {
		return ImportReport{}, errList
	}
	return e.importPeers(context.WithoutCancel(ctx), uuid.NewString(), gw, peers), nil
}

// ImportAll lists every gateway concurrently and imports their peers one gateway at a time,
// so name matching sees the users created by earlier gateways.
func (e *Engine) ImportAll(ctx context.Context) (MultiImportReport, error) {
	report := MultiImportReport{OperationID: uuid.NewString(), Gateways: []ImportReport{}, Errors: []fanout.ItemError{}}
	gateways, errList := e.store.ListGateways(ctx)
	if errList != nil {
		return report, errList
	}
	listings := fanout.Run(ctx, gateways, e.fanoutOptions("list_peers"), func(callCtx context.Context, gw models.Gateway) ([]gateway.Peer, error) {
		return e.registry.For(gw).ListPeers(callCtx)
	})
	storeCtx := context.WithoutCancel(ctx)
	for _, res := range listings {
		if res.Err != nil {
			report.Errors = append(report.Errors, fanout.NewItemError(res.Item.ID, res.Item.Name, res.Err))
			continue
		}
		gwReport := e.importPeers(storeCtx, report.OperationID, res.Item, res.Value)
		report.Imported += gwReport.Imported
		report.Skipped += gwReport.Skipped
		report.Gateways = append(report.Gateways, gwReport)
	}
	return report, nil
}

func (e *Engine) importPeers(ctx context.Context, operationID string, gw models.Gateway, peers []gateway.Peer) ImportReport {
	report := ImportReport{
		OperationID: operationID,
		GatewayID:   gw.ID,
		GatewayName: gw.Name,
		Total:       len(peers),
		Errors:      []PeerError{},
	}
	for _, peer := range peers {
		if peer.ID == "" {
			continue
		}
		created, errImport := e.importPeer(ctx, gw.ID, peer)
		switch {
		case errImport == nil:
			report.Imported++
			if created {
				report.UsersCreated++
			} else {
				report.UsersMatched++
			}
		case errors.Is(errImport, errAlreadyBound), errors.Is(errImport, store.ErrDuplicateBinding):
			report.Skipped++
		default:
			log.WithError(errImport).Warnf("reconcile: import peer %s from gateway %d failed", peer.ID, gw.ID)
			report.Errors = append(report.Errors, PeerError{RemotePeerID: peer.ID, Name: peer.Name, Message: errImport.Error()})
		}
	}
	log.Infof("reconcile: import from gateway %d (op=%s): total=%d imported=%d skipped=%d errors=%d",
		gw.ID, operationID, report.Total, report.Imported, report.Skipped, len(report.Errors))
	return report
}

// importPeer runs in one transaction so a lost insert race also rolls back a freshly created user.
func (e *Engine) importPeer(ctx context.Context, gatewayID uint64, peer gateway.Peer) (bool, error) {
	createdUser := false
	errTx := e.store.Transaction(ctx, func(tx *store.Store) error {
		createdUser = false
		if _, errFind := tx.FindBinding(ctx, gatewayID, peer.ID); errFind == nil {
			return errAlreadyBound
		} else if !errors.Is(errFind, store.ErrNotFound) {
			return errFind
		}

		user, errMatch := e.matcher.Match(ctx, tx, gatewayID, peer)
		if errMatch != nil {
			return errMatch
		}
		if user == nil {
			user = &models.LogicalUser{Name: peerUserName(peer)}
			if errCreate := tx.CreateUser(ctx, user); errCreate != nil {
				return errCreate
			}
			createdUser = true
		}
		b := bindingFromPeer(user.ID, gatewayID, peer, e.now())
		return tx.CreateBinding(ctx, &b)
	})
	return createdUser, errTx
}
