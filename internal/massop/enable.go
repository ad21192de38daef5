package massop

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
)

// SetUserEnabled enables or disables every binding of a user.
// Successful bindings get their cached flag updated once all calls settle;
// failed bindings keep their previous flag and are reported stale.
func (e *Executor) SetUserEnabled(ctx context.Context, userID uint64, enabled bool) (Report, error) {
	op := "disable_user"
	if enabled {
		op = "enable_user"
	}
	report := newReport(op, userID)
	if _, errUser := e.store.GetUser(ctx, userID); errUser != nil {
		return report, errUser
	}
	bindings, errList := e.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return report, errList
	}
	targets, errTargets := e.targets(ctx, bindings)
	if errTargets != nil {
		return report, errTargets
	}

	results := e.run(ctx, "set_enabled", targets, func(callCtx context.Context, adapter gateway.Adapter, b models.Binding) error {
		return adapter.SetEnabled(callCtx, b.RemotePeerID, enabled)
	})

	succeeded := make([]uint64, 0, len(results))
	for _, res := range results {
		outcome := outcomeFor(res.Item, res.Err)
		if res.Err == nil {
			succeeded = append(succeeded, res.Item.binding.ID)
		} else {
			outcome.Stale = true
		}
		report.add(outcome)
	}
	if errUpdate := e.store.SetBindingsEnabled(context.WithoutCancel(ctx), succeeded, enabled, e.now()); errUpdate != nil {
		log.WithError(errUpdate).Warnf("massop: update cached flags for user %d failed", userID)
		for i := range report.Outcomes {
			report.Outcomes[i].Stale = true
		}
	}
	log.Infof("massop: %s user %d (op=%s): ok=%d failed=%d", op, userID, report.OperationID, report.Succeeded, report.Failed)
	return report, nil
}

// SetBindingEnabled enables or disables one binding. Gateway errors are returned as-is.
func (e *Executor) SetBindingEnabled(ctx context.Context, bindingID uint64, enabled bool) (models.Binding, error) {
	b, gw, errLoad := e.load(ctx, bindingID)
	if errLoad != nil {
		return models.Binding{}, errLoad
	}
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	if errSet := e.registry.For(gw).SetEnabled(callCtx, b.RemotePeerID, enabled); errSet != nil {
		return models.Binding{}, errSet
	}
	if errUpdate := e.store.SetBindingsEnabled(context.WithoutCancel(ctx), []uint64{b.ID}, enabled, e.now()); errUpdate != nil {
		return models.Binding{}, errUpdate
	}
	return e.store.GetBinding(ctx, b.ID)
}

// SetBindingExpiry changes the expiry of one binding on the gateway, then locally.
func (e *Executor) SetBindingExpiry(ctx context.Context, bindingID uint64, expiresAt *time.Time) (models.Binding, error) {
	b, gw, errLoad := e.load(ctx, bindingID)
	if errLoad != nil {
		return models.Binding{}, errLoad
	}
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	if errSet := e.registry.For(gw).SetExpiry(callCtx, b.RemotePeerID, expiresAt); errSet != nil {
		return models.Binding{}, errSet
	}
	if errUpdate := e.store.SetBindingExpiry(context.WithoutCancel(ctx), b.ID, expiresAt); errUpdate != nil {
		return models.Binding{}, errUpdate
	}
	return e.store.GetBinding(ctx, b.ID)
}

func (e *Executor) load(ctx context.Context, bindingID uint64) (models.Binding, models.Gateway, error) {
	b, errBinding := e.store.GetBinding(ctx, bindingID)
	if errBinding != nil {
		return models.Binding{}, models.Gateway{}, errBinding
	}
	gw, errGateway := e.store.GetGateway(ctx, b.GatewayID)
	if errGateway != nil {
		return models.Binding{}, models.Gateway{}, errGateway
	}
	return b, gw, nil
}
