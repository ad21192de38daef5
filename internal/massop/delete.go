package massop

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
)

// DeleteBinding removes one binding. The remote peer is deleted best-effort;
// the local row is removed either way and a failed remote delete is recorded as drift.
func (e *Executor) DeleteBinding(ctx context.Context, bindingID uint64) (BindingOutcome, error) {
	report, errDelete := e.DeleteBindings(ctx, []uint64{bindingID})
	if errDelete != nil {
		return BindingOutcome{}, errDelete
	}
	if len(report.Outcomes) == 0 {
		return BindingOutcome{}, store.ErrNotFound
	}
	return report.Outcomes[0], nil
}

// DeleteBindings removes several bindings with per-binding remote outcomes.
// Unknown ids fail the whole call before anything is deleted.
func (e *Executor) DeleteBindings(ctx context.Context, bindingIDs []uint64) (Report, error) {
	report := newReport("delete_bindings", 0)
	bindings := make([]models.Binding, 0, len(bindingIDs))
	seen := make(map[uint64]bool, len(bindingIDs))
	for _, id := range bindingIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		b, errGet := e.store.GetBinding(ctx, id)
		if errGet != nil {
			return report, errGet
		}
		bindings = append(bindings, b)
	}
	targets, errTargets := e.targets(ctx, bindings)
	if errTargets != nil {
		return report, errTargets
	}

	results := e.run(ctx, "delete_peer", targets, deletePeer)
	storeCtx := context.WithoutCancel(ctx)
	for _, res := range results {
		if errLocal := e.store.DeleteBinding(storeCtx, res.Item.binding.ID); errLocal != nil && !errors.Is(errLocal, store.ErrNotFound) {
			return report, errLocal
		}
		if res.Err != nil {
			e.recordDeleteFailure(storeCtx, report.OperationID, res.Item, res.Err)
		}
		report.add(outcomeFor(res.Item, res.Err))
	}
	return report, nil
}

// DeleteUser removes a user, all its bindings and, best-effort, their remote peers.
func (e *Executor) DeleteUser(ctx context.Context, userID uint64) (Report, error) {
	report := newReport("delete_user", userID)
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

	results := e.run(ctx, "delete_peer", targets, deletePeer)
	storeCtx := context.WithoutCancel(ctx)
	if _, errDelete := e.store.DeleteUser(storeCtx, userID); errDelete != nil {
		return report, errDelete
	}
	for _, res := range results {
		if res.Err != nil {
			e.recordDeleteFailure(storeCtx, report.OperationID, res.Item, res.Err)
		}
		report.add(outcomeFor(res.Item, res.Err))
	}
	log.Infof("massop: user %d deleted (op=%s): remote ok=%d failed=%d", userID, report.OperationID, report.Succeeded, report.Failed)
	return report, nil
}
