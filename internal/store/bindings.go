package store

import (
	"context"
	"strings"
	"time"

	"github.com/wgfleet/wgfleet/internal/db"
	"github.com/wgfleet/wgfleet/internal/models"
)

// CreateBinding inserts b. A (gateway, remote peer) conflict returns ErrDuplicateBinding.
func (s *Store) CreateBinding(ctx context.Context, b *models.Binding) error {
	b.RemotePeerID = strings.TrimSpace(b.RemotePeerID)
	if errCreate := s.conn(ctx).Create(b).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return ErrDuplicateBinding
		}
		return errCreate
	}
	return nil
}

// GetBinding loads one binding.
func (s *Store) GetBinding(ctx context.Context, id uint64) (models.Binding, error) {
	var b models.Binding
	if errFind := s.conn(ctx).First(&b, id).Error; errFind != nil {
		return models.Binding{}, notFound(errFind)
	}
	return b, nil
}

// FindBinding returns the binding of a remote peer.
func (s *Store) FindBinding(ctx context.Context, gatewayID uint64, remotePeerID string) (models.Binding, error) {
	var b models.Binding
	errFind := s.conn(ctx).
		Where("gateway_id = ? AND remote_peer_id = ?", gatewayID, strings.TrimSpace(remotePeerID)).
		First(&b).Error
	if errFind != nil {
		return models.Binding{}, notFound(errFind)
	}
	return b, nil
}

// ListBindings returns every binding ordered by id.
func (s *Store) ListBindings(ctx context.Context) ([]models.Binding, error) {
	var rows []models.Binding
	if errFind := s.conn(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// ListBindingsByUser returns a user's bindings ordered by gateway then id.
func (s *Store) ListBindingsByUser(ctx context.Context, userID uint64) ([]models.Binding, error) {
	var rows []models.Binding
	errFind := s.conn(ctx).Where("logical_user_id = ?", userID).Order("gateway_id ASC, id ASC").Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// ListBindingsByGateway returns the bindings hosted by a gateway.
func (s *Store) ListBindingsByGateway(ctx context.Context, gatewayID uint64) ([]models.Binding, error) {
	var rows []models.Binding
	errFind := s.conn(ctx).Where("gateway_id = ?", gatewayID).Order("id ASC").Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// UserGatewayIDs returns the set of gateways on which userID already has a binding.
func (s *Store) UserGatewayIDs(ctx context.Context, userID uint64) (map[uint64]bool, error) {
	var ids []uint64
	errPluck := s.conn(ctx).Model(&models.Binding{}).
		Where("logical_user_id = ?", userID).
		Distinct("gateway_id").
		Pluck("gateway_id", &ids).Error
	if errPluck != nil {
		return nil, errPluck
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// DeleteBinding removes one binding.
func (s *Store) DeleteBinding(ctx context.Context, id uint64) error {
	res := s.conn(ctx).Delete(&models.Binding{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBindingsEnabled updates the cached enabled flag of the given bindings.
func (s *Store) SetBindingsEnabled(ctx context.Context, ids []uint64, enabled bool, syncedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	syncedAt = syncedAt.UTC()
	return s.conn(ctx).Model(&models.Binding{}).Where("id IN ?", ids).Updates(map[string]any{
		"enabled":        enabled,
		"remote_missing": false,
		"last_synced_at": &syncedAt,
	}).Error
}

// SetBindingExpiry stores a new expiry. A nil expiresAt clears it.
func (s *Store) SetBindingExpiry(ctx context.Context, id uint64, expiresAt *time.Time) error {
	var value any
	if expiresAt != nil {
		utc := expiresAt.UTC()
		value = &utc
	}
	res := s.conn(ctx).Model(&models.Binding{}).Where("id = ?", id).Update("expires_at", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncResult summarises SyncGatewayBindings.
type SyncResult struct {
	Updated      int
	NewlyMissing []models.Binding
}

// SyncGatewayBindings refreshes cached flags of a gateway's bindings from a live listing.
// present maps remote peer ids found on the gateway to their enabled state; bindings
// whose peer is absent are flagged remote-missing and keep their last enabled value.
func (s *Store) SyncGatewayBindings(ctx context.Context, gatewayID uint64, present map[string]bool, syncedAt time.Time) (SyncResult, error) {
	var result SyncResult
	syncedAt = syncedAt.UTC()
	errTx := s.Transaction(ctx, func(tx *Store) error {
		bindings, errList := tx.ListBindingsByGateway(ctx, gatewayID)
		if errList != nil {
			return errList
		}
		for _, b := range bindings {
			enabled, ok := present[b.RemotePeerID]
			updates := map[string]any{"last_synced_at": &syncedAt}
			if ok {
				updates["enabled"] = enabled
				updates["remote_missing"] = false
			} else {
				if !b.RemoteMissing {
					result.NewlyMissing = append(result.NewlyMissing, b)
				}
				updates["remote_missing"] = true
			}
			if errUpdate := tx.conn(ctx).Model(&models.Binding{}).Where("id = ?", b.ID).Updates(updates).Error; errUpdate != nil {
				return errUpdate
			}
			result.Updated++
		}
		return nil
	})
	if errTx != nil {
		return SyncResult{}, errTx
	}
	return result, nil
}
