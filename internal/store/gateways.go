package store

import (
	"context"
	"strings"
	"time"

	"github.com/wgfleet/wgfleet/internal/models"
)

// GatewayUpdate carries optional gateway changes. Nil fields are left untouched.
type GatewayUpdate struct {
	Name     *string
	BaseURL  *string
	Username *string
	Password *string
}

// ListGateways returns all gateways ordered by id.
func (s *Store) ListGateways(ctx context.Context) ([]models.Gateway, error) {
	var rows []models.Gateway
	if errFind := s.conn(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// GetGateway loads one gateway.
func (s *Store) GetGateway(ctx context.Context, id uint64) (models.Gateway, error) {
	var gw models.Gateway
	if errFind := s.conn(ctx).First(&gw, id).Error; errFind != nil {
		return models.Gateway{}, notFound(errFind)
	}
	return gw, nil
}

// CreateGateway inserts gw.
func (s *Store) CreateGateway(ctx context.Context, gw *models.Gateway) error {
	gw.Name = strings.TrimSpace(gw.Name)
	gw.BaseURL = strings.TrimRight(strings.TrimSpace(gw.BaseURL), "/")
	return s.conn(ctx).Create(gw).Error
}

// UpdateGateway applies upd and returns the updated row.
func (s *Store) UpdateGateway(ctx context.Context, id uint64, upd GatewayUpdate) (models.Gateway, error) {
	gw, errGet := s.GetGateway(ctx, id)
	if errGet != nil {
		return models.Gateway{}, errGet
	}
	updates := map[string]any{}
	if upd.Name != nil {
		updates["name"] = strings.TrimSpace(*upd.Name)
	}
	if upd.BaseURL != nil {
		updates["base_url"] = strings.TrimRight(strings.TrimSpace(*upd.BaseURL), "/")
	}
	if upd.Username != nil {
		updates["username"] = *upd.Username
	}
	if upd.Password != nil && *upd.Password != "" {
		updates["password"] = *upd.Password
	}
	if len(updates) == 0 {
		return gw, nil
	}
	updates["updated_at"] = time.Now().UTC()
	if errUpdate := s.conn(ctx).Model(&models.Gateway{}).Where("id = ?", id).Updates(updates).Error; errUpdate != nil {
		return models.Gateway{}, errUpdate
	}
	return s.GetGateway(ctx, id)
}

// DeleteGateway removes a gateway and every binding on it. Remote peers are not touched.
func (s *Store) DeleteGateway(ctx context.Context, id uint64) (int64, error) {
	var removed int64
	errTx := s.Transaction(ctx, func(tx *Store) error {
		if _, errGet := tx.GetGateway(ctx, id); errGet != nil {
			return errGet
		}
		res := tx.conn(ctx).Where("gateway_id = ?", id).Delete(&models.Binding{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.conn(ctx).Delete(&models.Gateway{}, id).Error
	})
	if errTx != nil {
		return 0, errTx
	}
	return removed, nil
}

// RecordGatewayStatus stores the result of a health check.
func (s *Store) RecordGatewayStatus(ctx context.Context, id uint64, ok bool, checkedAt time.Time, lastError string) error {
	checkedAt = checkedAt.UTC()
	res := s.conn(ctx).Model(&models.Gateway{}).Where("id = ?", id).Updates(map[string]any{
		"last_status_ok":  ok,
		"last_checked_at": &checkedAt,
		"last_error":      lastError,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GatewayNames maps gateway ids to names.
func (s *Store) GatewayNames(ctx context.Context) (map[uint64]string, error) {
	gateways, errList := s.ListGateways(ctx)
	if errList != nil {
		return nil, errList
	}
	out := make(map[uint64]string, len(gateways))
	for _, gw := range gateways {
		out[gw.ID] = gw.Name
	}
	return out, nil
}
