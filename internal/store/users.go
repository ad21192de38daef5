package store

import (
	"context"
	"strings"
	"time"

	"github.com/wgfleet/wgfleet/internal/models"
)

// ListUsers returns logical users ordered by id, optionally filtered by a case-insensitive name substring.
func (s *Store) ListUsers(ctx context.Context, query string) ([]models.LogicalUser, error) {
	q := s.conn(ctx).Model(&models.LogicalUser{})
	if strings.TrimSpace(query) != "" {
		expr, pattern := likePattern(s.db, "name", query)
		q = q.Where(expr, pattern)
	}
	var rows []models.LogicalUser
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// GetUser loads one logical user.
func (s *Store) GetUser(ctx context.Context, id uint64) (models.LogicalUser, error) {
	var user models.LogicalUser
	if errFind := s.conn(ctx).First(&user, id).Error; errFind != nil {
		return models.LogicalUser{}, notFound(errFind)
	}
	return user, nil
}

// CreateUser inserts user.
func (s *Store) CreateUser(ctx context.Context, user *models.LogicalUser) error {
	user.Name = strings.TrimSpace(user.Name)
	return s.conn(ctx).Create(user).Error
}

// UpdateUser changes name and/or note.
func (s *Store) UpdateUser(ctx context.Context, id uint64, name, note *string) (models.LogicalUser, error) {
	user, errGet := s.GetUser(ctx, id)
	if errGet != nil {
		return models.LogicalUser{}, errGet
	}
	updates := map[string]any{}
	if name != nil {
		updates["name"] = strings.TrimSpace(*name)
	}
	if note != nil {
		updates["note"] = *note
	}
	if len(updates) == 0 {
		return user, nil
	}
	updates["updated_at"] = time.Now().UTC()
	if errUpdate := s.conn(ctx).Model(&models.LogicalUser{}).Where("id = ?", id).Updates(updates).Error; errUpdate != nil {
		return models.LogicalUser{}, errUpdate
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a logical user and all its bindings, returning the removed bindings.
func (s *Store) DeleteUser(ctx context.Context, id uint64) ([]models.Binding, error) {
	var removed []models.Binding
	errTx := s.Transaction(ctx, func(tx *Store) error {
		if _, errGet := tx.GetUser(ctx, id); errGet != nil {
			return errGet
		}
		if errFind := tx.conn(ctx).Where("logical_user_id = ?", id).Order("id ASC").Find(&removed).Error; errFind != nil {
			return errFind
		}
		if errDelete := tx.conn(ctx).Where("logical_user_id = ?", id).Delete(&models.Binding{}).Error; errDelete != nil {
			return errDelete
		}
		return tx.conn(ctx).Delete(&models.LogicalUser{}, id).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	return removed, nil
}

// FindUsersWithoutBinding returns users named exactly name that have no binding on gatewayID, oldest first.
func (s *Store) FindUsersWithoutBinding(ctx context.Context, name string, gatewayID uint64) ([]models.LogicalUser, error) {
	var rows []models.LogicalUser
	errFind := s.conn(ctx).
		Where("name = ?", strings.TrimSpace(name)).
		Where("NOT EXISTS (SELECT 1 FROM bindings b WHERE b.logical_user_id = logical_users.id AND b.gateway_id = ?)", gatewayID).
		Order("id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
