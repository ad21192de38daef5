package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/wgfleet/wgfleet/internal/metrics"
	"github.com/wgfleet/wgfleet/internal/models"
)

// DriftEntry describes a divergence to record.
type DriftEntry struct {
	Kind         string
	GatewayID    uint64
	RemotePeerID string
	Message      string
	Details      map[string]any
}

// RecordDrift persists a drift record.
func (s *Store) RecordDrift(ctx context.Context, entry DriftEntry) (models.DriftRecord, error) {
	record := models.DriftRecord{
		Kind:         entry.Kind,
		GatewayID:    entry.GatewayID,
		RemotePeerID: entry.RemotePeerID,
		Message:      entry.Message,
	}
	if len(entry.Details) > 0 {
		raw, errMarshal := json.Marshal(entry.Details)
		if errMarshal != nil {
			return models.DriftRecord{}, errMarshal
		}
		record.Details = datatypes.JSON(raw)
	}
	if errCreate := s.conn(ctx).Create(&record).Error; errCreate != nil {
		return models.DriftRecord{}, errCreate
	}
	metrics.ObserveDriftRecord(entry.Kind)
	return record, nil
}

// ListDrift returns drift records, newest first. Resolved records are included only when requested.
func (s *Store) ListDrift(ctx context.Context, includeResolved bool) ([]models.DriftRecord, error) {
	q := s.conn(ctx).Model(&models.DriftRecord{})
	if !includeResolved {
		q = q.Where("resolved_at IS NULL")
	}
	var rows []models.DriftRecord
	if errFind := q.Order("id DESC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// ResolveDrift marks a drift record as handled.
func (s *Store) ResolveDrift(ctx context.Context, id uint64, at time.Time) (models.DriftRecord, error) {
	at = at.UTC()
	res := s.conn(ctx).Model(&models.DriftRecord{}).Where("id = ?", id).Update("resolved_at", &at)
	if res.Error != nil {
		return models.DriftRecord{}, res.Error
	}
	if res.RowsAffected == 0 {
		return models.DriftRecord{}, ErrNotFound
	}
	var record models.DriftRecord
	if errFind := s.conn(ctx).First(&record, id).Error; errFind != nil {
		return models.DriftRecord{}, notFound(errFind)
	}
	return record, nil
}

// ResolveDriftForPeer resolves every open drift record of one remote peer and returns how many were closed.
func (s *Store) ResolveDriftForPeer(ctx context.Context, gatewayID uint64, remotePeerID string, at time.Time) (int64, error) {
	at = at.UTC()
	res := s.conn(ctx).Model(&models.DriftRecord{}).
		Where("gateway_id = ? AND remote_peer_id = ? AND resolved_at IS NULL", gatewayID, remotePeerID).
		Update("resolved_at", &at)
	return res.RowsAffected, res.Error
}
