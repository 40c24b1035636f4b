// Package eventstore is the ordered, append-only event interface over
// one tenant store handle (shared or dedicated).
package eventstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/model"
)

// Store wraps one tenant store handle.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for projection work.
func (s *Store) DB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// ListEvents returns up to limit events for the tenant with
// event_id > afterEventID, in ascending event_id order. limit <= 0
// means no limit.
func (s *Store) ListEvents(ctx context.Context, tenantID string, afterEventID uint64, limit int) ([]model.DomainEvent, error) {
	var evts []model.DomainEvent
	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_id > ?", tenantID, afterEventID).
		Order("event_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&evts).Error
	return evts, err
}

// AppendIfAbsent inserts the event unless one with the same
// (tenant_id, event_id) already exists. Returns whether a row was
// inserted; re-running with the same event is a no-op.
func (s *Store) AppendIfAbsent(ctx context.Context, ev *model.DomainEvent) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DomainEvent
		err := tx.Where("tenant_id = ? AND event_id = ?", ev.TenantID, ev.EventID).
			First(&existing).Error
		if err == nil {
			return nil // already present, skip
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// NextEventID allocates the next per-tenant monotonic event id.
func (s *Store) NextEventID(ctx context.Context, tx *gorm.DB, tenantID string) (uint64, error) {
	var max uint64
	err := tx.WithContext(ctx).
		Model(&model.DomainEvent{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(MAX(event_id), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// CountEvents returns the tenant's total event count.
func (s *Store) CountEvents(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.DomainEvent{}).
		Where("tenant_id = ?", tenantID).
		Count(&n).Error
	return n, err
}

// MaxEventID returns the highest event id recorded for the tenant,
// zero when the stream is empty.
func (s *Store) MaxEventID(ctx context.Context, tenantID string) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).
		Model(&model.DomainEvent{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(MAX(event_id), 0)").
		Scan(&max).Error
	return max, err
}

// CountByAggregateType groups the tenant's events per aggregate type.
func (s *Store) CountByAggregateType(ctx context.Context, tenantID string) (map[string]int64, error) {
	type row struct {
		AggregateType string
		N             int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&model.DomainEvent{}).
		Where("tenant_id = ?", tenantID).
		Select("aggregate_type, COUNT(*) as n").
		Group("aggregate_type").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.AggregateType] = r.N
	}
	return out, nil
}
