package projection

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/model"
)

// TypeCounts tallies events per event type.
type TypeCounts struct{}

func (TypeCounts) Name() string { return "type_counts" }

func (TypeCounts) Truncate(ctx context.Context, tx *gorm.DB, tenantID string) error {
	return tx.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&model.EventTypeCount{}).Error
}

func (TypeCounts) Apply(ctx context.Context, tx *gorm.DB, ev model.DomainEvent) error {
	var row model.EventTypeCount
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", ev.TenantID, ev.EventType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.EventTypeCount{TenantID: ev.TenantID, EventType: ev.EventType, Count: 1}
		return tx.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&model.EventTypeCount{}).
		Where("tenant_id = ? AND event_type = ?", ev.TenantID, ev.EventType).
		Update("count", row.Count+1).Error
}
