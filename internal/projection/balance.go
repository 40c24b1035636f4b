package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/model"
)

// events the balance projection folds
const (
	EventPosting = "posting"

	AggregateAccount = "account"
)

// postingPayload is the slice of the opaque payload this projection
// understands; unknown fields pass through untouched.
type postingPayload struct {
	Amount string `json:"amount"`
}

// Balance maintains one running balance per account from posting
// events. Amounts are signed decimals.
type Balance struct{}

func (Balance) Name() string { return "balance" }

func (Balance) Truncate(ctx context.Context, tx *gorm.DB, tenantID string) error {
	return tx.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&model.BalanceProjection{}).Error
}

func (Balance) Apply(ctx context.Context, tx *gorm.DB, ev model.DomainEvent) error {
	if ev.AggregateType != AggregateAccount || ev.EventType != EventPosting {
		return nil
	}
	var p postingPayload
	if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
		return fmt.Errorf("posting payload event %d: %w", ev.EventID, err)
	}
	amt, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return fmt.Errorf("posting amount event %d: %w", ev.EventID, err)
	}

	var row model.BalanceProjection
	err = tx.WithContext(ctx).
		Where("tenant_id = ? AND account_id = ?", ev.TenantID, ev.AggregateID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.BalanceProjection{
			TenantID:  ev.TenantID,
			AccountID: ev.AggregateID,
			Balance:   amt,
		}
		return tx.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&model.BalanceProjection{}).
		Where("tenant_id = ? AND account_id = ?", ev.TenantID, ev.AggregateID).
		Update("balance", row.Balance.Add(amt)).Error
}

// Total sums a tenant's account balances; the verifier compares this
// between source and target.
func Total(ctx context.Context, db *gorm.DB, tenantID string) (decimal.Decimal, error) {
	var rows []model.BalanceProjection
	if err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("account_id asc").
		Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Balance)
	}
	return total, nil
}
