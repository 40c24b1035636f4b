package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceProjection is a derived read model: the running balance of one
// account, rebuilt deterministically from the event stream.
type BalanceProjection struct {
	TenantID  string          `gorm:"primaryKey;size:64"`
	AccountID string          `gorm:"primaryKey;size:64"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (BalanceProjection) TableName() string { return "balance_projection" }

// EventTypeCount counts events per type for one tenant; used by the
// consistency verifier as a cheap domain spot-check.
type EventTypeCount struct {
	TenantID  string `gorm:"primaryKey;size:64"`
	EventType string `gorm:"primaryKey;size:64"`
	Count     int64  `gorm:"not null;default:0"`
}

func (EventTypeCount) TableName() string { return "event_type_count" }
