package model

import "time"

// DomainEvent is the immutable envelope this core consumes. Within one
// tenant, EventID ordering is total and matches RecordedAt ordering.
// Events are never updated or deleted once recorded.
type DomainEvent struct {
	TenantID      string    `gorm:"primaryKey;size:64"`
	EventID       uint64    `gorm:"primaryKey;autoIncrement:false"`
	AggregateType string    `gorm:"size:64;not null"`
	AggregateID   string    `gorm:"size:64;not null;index"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	ActorID       string    `gorm:"size:128"`
	OccurredAt    time.Time `gorm:"not null"`
	RecordedAt    time.Time `gorm:"not null"`
	SchemaVersion int       `gorm:"not null;default:1"`
}

func (DomainEvent) TableName() string { return "domain_event" }
