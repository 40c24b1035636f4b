package model

import "time"

// TenantMode says where a tenant's data lives.
type TenantMode string

const (
	ModeShared    TenantMode = "shared"
	ModeDedicated TenantMode = "dedicated"
)

// TenantStatus is the directory lifecycle state.
type TenantStatus string

const (
	StatusActive       TenantStatus = "active"
	StatusMigratingOut TenantStatus = "migrating_out"
	StatusMigrated     TenantStatus = "migrated"
	StatusSuspended    TenantStatus = "suspended"
)

// statusEdges is the allowed transition graph. Anything not listed here
// is an invalid transition and must be rejected without partial effect.
var statusEdges = map[TenantStatus][]TenantStatus{
	StatusActive:       {StatusMigratingOut, StatusSuspended},
	StatusMigratingOut: {StatusMigrated, StatusActive}, // forward to cutover, or rollback
	StatusMigrated:     {StatusActive},
	StatusSuspended:    {StatusActive},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to TenantStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TenantRecord is the authoritative routing record for one tenant.
// Records are never deleted, only status-updated.
type TenantRecord struct {
	TenantID      string       `gorm:"primaryKey;size:64"`
	Mode          TenantMode   `gorm:"size:16;not null;default:'shared'"`
	StoreAlias    *string      `gorm:"size:64"`
	Status        TenantStatus `gorm:"size:32;not null;default:'active'"`
	SchemaVersion int          `gorm:"not null;default:1"`
	Notes         string       `gorm:"size:512"`
	Version       uint64       `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"autoCreateTime"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime"`
	MigratedAt    *time.Time
}

func (TenantRecord) TableName() string { return "tenant_directory" }

// Frozen reports whether writes for this tenant must be rejected.
// The freeze spans migrating_out through migrated; it is lifted when the
// orchestrator returns the record to active after cutover.
func (t *TenantRecord) Frozen() bool {
	return t.Status == StatusMigratingOut || t.Status == StatusMigrated
}

// TenantAuditEntry records one directory transition.
type TenantAuditEntry struct {
	ID         string       `gorm:"primaryKey;size:36"`
	TenantID   string       `gorm:"size:64;not null;index"`
	Actor      string       `gorm:"size:128;not null"`
	FromStatus TenantStatus `gorm:"size:32;not null"`
	ToStatus   TenantStatus `gorm:"size:32;not null"`
	FromMode   TenantMode   `gorm:"size:16;not null"`
	ToMode     TenantMode   `gorm:"size:16;not null"`
	StoreAlias *string      `gorm:"size:64"`
	CreatedAt  time.Time    `gorm:"autoCreateTime"`
}

func (TenantAuditEntry) TableName() string { return "tenant_audit" }
