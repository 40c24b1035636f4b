package model

import "time"

// MigrationResult is the terminal outcome of one migration attempt.
type MigrationResult string

const (
	ResultSuccess    MigrationResult = "success"
	ResultFailed     MigrationResult = "failed"
	ResultRolledBack MigrationResult = "rolled_back"
)

// MigrationRecord is one row per migration attempt, stored in the
// system-of-record store and never mutated after completion.
type MigrationRecord struct {
	ID               string          `gorm:"primaryKey;size:36"`
	TenantID         string          `gorm:"size:64;not null;index:idx_migration_tenant_time,priority:1"`
	FromMode         TenantMode      `gorm:"size:16;not null"`
	ToMode           TenantMode      `gorm:"size:16;not null"`
	TargetAlias      string          `gorm:"size:64"`
	StartedAt        time.Time       `gorm:"not null;index:idx_migration_tenant_time,priority:2"`
	EndedAt          *time.Time
	ExportHash       string          `gorm:"size:80"`
	ImportHash       string          `gorm:"size:80"`
	OperatorIdentity string          `gorm:"size:128;not null"`
	Result           MigrationResult `gorm:"size:16;not null"`
	FailureDetail    *string         `gorm:"size:1024"`
}

func (MigrationRecord) TableName() string { return "migration_record" }

// ProjectionCheckpoint makes replay resumable: one row per
// (tenant, projection) pair in the target store.
type ProjectionCheckpoint struct {
	TenantID           string    `gorm:"primaryKey;size:64"`
	Projection         string    `gorm:"primaryKey;size:64"`
	LastAppliedEventID uint64    `gorm:"not null;default:0"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (ProjectionCheckpoint) TableName() string { return "projection_checkpoint" }
