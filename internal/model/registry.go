package model

import (
	"fmt"
	"reflect"

	"gorm.io/gorm"
)

// Class tags an entity type as system-of-record data or tenant data.
// The tag is declared once per type in the tables below; migrating a
// model into the wrong store fails loudly instead of silently.
type Class int

const (
	ClassSystem Class = iota
	ClassTenant
)

var systemModels = []interface{}{
	&TenantRecord{},
	&TenantAuditEntry{},
	&MigrationRecord{},
	&OutboxEvent{},
}

var tenantModels = []interface{}{
	&DomainEvent{},
	&BalanceProjection{},
	&EventTypeCount{},
	&ProjectionCheckpoint{},
}

var classByType = func() map[reflect.Type]Class {
	m := make(map[reflect.Type]Class)
	for _, mdl := range systemModels {
		m[reflect.TypeOf(mdl)] = ClassSystem
	}
	for _, mdl := range tenantModels {
		m[reflect.TypeOf(mdl)] = ClassTenant
	}
	return m
}()

// ClassOf returns the declared class of a model pointer.
func ClassOf(mdl interface{}) (Class, bool) {
	c, ok := classByType[reflect.TypeOf(mdl)]
	return c, ok
}

// MigrateSystem creates the system-of-record schema.
func MigrateSystem(db *gorm.DB) error {
	return migrate(db, ClassSystem, systemModels)
}

// MigrateTenant creates the tenant-store schema (shared and dedicated
// stores carry the same tables).
func MigrateTenant(db *gorm.DB) error {
	return migrate(db, ClassTenant, tenantModels)
}

func migrate(db *gorm.DB, want Class, models []interface{}) error {
	for _, mdl := range models {
		c, ok := ClassOf(mdl)
		if !ok || c != want {
			return fmt.Errorf("model %T is not registered for class %d", mdl, want)
		}
	}
	return db.AutoMigrate(models...)
}
