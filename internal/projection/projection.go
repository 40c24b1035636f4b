// Package projection defines the rebuildable read models derived from
// the event stream. Apply must be deterministic: the same event stream
// into truncated state always produces identical rows.
package projection

import (
	"context"

	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/model"
)

// Projection is one derived read model.
type Projection interface {
	Name() string
	// Truncate drops the tenant's derived state before a full rebuild.
	Truncate(ctx context.Context, tx *gorm.DB, tenantID string) error
	// Apply folds one event into the derived state.
	Apply(ctx context.Context, tx *gorm.DB, ev model.DomainEvent) error
}

// Registered returns the projection set every tenant store carries.
func Registered() []Projection {
	return []Projection{&Balance{}, &TypeCounts{}}
}
