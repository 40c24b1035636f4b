package migrate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/eventstore"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/projection"
)

// ReplayResult reports events applied per projection.
type ReplayResult struct {
	Applied map[string]int64 `json:"applied"`
}

// Replayer rebuilds derived read models from the imported stream.
// Progress is checkpointed per (tenant, projection) batch, so a replay
// interrupted mid-way resumes from the last checkpoint instead of
// restarting. A full replay into empty state is deterministic.
type Replayer struct {
	projections []projection.Projection
	batch       int
	log         *zap.SugaredLogger
}

func NewReplayer(batch int, log *zap.SugaredLogger) *Replayer {
	if batch <= 0 {
		batch = 500
	}
	return &Replayer{projections: projection.Registered(), batch: batch, log: log}
}

// Replay rebuilds every registered projection on the target store.
func (r *Replayer) Replay(ctx context.Context, target *eventstore.Store, tenantID string) (ReplayResult, error) {
	res := ReplayResult{Applied: make(map[string]int64)}
	for _, p := range r.projections {
		n, err := r.replayOne(ctx, target, tenantID, p)
		if err != nil {
			return res, fmt.Errorf("replay %s: %w", p.Name(), err)
		}
		res.Applied[p.Name()] = n
	}
	return res, nil
}

func (r *Replayer) replayOne(ctx context.Context, target *eventstore.Store, tenantID string, p projection.Projection) (int64, error) {
	db := target.DB(ctx)

	cursor, err := r.loadCheckpoint(ctx, db, tenantID, p.Name())
	if err != nil {
		return 0, err
	}
	if cursor == 0 {
		// fresh rebuild: drop derived state before the first batch
		if err := db.Transaction(func(tx *gorm.DB) error {
			return p.Truncate(ctx, tx, tenantID)
		}); err != nil {
			return 0, err
		}
	} else {
		r.log.Infow("replay resuming", "tenant", tenantID, "projection", p.Name(), "after", cursor)
	}

	var applied int64
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		batch, err := target.ListEvents(ctx, tenantID, cursor, r.batch)
		if err != nil {
			return applied, err
		}
		if len(batch) == 0 {
			break
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			for _, ev := range batch {
				if err := p.Apply(ctx, tx, ev); err != nil {
					return err
				}
			}
			return saveCheckpoint(ctx, tx, tenantID, p.Name(), batch[len(batch)-1].EventID)
		})
		if err != nil {
			return applied, err
		}
		applied += int64(len(batch))
		cursor = batch[len(batch)-1].EventID
	}

	r.log.Infow("replay complete", "tenant", tenantID, "projection", p.Name(), "applied", applied)
	return applied, nil
}

func (r *Replayer) loadCheckpoint(ctx context.Context, db *gorm.DB, tenantID, name string) (uint64, error) {
	var cp model.ProjectionCheckpoint
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND projection = ?", tenantID, name).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.LastAppliedEventID, nil
}

func saveCheckpoint(ctx context.Context, tx *gorm.DB, tenantID, name string, eventID uint64) error {
	var cp model.ProjectionCheckpoint
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND projection = ?", tenantID, name).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cp = model.ProjectionCheckpoint{
			TenantID:           tenantID,
			Projection:         name,
			LastAppliedEventID: eventID,
		}
		return tx.WithContext(ctx).Create(&cp).Error
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&model.ProjectionCheckpoint{}).
		Where("tenant_id = ? AND projection = ?", tenantID, name).
		Update("last_applied_event_id", eventID).Error
}

// ResetCheckpoints clears replay progress so the next replay starts
// from scratch; used when a prior attempt left partial state behind.
func ResetCheckpoints(ctx context.Context, target *eventstore.Store, tenantID string) error {
	return target.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&model.ProjectionCheckpoint{}).Error
}
