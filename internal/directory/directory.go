// Package directory holds the authoritative record of each tenant's
// storage mode, alias and lifecycle status. Every routing decision and
// every migration step serializes through a directory transition.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/model"
)

// ErrTenantNotFound means no directory record exists for the tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrInvalidTransition means the requested status change is not an edge
// of the lifecycle graph, or violates the mode/alias invariant.
var ErrInvalidTransition = errors.New("invalid tenant transition")

// ErrTransitionConflict means another operator changed the record
// concurrently; the caller must re-read and decide again.
var ErrTransitionConflict = errors.New("tenant transition conflict")

// TransitionRequest describes one directory transition. Mode and
// StoreAlias are optional; when nil the current values are kept.
type TransitionRequest struct {
	Status     model.TenantStatus
	Mode       *model.TenantMode
	StoreAlias *string
	Actor      string
}

// Directory is backed by the system-of-record database with a
// bounded-staleness redis cache in front of reads. The cache entry is
// deleted synchronously inside every transition, after the row is
// durably committed, so a resolver never routes on a record older than
// the latest transition.
type Directory struct {
	db  *gorm.DB
	rdb *redis.Client
	ttl time.Duration
	log *zap.SugaredLogger
}

// New constructs a Directory. rdb may be nil to disable caching.
func New(db *gorm.DB, rdb *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *Directory {
	return &Directory{db: db, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(tenantID string) string { return "tenant:" + tenantID }

// Get returns the tenant's record, cache-first.
func (d *Directory) Get(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	if d.rdb != nil {
		if raw, err := d.rdb.Get(ctx, cacheKey(tenantID)).Result(); err == nil {
			var rec model.TenantRecord
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				return &rec, nil
			}
		}
	}
	rec, err := d.GetFresh(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d.fillCache(ctx, rec)
	return rec, nil
}

// GetFresh always reads the database, bypassing the cache. Freeze
// checks on the write path use this.
func (d *Directory) GetFresh(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	var rec model.TenantRecord
	err := d.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *Directory) fillCache(ctx context.Context, rec *model.TenantRecord) {
	if d.rdb == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := d.rdb.Set(ctx, cacheKey(rec.TenantID), raw, d.ttl).Err(); err != nil {
		d.log.Warnw("tenant cache set failed", "tenant", rec.TenantID, "err", err)
	}
}

// Create provisions a directory record in shared mode. Idempotent: if
// the record already exists it is returned unchanged.
func (d *Directory) Create(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	rec, err := d.GetFresh(ctx, tenantID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrTenantNotFound) {
		return nil, err
	}
	rec = &model.TenantRecord{
		TenantID: tenantID,
		Mode:     model.ModeShared,
		Status:   model.StatusActive,
	}
	if err := d.db.WithContext(ctx).Create(rec).Error; err != nil {
		// lost a create race; the existing record wins
		if existing, gerr := d.GetFresh(ctx, tenantID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	d.log.Infow("tenant created", "tenant", tenantID)
	return rec, nil
}

// Transition moves the tenant through the lifecycle graph. The status
// edge and the mode/alias invariant are validated, the row is updated
// with a compare-and-swap on its version, and an audit entry is
// appended, all in one transaction. The cache entry is invalidated
// after commit and before returning.
func (d *Directory) Transition(ctx context.Context, tenantID string, req TransitionRequest) (*model.TenantRecord, error) {
	var updated model.TenantRecord
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.TenantRecord
		if err := tx.Where("tenant_id = ?", tenantID).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
			}
			return err
		}

		if !model.CanTransition(cur.Status, req.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, req.Status)
		}

		newMode := cur.Mode
		if req.Mode != nil {
			newMode = *req.Mode
		}
		newAlias := cur.StoreAlias
		if req.Mode != nil {
			// a mode change re-derives the alias from the request
			newAlias = req.StoreAlias
		} else if req.StoreAlias != nil {
			newAlias = req.StoreAlias
		}
		if newMode == model.ModeDedicated && (newAlias == nil || *newAlias == "") {
			return fmt.Errorf("%w: dedicated mode requires a store alias", ErrInvalidTransition)
		}
		if newMode == model.ModeShared {
			newAlias = nil
		}

		updates := map[string]interface{}{
			"status":      req.Status,
			"mode":        newMode,
			"store_alias": newAlias,
			"version":     cur.Version + 1,
			"updated_at":  time.Now(),
		}
		if req.Status == model.StatusMigrated {
			updates["migrated_at"] = time.Now()
		}
		res := tx.Model(&model.TenantRecord{}).
			Where("tenant_id = ? AND version = ?", tenantID, cur.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrTransitionConflict, tenantID)
		}

		entry := &model.TenantAuditEntry{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			Actor:      req.Actor,
			FromStatus: cur.Status,
			ToStatus:   req.Status,
			FromMode:   cur.Mode,
			ToMode:     newMode,
			StoreAlias: newAlias,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if err := tx.Where("tenant_id = ?", tenantID).First(&updated).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Invalidate after the commit is durable. The transition is not done
	// until the cache agrees; the record is still returned so callers
	// know the row changed.
	if d.rdb != nil {
		if err := d.rdb.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
			d.log.Errorw("tenant cache invalidation failed", "tenant", tenantID, "err", err)
			return &updated, fmt.Errorf("invalidate tenant cache: %w", err)
		}
	}

	d.log.Infow("tenant transition",
		"tenant", tenantID, "status", updated.Status, "mode", updated.Mode, "actor", req.Actor)
	return &updated, nil
}

// List returns all directory records ordered by tenant id.
func (d *Directory) List(ctx context.Context) ([]model.TenantRecord, error) {
	var recs []model.TenantRecord
	err := d.db.WithContext(ctx).Order("tenant_id asc").Find(&recs).Error
	return recs, err
}

// History lists the audit trail for one tenant, oldest first.
func (d *Directory) History(ctx context.Context, tenantID string) ([]model.TenantAuditEntry, error) {
	var entries []model.TenantAuditEntry
	err := d.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at asc").
		Find(&entries).Error
	return entries, err
}
