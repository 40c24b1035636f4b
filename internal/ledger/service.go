// Package ledger is the write path for domain events. Domain semantics
// live upstream; this service only builds the envelope, enforces the
// per-tenant write freeze, appends, and keeps projections current.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/eventstore"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/projection"
	"github.com/opsfin/tenant-router/internal/routing"
)

// ErrInvalidEvent means the request is missing required envelope fields.
var ErrInvalidEvent = errors.New("invalid event request")

// PostRequest is one event to record.
type PostRequest struct {
	AggregateType string          `json:"aggregate_type" binding:"required"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	EventType     string          `json:"event_type" binding:"required"`
	Payload       json.RawMessage `json:"payload" binding:"required"`
	ActorID       string          `json:"actor_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Service posts events through a resolved route.
type Service struct {
	dir  *directory.Directory
	log  *zap.SugaredLogger
	now  func() time.Time
	proj []projection.Projection
}

func NewService(dir *directory.Directory, log *zap.SugaredLogger) *Service {
	return &Service{dir: dir, log: log, now: time.Now, proj: projection.Registered()}
}

// Post appends one event to the tenant's store and folds it into the
// registered projections in the same transaction. The freeze is
// re-checked against the directory (not the cache) inside the write,
// so a freeze committed before this write's check can never be missed.
func (s *Service) Post(ctx context.Context, route routing.Route, req PostRequest) (*model.DomainEvent, error) {
	if route.TenantID == "" || route.Handle == nil {
		return nil, fmt.Errorf("%w: no tenant route", ErrInvalidEvent)
	}
	if route.Frozen {
		return nil, routing.ErrTenantFrozen
	}
	if req.AggregateType == "" || req.AggregateID == "" || req.EventType == "" {
		return nil, ErrInvalidEvent
	}
	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}

	store := eventstore.New(route.Handle, s.log)
	var ev *model.DomainEvent
	err := store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		// Freeze re-check on the authoritative record. The directory
		// transition is the single serialization point: export begins
		// only after that transition commits, and any write that saw
		// the pre-freeze state here committed before the export read.
		rec, err := s.dir.GetFresh(ctx, route.TenantID)
		if err != nil {
			return err
		}
		if rec.Frozen() {
			return routing.ErrTenantFrozen
		}
		if rec.Status == model.StatusSuspended {
			return routing.ErrTenantUnavailable
		}

		next, err := store.NextEventID(ctx, tx, route.TenantID)
		if err != nil {
			return err
		}
		ev = &model.DomainEvent{
			TenantID:      route.TenantID,
			EventID:       next,
			AggregateType: req.AggregateType,
			AggregateID:   req.AggregateID,
			EventType:     req.EventType,
			Payload:       string(req.Payload),
			ActorID:       req.ActorID,
			OccurredAt:    occurred,
			RecordedAt:    s.now(),
			SchemaVersion: 1,
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		for _, p := range s.proj {
			if err := p.Apply(ctx, tx, *ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugw("event recorded", "tenant", ev.TenantID, "event_id", ev.EventID, "type", ev.EventType)
	return ev, nil
}

// List reads the tenant's events through the routed handle.
func (s *Service) List(ctx context.Context, route routing.Route, afterEventID uint64, limit int) ([]model.DomainEvent, error) {
	if route.Handle == nil {
		return nil, fmt.Errorf("%w: no tenant route", ErrInvalidEvent)
	}
	return eventstore.New(route.Handle, s.log).ListEvents(ctx, route.TenantID, afterEventID, limit)
}

// Balance reads one account's projected balance.
func (s *Service) Balance(ctx context.Context, route routing.Route, accountID string) (*model.BalanceProjection, error) {
	if route.Handle == nil {
		return nil, fmt.Errorf("%w: no tenant route", ErrInvalidEvent)
	}
	var row model.BalanceProjection
	err := route.Handle.WithContext(ctx).
		Where("tenant_id = ? AND account_id = ?", route.TenantID, accountID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.BalanceProjection{TenantID: route.TenantID, AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
