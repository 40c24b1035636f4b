package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/logger"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/routing"
)

func newTestService(t *testing.T) (*Service, *directory.Directory, *gorm.DB, context.Context) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, model.MigrateSystem(db))
	assert.NoError(t, model.MigrateTenant(db))

	log, _ := logger.NewLogger()
	dir := directory.New(db, nil, 0, log)
	_, err = dir.Create(context.Background(), "t1")
	assert.NoError(t, err)
	return NewService(dir, log), dir, db, context.Background()
}

func postReq(amount string) PostRequest {
	return PostRequest{
		AggregateType: "account",
		AggregateID:   "acc-1",
		EventType:     "posting",
		Payload:       json.RawMessage(fmt.Sprintf(`{"amount":"%s"}`, amount)),
		ActorID:       "tester",
	}
}

func TestPost_MonotonicIDsAndProjection(t *testing.T) {
	svc, _, db, ctx := newTestService(t)
	route := routing.Route{TenantID: "t1", Mode: model.ModeShared, Handle: db}

	ev1, err := svc.Post(ctx, route, postReq("100"))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, ev1.EventID)

	ev2, err := svc.Post(ctx, route, postReq("-30"))
	assert.NoError(t, err)
	assert.EqualValues(t, 2, ev2.EventID)

	bal, err := svc.Balance(ctx, route, "acc-1")
	assert.NoError(t, err)
	assert.Equal(t, "70", bal.Balance.StringFixed(0))

	var counts model.EventTypeCount
	assert.NoError(t, db.Where("tenant_id = ? AND event_type = ?", "t1", "posting").First(&counts).Error)
	assert.EqualValues(t, 2, counts.Count)
}

func TestPost_FrozenTenantRejected(t *testing.T) {
	svc, dir, db, ctx := newTestService(t)
	route := routing.Route{TenantID: "t1", Mode: model.ModeShared, Handle: db}

	_, err := svc.Post(ctx, route, postReq("10"))
	assert.NoError(t, err)

	_, err = dir.Transition(ctx, "t1", directory.TransitionRequest{
		Status: model.StatusMigratingOut, Actor: "op",
	})
	assert.NoError(t, err)

	// even a route resolved before the freeze is re-checked at write time
	_, err = svc.Post(ctx, route, postReq("10"))
	assert.ErrorIs(t, err, routing.ErrTenantFrozen)

	var n int64
	db.Model(&model.DomainEvent{}).Where("tenant_id = ?", "t1").Count(&n)
	assert.EqualValues(t, 1, n)
}

func TestPost_SuspendedTenantRejected(t *testing.T) {
	svc, dir, db, ctx := newTestService(t)
	route := routing.Route{TenantID: "t1", Mode: model.ModeShared, Handle: db}

	_, err := dir.Transition(ctx, "t1", directory.TransitionRequest{
		Status: model.StatusSuspended, Actor: "op",
	})
	assert.NoError(t, err)

	_, err = svc.Post(ctx, route, postReq("10"))
	assert.ErrorIs(t, err, routing.ErrTenantUnavailable)
}

func TestPost_ValidatesEnvelope(t *testing.T) {
	svc, _, db, ctx := newTestService(t)
	route := routing.Route{TenantID: "t1", Mode: model.ModeShared, Handle: db}

	_, err := svc.Post(ctx, route, PostRequest{EventType: "posting"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = svc.Post(ctx, routing.Route{}, postReq("1"))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
