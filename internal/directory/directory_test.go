package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/logger"
	"github.com/opsfin/tenant-router/internal/model"
)

func newTestDir(t *testing.T) (*Directory, context.Context) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, model.MigrateSystem(db))
	log, _ := logger.NewLogger()
	return New(db, nil, 0, log), context.Background()
}

func TestDirectory_CreateIdempotent(t *testing.T) {
	dir, ctx := newTestDir(t)

	rec, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.ModeShared, rec.Mode)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Nil(t, rec.StoreAlias)

	again, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, rec.TenantID, again.TenantID)
	assert.Equal(t, rec.Version, again.Version)
}

func TestDirectory_GetUnknown(t *testing.T) {
	dir, ctx := newTestDir(t)
	_, err := dir.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestDirectory_TransitionGraph(t *testing.T) {
	dir, ctx := newTestDir(t)
	_, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)

	// active -> migrated is not an edge
	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusMigrated, Actor: "op"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// active -> suspended -> active is
	rec, err := dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusSuspended, Actor: "op"})
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, rec.Status)
	rec, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusActive, Actor: "op"})
	assert.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)

	// rejected transition leaves no partial effect
	before, _ := dir.Get(ctx, "t1")
	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusMigrated, Actor: "op"})
	assert.Error(t, err)
	after, _ := dir.Get(ctx, "t1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Status, after.Status)
}

func TestDirectory_DedicatedRequiresAlias(t *testing.T) {
	dir, ctx := newTestDir(t)
	_, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)

	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusMigratingOut, Actor: "op"})
	assert.NoError(t, err)

	dedicated := model.ModeDedicated
	_, err = dir.Transition(ctx, "t1", TransitionRequest{
		Status: model.StatusMigrated, Mode: &dedicated, Actor: "op",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	alias := "db-t1"
	rec, err := dir.Transition(ctx, "t1", TransitionRequest{
		Status: model.StatusMigrated, Mode: &dedicated, StoreAlias: &alias, Actor: "op",
	})
	assert.NoError(t, err)
	assert.Equal(t, model.ModeDedicated, rec.Mode)
	assert.Equal(t, "db-t1", *rec.StoreAlias)
	assert.NotNil(t, rec.MigratedAt)

	// back to shared clears the alias
	shared := model.ModeShared
	rec, err = dir.Transition(ctx, "t1", TransitionRequest{
		Status: model.StatusActive, Mode: &shared, Actor: "op",
	})
	assert.NoError(t, err)
	assert.Nil(t, rec.StoreAlias)
}

func TestDirectory_AuditTrail(t *testing.T) {
	dir, ctx := newTestDir(t)
	_, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)

	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusSuspended, Actor: "alice"})
	assert.NoError(t, err)
	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusActive, Actor: "bob"})
	assert.NoError(t, err)

	entries, err := dir.History(ctx, "t1")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, model.StatusSuspended, entries[0].ToStatus)
	assert.Equal(t, "bob", entries[1].Actor)
}

func TestDirectory_VersionAdvances(t *testing.T) {
	dir, ctx := newTestDir(t)
	rec, err := dir.Create(ctx, "t1")
	assert.NoError(t, err)
	v0 := rec.Version

	rec, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusSuspended, Actor: "op"})
	assert.NoError(t, err)
	assert.Equal(t, v0+1, rec.Version)
}

func TestDirectory_CacheInvalidatedOnTransition(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:dircache?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, model.MigrateSystem(db))
	log, _ := logger.NewLogger()

	rdb, mock := redismock.NewClientMock()
	dir := New(db, rdb, 0, log)
	ctx := context.Background()

	_, err = dir.Create(ctx, "t1")
	assert.NoError(t, err)

	// a cached active record would be served as-is
	stale, _ := json.Marshal(model.TenantRecord{
		TenantID: "t1", Mode: model.ModeShared, Status: model.StatusActive,
	})
	mock.ExpectGet("tenant:t1").SetVal(string(stale))
	rec, err := dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)

	// the transition deletes the key before returning
	mock.ExpectDel("tenant:t1").SetVal(1)
	_, err = dir.Transition(ctx, "t1", TransitionRequest{Status: model.StatusMigratingOut, Actor: "op"})
	assert.NoError(t, err)

	// next read misses the cache and sees the freeze
	mock.ExpectGet("tenant:t1").RedisNil()
	rec, err = dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusMigratingOut, rec.Status)
	assert.True(t, rec.Frozen())

	assert.NoError(t, mock.ExpectationsWereMet())
}
