package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/eventstore"
	"github.com/opsfin/tenant-router/internal/ledger"
	"github.com/opsfin/tenant-router/internal/logger"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/registry"
	"github.com/opsfin/tenant-router/internal/routing"
)

type testRig struct {
	system    *gorm.DB
	dedicated *gorm.DB
	dir       *directory.Directory
	resolver  *routing.Resolver
	ledger    *ledger.Service
	orc       *Orchestrator
}

func newRig(t *testing.T) (*testRig, context.Context) {
	system, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_sys?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, model.MigrateSystem(system))
	assert.NoError(t, model.MigrateTenant(system))
	dedicated, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_ded?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, model.MigrateTenant(dedicated))

	log, _ := logger.NewLogger()
	dir := directory.New(system, nil, 0, log)
	aliases := registry.NewFixedResolver(map[string]*gorm.DB{"db-t1": dedicated})
	orc := NewOrchestrator(
		dir, system, system, aliases,
		NewExporter(100, 0, log),
		NewImporter(log),
		NewReplayer(100, log),
		NewVerifier(VerifierConfig{CheckAggregateCounts: true, CheckBalanceTotals: true}, log),
		time.Minute,
		log,
	)
	return &testRig{
		system:    system,
		dedicated: dedicated,
		dir:       dir,
		resolver:  routing.NewResolver(dir, system, aliases, log),
		ledger:    ledger.NewService(dir, log),
		orc:       orc,
	}, context.Background()
}

func (r *testRig) post(ctx context.Context, t *testing.T, amount string) {
	route, err := r.resolver.Resolve(ctx, &routing.Claims{TenantID: "t1"}, routing.OpLedgerWrite)
	assert.NoError(t, err)
	_, err = r.ledger.Post(ctx, route, ledger.PostRequest{
		AggregateType: "account",
		AggregateID:   "acc-1",
		EventType:     "posting",
		Payload:       json.RawMessage(fmt.Sprintf(`{"amount":"%s"}`, amount)),
		ActorID:       "tester",
	})
	assert.NoError(t, err)
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	rig, ctx := newRig(t)
	_, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "100")
	rig.post(ctx, t, "-30")
	rig.post(ctx, t, "5")

	st := rig.orc.Start("t1", "db-t1", "alice")
	assert.NotEmpty(t, st.AttemptID)
	final := rig.orc.Wait("t1")
	assert.Equal(t, StateComplete, final.State)
	assert.NotEmpty(t, final.ExportHash)
	assert.Equal(t, final.ExportHash, final.ImportHash)

	// directory cut over atomically and the freeze is lifted
	rec, err := rig.dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.ModeDedicated, rec.Mode)
	assert.Equal(t, "db-t1", *rec.StoreAlias)
	assert.Equal(t, model.StatusActive, rec.Status)

	// all three events and the rebuilt balance live in the target
	log, _ := logger.NewLogger()
	n, err := eventstore.New(rig.dedicated, log).CountEvents(ctx, "t1")
	assert.NoError(t, err)
	assert.EqualValues(t, 3, n)
	var bal model.BalanceProjection
	assert.NoError(t, rig.dedicated.Where("tenant_id = ? AND account_id = ?", "t1", "acc-1").First(&bal).Error)
	assert.Equal(t, "75", bal.Balance.StringFixed(0))

	// audit record persisted
	recs, err := rig.orc.Records(ctx, "t1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, model.ResultSuccess, recs[0].Result)
	assert.Equal(t, final.ExportHash, recs[0].ExportHash)
	assert.Equal(t, "alice", recs[0].OperatorIdentity)

	// outbox notification queued for the poller
	var outbox []model.OutboxEvent
	assert.NoError(t, rig.system.Where("aggregate_id = ?", "t1").Find(&outbox).Error)
	assert.Len(t, outbox, 1)
	assert.Equal(t, "MigrationSucceeded", outbox[0].EventType)

	// a fourth event routes to the dedicated store only
	rig.post(ctx, t, "25")
	n, _ = eventstore.New(rig.dedicated, log).CountEvents(ctx, "t1")
	assert.EqualValues(t, 4, n)
	n, _ = eventstore.New(rig.system, log).CountEvents(ctx, "t1")
	assert.EqualValues(t, 3, n)
}

// gateResolver blocks alias resolution until released, pinning the
// orchestrator mid-flight so idempotency can be observed.
type gateResolver struct {
	inner registry.HandleResolver
	gate  chan struct{}
}

func (g *gateResolver) Resolve(ctx context.Context, alias string) (*gorm.DB, error) {
	<-g.gate
	return g.inner.Resolve(ctx, alias)
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	rig, ctx := newRig(t)
	_, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "1")

	log, _ := logger.NewLogger()
	gate := &gateResolver{
		inner: registry.NewFixedResolver(map[string]*gorm.DB{"db-t1": rig.dedicated}),
		gate:  make(chan struct{}),
	}
	orc := NewOrchestrator(
		rig.dir, rig.system, rig.system, gate,
		NewExporter(100, 0, log), NewImporter(log), NewReplayer(100, log),
		NewVerifier(VerifierConfig{}, log), time.Minute, log,
	)

	st1 := orc.Start("t1", "db-t1", "alice")
	st2 := orc.Start("t1", "db-t1", "bob")
	assert.Equal(t, st1.AttemptID, st2.AttemptID)
	assert.Equal(t, "alice", st2.Operator)

	close(gate.gate)
	final := orc.Wait("t1")
	assert.Equal(t, StateComplete, final.State)

	// a repeated rollback request after completion just reports state
	st3 := orc.Rollback("t1")
	assert.Equal(t, StateComplete, st3.State)
}

func TestOrchestrator_OperatorRollback(t *testing.T) {
	rig, ctx := newRig(t)
	_, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "1")

	log, _ := logger.NewLogger()
	gate := &gateResolver{
		inner: registry.NewFixedResolver(map[string]*gorm.DB{"db-t1": rig.dedicated}),
		gate:  make(chan struct{}),
	}
	orc := NewOrchestrator(
		rig.dir, rig.system, rig.system, gate,
		NewExporter(100, 0, log), NewImporter(log), NewReplayer(100, log),
		NewVerifier(VerifierConfig{}, log), time.Minute, log,
	)

	orc.Start("t1", "db-t1", "alice")
	orc.Rollback("t1")
	close(gate.gate)
	final := orc.Wait("t1")
	assert.Equal(t, StateRolledBack, final.State)

	rec, err := rig.dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, model.ModeShared, rec.Mode)

	recs, err := orc.Records(ctx, "t1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, model.ResultRolledBack, recs[0].Result)
}

func TestOrchestrator_VerificationFailureRollsBack(t *testing.T) {
	rig, ctx := newRig(t)
	pre, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "100")
	rig.post(ctx, t, "-30")
	rig.post(ctx, t, "5")

	// poison the source spot-check so verification must fail
	assert.NoError(t, rig.system.Model(&model.BalanceProjection{}).
		Where("tenant_id = ? AND account_id = ?", "t1", "acc-1").
		Update("balance", "999").Error)

	rig.orc.Start("t1", "db-t1", "alice")
	final := rig.orc.Wait("t1")
	assert.Equal(t, StateRolledBack, final.State)
	assert.Contains(t, final.FailureDetail, "balance_totals")

	// the record reverts to its pre-migration mode and status
	rec, err := rig.dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, pre.Mode, rec.Mode)
	assert.Equal(t, pre.Status, rec.Status)
	assert.Nil(t, rec.StoreAlias)

	// source events all survived
	log, _ := logger.NewLogger()
	n, err := eventstore.New(rig.system, log).CountEvents(ctx, "t1")
	assert.NoError(t, err)
	assert.EqualValues(t, 3, n)

	recs, err := rig.orc.Records(ctx, "t1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, model.ResultFailed, recs[0].Result)
	assert.NotNil(t, recs[0].FailureDetail)

	// a post after rollback lands in the shared store only
	rig.post(ctx, t, "7")
	n, _ = eventstore.New(rig.system, log).CountEvents(ctx, "t1")
	assert.EqualValues(t, 4, n)
	n, _ = eventstore.New(rig.dedicated, log).CountEvents(ctx, "t1")
	assert.EqualValues(t, 3, n)
}

func TestOrchestrator_UnknownAliasRollsBack(t *testing.T) {
	rig, ctx := newRig(t)
	_, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "1")

	rig.orc.Start("t1", "db-missing", "alice")
	final := rig.orc.Wait("t1")
	assert.Equal(t, StateRolledBack, final.State)

	rec, err := rig.dir.Get(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, model.ModeShared, rec.Mode)
}

func TestOrchestrator_WritesFrozenDuringMigration(t *testing.T) {
	rig, ctx := newRig(t)
	_, err := rig.dir.Create(ctx, "t1")
	assert.NoError(t, err)
	rig.post(ctx, t, "1")

	_, err = rig.dir.Transition(ctx, "t1", directory.TransitionRequest{
		Status: model.StatusMigratingOut, Actor: "op",
	})
	assert.NoError(t, err)

	_, err = rig.resolver.Resolve(ctx, &routing.Claims{TenantID: "t1"}, routing.OpLedgerWrite)
	assert.ErrorIs(t, err, routing.ErrTenantFrozen)

	// reads still work against the source
	route, err := rig.resolver.Resolve(ctx, &routing.Claims{TenantID: "t1"}, routing.OpLedgerRead)
	assert.NoError(t, err)
	evts, err := rig.ledger.List(ctx, route, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestStateMachine_TransitionTable(t *testing.T) {
	assert.True(t, canAdvance(StateIdle, StateFreezing))
	assert.True(t, canAdvance(StateVerifying, StateCutover))
	assert.True(t, canAdvance(StateCutover, StateComplete))
	for _, s := range []State{StateIdle, StateFreezing, StateExporting, StateImporting, StateReplaying, StateVerifying, StateCutover} {
		assert.True(t, canAdvance(s, StateRolledBack), string(s))
	}
	assert.False(t, canAdvance(StateComplete, StateRolledBack))
	assert.False(t, canAdvance(StateIdle, StateCutover))
	assert.False(t, canAdvance(StateExporting, StateVerifying))
}
