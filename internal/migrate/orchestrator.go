package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/directory"
	"github.com/opsfin/tenant-router/internal/eventstore"
	"github.com/opsfin/tenant-router/internal/model"
	"github.com/opsfin/tenant-router/internal/registry"
)

// State is the migration state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateFreezing   State = "freezing"
	StateExporting  State = "exporting"
	StateImporting  State = "importing"
	StateReplaying  State = "replaying"
	StateVerifying  State = "verifying"
	StateCutover    State = "cutover"
	StateComplete   State = "complete"
	StateRolledBack State = "rolled_back"
)

// transitions is the explicit table; anything else is structurally
// rejected. rolled_back is reachable from every state before complete.
var transitions = map[State][]State{
	StateIdle:      {StateFreezing, StateRolledBack},
	StateFreezing:  {StateExporting, StateRolledBack},
	StateExporting: {StateImporting, StateRolledBack},
	StateImporting: {StateReplaying, StateRolledBack},
	StateReplaying: {StateVerifying, StateRolledBack},
	StateVerifying: {StateCutover, StateRolledBack},
	StateCutover:   {StateComplete, StateRolledBack},
}

func canAdvance(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is the externally visible view of one attempt. Start and
// Rollback are idempotent and return the current status rather than
// erroring once an attempt is in flight.
type Status struct {
	AttemptID     string    `json:"attempt_id"`
	TenantID      string    `json:"tenant_id"`
	TargetAlias   string    `json:"target_alias"`
	Operator      string    `json:"operator"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	ExportHash    string    `json:"export_hash,omitempty"`
	ImportHash    string    `json:"import_hash,omitempty"`
	FailureDetail string    `json:"failure_detail,omitempty"`
}

type attempt struct {
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *attempt) view() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *attempt) terminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status.State == StateComplete || a.status.State == StateRolledBack
}

// Orchestrator drives one tenant's migration through the state machine
// and records every attempt in the system-of-record store. The source
// store is never mutated, so rollback before complete is always safe.
type Orchestrator struct {
	dir      *directory.Directory
	system   *gorm.DB
	shared   *gorm.DB
	aliases  registry.HandleResolver
	exporter *Exporter
	importer *Importer
	replayer *Replayer
	verifier *Verifier

	stepTimeout time.Duration
	log         *zap.SugaredLogger

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewOrchestrator(
	dir *directory.Directory,
	system, shared *gorm.DB,
	aliases registry.HandleResolver,
	exporter *Exporter,
	importer *Importer,
	replayer *Replayer,
	verifier *Verifier,
	stepTimeout time.Duration,
	log *zap.SugaredLogger,
) *Orchestrator {
	if stepTimeout <= 0 {
		stepTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		dir:         dir,
		system:      system,
		shared:      shared,
		aliases:     aliases,
		exporter:    exporter,
		importer:    importer,
		replayer:    replayer,
		verifier:    verifier,
		stepTimeout: stepTimeout,
		log:         log,
		attempts:    make(map[string]*attempt),
	}
}

// Start begins a migration to targetAlias. If an attempt is already in
// flight for the tenant, its current status is returned unchanged.
func (o *Orchestrator) Start(tenantID, targetAlias, operator string) Status {
	o.mu.Lock()
	if att, ok := o.attempts[tenantID]; ok && !att.terminal() {
		o.mu.Unlock()
		return att.view()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	att := &attempt{
		status: Status{
			AttemptID:   uuid.New().String(),
			TenantID:    tenantID,
			TargetAlias: targetAlias,
			Operator:    operator,
			State:       StateIdle,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.attempts[tenantID] = att
	o.mu.Unlock()

	go func() {
		defer close(att.done)
		defer cancel()
		o.run(runCtx, att)
	}()
	return att.view()
}

// Status returns the current attempt state for the tenant, or an idle
// status when the tenant has never been migrated by this process.
func (o *Orchestrator) Status(tenantID string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if att, ok := o.attempts[tenantID]; ok {
		return att.view()
	}
	return Status{TenantID: tenantID, State: StateIdle}
}

// Rollback cancels an in-flight attempt; the running step fails and the
// attempt rolls back. Idempotent: with no attempt in flight it returns
// the current status.
func (o *Orchestrator) Rollback(tenantID string) Status {
	o.mu.Lock()
	att, ok := o.attempts[tenantID]
	o.mu.Unlock()
	if !ok || att.terminal() {
		return o.Status(tenantID)
	}
	att.cancel()
	return att.view()
}

// Wait blocks until the tenant's current attempt reaches a terminal
// state. Used by tests and by synchronous callers.
func (o *Orchestrator) Wait(tenantID string) Status {
	o.mu.Lock()
	att, ok := o.attempts[tenantID]
	o.mu.Unlock()
	if !ok {
		return Status{TenantID: tenantID, State: StateIdle}
	}
	<-att.done
	return att.view()
}

// Records queries the persisted migration audit trail.
func (o *Orchestrator) Records(ctx context.Context, tenantID string, from, to time.Time) ([]model.MigrationRecord, error) {
	var recs []model.MigrationRecord
	q := o.system.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if !from.IsZero() {
		q = q.Where("started_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("started_at <= ?", to)
	}
	err := q.Order("started_at asc").Find(&recs).Error
	return recs, err
}

func (a *attempt) setState(s State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !canAdvance(a.status.State, s) {
		return fmt.Errorf("illegal orchestrator transition %s -> %s", a.status.State, s)
	}
	a.status.State = s
	return nil
}

func (o *Orchestrator) run(ctx context.Context, att *attempt) {
	tenantID := att.view().TenantID
	targetAlias := att.view().TargetAlias
	operator := att.view().Operator

	// Freeze. This transition is the single serialization point: it
	// rejects concurrent migrations via the directory CAS, and export
	// is ordered strictly after its durable commit.
	if err := att.setState(StateFreezing); err != nil {
		o.fail(ctx, att, nil, err, false)
		return
	}
	pre, err := o.dir.GetFresh(ctx, tenantID)
	if err != nil {
		o.fail(ctx, att, nil, err, false)
		return
	}
	frozen, err := o.dir.Transition(ctx, tenantID, directory.TransitionRequest{
		Status: model.StatusMigratingOut,
		Actor:  operator,
	})
	if err != nil {
		// freeze never engaged; nothing to restore
		o.fail(ctx, att, pre, err, false)
		return
	}
	o.log.Infow("tenant frozen for migration", "tenant", tenantID, "attempt", att.view().AttemptID)

	source, err := o.sourceHandle(ctx, frozen)
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	target, err := o.aliases.Resolve(ctx, targetAlias)
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	sourceStore := eventstore.New(source, o.log)
	targetStore := eventstore.New(target, o.log)

	// Export
	if err := att.setState(StateExporting); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	var snap *Snapshot
	err = o.step(ctx, func(stepCtx context.Context) error {
		var serr error
		snap, serr = o.exporter.Export(stepCtx, sourceStore, tenantID)
		return serr
	})
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	att.mu.Lock()
	att.status.ExportHash = snap.Header.StreamHash
	att.mu.Unlock()

	// Import
	if err := att.setState(StateImporting); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	err = o.step(ctx, func(stepCtx context.Context) error {
		_, serr := o.importer.Import(stepCtx, targetStore, tenantID, snap)
		return serr
	})
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	importHash, _, err := HashStream(ctx, targetStore, tenantID, 0)
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	att.mu.Lock()
	att.status.ImportHash = importHash
	att.mu.Unlock()

	// Replay
	if err := att.setState(StateReplaying); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	err = o.step(ctx, func(stepCtx context.Context) error {
		_, serr := o.replayer.Replay(stepCtx, targetStore, tenantID)
		return serr
	})
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}

	// Verify
	if err := att.setState(StateVerifying); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	var report *VerificationReport
	err = o.step(ctx, func(stepCtx context.Context) error {
		var serr error
		report, serr = o.verifier.Verify(stepCtx, snap.Header, source, target, tenantID)
		return serr
	})
	if err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	if !report.Passed {
		detail := "verification checks failed"
		for _, c := range report.Checks {
			if !c.Passed {
				detail = fmt.Sprintf("%s: %s", c.Name, c.Detail)
				break
			}
		}
		o.fail(ctx, att, pre, fmt.Errorf("%w: %s", ErrVerificationFailed, detail), true)
		return
	}

	// Cutover: a single directory transition flips mode, alias and
	// status atomically; no intermediate routing state is observable.
	if err := att.setState(StateCutover); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	dedicated := model.ModeDedicated
	if _, err := o.dir.Transition(ctx, tenantID, directory.TransitionRequest{
		Status:     model.StatusMigrated,
		Mode:       &dedicated,
		StoreAlias: &targetAlias,
		Actor:      operator,
	}); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}

	// Complete: lift the freeze and persist the audit record.
	if err := att.setState(StateComplete); err != nil {
		o.fail(ctx, att, pre, err, true)
		return
	}
	if _, err := o.dir.Transition(ctx, tenantID, directory.TransitionRequest{
		Status: model.StatusActive,
		Actor:  operator,
	}); err != nil {
		o.log.Errorw("freeze lift failed after cutover", "tenant", tenantID, "err", err)
	}
	o.record(ctx, att, pre, model.ResultSuccess, nil)
	o.log.Infow("migration complete",
		"tenant", tenantID, "attempt", att.view().AttemptID, "target", targetAlias)
}

// step runs one pipeline stage under the per-step timeout; a timeout is
// treated identically to a step failure. An operator cancellation wins
// over whatever error the stage wrapped it in.
func (o *Orchestrator) step(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (o *Orchestrator) sourceHandle(ctx context.Context, rec *model.TenantRecord) (*gorm.DB, error) {
	if rec.Mode == model.ModeDedicated {
		if rec.StoreAlias == nil {
			return nil, fmt.Errorf("tenant %s: dedicated mode without alias", rec.TenantID)
		}
		return o.aliases.Resolve(ctx, *rec.StoreAlias)
	}
	return o.shared, nil
}

// fail rolls the attempt back: restore the pre-migration directory
// state when the freeze engaged, mark the attempt, and persist one
// migration record. Partial target-store state is left behind; the
// tenant is never routed to it.
func (o *Orchestrator) fail(ctx context.Context, att *attempt, pre *model.TenantRecord, cause error, unfreeze bool) {
	// rollback must finish even when the cause was a cancellation
	ctx = context.WithoutCancel(ctx)

	result := model.ResultFailed
	if errors.Is(cause, context.Canceled) {
		result = model.ResultRolledBack
	}

	if unfreeze && pre != nil {
		if _, err := o.dir.Transition(ctx, att.view().TenantID, directory.TransitionRequest{
			Status: pre.Status,
			Actor:  att.view().Operator,
		}); err != nil {
			o.log.Errorw("rollback transition failed",
				"tenant", att.view().TenantID, "err", err)
		}
	}

	att.mu.Lock()
	att.status.State = StateRolledBack
	att.status.FailureDetail = cause.Error()
	att.mu.Unlock()

	o.record(ctx, att, pre, result, cause)
	o.log.Warnw("migration rolled back",
		"tenant", att.view().TenantID, "attempt", att.view().AttemptID,
		"result", result, "cause", cause)
}

// record appends the MigrationRecord and its outbox notification in
// one system-store transaction.
func (o *Orchestrator) record(ctx context.Context, att *attempt, pre *model.TenantRecord, result model.MigrationResult, cause error) {
	st := att.view()
	now := time.Now()
	fromMode := model.ModeShared
	if pre != nil {
		fromMode = pre.Mode
	}
	rec := &model.MigrationRecord{
		ID:               st.AttemptID,
		TenantID:         st.TenantID,
		FromMode:         fromMode,
		ToMode:           model.ModeDedicated,
		TargetAlias:      st.TargetAlias,
		StartedAt:        st.StartedAt,
		EndedAt:          &now,
		ExportHash:       st.ExportHash,
		ImportHash:       st.ImportHash,
		OperatorIdentity: st.Operator,
		Result:           result,
	}
	if cause != nil {
		detail := cause.Error()
		rec.FailureDetail = &detail
	}

	err := o.system.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"tenant_id":   st.TenantID,
			"attempt_id":  st.AttemptID,
			"result":      result,
			"target":      st.TargetAlias,
			"export_hash": st.ExportHash,
		})
		evt := &model.OutboxEvent{
			Aggregate:   "Migration",
			AggregateID: st.TenantID,
			EventType:   "Migration" + titleResult(result),
			Payload:     string(payload),
		}
		return tx.Create(evt).Error
	})
	if err != nil {
		o.log.Errorw("migration record write failed", "tenant", st.TenantID, "err", err)
	}
}

func titleResult(r model.MigrationResult) string {
	switch r {
	case model.ResultSuccess:
		return "Succeeded"
	case model.ResultRolledBack:
		return "RolledBack"
	default:
		return "Failed"
	}
}
