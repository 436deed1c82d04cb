package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loopline/internal/catalog"
	"loopline/internal/condition"
	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/keylock"
	"loopline/internal/repo"
)

// SystemActor is recorded as approver when the engine resolves a gate itself.
const SystemActor = "loopline"

// Catalog is the published loop set executions are created from.
type Catalog interface {
	Loop(id string) (catalog.Entry, bool)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Feed       *events.Feed
	Catalog    Catalog
	Conditions condition.Evaluator
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Now        func() time.Time

	// locks serializes commands per execution id. Copies of the Engine share it.
	locks *keylock.Map
}

func New(db *sql.DB, cat Catalog) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Feed:    events.NewFeed(),
		Catalog: cat,
		Logger:  slog.Default(),
		Tracer:  otel.Tracer("loopline/engine"),
		Now:     time.Now,
		locks:   &keylock.Map{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer stamps log entries with the engine clock unless Events has its own.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("loopline/engine")
}

func (e Engine) lock(id string) func() {
	if e.locks == nil {
		// Engine built without New: the optimistic version check still applies.
		return func() {}
	}
	return e.locks.Lock(id)
}

func (e Engine) span(ctx context.Context, op, executionID string) (context.Context, trace.Span) {
	return e.tracer().Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("execution.id", executionID),
		attribute.String("command", op),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Ref addresses an execution for a command. ExpectedVersion, when set, must
// match the stored version or the command fails with stale_state.
type Ref struct {
	ExecutionID     string
	ActorID         string
	ExpectedVersion int64
}

// CreateOptions are parameters for starting an execution.
type CreateOptions struct {
	ID       string
	LoopID   string
	Project  string
	Mode     domain.Mode
	Autonomy domain.Autonomy
	ActorID  string
}

// Create binds the currently published snapshot of a loop to a project and
// starts its first phase.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (exec domain.Execution, err error) {
	ctx, span := e.span(ctx, "create", opts.ID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(opts.LoopID) == "" {
		return domain.Execution{}, fmt.Errorf("%w: loop id is required", ErrInvalid)
	}
	if strings.TrimSpace(opts.Project) == "" {
		return domain.Execution{}, fmt.Errorf("%w: project is required", ErrInvalid)
	}
	if e.Catalog == nil {
		return domain.Execution{}, errors.New("catalog not loaded")
	}
	entry, ok := e.Catalog.Loop(opts.LoopID)
	if !ok {
		return domain.Execution{}, precondition("create", CodeLoopUnavailable, "loop", "loop %s is not published", opts.LoopID).with(opts.LoopID)
	}
	loop := entry.Loop

	mode := opts.Mode
	if mode == "" {
		mode = loop.DefaultMode
	}
	if mode == "" {
		mode = domain.ModeGreenfield
	}
	if !mode.Valid() {
		return domain.Execution{}, fmt.Errorf("%w: mode must be greenfield or brownfield (got: %s)", ErrInvalid, mode)
	}
	autonomy := opts.Autonomy
	if autonomy == "" {
		autonomy = loop.DefaultAutonomy
	}
	if autonomy == "" {
		autonomy = domain.AutonomySupervised
	}
	if !autonomy.Valid() {
		return domain.Execution{}, fmt.Errorf("%w: autonomy must be supervised or autonomous (got: %s)", ErrInvalid, autonomy)
	}
	if autonomy == domain.AutonomyAutonomous && entry.Guarantees == nil {
		msg := "guarantee aggregation failed"
		if entry.AggregationErr != nil {
			msg = entry.AggregationErr.Error()
		}
		return domain.Execution{}, precondition("create", CodeAutonomyDisallowed, "loop", "autonomous mode disabled for %s: %s", loop.ID, msg).with(loop.ID)
	}

	now := e.now().UTC().Format(time.RFC3339)
	snap, err := repo.NewLoopSnapshot(loop, entry.Guarantees, entry.AggregationErr, now)
	if err != nil {
		return domain.Execution{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	exec = newExecution(id, loop, snap.ID, opts.Project, mode, autonomy, now)
	span.SetAttributes(attribute.String("execution.id", id), attribute.String("loop.id", loop.ID))

	unlock := e.lock(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
		return domain.Execution{}, fmt.Errorf("insert loop snapshot: %w", err)
	}
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	var logs []domain.LogEntry
	entryLog, err := e.writer().Append(ctx, tx, "execution.created", id, "execution", id, opts.ActorID, events.EventPayload{
		"loop_id":       loop.ID,
		"loop_version":  loop.Version,
		"loop_revision": loop.Revision,
		"snapshot_id":   snap.ID,
		"project":       opts.Project,
		"mode":          mode,
		"autonomy":      autonomy,
	})
	if err != nil {
		return domain.Execution{}, err
	}
	logs = append(logs, entryLog)
	entryLog, err = e.writer().Append(ctx, tx, "phase.started", id, "phase", exec.CurrentPhase, opts.ActorID, events.EventPayload{"phase": exec.CurrentPhase})
	if err != nil {
		return domain.Execution{}, err
	}
	logs = append(logs, entryLog)
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	e.Feed.Publish(id, logs...)
	e.logger().Info("execution created", "execution", id, "loop", loop.ID, "revision", loop.Revision, "project", opts.Project, "autonomy", autonomy)
	exec.Logs = logs
	return exec, nil
}

func newExecution(id string, loop domain.Loop, snapshotID, project string, mode domain.Mode, autonomy domain.Autonomy, now string) domain.Execution {
	exec := domain.Execution{
		ID:           id,
		LoopID:       loop.ID,
		LoopVersion:  loop.Version,
		LoopRevision: loop.Revision,
		SnapshotID:   snapshotID,
		Project:      project,
		Mode:         mode,
		Autonomy:     autonomy,
		CurrentPhase: loop.Phases[0].Name,
		Status:       domain.ExecutionActive,
		Phases:       make([]domain.PhaseRecord, 0, len(loop.Phases)),
		Gates:        []domain.GateRecord{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, p := range loop.Phases {
		rec := domain.PhaseRecord{Phase: p.Name, Status: domain.PhasePending, Skills: make([]domain.SkillRecord, 0, len(p.Skills))}
		if i == 0 {
			started := now
			rec.Status = domain.PhaseInProgress
			rec.StartedAt = &started
		}
		for _, ref := range p.Skills {
			rec.Skills = append(rec.Skills, domain.SkillRecord{
				SkillID:  ref.SkillID,
				Required: p.EffectivelyRequired(ref),
				Status:   domain.SkillPending,
			})
		}
		exec.Phases = append(exec.Phases, rec)
	}
	return exec
}

// Get returns an execution with its full log.
func (e Engine) Get(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return exec, err
	}
	var after int64
	for {
		page, err := e.Repo.ExecutionLogs(ctx, id, after, 500)
		if err != nil {
			return exec, err
		}
		exec.Logs = append(exec.Logs, page...)
		if len(page) < 500 {
			break
		}
		after = page[len(page)-1].Seq
	}
	return exec, nil
}

func (e Engine) List(ctx context.Context, f repo.ExecutionFilters) ([]domain.Execution, error) {
	return e.Repo.ListExecutions(ctx, f)
}

// Logs returns log entries of an execution with seq greater than after.
func (e Engine) Logs(ctx context.Context, id string, after int64, limit int) ([]domain.LogEntry, error) {
	if _, err := e.Repo.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ExecutionLogs(ctx, id, after, limit)
}

// Snapshot returns the loop snapshot an execution is pinned to.
func (e Engine) Snapshot(ctx context.Context, id string) (repo.LoopSnapshot, error) {
	exec, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return repo.LoopSnapshot{}, err
	}
	return e.Repo.GetSnapshot(ctx, exec.SnapshotID)
}

// txn is the working state of one command: a draft of the execution, the
// pinned snapshot and the events appended so far.
type txn struct {
	ctx   context.Context
	tx    *sql.Tx
	eng   Engine
	op    string
	actor string
	now   string
	exec  *domain.Execution
	snap  repo.LoopSnapshot
	logs  []domain.LogEntry
}

func (t *txn) emit(evtType, entityKind, entityID string, payload events.EventPayload) error {
	entry, err := t.eng.writer().Append(t.ctx, t.tx, evtType, t.exec.ID, entityKind, entityID, t.actor, payload)
	if err != nil {
		return err
	}
	t.logs = append(t.logs, entry)
	return nil
}

func (t *txn) stamp() *string {
	s := t.now
	return &s
}

func (t *txn) fail(code, entity, format string, args ...any) *PreconditionError {
	return precondition(t.op, code, entity, format, args...)
}

func (t *txn) decision() Decision {
	return Decision{
		Loop:             t.snap.Loop,
		Guarantees:       t.snap.Guarantees,
		AggregationError: t.snap.AggregationError,
		Condition: func(g domain.Gate) (bool, error) {
			in := condition.FromExecution(t.exec, established(t.exec, t.snap.Guarantees))
			return t.eng.Conditions.Eval(t.ctx, g.Condition, in)
		},
	}
}

// apply runs fn against a draft of the execution inside one transaction.
// Preconditions are checked by fn before it mutates anything; the row is
// rewritten only if fn appended at least one event.
func (e Engine) apply(ctx context.Context, op string, ref Ref, fn func(t *txn) error) (exec domain.Execution, err error) {
	ctx, span := e.span(ctx, op, ref.ExecutionID)
	defer func() { endSpan(span, err) }()
	if strings.TrimSpace(ref.ExecutionID) == "" {
		return domain.Execution{}, fmt.Errorf("%w: execution id is required", ErrInvalid)
	}

	unlock := e.lock(ref.ExecutionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetExecutionTx(ctx, tx, ref.ExecutionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if ref.ExpectedVersion > 0 && ref.ExpectedVersion != current.Version {
		return domain.Execution{}, precondition(op, CodeStaleState, "execution", "expected version %d, found %d", ref.ExpectedVersion, current.Version).with(current.ID)
	}
	snap, err := e.Repo.GetSnapshotTx(ctx, tx, current.SnapshotID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("load snapshot %s: %w", current.SnapshotID, err)
	}
	draft := current.Clone()
	t := &txn{
		ctx:   ctx,
		tx:    tx,
		eng:   e,
		op:    op,
		actor: ref.ActorID,
		now:   e.now().UTC().Format(time.RFC3339),
		exec:  &draft,
		snap:  snap,
	}
	if err := fn(t); err != nil {
		return domain.Execution{}, err
	}
	if len(t.logs) == 0 {
		return current, nil
	}
	draft.Version = current.Version + 1
	draft.UpdatedAt = t.now
	if err := e.Repo.UpdateExecution(ctx, tx, draft, current.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Execution{}, precondition(op, CodeStaleState, "execution", "execution changed concurrently").with(current.ID)
		}
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	e.Feed.Publish(draft.ID, t.logs...)
	e.logger().Debug("command applied", "op", op, "execution", draft.ID, "version", draft.Version, "status", draft.Status, "phase", draft.CurrentPhase)
	draft.Logs = t.logs
	return draft, nil
}
