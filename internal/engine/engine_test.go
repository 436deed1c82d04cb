package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"loopline/internal/catalog"
	"loopline/internal/compose"
	"loopline/internal/condition"
	"loopline/internal/db"
	"loopline/internal/definitions"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/guarantee"
	"loopline/internal/logging"
	"loopline/internal/migrate"
	"loopline/internal/registry"
	"loopline/internal/repo"
)

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[string]catalog.Entry
}

func (f *fakeCatalog) Loop(id string) (catalog.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return e, ok
}

func (f *fakeCatalog) put(e catalog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Loop.ID] = e
}

type testEnv struct {
	Engine  engine.Engine
	Catalog *fakeCatalog
	Skills  *registry.Snapshot
	Ctx     context.Context
}

func testSkills() *registry.Snapshot {
	return registry.NewSnapshot(1, []domain.Skill{
		{ID: "a", RequiredByDefault: true, Guarantees: []domain.Guarantee{{ID: "spec", Statement: "spec exists", Required: true}}},
		{ID: "b", RequiredByDefault: true, Guarantees: []domain.Guarantee{{ID: "tests", Statement: "tests exist", Required: true}}},
		{ID: "c", RequiredByDefault: true},
		{ID: "lint", RequiredByDefault: true},
	})
}

const scenarioLoop = `id: L
version: "1"
phases:
  - name: INIT
    skills: [a, b]
  - name: BUILD
    skills: [{skill: c, required: false}]
gates:
  - {id: G, name: Spec review, after: INIT, type: human}
`

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat := &fakeCatalog{entries: map[string]catalog.Entry{}}
	eng := engine.New(conn, cat)
	eng.Logger = logging.Discard()
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := testEnv{Engine: eng, Catalog: cat, Skills: testSkills(), Ctx: context.Background()}
	env.publish(t, scenarioLoop, 1, guarantee.Config{})
	return env
}

func (env testEnv) publish(t *testing.T, doc string, rev int64, cfg guarantee.Config) catalog.Entry {
	t.Helper()
	def, err := definitions.ParseLoop("loop.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("parse loop: %v", err)
	}
	loop, err := compose.Compose(def, env.Skills, compose.Defaults{}, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	loop.Revision = rev
	entry := catalog.Entry{Loop: loop}
	gm, err := guarantee.Aggregate(loop, env.Skills, cfg)
	if err != nil {
		entry.AggregationErr = err
	} else {
		entry.Guarantees = &gm
	}
	env.Catalog.put(entry)
	return entry
}

func (env testEnv) create(t *testing.T, loopID string, autonomy domain.Autonomy) domain.Execution {
	t.Helper()
	exec, err := env.Engine.Create(env.Ctx, engine.CreateOptions{LoopID: loopID, Project: "proj-1", Autonomy: autonomy, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return exec
}

func ref(exec domain.Execution) engine.Ref {
	return engine.Ref{ExecutionID: exec.ID, ActorID: "tester"}
}

func expectCode(t *testing.T, err error, code string) *engine.PreconditionError {
	t.Helper()
	var pe *engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition %s, got %v", code, err)
	}
	if pe.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, pe.Code, err)
	}
	return pe
}

// must fails the test on a command error: must(t)(env.Engine.X(...)).
func must(t *testing.T) func(domain.Execution, error) domain.Execution {
	t.Helper()
	return func(exec domain.Execution, err error) domain.Execution {
		t.Helper()
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		return exec
	}
}

func TestScenarioSupervised(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	if exec.CurrentPhase != "INIT" || exec.Phase("INIT").Status != domain.PhaseInProgress {
		t.Fatalf("expected INIT in progress, got %+v", exec.Phases)
	}
	if st, _ := exec.SkillStatus("INIT", "a"); st != domain.SkillPending {
		t.Fatalf("expected a pending, got %s", st)
	}
	if exec.Autonomy != domain.AutonomySupervised || exec.Mode != domain.ModeGreenfield {
		t.Fatalf("expected defaults, got %s/%s", exec.Autonomy, exec.Mode)
	}

	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	if exec.Phase("INIT").Status != domain.PhaseCompleted {
		t.Fatalf("expected INIT completed, got %s", exec.Phase("INIT").Status)
	}
	if g := exec.Gate("G"); g == nil || g.Status != domain.GatePending {
		t.Fatalf("expected gate G pending, got %+v", exec.Gates)
	}

	action, exec, err := env.Engine.Next(env.Ctx, ref(exec))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if action.Kind != engine.ActionBlockOnGate || action.GateID != "G" {
		t.Fatalf("expected block on G, got %+v", action)
	}
	if exec.Status != domain.ExecutionBlocked {
		t.Fatalf("expected blocked, got %s", exec.Status)
	}

	exec = must(t)(env.Engine.ApproveGate(env.Ctx, ref(exec), "G", nil, "looks good"))
	if exec.Status != domain.ExecutionActive || exec.Gate("G").ApprovedBy != "tester" {
		t.Fatalf("expected active with approver, got %s %+v", exec.Status, exec.Gate("G"))
	}
	action, exec, err = env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionAdvancePhase || action.NextPhase != "BUILD" {
		t.Fatalf("expected advance to BUILD, got %+v err=%v", action, err)
	}
	exec = must(t)(env.Engine.AdvancePhase(env.Ctx, ref(exec)))
	if exec.CurrentPhase != "BUILD" || exec.Phase("BUILD").Status != domain.PhaseInProgress || exec.Phase("BUILD").StartedAt == nil {
		t.Fatalf("expected BUILD in progress, got %+v", exec.Phase("BUILD"))
	}

	exec = must(t)(env.Engine.SkipSkill(env.Ctx, ref(exec), "c", "not needed"))
	if exec.Phase("BUILD").Status != domain.PhaseCompleted {
		t.Fatalf("expected BUILD completed, got %s", exec.Phase("BUILD").Status)
	}
	action, exec, err = env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionCompleteExecution {
		t.Fatalf("expected complete execution, got %+v err=%v", action, err)
	}
	if exec.Status != domain.ExecutionCompleted || exec.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", exec.Status)
	}

	full, err := env.Engine.Get(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var types []string
	for i, l := range full.Logs {
		if i > 0 && l.Seq <= full.Logs[i-1].Seq {
			t.Fatalf("log not ordered at %d", i)
		}
		types = append(types, l.Type)
	}
	want := []string{
		"execution.created", "phase.started",
		"skill.completed", "skill.completed", "phase.completed", "gate.opened",
		"execution.blocked", "gate.approved", "execution.unblocked",
		"phase.started", "skill.skipped", "phase.completed", "execution.completed",
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected log:\n got %v\nwant %v", types, want)
	}
}

func TestCompletePhaseNamesOutstandingSkills(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	_, err := env.Engine.CompletePhase(env.Ctx, ref(exec))
	pe := expectCode(t, err, engine.CodeSkillsOutstanding)
	if strings.Join(pe.IDs, ",") != "a,b" {
		t.Fatalf("expected outstanding a,b got %v", pe.IDs)
	}
	_, err = env.Engine.AdvancePhase(env.Ctx, ref(exec))
	expectCode(t, err, engine.CodePhaseNotCompleted)

	stored, err := env.Engine.Get(env.Ctx, exec.ID)
	if err != nil || stored.Version != exec.Version {
		t.Fatalf("failed commands must not write: %v version=%d", err, stored.Version)
	}
}

func TestAdvanceRequiresApprovedGate(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	_, err := env.Engine.AdvancePhase(env.Ctx, ref(exec))
	pe := expectCode(t, err, engine.CodeGatesUnresolved)
	if len(pe.IDs) != 1 || pe.IDs[0] != "G" {
		t.Fatalf("expected G unresolved, got %v", pe.IDs)
	}
	_, err = env.Engine.CompleteSkill(env.Ctx, ref(exec), "a")
	expectCode(t, err, engine.CodePhaseNotInProgress)
}

func TestSkillPreconditions(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	exec = must(t)(env.Engine.StartSkill(env.Ctx, ref(exec), "a"))
	_, err := env.Engine.StartSkill(env.Ctx, ref(exec), "a")
	expectCode(t, err, engine.CodeSkillNotPending)
	_, err = env.Engine.StartSkill(env.Ctx, ref(exec), "b")
	expectCode(t, err, engine.CodeSequentialPhaseBusy)
	_, err = env.Engine.StartSkill(env.Ctx, ref(exec), "c")
	expectCode(t, err, engine.CodeSkillNotInPhase)
	_, err = env.Engine.SkipSkill(env.Ctx, ref(exec), "b", "  ")
	expectCode(t, err, engine.CodeReasonRequired)

	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	_, err = env.Engine.CompleteSkill(env.Ctx, ref(exec), "a")
	expectCode(t, err, engine.CodeSkillAlreadyTerminal)
	_, err = env.Engine.SkipSkill(env.Ctx, ref(exec), "a", "late")
	expectCode(t, err, engine.CodeSkillAlreadyTerminal)
}

func TestStaleStateIsRejected(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	r := ref(exec)
	r.ExpectedVersion = exec.Version
	exec = must(t)(env.Engine.StartSkill(env.Ctx, r, "a"))
	if exec.Version != r.ExpectedVersion+1 {
		t.Fatalf("expected version bump, got %d", exec.Version)
	}
	_, err := env.Engine.CompleteSkill(env.Ctx, r, "a")
	expectCode(t, err, engine.CodeStaleState)
	if st, _ := exec.SkillStatus("INIT", "a"); st != domain.SkillInProgress {
		t.Fatalf("stale command must not apply, a is %s", st)
	}
}

func TestConcurrentCommandsSerialize(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.CompleteSkill(env.Ctx, ref(exec), id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	got, err := env.Engine.Get(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != exec.Version+2 || got.Phase("INIT").Status != domain.PhaseCompleted {
		t.Fatalf("expected both completions applied, version=%d INIT=%s", got.Version, got.Phase("INIT").Status)
	}
}

func TestSupervisedNeverAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, strings.Replace(scenarioLoop, "type: human", "type: auto", 1), 2, guarantee.Config{})
	exec := env.create(t, "L", domain.AutonomySupervised)
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	action, exec, err := env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionBlockOnGate {
		t.Fatalf("expected block, got %+v err=%v", action, err)
	}
	if exec.Gate("G").Status != domain.GatePending {
		t.Fatalf("gate must stay pending under supervision")
	}
}

func TestAutonomousStepRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", domain.AutonomyAutonomous)
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))

	var kinds []engine.ActionKind
	for i := 0; i < 4; i++ {
		action, next, err := env.Engine.Step(env.Ctx, ref(exec))
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		exec = next
		kinds = append(kinds, action.Kind)
		if action.Kind == engine.ActionStartSkill {
			exec = must(t)(env.Engine.SkipSkill(env.Ctx, ref(exec), action.SkillID, "optional"))
		}
	}
	want := []engine.ActionKind{engine.ActionApproveGate, engine.ActionAdvancePhase, engine.ActionStartSkill, engine.ActionCompleteExecution}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("step %d: got %s want %s (all %v)", i, kinds[i], want[i], kinds)
		}
	}
	if exec.Gate("G").ApprovedBy != engine.SystemActor || exec.Status != domain.ExecutionCompleted {
		t.Fatalf("expected engine approval and completion, got %+v %s", exec.Gate("G"), exec.Status)
	}
}

func TestAutonomyOverriddenWhenGuaranteeMissing(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", domain.AutonomyAutonomous)
	exec = must(t)(env.Engine.SkipSkill(env.Ctx, ref(exec), "a", "no time"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))

	action, exec, err := env.Engine.Step(env.Ctx, ref(exec))
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != engine.ActionBlockOnGuarantee || !action.Overridden || len(action.Violations) != 1 || action.Violations[0].GuaranteeID != "spec" {
		t.Fatalf("expected guarantee block on spec, got %+v", action)
	}
	if exec.Status != domain.ExecutionBlocked || exec.Gate("G").Status != domain.GatePending {
		t.Fatalf("expected blocked with G pending, got %s %+v", exec.Status, exec.Gate("G"))
	}

	// A human takes over from here.
	exec = must(t)(env.Engine.ApproveGate(env.Ctx, ref(exec), "G", nil, ""))
	action, exec, err = env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionBlockOnGuarantee {
		t.Fatalf("autonomous advance must be guarded, got %+v err=%v", action, err)
	}
	exec = must(t)(env.Engine.AdvancePhase(env.Ctx, ref(exec)))
	if exec.Status != domain.ExecutionActive || exec.CurrentPhase != "BUILD" {
		t.Fatalf("expected manual advance to reactivate, got %s %s", exec.Status, exec.CurrentPhase)
	}
}

func TestAutonomyDisallowedWhenAggregationFails(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, strings.Replace(scenarioLoop, "{skill: c, required: false}", "c", 1), 2, guarantee.Config{RequireSkillGuarantees: true})
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{LoopID: "L", Project: "p", Autonomy: domain.AutonomyAutonomous})
	expectCode(t, err, engine.CodeAutonomyDisallowed)

	exec := env.create(t, "L", domain.AutonomySupervised)
	snap, err := env.Engine.Snapshot(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Guarantees != nil || !strings.Contains(snap.AggregationError, "declare no guarantees: c") {
		t.Fatalf("expected pinned aggregation failure, got %+v", snap)
	}
}

const conditionalLoop = `id: C
version: "1"
phases:
  - name: INIT
    skills: [a]
  - name: BUILD
    skills: [b]
gates:
  - {id: ok, after: INIT, type: conditional, condition: 'skills.a == "completed" and guarantees.spec'}
  - {id: lint, after: BUILD, type: conditional, condition: 'return skills["lint"] == "completed"'}
`

func TestConditionalGates(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, conditionalLoop, 1, guarantee.Config{})
	exec := env.create(t, "C", domain.AutonomyAutonomous)
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))

	action, exec, err := env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionApproveGate || action.GateID != "ok" {
		t.Fatalf("expected condition to approve, got %+v err=%v", action, err)
	}
	_, exec, err = env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || exec.CurrentPhase != "BUILD" {
		t.Fatalf("expected advance, got %s err=%v", exec.CurrentPhase, err)
	}
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	action, exec, err = env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionBlockOnGate || action.Reason != "condition not met" {
		t.Fatalf("expected unmet condition to block, got %+v err=%v", action, err)
	}
	if exec.Status != domain.ExecutionBlocked {
		t.Fatalf("expected blocked, got %s", exec.Status)
	}
}

const slowConditionLoop = `id: S
version: "1"
phases:
  - name: INIT
    skills: [a]
  - name: BUILD
    skills: [b]
gates:
  - {id: slow, after: INIT, type: conditional, condition: "local n = 0\nwhile n < 3000000 do n = n + 1 end\nreturn true"}
`

func TestBlockedExecutionIsRedecided(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, slowConditionLoop, 1, guarantee.Config{})
	exec := env.create(t, "S", domain.AutonomyAutonomous)
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))

	env.Engine.Conditions = condition.Evaluator{Timeout: time.Millisecond}
	action, exec, err := env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionBlockOnGate || !strings.HasPrefix(action.Reason, "condition error") {
		t.Fatalf("expected a timed out condition to block, got %+v err=%v", action, err)
	}
	if exec.Status != domain.ExecutionBlocked {
		t.Fatalf("expected blocked, got %s", exec.Status)
	}

	env.Engine.Conditions = condition.Evaluator{Timeout: 10 * time.Second}
	action, exec, err = env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionApproveGate || action.GateID != "slow" {
		t.Fatalf("expected the gate to be re-decided, got %+v err=%v", action, err)
	}
	if exec.Status != domain.ExecutionActive || exec.StatusReason != "" {
		t.Fatalf("expected active again, got %s (%s)", exec.Status, exec.StatusReason)
	}
	_, exec, err = env.Engine.Step(env.Ctx, ref(exec))
	if err != nil || exec.Gate("slow").Status != domain.GateApproved || exec.Gate("slow").ApprovedBy != engine.SystemActor {
		t.Fatalf("expected engine approval, got %+v err=%v", exec.Gate("slow"), err)
	}
	logs, err := env.Engine.Logs(env.Ctx, exec.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	var unblocked bool
	for _, l := range logs {
		if l.Type == "execution.unblocked" {
			unblocked = true
		}
	}
	if !unblocked {
		t.Fatal("expected an execution.unblocked entry")
	}
}

func TestLogTimestampsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = func() time.Time { return time.Date(2031, 6, 1, 12, 0, 0, 0, time.UTC) }
	exec := env.create(t, "L", "")
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	logs, err := env.Engine.Logs(env.Ctx, exec.ID, 0, 100)
	if err != nil || len(logs) == 0 {
		t.Fatalf("logs: %v %d", err, len(logs))
	}
	for _, l := range logs {
		if l.TS != "2031-06-01T12:00:00Z" {
			t.Fatalf("%s stamped %s, want the engine clock", l.Type, l.TS)
		}
	}
	if exec.CreatedAt != "2031-06-01T12:00:00Z" {
		t.Fatalf("created_at %s", exec.CreatedAt)
	}
}

func TestDeliverablesRequiredForApproval(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, strings.Replace(scenarioLoop, "type: human}", "type: human, deliverables: [spec.md]}", 1), 2, guarantee.Config{})
	exec := env.create(t, "L", "")
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	_, err := env.Engine.ApproveGate(env.Ctx, ref(exec), "G", nil, "")
	pe := expectCode(t, err, engine.CodeDeliverablesMissing)
	if pe.IDs[0] != "spec.md" {
		t.Fatalf("expected spec.md missing, got %v", pe.IDs)
	}
	exec = must(t)(env.Engine.ApproveGate(env.Ctx, ref(exec), "G", map[string]string{"spec.md": "docs/spec.md"}, ""))
	if exec.Gate("G").Deliverables["spec.md"] != "docs/spec.md" {
		t.Fatalf("deliverables not recorded: %+v", exec.Gate("G"))
	}
	_, err = env.Engine.ApproveGate(env.Ctx, ref(exec), "G", nil, "")
	expectCode(t, err, engine.CodeGateNotPending)
	_, err = env.Engine.ApproveGate(env.Ctx, ref(exec), "nope", nil, "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown gate, got %v", err)
	}
}

func TestRejectFailArchive(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	_, err := env.Engine.Archive(env.Ctx, ref(exec))
	expectCode(t, err, engine.CodeExecutionNotTerminal)

	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "b"))
	exec = must(t)(env.Engine.RejectGate(env.Ctx, ref(exec), "G", "spec is thin"))
	if exec.Status != domain.ExecutionBlocked || exec.Phase("INIT").Status != domain.PhaseCompleted {
		t.Fatalf("rejection blocks without rolling back, got %s %s", exec.Status, exec.Phase("INIT").Status)
	}
	action, exec, err := env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionBlockOnGate || action.Reason != "rejected" {
		t.Fatalf("rejected gate keeps blocking, got %+v err=%v", action, err)
	}
	if exec.Status != domain.ExecutionBlocked {
		t.Fatalf("expected still blocked, got %s", exec.Status)
	}
	_, err = env.Engine.AdvancePhase(env.Ctx, ref(exec))
	expectCode(t, err, engine.CodeGatesUnresolved)

	exec = must(t)(env.Engine.FailExecution(env.Ctx, ref(exec), "abandoned after review"))
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	exec = must(t)(env.Engine.Archive(env.Ctx, ref(exec)))
	if exec.ArchivedAt == nil {
		t.Fatalf("expected archived")
	}
	_, err = env.Engine.FailExecution(env.Ctx, ref(exec), "again")
	expectCode(t, err, engine.CodeExecutionNotActive)

	listed, err := env.Engine.List(env.Ctx, repo.ExecutionFilters{Project: "proj-1"})
	if err != nil || len(listed) != 0 {
		t.Fatalf("archived execution should not be listed: %v %d", err, len(listed))
	}
}

func TestFailSkillFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	exec = must(t)(env.Engine.FailSkill(env.Ctx, ref(exec), "a", "tool crashed"))
	if exec.Status != domain.ExecutionFailed || !strings.Contains(exec.StatusReason, "tool crashed") {
		t.Fatalf("expected failed execution, got %s %q", exec.Status, exec.StatusReason)
	}
	_, err := env.Engine.CompleteSkill(env.Ctx, ref(exec), "b")
	expectCode(t, err, engine.CodeExecutionNotActive)
}

func TestSkipPhase(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, `id: O
version: "1"
phases:
  - {name: INIT, skills: [a]}
  - {name: OPTIONAL, required: false, skills: [b, c]}
gates:
  - {id: never, after: OPTIONAL, type: human}
`, 1, guarantee.Config{})
	exec := env.create(t, "O", "")
	_, err := env.Engine.SkipPhase(env.Ctx, ref(exec), "skip it")
	expectCode(t, err, engine.CodePhaseRequired)

	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	exec = must(t)(env.Engine.AdvancePhase(env.Ctx, ref(exec)))
	if rec := exec.Phase("OPTIONAL"); rec.Skills[0].Required {
		t.Fatalf("skills of an optional phase are not effectively required")
	}
	exec = must(t)(env.Engine.SkipPhase(env.Ctx, ref(exec), "out of scope"))
	if exec.Phase("OPTIONAL").Status != domain.PhaseSkipped || exec.Gate("never") != nil {
		t.Fatalf("expected skipped phase without gates, got %+v %+v", exec.Phase("OPTIONAL"), exec.Gates)
	}
	action, exec, err := env.Engine.Next(env.Ctx, ref(exec))
	if err != nil || action.Kind != engine.ActionCompleteExecution || exec.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completion, got %+v %s err=%v", action, exec.Status, err)
	}
}

func TestPinnedSnapshotSurvivesRepublish(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	env.publish(t, `id: L
version: "2"
phases:
  - {name: ONLY, skills: [lint]}
`, 2, guarantee.Config{})

	exec = must(t)(env.Engine.CompleteSkill(env.Ctx, ref(exec), "a"))
	if exec.LoopVersion != "1" || exec.LoopRevision != 1 {
		t.Fatalf("expected pinned version 1, got %s/%d", exec.LoopVersion, exec.LoopRevision)
	}
	snap, err := env.Engine.Snapshot(env.Ctx, exec.ID)
	if err != nil || len(snap.Loop.Phases) != 2 {
		t.Fatalf("snapshot must keep original shape: %v %+v", err, snap.Loop.Phases)
	}
	fresh := env.create(t, "L", "")
	if fresh.CurrentPhase != "ONLY" || fresh.SnapshotID == exec.SnapshotID {
		t.Fatalf("new executions use the new loop, got %s", fresh.CurrentPhase)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{LoopID: "L"})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{LoopID: "missing", Project: "p"})
	expectCode(t, err, engine.CodeLoopUnavailable)
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{LoopID: "L", Project: "p", Mode: "sideways"})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
	_, err = env.Engine.Get(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFeedReceivesCommittedEvents(t *testing.T) {
	env := newTestEnv(t)
	exec := env.create(t, "L", "")
	ch, cancel := env.Engine.Feed.Subscribe(exec.ID)
	defer cancel()
	must(t)(env.Engine.StartSkill(env.Ctx, ref(exec), "a"))
	select {
	case entry := <-ch:
		if entry.Type != "skill.started" || entry.EntityID != "a" || entry.Seq == 0 {
			t.Fatalf("unexpected entry %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
	_, err := env.Engine.StartSkill(env.Ctx, ref(exec), "a")
	expectCode(t, err, engine.CodeSkillNotPending)
	select {
	case entry := <-ch:
		t.Fatalf("failed command published %+v", entry)
	default:
	}
}

func TestCommandsAreTraced(t *testing.T) {
	env := newTestEnv(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	env.Engine.Tracer = tp.Tracer("loopline/engine")

	exec := env.create(t, "L", "")
	must(t)(env.Engine.StartSkill(env.Ctx, ref(exec), "a"))
	_, _ = env.Engine.StartSkill(env.Ctx, ref(exec), "a")

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[1].Name() != "engine.start_skill" {
		t.Fatalf("unexpected span name %s", spans[1].Name())
	}
	found := false
	for _, kv := range spans[1].Attributes() {
		if string(kv.Key) == "execution.id" && kv.Value.AsString() == exec.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("span missing execution.id")
	}
	if spans[2].Status().Code != codes.Error {
		t.Fatalf("failed command should mark span as error")
	}
}
