// Package condition evaluates conditional gate expressions in a sandboxed Lua state.
package condition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"loopline/internal/domain"
)

const DefaultTimeout = 250 * time.Millisecond

// Input is the execution state exposed to a condition as Lua globals:
// execution, skills, phases, gates and guarantees.
type Input struct {
	ExecutionID string
	LoopID      string
	Project     string
	Mode        domain.Mode
	Autonomy    domain.Autonomy
	Phase       string
	Skills      map[string]domain.SkillStatus
	Phases      map[string]domain.PhaseStatus
	Gates       map[string]domain.GateStatus
	Guarantees  map[string]bool
}

// FromExecution builds an Input from an execution. established lists the
// guarantees whose required contributors have completed.
func FromExecution(exec *domain.Execution, established map[string]bool) Input {
	in := Input{
		ExecutionID: exec.ID,
		LoopID:      exec.LoopID,
		Project:     exec.Project,
		Mode:        exec.Mode,
		Autonomy:    exec.Autonomy,
		Phase:       exec.CurrentPhase,
		Skills:      exec.SkillStatuses(),
		Phases:      map[string]domain.PhaseStatus{},
		Gates:       map[string]domain.GateStatus{},
		Guarantees:  established,
	}
	for _, p := range exec.Phases {
		in.Phases[p.Phase] = p.Status
	}
	for _, g := range exec.Gates {
		in.Gates[g.GateID] = g.Status
	}
	return in
}

// Evaluator runs conditions. The zero value uses DefaultTimeout.
type Evaluator struct {
	Timeout time.Duration
}

// Check parses expr without running it.
func Check(expr string) error {
	src := normalize(expr)
	if src == "" {
		return fmt.Errorf("condition is empty")
	}
	if _, err := parse.Parse(strings.NewReader(src), "<condition>"); err != nil {
		return fmt.Errorf("parse condition: %w", err)
	}
	return nil
}

// Eval runs expr and reports the truthiness of its first return value.
// A bare expression such as `skills.lint == "completed"` is treated as
// `return <expr>`.
func (e Evaluator) Eval(ctx context.Context, expr string, in Input) (bool, error) {
	src := normalize(expr)
	if src == "" {
		return false, fmt.Errorf("condition is empty")
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)
	bind(L, in)

	top := L.GetTop()
	if err := L.DoString(src); err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	if L.GetTop() == top {
		return false, nil
	}
	return lua.LVAsBool(L.Get(top + 1)), nil
}

func normalize(expr string) string {
	src := strings.TrimSpace(expr)
	if src == "" {
		return ""
	}
	if !strings.Contains(src, "\n") && !strings.HasPrefix(src, "return") {
		src = "return " + src
	}
	return src
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func bind(L *lua.LState, in Input) {
	exec := L.NewTable()
	L.SetField(exec, "id", lua.LString(in.ExecutionID))
	L.SetField(exec, "loop", lua.LString(in.LoopID))
	L.SetField(exec, "project", lua.LString(in.Project))
	L.SetField(exec, "mode", lua.LString(in.Mode))
	L.SetField(exec, "autonomy", lua.LString(in.Autonomy))
	L.SetField(exec, "phase", lua.LString(in.Phase))
	L.SetGlobal("execution", exec)

	L.SetGlobal("skills", stringTable(L, in.Skills))
	L.SetGlobal("phases", stringTable(L, in.Phases))
	L.SetGlobal("gates", stringTable(L, in.Gates))

	guarantees := L.NewTable()
	for _, k := range sortedKeys(in.Guarantees) {
		L.SetField(guarantees, k, lua.LBool(in.Guarantees[k]))
	}
	L.SetGlobal("guarantees", guarantees)
}

func stringTable[V ~string](L *lua.LState, m map[string]V) *lua.LTable {
	tbl := L.NewTable()
	for _, k := range sortedKeys(m) {
		L.SetField(tbl, k, lua.LString(m[k]))
	}
	return tbl
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
