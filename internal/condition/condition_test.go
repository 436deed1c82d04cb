package condition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopline/internal/domain"
)

func sampleInput() Input {
	exec := &domain.Execution{
		ID:           "e1",
		LoopID:       "L",
		Project:      "demo",
		Mode:         domain.ModeBrownfield,
		Autonomy:     domain.AutonomyAutonomous,
		CurrentPhase: "BUILD",
		Phases: []domain.PhaseRecord{
			{Phase: "INIT", Status: domain.PhaseCompleted, Skills: []domain.SkillRecord{{SkillID: "a", Status: domain.SkillCompleted}}},
			{Phase: "BUILD", Status: domain.PhaseCompleted, Skills: []domain.SkillRecord{{SkillID: "lint", Status: domain.SkillSkipped}}},
		},
		Gates: []domain.GateRecord{{GateID: "G", Status: domain.GateApproved}},
	}
	return FromExecution(exec, map[string]bool{"tests-exist": true})
}

func TestEval(t *testing.T) {
	cases := map[string]struct {
		expr string
		want bool
	}{
		"bare expression":   {expr: `skills.a == "completed"`, want: true},
		"explicit return":   {expr: `return skills["lint"] == "completed"`, want: false},
		"gate status":       {expr: `gates.G == "approved" and phases.INIT == "completed"`, want: true},
		"guarantee lookup":  {expr: `guarantees["tests-exist"]`, want: true},
		"missing guarantee": {expr: `guarantees.other`, want: false},
		"execution fields":  {expr: `execution.mode == "brownfield" and execution.project == "demo"`, want: true},
		"multi line":        {expr: "local n = 0\nfor _, s in pairs(skills) do\n  if s == \"completed\" then n = n + 1 end\nend\nreturn n >= 1", want: true},
		"no return":         {expr: "local x = 1\nx = x + 1", want: false},
		"string lib":        {expr: `string.upper(execution.loop) == "L"`, want: true},
	}
	var ev Evaluator
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ev.Eval(context.Background(), tc.expr, sampleInput())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalSandbox(t *testing.T) {
	var ev Evaluator
	_, err := ev.Eval(context.Background(), `os.exit(1)`, sampleInput())
	assert.Error(t, err)
	_, err = ev.Eval(context.Background(), `dofile("/etc/passwd")`, sampleInput())
	assert.Error(t, err)
	_, err = ev.Eval(context.Background(), `math.random()`, sampleInput())
	assert.Error(t, err)
}

func TestEvalTimeout(t *testing.T) {
	ev := Evaluator{Timeout: 20 * time.Millisecond}
	_, err := ev.Eval(context.Background(), "while true do end", sampleInput())
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(`skills.a == "completed"`))
	assert.Error(t, Check(""))
	assert.Error(t, Check("return (("))
}
