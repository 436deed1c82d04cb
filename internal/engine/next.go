package engine

import (
	"fmt"

	"loopline/internal/domain"
	"loopline/internal/guarantee"
)

type ActionKind string

const (
	ActionNone              ActionKind = "none"
	ActionStartSkill        ActionKind = "start_skill"
	ActionCompleteSkill     ActionKind = "complete_skill"
	ActionCompletePhase     ActionKind = "complete_phase"
	ActionApproveGate       ActionKind = "approve_gate"
	ActionBlockOnGate       ActionKind = "block_on_gate"
	ActionBlockOnGuarantee  ActionKind = "block_on_guarantee"
	ActionAdvancePhase      ActionKind = "advance_phase"
	ActionCompleteExecution ActionKind = "complete_execution"
)

// Blocks reports whether applying the action moves the execution to blocked.
func (k ActionKind) Blocks() bool {
	return k == ActionBlockOnGate || k == ActionBlockOnGuarantee
}

// Action is the single next step for an execution.
type Action struct {
	Kind       ActionKind            `json:"kind" enum:"none,start_skill,complete_skill,complete_phase,approve_gate,block_on_gate,block_on_guarantee,advance_phase,complete_execution"`
	Phase      string                `json:"phase,omitempty"`
	SkillID    string                `json:"skill_id,omitempty"`
	GateID     string                `json:"gate_id,omitempty"`
	NextPhase  string                `json:"next_phase,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Overridden bool                  `json:"overridden,omitempty"`
	Violations []guarantee.Violation `json:"violations,omitempty"`
}

// Decision carries everything NextAction reads besides the execution itself.
type Decision struct {
	Loop domain.Loop
	// Guarantees is nil when aggregation failed for the pinned snapshot.
	Guarantees       *domain.GuaranteeMap
	AggregationError string
	// Condition evaluates a conditional gate. A nil func never approves.
	Condition func(g domain.Gate) (bool, error)
}

// NextAction decides what should happen next. It reads only its arguments,
// so identical state always yields the identical action.
func NextAction(exec *domain.Execution, d Decision) Action {
	if exec.Status != domain.ExecutionActive {
		return Action{Kind: ActionNone, Reason: fmt.Sprintf("execution is %s", exec.Status)}
	}
	rec := exec.Current()
	phase, ok := d.Loop.Phase(exec.CurrentPhase)
	if rec == nil || !ok {
		return Action{Kind: ActionNone, Reason: fmt.Sprintf("unknown phase %q", exec.CurrentPhase)}
	}

	switch rec.Status {
	case domain.PhaseInProgress:
		return nextInPhase(rec, phase)
	case domain.PhaseCompleted, domain.PhaseSkipped:
		if rec.Status == domain.PhaseCompleted {
			if a, stop := nextGate(exec, d, phase.Name); stop {
				return a
			}
		}
		next, ok := d.Loop.NextPhase(phase.Name)
		if !ok {
			return Action{Kind: ActionCompleteExecution, Phase: phase.Name}
		}
		if exec.Autonomy == domain.AutonomyAutonomous {
			if a, unsafe := guard(exec, d, phase.Name); unsafe {
				return a
			}
		}
		return Action{Kind: ActionAdvancePhase, Phase: phase.Name, NextPhase: next.Name}
	default:
		return Action{Kind: ActionNone, Phase: phase.Name, Reason: fmt.Sprintf("phase %s is %s", phase.Name, rec.Status)}
	}
}

// nextInPhase picks the first pending skill, then the first in-progress one.
// A sequential phase finishes its running skill before starting another.
func nextInPhase(rec *domain.PhaseRecord, phase domain.Phase) Action {
	var pending, running string
	for _, s := range rec.Skills {
		switch s.Status {
		case domain.SkillPending:
			if pending == "" {
				pending = s.SkillID
			}
		case domain.SkillInProgress:
			if running == "" {
				running = s.SkillID
			}
		}
	}
	switch {
	case running != "" && !phase.Parallel:
		return Action{Kind: ActionCompleteSkill, Phase: phase.Name, SkillID: running}
	case pending != "":
		return Action{Kind: ActionStartSkill, Phase: phase.Name, SkillID: pending}
	case running != "":
		return Action{Kind: ActionCompleteSkill, Phase: phase.Name, SkillID: running}
	default:
		return Action{Kind: ActionCompletePhase, Phase: phase.Name}
	}
}

// nextGate walks the gates bound to phase in declared order and returns the
// first one that needs an action.
func nextGate(exec *domain.Execution, d Decision, phase string) (Action, bool) {
	for _, g := range d.Loop.GatesAfter(phase) {
		rec := exec.Gate(g.ID)
		if rec == nil || rec.Status == domain.GateApproved {
			continue
		}
		if rec.Status == domain.GateRejected {
			return Action{Kind: ActionBlockOnGate, Phase: phase, GateID: g.ID, Reason: "rejected"}, true
		}
		a := decideGate(exec, d, g)
		if a.Kind.Blocks() && !g.Required && !a.Overridden {
			continue
		}
		return a, true
	}
	return Action{}, false
}

// decideGate is the approval table for one pending gate:
//
//	supervised  x any          -> block
//	autonomous  x auto|human   -> approve
//	autonomous  x conditional  -> approve iff the condition holds
//
// Every autonomous approval must also pass the guarantee check.
func decideGate(exec *domain.Execution, d Decision, g domain.Gate) Action {
	block := Action{Kind: ActionBlockOnGate, Phase: g.AfterPhase, GateID: g.ID}
	if exec.Autonomy != domain.AutonomyAutonomous {
		block.Reason = "awaiting approval"
		return block
	}
	if a, unsafe := guard(exec, d, g.AfterPhase); unsafe {
		a.GateID = g.ID
		return a
	}
	approve := Action{Kind: ActionApproveGate, Phase: g.AfterPhase, GateID: g.ID}
	switch g.ApprovalType {
	case domain.ApprovalAuto, domain.ApprovalHuman:
		return approve
	case domain.ApprovalConditional:
		if d.Condition == nil {
			block.Reason = "condition not evaluated"
			return block
		}
		ok, err := d.Condition(g)
		if err != nil {
			block.Reason = "condition error: " + err.Error()
			return block
		}
		if !ok {
			block.Reason = "condition not met"
			return block
		}
		return approve
	default:
		block.Reason = fmt.Sprintf("unknown approval type %q", g.ApprovalType)
		return block
	}
}

// guard consults the guarantee map before an autonomous step past phase.
func guard(exec *domain.Execution, d Decision, phase string) (Action, bool) {
	if d.Guarantees == nil {
		reason := "guarantee aggregation failed"
		if d.AggregationError != "" {
			reason += ": " + d.AggregationError
		}
		return Action{Kind: ActionBlockOnGuarantee, Phase: phase, Reason: reason, Overridden: true}, true
	}
	safety := guarantee.SafeToProceed(d.Loop, *d.Guarantees, exec, phase)
	if safety.Safe {
		return Action{}, false
	}
	return Action{
		Kind:       ActionBlockOnGuarantee,
		Phase:      phase,
		Reason:     safety.Reason(),
		Overridden: true,
		Violations: safety.Violations,
	}, true
}

// established reports, per guarantee, whether every required contributor
// has completed. A guarantee with no required contributors counts once any
// contributor has completed.
func established(exec *domain.Execution, gm *domain.GuaranteeMap) map[string]bool {
	out := map[string]bool{}
	if gm == nil {
		return out
	}
	for _, entry := range gm.Guarantees {
		ok, done := true, false
		for _, c := range entry.Contributors {
			status, _ := exec.SkillStatus(c.Phase, c.SkillID)
			if status == domain.SkillCompleted {
				done = true
				continue
			}
			if c.Required {
				ok = false
			}
		}
		out[entry.ID] = ok && done
	}
	return out
}
