package engine

import (
	"context"
	"fmt"
	"strings"

	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/repo"
)

// StartSkill moves a pending skill of the current phase to in-progress.
func (e Engine) StartSkill(ctx context.Context, ref Ref, skillID string) (domain.Execution, error) {
	return e.apply(ctx, "start_skill", ref, func(t *txn) error {
		rec, sk, phase, err := t.skill(skillID)
		if err != nil {
			return err
		}
		if sk.Status != domain.SkillPending {
			return t.fail(CodeSkillNotPending, "skill", "skill %s is %s", skillID, sk.Status).with(skillID)
		}
		if err := t.checkBusy(rec, phase, skillID); err != nil {
			return err
		}
		sk.Status = domain.SkillInProgress
		sk.StartedAt = t.stamp()
		return t.emit("skill.started", "skill", skillID, events.EventPayload{"phase": rec.Phase, "required": sk.Required})
	})
}

// CompleteSkill completes a pending or in-progress skill. A pending skill is
// started and completed in one step. Completing the last outstanding skill
// completes the phase.
func (e Engine) CompleteSkill(ctx context.Context, ref Ref, skillID string) (domain.Execution, error) {
	return e.apply(ctx, "complete_skill", ref, func(t *txn) error {
		rec, sk, _, err := t.skill(skillID)
		if err != nil {
			return err
		}
		if sk.Status != domain.SkillPending && sk.Status != domain.SkillInProgress {
			return t.fail(CodeSkillAlreadyTerminal, "skill", "skill %s is already %s", skillID, sk.Status).with(skillID)
		}
		autoStarted := sk.Status == domain.SkillPending
		if autoStarted {
			sk.StartedAt = t.stamp()
		}
		sk.Status = domain.SkillCompleted
		sk.CompletedAt = t.stamp()
		if err := t.emit("skill.completed", "skill", skillID, events.EventPayload{"phase": rec.Phase, "auto_started": autoStarted}); err != nil {
			return err
		}
		return t.settlePhase(rec)
	})
}

// SkipSkill skips a skill with a reason. Skipping a required skill is
// allowed; it is recorded, and a skipped skill never establishes its
// guarantees.
func (e Engine) SkipSkill(ctx context.Context, ref Ref, skillID, reason string) (domain.Execution, error) {
	return e.apply(ctx, "skip_skill", ref, func(t *txn) error {
		if strings.TrimSpace(reason) == "" {
			return t.fail(CodeReasonRequired, "skill", "a reason is required to skip %s", skillID).with(skillID)
		}
		rec, sk, _, err := t.skill(skillID)
		if err != nil {
			return err
		}
		if sk.Status != domain.SkillPending && sk.Status != domain.SkillInProgress {
			return t.fail(CodeSkillAlreadyTerminal, "skill", "skill %s is already %s", skillID, sk.Status).with(skillID)
		}
		sk.Status = domain.SkillSkipped
		sk.CompletedAt = t.stamp()
		sk.Reason = reason
		if sk.Required {
			t.eng.logger().Warn("required skill skipped", "execution", t.exec.ID, "phase", rec.Phase, "skill", skillID, "reason", reason)
		}
		if err := t.emit("skill.skipped", "skill", skillID, events.EventPayload{"phase": rec.Phase, "reason": reason, "required": sk.Required}); err != nil {
			return err
		}
		return t.settlePhase(rec)
	})
}

// FailSkill marks a skill failed, which fails the execution.
func (e Engine) FailSkill(ctx context.Context, ref Ref, skillID, reason string) (domain.Execution, error) {
	return e.apply(ctx, "fail_skill", ref, func(t *txn) error {
		if strings.TrimSpace(reason) == "" {
			return t.fail(CodeReasonRequired, "skill", "a reason is required to fail %s", skillID).with(skillID)
		}
		rec, sk, _, err := t.skill(skillID)
		if err != nil {
			return err
		}
		if sk.Status != domain.SkillPending && sk.Status != domain.SkillInProgress {
			return t.fail(CodeSkillAlreadyTerminal, "skill", "skill %s is already %s", skillID, sk.Status).with(skillID)
		}
		sk.Status = domain.SkillFailed
		sk.CompletedAt = t.stamp()
		sk.Reason = reason
		if err := t.emit("skill.failed", "skill", skillID, events.EventPayload{"phase": rec.Phase, "reason": reason}); err != nil {
			return err
		}
		return t.terminate(domain.ExecutionFailed, fmt.Sprintf("skill %s failed: %s", skillID, reason))
	})
}

// CompletePhase completes the current phase once none of its skills are
// pending or in progress, and opens the gates bound to it.
func (e Engine) CompletePhase(ctx context.Context, ref Ref) (domain.Execution, error) {
	return e.apply(ctx, "complete_phase", ref, func(t *txn) error {
		rec, err := t.inProgress()
		if err != nil {
			return err
		}
		if outstanding := rec.Outstanding(); len(outstanding) > 0 {
			return t.fail(CodeSkillsOutstanding, "phase", "phase %s has outstanding skills", rec.Phase).with(outstanding...)
		}
		return t.completePhase(rec)
	})
}

// SkipPhase skips the current phase if it is not required. Outstanding
// skills are skipped with it and its gates are never opened.
func (e Engine) SkipPhase(ctx context.Context, ref Ref, reason string) (domain.Execution, error) {
	return e.apply(ctx, "skip_phase", ref, func(t *txn) error {
		if strings.TrimSpace(reason) == "" {
			return t.fail(CodeReasonRequired, "phase", "a reason is required to skip phase %s", t.exec.CurrentPhase).with(t.exec.CurrentPhase)
		}
		rec, err := t.inProgress()
		if err != nil {
			return err
		}
		phase, _ := t.snap.Loop.Phase(rec.Phase)
		if phase.Required {
			return t.fail(CodePhaseRequired, "phase", "phase %s is required", rec.Phase).with(rec.Phase)
		}
		skipped := rec.Outstanding()
		for _, id := range skipped {
			sk := rec.Skill(id)
			sk.Status = domain.SkillSkipped
			sk.CompletedAt = t.stamp()
			sk.Reason = "phase skipped: " + reason
		}
		rec.Status = domain.PhaseSkipped
		rec.CompletedAt = t.stamp()
		rec.Reason = reason
		return t.emit("phase.skipped", "phase", rec.Phase, events.EventPayload{"reason": reason, "skills": skipped})
	})
}

// AdvancePhase moves to the next phase once the current one is done and
// every gate bound to it is resolved.
func (e Engine) AdvancePhase(ctx context.Context, ref Ref) (domain.Execution, error) {
	return e.apply(ctx, "advance_phase", ref, func(t *txn) error {
		if err := t.live(); err != nil {
			return err
		}
		rec := t.exec.Current()
		if rec == nil || !rec.Status.Done() {
			return t.fail(CodePhaseNotCompleted, "phase", "phase %s is not completed", t.exec.CurrentPhase).with(t.exec.CurrentPhase)
		}
		if unresolved := t.unresolvedGates(rec); len(unresolved) > 0 {
			return t.fail(CodeGatesUnresolved, "gate", "phase %s has unresolved gates", rec.Phase).with(unresolved...)
		}
		next, ok := t.snap.Loop.NextPhase(rec.Phase)
		if !ok {
			return t.fail(CodeNoNextPhase, "phase", "phase %s is the last phase", rec.Phase).with(rec.Phase)
		}
		return t.advance(rec.Phase, next)
	})
}

// ApproveGate approves a pending gate. Every declared deliverable must be supplied.
func (e Engine) ApproveGate(ctx context.Context, ref Ref, gateID string, deliverables map[string]string, feedback string) (domain.Execution, error) {
	return e.apply(ctx, "approve_gate", ref, func(t *txn) error {
		gate, rec, err := t.pendingGate(gateID)
		if err != nil {
			return err
		}
		var missing []string
		for _, name := range gate.Deliverables {
			if strings.TrimSpace(deliverables[name]) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return t.fail(CodeDeliverablesMissing, "gate", "gate %s requires deliverables", gateID).with(missing...)
		}
		approver := t.actor
		if approver == "" {
			approver = "unknown"
		}
		if err := t.approve(gate, rec, approver, deliverables, feedback, false); err != nil {
			return err
		}
		return t.unblockIfClear()
	})
}

// RejectGate rejects a pending gate. The phase is left as it is; the
// execution blocks until someone decides to fail it.
func (e Engine) RejectGate(ctx context.Context, ref Ref, gateID, feedback string) (domain.Execution, error) {
	return e.apply(ctx, "reject_gate", ref, func(t *txn) error {
		_, rec, err := t.pendingGate(gateID)
		if err != nil {
			return err
		}
		rec.Status = domain.GateRejected
		rec.Feedback = feedback
		if err := t.emit("gate.rejected", "gate", gateID, events.EventPayload{"phase": rec.Phase, "feedback": feedback}); err != nil {
			return err
		}
		return t.block(Action{Kind: ActionBlockOnGate, Phase: rec.Phase, GateID: gateID, Reason: "rejected"})
	})
}

// FailExecution abandons an execution.
func (e Engine) FailExecution(ctx context.Context, ref Ref, reason string) (domain.Execution, error) {
	return e.apply(ctx, "fail_execution", ref, func(t *txn) error {
		if strings.TrimSpace(reason) == "" {
			return t.fail(CodeReasonRequired, "execution", "a reason is required to fail an execution").with(t.exec.ID)
		}
		if err := t.live(); err != nil {
			return err
		}
		return t.terminate(domain.ExecutionFailed, reason)
	})
}

// Archive hides a completed or failed execution from default listings.
// Archived executions accept no further commands.
func (e Engine) Archive(ctx context.Context, ref Ref) (domain.Execution, error) {
	return e.apply(ctx, "archive", ref, func(t *txn) error {
		if t.exec.ArchivedAt != nil {
			return t.fail(CodeExecutionNotActive, "execution", "execution is already archived").with(t.exec.ID)
		}
		if !t.exec.Status.Terminal() {
			return t.fail(CodeExecutionNotTerminal, "execution", "execution is %s", t.exec.Status).with(t.exec.ID)
		}
		t.exec.ArchivedAt = t.stamp()
		return t.emit("execution.archived", "execution", t.exec.ID, events.EventPayload{"status": t.exec.Status})
	})
}

// Next evaluates NextAction and applies its status effects only: a block
// action blocks the execution, complete_execution completes it, and a blocked
// execution whose block no longer holds becomes active again.
func (e Engine) Next(ctx context.Context, ref Ref) (Action, domain.Execution, error) {
	var action Action
	exec, err := e.apply(ctx, "next", ref, func(t *txn) error {
		action = t.next()
		if err := t.resume(action); err != nil {
			return err
		}
		return t.applyStatus(action)
	})
	return action, exec, err
}

// Step is Next plus the engine-internal actions: completing a phase,
// approving a gate on the engine's own authority and advancing. Skill work
// is returned to the caller, never performed.
func (e Engine) Step(ctx context.Context, ref Ref) (Action, domain.Execution, error) {
	var action Action
	exec, err := e.apply(ctx, "step", ref, func(t *txn) error {
		action = t.next()
		if err := t.resume(action); err != nil {
			return err
		}
		switch action.Kind {
		case ActionCompletePhase:
			return t.completePhase(t.exec.Current())
		case ActionApproveGate:
			gate, _ := t.snap.Loop.Gate(action.GateID)
			return t.approve(gate, t.exec.Gate(action.GateID), SystemActor, nil, "", true)
		case ActionAdvancePhase:
			next, _ := t.snap.Loop.Phase(action.NextPhase)
			return t.advance(action.Phase, next)
		default:
			return t.applyStatus(action)
		}
	})
	return action, exec, err
}

func (t *txn) next() Action {
	if t.exec.ArchivedAt != nil {
		return Action{Kind: ActionNone, Reason: "execution is archived"}
	}
	if t.exec.Status == domain.ExecutionBlocked {
		// Blocks are re-decided: a condition or guarantee may hold now.
		view := *t.exec
		view.Status = domain.ExecutionActive
		return NextAction(&view, t.decision())
	}
	return NextAction(t.exec, t.decision())
}

// resume reactivates a blocked execution when the re-decided action no
// longer blocks.
func (t *txn) resume(a Action) error {
	if t.exec.Status != domain.ExecutionBlocked || a.Kind == ActionNone || a.Kind.Blocks() {
		return nil
	}
	return t.setActive()
}

func (t *txn) applyStatus(a Action) error {
	switch {
	case a.Kind.Blocks():
		return t.block(a)
	case a.Kind == ActionCompleteExecution:
		return t.terminate(domain.ExecutionCompleted, "")
	}
	return nil
}

// live rejects commands on archived or terminal executions.
func (t *txn) live() error {
	if t.exec.ArchivedAt != nil {
		return t.fail(CodeExecutionNotActive, "execution", "execution is archived").with(t.exec.ID)
	}
	if t.exec.Status.Terminal() {
		return t.fail(CodeExecutionNotActive, "execution", "execution is %s", t.exec.Status).with(t.exec.ID)
	}
	return nil
}

func (t *txn) inProgress() (*domain.PhaseRecord, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	rec := t.exec.Current()
	if rec == nil || rec.Status != domain.PhaseInProgress {
		status := domain.PhaseStatus("missing")
		if rec != nil {
			status = rec.Status
		}
		return nil, t.fail(CodePhaseNotInProgress, "phase", "phase %s is %s", t.exec.CurrentPhase, status).with(t.exec.CurrentPhase)
	}
	return rec, nil
}

// skill resolves skillID within the current in-progress phase.
func (t *txn) skill(skillID string) (*domain.PhaseRecord, *domain.SkillRecord, domain.Phase, error) {
	if strings.TrimSpace(skillID) == "" {
		return nil, nil, domain.Phase{}, fmt.Errorf("%w: skill id is required", ErrInvalid)
	}
	rec, err := t.inProgress()
	if err != nil {
		return nil, nil, domain.Phase{}, err
	}
	sk := rec.Skill(skillID)
	if sk == nil {
		return nil, nil, domain.Phase{}, t.fail(CodeSkillNotInPhase, "skill", "skill %s is not part of phase %s", skillID, rec.Phase).with(skillID)
	}
	phase, _ := t.snap.Loop.Phase(rec.Phase)
	return rec, sk, phase, nil
}

// checkBusy enforces one running skill at a time in a sequential phase.
func (t *txn) checkBusy(rec *domain.PhaseRecord, phase domain.Phase, skillID string) error {
	if phase.Parallel {
		return nil
	}
	var running []string
	for _, s := range rec.Skills {
		if s.Status == domain.SkillInProgress && s.SkillID != skillID {
			running = append(running, s.SkillID)
		}
	}
	if len(running) > 0 {
		return t.fail(CodeSequentialPhaseBusy, "phase", "phase %s runs one skill at a time", rec.Phase).with(running...)
	}
	return nil
}

// settlePhase completes the phase once its last outstanding skill resolves.
func (t *txn) settlePhase(rec *domain.PhaseRecord) error {
	if rec.Status != domain.PhaseInProgress || len(rec.Outstanding()) > 0 {
		return nil
	}
	for _, s := range rec.Skills {
		if s.Status == domain.SkillFailed {
			return nil
		}
	}
	return t.completePhase(rec)
}

func (t *txn) completePhase(rec *domain.PhaseRecord) error {
	rec.Status = domain.PhaseCompleted
	rec.CompletedAt = t.stamp()
	var skipped []string
	for _, s := range rec.Skills {
		if s.Status == domain.SkillSkipped {
			skipped = append(skipped, s.SkillID)
		}
	}
	if err := t.emit("phase.completed", "phase", rec.Phase, events.EventPayload{"skipped_skills": skipped}); err != nil {
		return err
	}
	for _, g := range t.snap.Loop.GatesAfter(rec.Phase) {
		if t.exec.Gate(g.ID) != nil {
			continue
		}
		t.exec.Gates = append(t.exec.Gates, domain.GateRecord{GateID: g.ID, Phase: rec.Phase, Status: domain.GatePending})
		if err := t.emit("gate.opened", "gate", g.ID, events.EventPayload{
			"phase":         rec.Phase,
			"approval_type": g.ApprovalType,
			"required":      g.Required,
		}); err != nil {
			return err
		}
	}
	return nil
}

// unresolvedGates lists gates bound to a completed phase that stop an
// advance: rejected gates and required gates not yet approved.
func (t *txn) unresolvedGates(rec *domain.PhaseRecord) []string {
	if rec.Status != domain.PhaseCompleted {
		return nil
	}
	var out []string
	for _, g := range t.snap.Loop.GatesAfter(rec.Phase) {
		gr := t.exec.Gate(g.ID)
		switch {
		case gr != nil && gr.Status == domain.GateRejected:
			out = append(out, g.ID)
		case g.Required && (gr == nil || gr.Status != domain.GateApproved):
			out = append(out, g.ID)
		}
	}
	return out
}

func (t *txn) advance(from string, next domain.Phase) error {
	rec := t.exec.Phase(next.Name)
	if rec == nil {
		return fmt.Errorf("execution %s has no record for phase %s", t.exec.ID, next.Name)
	}
	rec.Status = domain.PhaseInProgress
	rec.StartedAt = t.stamp()
	t.exec.CurrentPhase = next.Name
	if err := t.emit("phase.started", "phase", next.Name, events.EventPayload{"phase": next.Name, "from": from}); err != nil {
		return err
	}
	if t.exec.Status == domain.ExecutionBlocked {
		return t.setActive()
	}
	return nil
}

func (t *txn) pendingGate(gateID string) (domain.Gate, *domain.GateRecord, error) {
	if strings.TrimSpace(gateID) == "" {
		return domain.Gate{}, nil, fmt.Errorf("%w: gate id is required", ErrInvalid)
	}
	if err := t.live(); err != nil {
		return domain.Gate{}, nil, err
	}
	gate, ok := t.snap.Loop.Gate(gateID)
	if !ok {
		return domain.Gate{}, nil, fmt.Errorf("gate %s: %w", gateID, repo.ErrNotFound)
	}
	rec := t.exec.Gate(gateID)
	if rec == nil {
		return gate, nil, t.fail(CodeGateNotPending, "gate", "gate %s opens when phase %s completes", gateID, gate.AfterPhase).with(gateID)
	}
	if rec.Status != domain.GatePending {
		return gate, nil, t.fail(CodeGateNotPending, "gate", "gate %s is already %s", gateID, rec.Status).with(gateID)
	}
	return gate, rec, nil
}

func (t *txn) approve(gate domain.Gate, rec *domain.GateRecord, by string, deliverables map[string]string, feedback string, auto bool) error {
	if rec == nil {
		return fmt.Errorf("gate %s has no record", gate.ID)
	}
	rec.Status = domain.GateApproved
	rec.ApprovedBy = by
	rec.ApprovedAt = t.stamp()
	rec.Feedback = feedback
	if len(deliverables) > 0 {
		rec.Deliverables = make(map[string]string, len(deliverables))
		for k, v := range deliverables {
			rec.Deliverables[k] = v
		}
	}
	return t.emit("gate.approved", "gate", gate.ID, events.EventPayload{
		"phase":         rec.Phase,
		"approval_type": gate.ApprovalType,
		"approved_by":   by,
		"auto":          auto,
		"deliverables":  rec.Deliverables,
	})
}

// unblockIfClear reactivates a blocked execution once no gate of the current
// phase is rejected or awaiting a required approval.
func (t *txn) unblockIfClear() error {
	if t.exec.Status != domain.ExecutionBlocked {
		return nil
	}
	rec := t.exec.Current()
	if rec == nil {
		return nil
	}
	for _, g := range t.snap.Loop.GatesAfter(rec.Phase) {
		gr := t.exec.Gate(g.ID)
		if gr == nil {
			continue
		}
		if gr.Status == domain.GateRejected || (g.Required && gr.Status == domain.GatePending) {
			return nil
		}
	}
	return t.setActive()
}

func (t *txn) setActive() error {
	prev := t.exec.StatusReason
	t.exec.Status = domain.ExecutionActive
	t.exec.StatusReason = ""
	return t.emit("execution.unblocked", "execution", t.exec.ID, events.EventPayload{"previous_reason": prev})
}

func (t *txn) block(a Action) error {
	reason := a.Reason
	if a.GateID != "" {
		reason = fmt.Sprintf("gate %s: %s", a.GateID, a.Reason)
	}
	if t.exec.Status == domain.ExecutionBlocked && t.exec.StatusReason == reason {
		return nil
	}
	t.exec.Status = domain.ExecutionBlocked
	t.exec.StatusReason = reason
	if a.Overridden {
		t.eng.logger().Warn("autonomy overridden", "execution", t.exec.ID, "phase", a.Phase, "gate", a.GateID, "reason", a.Reason)
	} else {
		t.eng.logger().Info("execution blocked", "execution", t.exec.ID, "phase", a.Phase, "gate", a.GateID, "reason", a.Reason)
	}
	payload := events.EventPayload{
		"action":     a.Kind,
		"phase":      a.Phase,
		"reason":     a.Reason,
		"overridden": a.Overridden,
	}
	if a.GateID != "" {
		payload["gate_id"] = a.GateID
	}
	if len(a.Violations) > 0 {
		payload["violations"] = a.Violations
	}
	return t.emit("execution.blocked", "execution", t.exec.ID, payload)
}

func (t *txn) terminate(status domain.ExecutionStatus, reason string) error {
	t.exec.Status = status
	t.exec.StatusReason = reason
	t.exec.CompletedAt = t.stamp()
	evt := "execution.completed"
	if status == domain.ExecutionFailed {
		evt = "execution.failed"
		t.eng.logger().Warn("execution failed", "execution", t.exec.ID, "reason", reason)
	}
	return t.emit(evt, "execution", t.exec.ID, events.EventPayload{"phase": t.exec.CurrentPhase, "reason": reason})
}
