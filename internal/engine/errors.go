package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks malformed command input, as opposed to a precondition
// that the execution's current state does not meet.
var ErrInvalid = errors.New("invalid argument")

// Precondition codes are stable and part of the command surface.
const (
	CodeSkillNotPending      = "skill_not_pending"
	CodeSkillAlreadyTerminal = "skill_already_terminal"
	CodeSkillsOutstanding    = "skills_outstanding"
	CodeGateNotPending       = "gate_not_pending"
	CodeGatesUnresolved      = "gates_unresolved"
	CodePhaseNotCompleted    = "phase_not_completed"
	CodePhaseNotInProgress   = "phase_not_in_progress"
	CodeExecutionNotActive   = "execution_not_active"
	CodeExecutionNotTerminal = "execution_not_terminal"
	CodeReasonRequired       = "reason_required"
	CodeStaleState           = "stale_state"
	CodeNoNextPhase          = "no_next_phase"
	CodePhaseRequired        = "phase_required"
	CodeDeliverablesMissing  = "deliverables_missing"
	CodeSkillNotInPhase      = "skill_not_in_phase"
	CodeSequentialPhaseBusy  = "sequential_phase_busy"
	CodeLoopUnavailable      = "loop_unavailable"
	CodeAutonomyDisallowed   = "autonomy_disallowed"
)

// PreconditionError reports which precondition of a command failed and
// which entities are at fault. The execution is left untouched.
type PreconditionError struct {
	Op      string   `json:"op"`
	Code    string   `json:"code"`
	Entity  string   `json:"entity,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Message string   `json:"message"`
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Message)
	if len(e.IDs) > 0 {
		msg += " [" + strings.Join(e.IDs, ", ") + "]"
	}
	return msg
}

func precondition(op, code, entity, format string, args ...any) *PreconditionError {
	return &PreconditionError{Op: op, Code: code, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

func (e *PreconditionError) with(ids ...string) *PreconditionError {
	e.IDs = append(e.IDs, ids...)
	return e
}

// IsCode reports whether err is a PreconditionError with the given code.
func IsCode(err error, code string) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && pe.Code == code
}
