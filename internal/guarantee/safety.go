package guarantee

import (
	"fmt"
	"strings"

	"loopline/internal/domain"
)

// SkillState reports the runtime status of a skill within a phase.
// *domain.Execution satisfies it.
type SkillState interface {
	SkillStatus(phase, skillID string) (domain.SkillStatus, bool)
}

// Violation names a required skill whose required guarantee is not yet established.
type Violation struct {
	GuaranteeID string             `json:"guarantee_id"`
	SkillID     string             `json:"skill_id"`
	Phase       string             `json:"phase"`
	Status      domain.SkillStatus `json:"status"`
}

type Safety struct {
	Safe       bool        `json:"safe"`
	Violations []Violation `json:"violations,omitempty"`
}

// Reason renders the violations for logs and block reasons.
func (s Safety) Reason() string {
	if s.Safe {
		return ""
	}
	parts := make([]string, 0, len(s.Violations))
	for _, v := range s.Violations {
		status := string(v.Status)
		if status == "" {
			status = "missing"
		}
		parts = append(parts, fmt.Sprintf("%s needs %s/%s (%s)", v.GuaranteeID, v.Phase, v.SkillID, status))
	}
	return "guarantees not established: " + strings.Join(parts, ", ")
}

// SafeToProceed checks every required guarantee contributed by a required
// skill in a phase up to and including through. The execution may move on
// autonomously only if each such skill has completed. Skipped skills do not
// establish their guarantees.
func SafeToProceed(loop domain.Loop, gm domain.GuaranteeMap, state SkillState, through string) Safety {
	limit, ok := loop.Phase(through)
	if !ok {
		return Safety{Safe: false, Violations: []Violation{{Phase: through}}}
	}
	res := Safety{Safe: true}
	for _, entry := range gm.Guarantees {
		if !entry.Required {
			continue
		}
		for _, c := range entry.Contributors {
			if !c.Required {
				continue
			}
			phase, ok := loop.Phase(c.Phase)
			if !ok || phase.Order > limit.Order {
				continue
			}
			status, _ := state.SkillStatus(c.Phase, c.SkillID)
			if status == domain.SkillCompleted {
				continue
			}
			res.Safe = false
			res.Violations = append(res.Violations, Violation{
				GuaranteeID: entry.ID,
				SkillID:     c.SkillID,
				Phase:       c.Phase,
				Status:      status,
			})
		}
	}
	return res
}
