// Package compose turns loop definitions into validated, immutable loops.
package compose

import (
	"fmt"
	"strings"

	"loopline/internal/condition"
	"loopline/internal/definitions"
	"loopline/internal/domain"
	"loopline/internal/registry"
)

// ValidationError lists every problem found in one loop definition.
type ValidationError struct {
	LoopID        string
	Problems      []string
	MissingSkills []string
}

func (e *ValidationError) Error() string {
	id := e.LoopID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("loop %s: %s", id, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Defaults are merged beneath every loop's own defaults.
type Defaults struct {
	Mode     domain.Mode
	Autonomy domain.Autonomy
	UI       map[string]any
}

// Compose validates def against the registry snapshot and builds the loop.
// stamp is recorded as CreatedAt/UpdatedAt verbatim; nothing else depends on
// the wall clock. Revision is left at zero for the publisher to assign.
func Compose(def definitions.LoopDefinition, snap *registry.Snapshot, defaults Defaults, stamp string) (domain.Loop, error) {
	verr := &ValidationError{LoopID: def.ID}

	if strings.TrimSpace(def.ID) == "" {
		verr.add("id is required")
	}
	if strings.TrimSpace(def.Version) == "" {
		verr.add("version is required")
	}
	mode := firstNonEmpty(def.Defaults.Mode, defaults.Mode, domain.ModeGreenfield)
	if !mode.Valid() {
		verr.add("unknown mode %q", mode)
	}
	autonomy := firstNonEmpty(def.Defaults.Autonomy, defaults.Autonomy, domain.AutonomySupervised)
	if !autonomy.Valid() {
		verr.add("unknown autonomy %q", autonomy)
	}
	if len(def.Phases) == 0 {
		verr.add("loop has no phases")
	}

	loop := domain.Loop{
		ID:              def.ID,
		Name:            def.Name,
		Description:     def.Description,
		Version:         def.Version,
		DefaultMode:     mode,
		DefaultAutonomy: autonomy,
		UI:              mergeUI(defaults.UI, def.UI),
		Source:          def.Source,
		Checksum:        def.Checksum,
		CreatedAt:       stamp,
		UpdatedAt:       stamp,
	}

	missing := map[string]struct{}{}
	phaseNames := map[string]struct{}{}
	for i, pd := range def.Phases {
		name := strings.TrimSpace(pd.Name)
		if name == "" {
			verr.add("phase %d has no name", i)
		} else if _, dup := phaseNames[name]; dup {
			verr.add("duplicate phase %s", name)
		}
		phaseNames[name] = struct{}{}
		if len(pd.Skills) == 0 {
			verr.add("phase %s has no skills", name)
		}

		phase := domain.Phase{
			Name:     name,
			Order:    i,
			Required: pd.PhaseRequired(),
			Parallel: pd.Parallel,
			Skills:   make([]domain.PhaseSkill, 0, len(pd.Skills)),
		}
		inPhase := map[string]struct{}{}
		for j, ref := range pd.Skills {
			id := strings.TrimSpace(ref.Skill)
			if id == "" {
				verr.add("phase %s skill %d has no id", name, j)
				continue
			}
			if _, dup := inPhase[id]; dup {
				verr.add("phase %s references skill %s twice", name, id)
			}
			inPhase[id] = struct{}{}
			if !snap.Has(id) {
				if _, seen := missing[id]; !seen {
					missing[id] = struct{}{}
					verr.MissingSkills = append(verr.MissingSkills, id)
				}
			}
			required := snap.RequiredByDefault(id)
			if ref.Required != nil {
				required = *ref.Required
			}
			phase.Skills = append(phase.Skills, domain.PhaseSkill{SkillID: id, Required: required, Order: len(phase.Skills)})
		}
		loop.Phases = append(loop.Phases, phase)
		loop.SkillCount += len(phase.Skills)
	}
	loop.PhaseCount = len(loop.Phases)
	if len(verr.MissingSkills) > 0 {
		verr.add("unknown skills: %s", strings.Join(verr.MissingSkills, ", "))
	}

	gateIDs := map[string]struct{}{}
	for _, gd := range def.Gates {
		id := strings.TrimSpace(gd.ID)
		if id == "" {
			verr.add("gate after %s has no id", gd.After)
		} else if _, dup := gateIDs[id]; dup {
			verr.add("duplicate gate %s", id)
		}
		gateIDs[id] = struct{}{}
		if _, ok := phaseNames[gd.After]; !ok {
			verr.add("gate %s references unknown phase %q", id, gd.After)
		}
		approval := gd.ApprovalType()
		if !approval.Valid() {
			verr.add("gate %s has unknown approval type %q", id, approval)
		}
		if approval == domain.ApprovalConditional {
			if strings.TrimSpace(gd.Condition) == "" {
				verr.add("conditional gate %s has no condition", id)
			} else if err := condition.Check(gd.Condition); err != nil {
				verr.add("gate %s: %v", id, err)
			}
		}
		loop.Gates = append(loop.Gates, domain.Gate{
			ID:           id,
			Name:         gd.Name,
			AfterPhase:   gd.After,
			Required:     gd.GateRequired(),
			ApprovalType: approval,
			Deliverables: append([]string(nil), gd.Deliverables...),
			Condition:    gd.Condition,
		})
	}

	if len(verr.Problems) > 0 {
		return domain.Loop{}, verr
	}
	return loop, nil
}

func firstNonEmpty[T ~string](vals ...T) T {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeUI(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
