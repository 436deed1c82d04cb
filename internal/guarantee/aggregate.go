// Package guarantee derives per-loop guarantee maps and answers whether an
// execution may proceed without a human.
package guarantee

import (
	"fmt"
	"sort"
	"strings"

	"loopline/internal/domain"
	"loopline/internal/registry"
)

type Config struct {
	RequireSkillGuarantees bool
	IncludeOptional        bool
}

// AggregationError is returned when strict mode finds required skills that
// declare no guarantees. The loop stays usable under supervision.
type AggregationError struct {
	LoopID                  string
	SkillsWithoutGuarantees []string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("loop %s: required skills declare no guarantees: %s", e.LoopID, strings.Join(e.SkillsWithoutGuarantees, ", "))
}

// Aggregate unions the guarantees of every skill reachable from the loop's
// phases. The result depends only on its inputs; declaration order does not
// affect it.
func Aggregate(loop domain.Loop, snap *registry.Snapshot, cfg Config) (domain.GuaranteeMap, error) {
	gm := domain.GuaranteeMap{
		LoopID:           loop.ID,
		LoopRevision:     loop.Revision,
		RegistryRevision: snap.Revision(),
		Guarantees:       []domain.GuaranteeEntry{},
	}
	entries := map[string]*domain.GuaranteeEntry{}
	statementOwner := map[string]string{}
	offenders := map[string]struct{}{}

	for _, phase := range loop.Phases {
		for _, ref := range phase.Skills {
			required := phase.EffectivelyRequired(ref)
			if !required && !cfg.IncludeOptional {
				continue
			}
			skill, ok := snap.Get(ref.SkillID)
			if !ok {
				continue
			}
			if required && cfg.RequireSkillGuarantees && len(skill.Guarantees) == 0 {
				offenders[skill.ID] = struct{}{}
			}
			for _, g := range skill.Guarantees {
				entry, ok := entries[g.ID]
				if !ok {
					entry = &domain.GuaranteeEntry{ID: g.ID}
					entries[g.ID] = entry
				}
				// Lowest contributing skill id owns the statement so the
				// result is independent of declaration order.
				if owner, seen := statementOwner[g.ID]; !seen || skill.ID < owner {
					statementOwner[g.ID] = skill.ID
					entry.Statement = g.Statement
				}
				if required && g.Required {
					entry.Required = true
				}
				entry.Contributors = append(entry.Contributors, domain.Contributor{
					SkillID:  skill.ID,
					Phase:    phase.Name,
					Required: required,
				})
			}
		}
	}

	if len(offenders) > 0 {
		ids := make([]string, 0, len(offenders))
		for id := range offenders {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return domain.GuaranteeMap{}, &AggregationError{LoopID: loop.ID, SkillsWithoutGuarantees: ids}
	}

	for _, entry := range entries {
		sort.Slice(entry.Contributors, func(i, j int) bool {
			a, b := entry.Contributors[i], entry.Contributors[j]
			if a.SkillID != b.SkillID {
				return a.SkillID < b.SkillID
			}
			return a.Phase < b.Phase
		})
		gm.Guarantees = append(gm.Guarantees, *entry)
	}
	sort.Slice(gm.Guarantees, func(i, j int) bool { return gm.Guarantees[i].ID < gm.Guarantees[j].ID })
	return gm, nil
}
