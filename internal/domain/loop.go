package domain

// ApprovalType selects how a gate may be resolved.
type ApprovalType string

const (
	ApprovalHuman       ApprovalType = "human"
	ApprovalAuto        ApprovalType = "auto"
	ApprovalConditional ApprovalType = "conditional"
)

func (a ApprovalType) Valid() bool {
	switch a {
	case ApprovalHuman, ApprovalAuto, ApprovalConditional:
		return true
	}
	return false
}

// Autonomy controls whether gates may resolve without a human.
type Autonomy string

const (
	AutonomySupervised Autonomy = "supervised"
	AutonomyAutonomous Autonomy = "autonomous"
)

func (a Autonomy) Valid() bool {
	return a == AutonomySupervised || a == AutonomyAutonomous
}

// Mode is the workflow variant an execution runs under. It never changes structure.
type Mode string

const (
	ModeGreenfield Mode = "greenfield"
	ModeBrownfield Mode = "brownfield"
)

func (m Mode) Valid() bool {
	return m == ModeGreenfield || m == ModeBrownfield
}

// Guarantee is an invariant a skill asserts once it completes.
type Guarantee struct {
	ID        string `json:"id" yaml:"id"`
	Statement string `json:"statement" yaml:"statement"`
	Required  bool   `json:"required" yaml:"required"`
}

// Skill is an immutable skill record. Content is opaque and never interpreted.
type Skill struct {
	ID                string      `json:"id"`
	Name              string      `json:"name,omitempty"`
	Description       string      `json:"description,omitempty"`
	RequiredByDefault bool        `json:"required_by_default"`
	Guarantees        []Guarantee `json:"guarantees,omitempty"`
	Content           string      `json:"content,omitempty"`
	Source            string      `json:"source,omitempty"`
	Checksum          string      `json:"checksum,omitempty"`
}

// Clone returns a deep copy of the skill.
func (s Skill) Clone() Skill {
	out := s
	if len(s.Guarantees) > 0 {
		out.Guarantees = make([]Guarantee, len(s.Guarantees))
		copy(out.Guarantees, s.Guarantees)
	}
	return out
}

// PhaseSkill is a skill reference inside a phase.
type PhaseSkill struct {
	SkillID  string `json:"skill_id"`
	Required bool   `json:"required"`
	Order    int    `json:"order"`
}

type Phase struct {
	Name     string       `json:"name"`
	Order    int          `json:"order"`
	Required bool         `json:"required"`
	Parallel bool         `json:"parallel,omitempty"`
	Skills   []PhaseSkill `json:"skills"`
}

// EffectivelyRequired reports whether a skill reference must complete for
// the phase to count as done without a skip.
func (p Phase) EffectivelyRequired(ref PhaseSkill) bool {
	return p.Required && ref.Required
}

type Gate struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	AfterPhase   string       `json:"after_phase"`
	Required     bool         `json:"required"`
	ApprovalType ApprovalType `json:"approval_type" enum:"human,auto,conditional"`
	Deliverables []string     `json:"deliverables,omitempty"`
	Condition    string       `json:"condition,omitempty"`
}

// Loop is a composed, validated workflow. Consumers treat it as read-only.
type Loop struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	Version         string         `json:"version"`
	Revision        int64          `json:"revision"`
	Phases          []Phase        `json:"phases"`
	Gates           []Gate         `json:"gates,omitempty"`
	DefaultMode     Mode           `json:"default_mode"`
	DefaultAutonomy Autonomy       `json:"default_autonomy"`
	UI              map[string]any `json:"ui,omitempty"`
	PhaseCount      int            `json:"phase_count"`
	SkillCount      int            `json:"skill_count"`
	Source          string         `json:"source,omitempty"`
	Checksum        string         `json:"checksum,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// Phase looks up a phase by name.
func (l Loop) Phase(name string) (Phase, bool) {
	for _, p := range l.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// NextPhase returns the phase following name in declared order.
func (l Loop) NextPhase(name string) (Phase, bool) {
	p, ok := l.Phase(name)
	if !ok || p.Order+1 >= len(l.Phases) {
		return Phase{}, false
	}
	return l.Phases[p.Order+1], true
}

// GatesAfter returns the gates bound to a phase in declared order.
func (l Loop) GatesAfter(phase string) []Gate {
	var out []Gate
	for _, g := range l.Gates {
		if g.AfterPhase == phase {
			out = append(out, g)
		}
	}
	return out
}

func (l Loop) Gate(id string) (Gate, bool) {
	for _, g := range l.Gates {
		if g.ID == id {
			return g, true
		}
	}
	return Gate{}, false
}

// SkillIDs returns the distinct skill ids referenced by the loop in first-seen order.
func (l Loop) SkillIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range l.Phases {
		for _, s := range p.Skills {
			if _, ok := seen[s.SkillID]; ok {
				continue
			}
			seen[s.SkillID] = struct{}{}
			out = append(out, s.SkillID)
		}
	}
	return out
}

// References reports whether any phase of the loop references skillID.
func (l Loop) References(skillID string) bool {
	for _, p := range l.Phases {
		for _, s := range p.Skills {
			if s.SkillID == skillID {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the loop.
func (l Loop) Clone() Loop {
	out := l
	if len(l.Phases) > 0 {
		out.Phases = make([]Phase, len(l.Phases))
		for i, p := range l.Phases {
			cp := p
			cp.Skills = append([]PhaseSkill(nil), p.Skills...)
			out.Phases[i] = cp
		}
	}
	if len(l.Gates) > 0 {
		out.Gates = make([]Gate, len(l.Gates))
		for i, g := range l.Gates {
			cg := g
			cg.Deliverables = append([]string(nil), g.Deliverables...)
			out.Gates[i] = cg
		}
	}
	out.UI = cloneAnyMap(l.UI)
	return out
}

// Contributor records which phase skill asserted a guarantee.
type Contributor struct {
	SkillID  string `json:"skill_id"`
	Phase    string `json:"phase"`
	Required bool   `json:"required"`
}

type GuaranteeEntry struct {
	ID           string        `json:"id"`
	Statement    string        `json:"statement"`
	Required     bool          `json:"required"`
	Contributors []Contributor `json:"contributors"`
}

// GuaranteeMap is the deduplicated guarantee set for one loop revision,
// computed against one registry revision.
type GuaranteeMap struct {
	LoopID           string           `json:"loop_id"`
	LoopRevision     int64            `json:"loop_revision"`
	RegistryRevision int64            `json:"registry_revision"`
	Guarantees       []GuaranteeEntry `json:"guarantees"`
}

func (m GuaranteeMap) Lookup(id string) (GuaranteeEntry, bool) {
	for _, g := range m.Guarantees {
		if g.ID == id {
			return g, true
		}
	}
	return GuaranteeEntry{}, false
}

// RequiredCount returns the number of required guarantees.
func (m GuaranteeMap) RequiredCount() int {
	n := 0
	for _, g := range m.Guarantees {
		if g.Required {
			n++
		}
	}
	return n
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
