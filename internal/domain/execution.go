package domain

type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionBlocked   ExecutionStatus = "blocked"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further command may change the execution.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in-progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Done reports whether the phase has been resolved either way.
func (s PhaseStatus) Done() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

type SkillStatus string

const (
	SkillPending    SkillStatus = "pending"
	SkillInProgress SkillStatus = "in-progress"
	SkillCompleted  SkillStatus = "completed"
	SkillSkipped    SkillStatus = "skipped"
	SkillFailed     SkillStatus = "failed"
)

// Resolved reports whether the skill no longer blocks phase completion.
func (s SkillStatus) Resolved() bool {
	return s == SkillCompleted || s == SkillSkipped
}

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

type SkillRecord struct {
	SkillID     string      `json:"skill_id"`
	Required    bool        `json:"required"`
	Status      SkillStatus `json:"status" enum:"pending,in-progress,completed,skipped,failed"`
	StartedAt   *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
	Reason      string      `json:"reason,omitempty"`
}

type PhaseRecord struct {
	Phase       string        `json:"phase"`
	Status      PhaseStatus   `json:"status" enum:"pending,in-progress,completed,skipped"`
	StartedAt   *string       `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
	Reason      string        `json:"reason,omitempty"`
	Skills      []SkillRecord `json:"skills"`
}

// Skill returns a pointer into the phase's skill records.
func (p *PhaseRecord) Skill(skillID string) *SkillRecord {
	for i := range p.Skills {
		if p.Skills[i].SkillID == skillID {
			return &p.Skills[i]
		}
	}
	return nil
}

// Outstanding lists the skills still pending or in progress, in declared order.
func (p *PhaseRecord) Outstanding() []string {
	var out []string
	for _, s := range p.Skills {
		if s.Status == SkillPending || s.Status == SkillInProgress {
			out = append(out, s.SkillID)
		}
	}
	return out
}

type GateRecord struct {
	GateID       string            `json:"gate_id"`
	Phase        string            `json:"phase"`
	Status       GateStatus        `json:"status" enum:"pending,approved,rejected"`
	ApprovedBy   string            `json:"approved_by,omitempty"`
	ApprovedAt   *string           `json:"approved_at,omitempty" format:"date-time"`
	Feedback     string            `json:"feedback,omitempty"`
	Deliverables map[string]string `json:"deliverables,omitempty"`
}

// LogEntry is one row of the append-only execution log.
type LogEntry struct {
	Seq        int64          `json:"seq"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Execution struct {
	ID           string          `json:"id"`
	LoopID       string          `json:"loop_id"`
	LoopVersion  string          `json:"loop_version"`
	LoopRevision int64           `json:"loop_revision"`
	SnapshotID   string          `json:"snapshot_id"`
	Project      string          `json:"project"`
	Mode         Mode            `json:"mode" enum:"greenfield,brownfield"`
	Autonomy     Autonomy        `json:"autonomy" enum:"supervised,autonomous"`
	CurrentPhase string          `json:"current_phase"`
	Status       ExecutionStatus `json:"status" enum:"active,blocked,completed,failed"`
	StatusReason string          `json:"status_reason,omitempty"`
	Phases       []PhaseRecord   `json:"phases"`
	Gates        []GateRecord    `json:"gates"`
	Logs         []LogEntry      `json:"logs,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
	CompletedAt  *string         `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt   *string         `json:"archived_at,omitempty" format:"date-time"`
}

// Phase returns a pointer to the named phase record, or nil.
func (e *Execution) Phase(name string) *PhaseRecord {
	for i := range e.Phases {
		if e.Phases[i].Phase == name {
			return &e.Phases[i]
		}
	}
	return nil
}

// Current returns the record of the current phase, or nil.
func (e *Execution) Current() *PhaseRecord {
	return e.Phase(e.CurrentPhase)
}

func (e *Execution) Gate(id string) *GateRecord {
	for i := range e.Gates {
		if e.Gates[i].GateID == id {
			return &e.Gates[i]
		}
	}
	return nil
}

// SkillStatus reports the status of a skill within a phase.
func (e *Execution) SkillStatus(phase, skillID string) (SkillStatus, bool) {
	p := e.Phase(phase)
	if p == nil {
		return "", false
	}
	s := p.Skill(skillID)
	if s == nil {
		return "", false
	}
	return s.Status, true
}

// SkillStatuses flattens every skill record into skill id -> status.
// A skill referenced by several phases reports its latest non-pending status.
func (e *Execution) SkillStatuses() map[string]SkillStatus {
	out := map[string]SkillStatus{}
	for _, p := range e.Phases {
		for _, s := range p.Skills {
			if prev, ok := out[s.SkillID]; ok && s.Status == SkillPending && prev != SkillPending {
				continue
			}
			out[s.SkillID] = s.Status
		}
	}
	return out
}

// Clone returns a deep copy so commands can mutate a draft before committing.
func (e Execution) Clone() Execution {
	out := e
	out.Phases = make([]PhaseRecord, len(e.Phases))
	for i, p := range e.Phases {
		cp := p
		cp.StartedAt = cloneStr(p.StartedAt)
		cp.CompletedAt = cloneStr(p.CompletedAt)
		cp.Skills = make([]SkillRecord, len(p.Skills))
		for j, s := range p.Skills {
			cs := s
			cs.StartedAt = cloneStr(s.StartedAt)
			cs.CompletedAt = cloneStr(s.CompletedAt)
			cp.Skills[j] = cs
		}
		out.Phases[i] = cp
	}
	out.Gates = make([]GateRecord, len(e.Gates))
	for i, g := range e.Gates {
		cg := g
		cg.ApprovedAt = cloneStr(g.ApprovedAt)
		if g.Deliverables != nil {
			cg.Deliverables = make(map[string]string, len(g.Deliverables))
			for k, v := range g.Deliverables {
				cg.Deliverables[k] = v
			}
		}
		out.Gates[i] = cg
	}
	out.Logs = append([]LogEntry(nil), e.Logs...)
	out.CompletedAt = cloneStr(e.CompletedAt)
	out.ArchivedAt = cloneStr(e.ArchivedAt)
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
