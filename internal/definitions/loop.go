package definitions

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"loopline/internal/domain"
)

// LoopDefinition is a loop as written on disk, before composition.
type LoopDefinition struct {
	ID          string            `yaml:"id" validate:"required"`
	Version     string            `yaml:"version" validate:"required"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Defaults    LoopDefaults      `yaml:"defaults"`
	UI          map[string]any    `yaml:"ui"`
	Phases      []PhaseDefinition `yaml:"phases" validate:"dive"`
	Gates       []GateDefinition  `yaml:"gates" validate:"dive"`

	Source   string `yaml:"-"`
	Checksum string `yaml:"-"`
}

type LoopDefaults struct {
	Mode     domain.Mode     `yaml:"mode" validate:"omitempty,oneof=greenfield brownfield"`
	Autonomy domain.Autonomy `yaml:"autonomy" validate:"omitempty,oneof=supervised autonomous"`
}

type PhaseDefinition struct {
	Name     string           `yaml:"name" validate:"required"`
	Required *bool            `yaml:"required"`
	Parallel bool             `yaml:"parallel"`
	Skills   []SkillReference `yaml:"skills" validate:"dive"`
}

// SkillReference points a phase at a registered skill. A nil Required
// inherits the skill's own default at composition time.
type SkillReference struct {
	Skill    string `yaml:"skill" validate:"required"`
	Required *bool  `yaml:"required"`
}

// UnmarshalYAML accepts either `- skill-id` or `- {skill: id, required: false}`.
func (r *SkillReference) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Skill = strings.TrimSpace(node.Value)
		return nil
	}
	type plain SkillReference
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = SkillReference(p)
	r.Skill = strings.TrimSpace(r.Skill)
	return nil
}

type GateDefinition struct {
	ID           string              `yaml:"id" validate:"required"`
	Name         string              `yaml:"name"`
	After        string              `yaml:"after" validate:"required"`
	Type         domain.ApprovalType `yaml:"type" validate:"omitempty,oneof=human auto conditional"`
	Required     *bool               `yaml:"required"`
	Deliverables []string            `yaml:"deliverables"`
	Condition    string              `yaml:"condition" validate:"required_if=Type conditional"`
}

// ApprovalType returns the declared type, defaulting to human.
func (g GateDefinition) ApprovalType() domain.ApprovalType {
	if g.Type == "" {
		return domain.ApprovalHuman
	}
	return g.Type
}

// PhaseRequired reports the declared flag, defaulting to required.
func (p PhaseDefinition) PhaseRequired() bool {
	return boolOr(p.Required, true)
}

func (g GateDefinition) GateRequired() bool {
	return boolOr(g.Required, true)
}

// ParseLoop decodes and validates one loop document.
func ParseLoop(path string, content []byte) (LoopDefinition, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return LoopDefinition{}, fmt.Errorf("loop definition is empty")
	}
	var def LoopDefinition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return LoopDefinition{}, fmt.Errorf("decode loop: %w", err)
	}
	def.ID = strings.TrimSpace(def.ID)
	def.Version = strings.TrimSpace(def.Version)
	if err := checkStruct(def); err != nil {
		return LoopDefinition{}, err
	}
	def.Source = cleanPath(path)
	def.Checksum = checksum(content)
	return def, nil
}
