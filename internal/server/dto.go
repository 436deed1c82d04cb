package server

import (
	"loopline/internal/catalog"
	"loopline/internal/domain"
	"loopline/internal/engine"
)

// Request payloads

type CreateExecutionRequest struct {
	ID       *string `json:"id,omitempty"`
	LoopID   string  `json:"loop_id" minLength:"1"`
	Project  string  `json:"project" minLength:"1"`
	Mode     string  `json:"mode,omitempty" enum:"greenfield,brownfield"`
	Autonomy string  `json:"autonomy,omitempty" enum:"supervised,autonomous"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type ApproveGateRequest struct {
	Deliverables map[string]string `json:"deliverables,omitempty"`
	Feedback     string            `json:"feedback,omitempty"`
}

type RejectGateRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// Response payloads

type SkillSummary struct {
	ID                string   `json:"id"`
	Name              string   `json:"name,omitempty"`
	Description       string   `json:"description,omitempty"`
	RequiredByDefault bool     `json:"required_by_default"`
	Guarantees        []string `json:"guarantees"`
	Source            string   `json:"source,omitempty"`
}

type SkillList struct {
	RegistryRevision int64          `json:"registry_revision"`
	Items            []SkillSummary `json:"items"`
}

type LoopResponse struct {
	Loop               domain.Loop `json:"loop"`
	RequiredGuarantees int         `json:"required_guarantees"`
	AggregationError   string      `json:"aggregation_error,omitempty"`
}

type LoopList struct {
	Items []LoopResponse `json:"items"`
}

type GuaranteesResponse struct {
	LoopID           string               `json:"loop_id"`
	LoopRevision     int64                `json:"loop_revision"`
	Map              *domain.GuaranteeMap `json:"map,omitempty"`
	AggregationError string               `json:"aggregation_error,omitempty"`
}

type ProblemList struct {
	Items []catalog.Problem `json:"items"`
}

type ExecutionPage struct {
	Items      []domain.Execution `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type ActionResponse struct {
	Action    engine.Action    `json:"action"`
	Execution domain.Execution `json:"execution"`
}

type LogPage struct {
	Items     []domain.LogEntry `json:"items"`
	NextAfter int64             `json:"next_after,omitempty"`
}

func skillSummary(s domain.Skill) SkillSummary {
	out := SkillSummary{
		ID:                s.ID,
		Name:              s.Name,
		Description:       s.Description,
		RequiredByDefault: s.RequiredByDefault,
		Guarantees:        []string{},
		Source:            s.Source,
	}
	for _, g := range s.Guarantees {
		out.Guarantees = append(out.Guarantees, g.ID)
	}
	return out
}

func loopResponse(e catalog.Entry) LoopResponse {
	out := LoopResponse{Loop: e.Loop}
	if e.Guarantees != nil {
		out.RequiredGuarantees = e.Guarantees.RequiredCount()
	}
	if e.AggregationErr != nil {
		out.AggregationError = e.AggregationErr.Error()
	}
	return out
}
