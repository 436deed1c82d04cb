package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"loopline/internal/catalog"
	"loopline/internal/domain"
	"loopline/internal/repo"
)

func registerSkills(api huma.API, c Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-skills",
		Method:      http.MethodGet,
		Path:        "/skills",
		Summary:     "List registered skills",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SkillList `json:"body"`
	}, error) {
		snap := c.Skills()
		resp := SkillList{RegistryRevision: snap.Revision(), Items: []SkillSummary{}}
		for _, s := range snap.List() {
			resp.Items = append(resp.Items, skillSummary(s))
		}
		return &struct {
			Body SkillList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-skill",
		Method:      http.MethodGet,
		Path:        "/skills/{skill_id}",
		Summary:     "Get a skill with its content",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SkillID string `path:"skill_id"`
	}) (*struct {
		Body domain.Skill `json:"body"`
	}, error) {
		s, ok := c.Skill(input.SkillID)
		if !ok {
			return nil, handleError(fmt.Errorf("skill %s: %w", input.SkillID, repo.ErrNotFound))
		}
		return &struct {
			Body domain.Skill `json:"body"`
		}{Body: s}, nil
	})
}

func registerLoops(api huma.API, c Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-loops",
		Method:      http.MethodGet,
		Path:        "/loops",
		Summary:     "List published loops",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LoopList `json:"body"`
	}, error) {
		resp := LoopList{Items: []LoopResponse{}}
		for _, e := range c.Loops() {
			resp.Items = append(resp.Items, loopResponse(e))
		}
		return &struct {
			Body LoopList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-loop",
		Method:      http.MethodGet,
		Path:        "/loops/{loop_id}",
		Summary:     "Get a published loop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LoopID string `path:"loop_id"`
	}) (*struct {
		Body LoopResponse `json:"body"`
	}, error) {
		e, err := lookupLoop(c, input.LoopID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoopResponse `json:"body"`
		}{Body: loopResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-loop-guarantees",
		Method:      http.MethodGet,
		Path:        "/loops/{loop_id}/guarantees",
		Summary:     "Get the guarantee map of a published loop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LoopID string `path:"loop_id"`
	}) (*struct {
		Body GuaranteesResponse `json:"body"`
	}, error) {
		e, err := lookupLoop(c, input.LoopID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := GuaranteesResponse{LoopID: e.Loop.ID, LoopRevision: e.Loop.Revision, Map: e.Guarantees}
		if e.AggregationErr != nil {
			resp.AggregationError = e.AggregationErr.Error()
		}
		return &struct {
			Body GuaranteesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCatalog(api huma.API, c Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "reload-catalog",
		Method:      http.MethodPost,
		Path:        "/catalog/reload",
		Summary:     "Re-read definitions and republish changed loops",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body catalog.ReloadResult `json:"body"`
	}, error) {
		res, err := c.Reload(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body catalog.ReloadResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-catalog-problems",
		Method:      http.MethodGet,
		Path:        "/catalog/problems",
		Summary:     "List definitions that failed to load or compose",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProblemList `json:"body"`
	}, error) {
		items := c.Problems()
		if items == nil {
			items = []catalog.Problem{}
		}
		return &struct {
			Body ProblemList `json:"body"`
		}{Body: ProblemList{Items: items}}, nil
	})
}

func lookupLoop(c Catalog, id string) (catalog.Entry, error) {
	e, ok := c.Loop(id)
	if !ok {
		return catalog.Entry{}, fmt.Errorf("loop %s: %w", id, repo.ErrNotFound)
	}
	return e, nil
}
