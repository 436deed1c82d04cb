package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/repo"
)

type ExecutionParams struct {
	ExecutionID     string `path:"execution_id"`
	ExpectedVersion int64  `query:"expected_version" doc:"Fail with stale_state unless the stored version matches"`
}

func (p ExecutionParams) ref(ctx context.Context) (engine.Ref, error) {
	actor, err := actorIDFromContext(ctx)
	if err != nil {
		return engine.Ref{}, err
	}
	return engine.Ref{ExecutionID: p.ExecutionID, ActorID: actor, ExpectedVersion: p.ExpectedVersion}, nil
}

type executionOutput struct {
	Body domain.Execution `json:"body"`
}

type actionOutput struct {
	Body ActionResponse `json:"body"`
}

func execResult(exec domain.Execution, err error) (*executionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &executionOutput{Body: exec}, nil
}

func actionResult(a engine.Action, exec domain.Execution, err error) (*actionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &actionOutput{Body: ActionResponse{Action: a, Execution: exec}}, nil
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start an execution of a published loop",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionRequest `json:"body"`
	}) (*executionOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			LoopID:   input.Body.LoopID,
			Project:  input.Body.Project,
			Mode:     domain.Mode(input.Body.Mode),
			Autonomy: domain.Autonomy(input.Body.Autonomy),
			ActorID:  actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		return execResult(e.Create(ctx, opts))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Project         string `query:"project"`
		LoopID          string `query:"loop_id"`
		Status          string `query:"status" enum:"active,blocked,completed,failed"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body ExecutionPage `json:"body"`
	}, error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.List(ctx, repo.ExecutionFilters{
			Project:         input.Project,
			LoopID:          input.LoopID,
			Status:          input.Status,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := ExecutionPage{Items: []domain.Execution{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body ExecutionPage `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get an execution with its log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*executionOutput, error) {
		return execResult(e.Get(ctx, input.ExecutionID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-action",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/next",
		Summary:     "Decide the next action",
		Description: "Applies status-only effects: a blocking action blocks the execution, a final action completes it.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *ExecutionParams) (*actionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return actionResult(e.Next(ctx, ref))
	})

	huma.Register(api, huma.Operation{
		OperationID: "step-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/step",
		Summary:     "Decide and perform the next engine-internal action",
		Description: "Completes phases, approves gates the approval table allows and advances phases. Skill work is returned, never performed.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *ExecutionParams) (*actionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return actionResult(e.Step(ctx, ref))
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	type skillInput struct {
		ExecutionParams
		SkillID string `path:"skill_id"`
	}
	type skillReasonInput struct {
		ExecutionParams
		SkillID string        `path:"skill_id"`
		Body    ReasonRequest `json:"body"`
	}
	type reasonInput struct {
		ExecutionParams
		Body ReasonRequest `json:"body"`
	}
	preconditionErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "start-skill",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/skills/{skill_id}/start",
		Summary:     "Start a pending skill of the current phase",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *skillInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.StartSkill(ctx, ref, input.SkillID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-skill",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/skills/{skill_id}/complete",
		Summary:     "Complete a skill of the current phase",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *skillInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.CompleteSkill(ctx, ref, input.SkillID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-skill",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/skills/{skill_id}/skip",
		Summary:     "Skip a skill with a reason",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *skillReasonInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.SkipSkill(ctx, ref, input.SkillID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-skill",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/skills/{skill_id}/fail",
		Summary:     "Fail a skill, which fails the execution",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *skillReasonInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.FailSkill(ctx, ref, input.SkillID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/phase/complete",
		Summary:     "Complete the current phase",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *ExecutionParams) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.CompletePhase(ctx, ref))
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-phase",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/phase/skip",
		Summary:     "Skip the current optional phase",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *reasonInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.SkipPhase(ctx, ref, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/phase/advance",
		Summary:     "Move to the next phase once gates are resolved",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *ExecutionParams) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.AdvancePhase(ctx, ref))
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/gates/{gate_id}/approve",
		Summary:     "Approve a pending gate",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionParams
		GateID string              `path:"gate_id"`
		Body   *ApproveGateRequest `json:"body,omitempty" required:"false"`
	}) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		var body ApproveGateRequest
		if input.Body != nil {
			body = *input.Body
		}
		return execResult(e.ApproveGate(ctx, ref, input.GateID, body.Deliverables, body.Feedback))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-gate",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/gates/{gate_id}/reject",
		Summary:     "Reject a pending gate",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionParams
		GateID string             `path:"gate_id"`
		Body   *RejectGateRequest `json:"body,omitempty" required:"false"`
	}) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		var feedback string
		if input.Body != nil {
			feedback = input.Body.Feedback
		}
		return execResult(e.RejectGate(ctx, ref, input.GateID, feedback))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/fail",
		Summary:     "Abandon an execution",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *reasonInput) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.FailExecution(ctx, ref, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/archive",
		Summary:     "Archive a terminal execution",
		Errors:      preconditionErrors,
	}, func(ctx context.Context, input *ExecutionParams) (*executionOutput, error) {
		ref, err := input.ref(ctx)
		if err != nil {
			return nil, err
		}
		return execResult(e.Archive(ctx, ref))
	})
}

const logPageSize = 500

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-execution-logs",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/logs",
		Summary:     "Read the log of an execution after a sequence number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		After       int64  `query:"after" minimum:"0"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body LogPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Logs(ctx, input.ExecutionID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LogPage{Items: []domain.LogEntry{}}
		resp.Items = append(resp.Items, items...)
		if len(items) == limit {
			resp.NextAfter = items[len(items)-1].Seq
		}
		return &struct {
			Body LogPage `json:"body"`
		}{Body: resp}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-execution-logs",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/logs/stream",
		Summary:     "Stream the log of an execution",
		Description: "Replays entries after the given sequence, then sends new entries as commands commit.",
	}, map[string]any{
		"log":   domain.LogEntry{},
		"error": apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		After       int64  `query:"after" minimum:"0"`
		LastEventID int64  `header:"Last-Event-ID"`
	}, send sse.Sender) {
		after := max(input.After, input.LastEventID)
		// Subscribe before the backlog read so nothing committed in between is missed.
		live, cancel := e.Feed.Subscribe(input.ExecutionID)
		defer cancel()

		err := streamLogs(ctx, e, input.ExecutionID, after, live, func(entry domain.LogEntry) error {
			return send(sse.Message{ID: int(entry.Seq), Data: entry})
		})
		if err == nil || errors.Is(err, errStreamClosed) || ctx.Err() != nil {
			return
		}
		var body apiErrorBody
		if se, ok := handleError(err).(*apiError); ok {
			body = se.Body
		}
		_ = send.Data(body)
	})
}

var errStreamClosed = errors.New("log stream closed by client")

// streamLogs sends every entry after `after` in sequence order until ctx ends.
// Entries from live only signal that the log has grown: the feed drops
// entries for slow readers, so each wake-up reads the table from the last
// delivered sequence.
func streamLogs(ctx context.Context, e engine.Engine, executionID string, after int64, live <-chan domain.LogEntry, send func(domain.LogEntry) error) error {
	catchUp := func() error {
		for {
			page, err := e.Logs(ctx, executionID, after, logPageSize)
			if err != nil {
				return err
			}
			for _, entry := range page {
				if err := send(entry); err != nil {
					return fmt.Errorf("%w: %v", errStreamClosed, err)
				}
				after = entry.Seq
			}
			if len(page) < logPageSize {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-live:
			if !ok {
				return nil
			}
			if entry.Seq <= after {
				continue
			}
			if err := catchUp(); err != nil {
				return err
			}
		}
	}
}
