package looplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Loopline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// SkillRecord mirrors a skill's status inside a phase.
type SkillRecord struct {
	SkillID  string `json:"skill_id"`
	Required bool   `json:"required"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type PhaseRecord struct {
	Phase  string        `json:"phase"`
	Status string        `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Skills []SkillRecord `json:"skills"`
}

type GateRecord struct {
	GateID       string            `json:"gate_id"`
	Phase        string            `json:"phase"`
	Status       string            `json:"status"`
	ApprovedBy   string            `json:"approved_by,omitempty"`
	Feedback     string            `json:"feedback,omitempty"`
	Deliverables map[string]string `json:"deliverables,omitempty"`
}

// LogEntry is one row of an execution log.
type LogEntry struct {
	Seq        int64          `json:"seq"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Execution represents the API execution model (partial).
type Execution struct {
	ID           string        `json:"id"`
	LoopID       string        `json:"loop_id"`
	LoopVersion  string        `json:"loop_version"`
	Project      string        `json:"project"`
	Mode         string        `json:"mode"`
	Autonomy     string        `json:"autonomy"`
	CurrentPhase string        `json:"current_phase"`
	Status       string        `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	Phases       []PhaseRecord `json:"phases"`
	Gates        []GateRecord  `json:"gates"`
	Logs         []LogEntry    `json:"logs,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
	ArchivedAt   *string       `json:"archived_at,omitempty"`
}

// Violation names a required guarantee whose contributing skill is unresolved.
type Violation struct {
	GuaranteeID string `json:"guarantee_id"`
	SkillID     string `json:"skill_id"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
}

// Action is the engine's decision for an execution.
type Action struct {
	Kind       string      `json:"kind"`
	Phase      string      `json:"phase,omitempty"`
	SkillID    string      `json:"skill_id,omitempty"`
	GateID     string      `json:"gate_id,omitempty"`
	NextPhase  string      `json:"next_phase,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Overridden bool        `json:"overridden,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

type ActionResult struct {
	Action    Action    `json:"action"`
	Execution Execution `json:"execution"`
}

type SkillSummary struct {
	ID                string   `json:"id"`
	Name              string   `json:"name,omitempty"`
	RequiredByDefault bool     `json:"required_by_default"`
	Guarantees        []string `json:"guarantees"`
}

type Problem struct {
	Kind    string `json:"kind"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ExecutionPage wraps list responses with cursors.
type ExecutionPage struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

type LogPage struct {
	Items     []LogEntry `json:"items"`
	NextAfter int64      `json:"next_after"`
}

// CreateExecution is the body of POST /executions.
type CreateExecution struct {
	ID       string `json:"id,omitempty"`
	LoopID   string `json:"loop_id"`
	Project  string `json:"project"`
	Mode     string `json:"mode,omitempty"`
	Autonomy string `json:"autonomy,omitempty"`
}

type ListOptions struct {
	Project         string
	LoopID          string
	Status          string
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Skills lists the registered skills.
func (c *Client) Skills(ctx context.Context) ([]SkillSummary, error) {
	var resp struct {
		Items []SkillSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "skills", nil, &resp)
	return resp.Items, err
}

// Problems lists definitions that failed to load or compose.
func (c *Client) Problems(ctx context.Context) ([]Problem, error) {
	var resp struct {
		Items []Problem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "catalog/problems", nil, &resp)
	return resp.Items, err
}

// Reload asks the server to rescan its definition directories.
func (c *Client) Reload(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "catalog/reload", nil, &resp)
	return resp, err
}

func (c *Client) CreateExecution(ctx context.Context, req CreateExecution) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions", req, &resp)
	return resp, err
}

func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Executions returns a page of executions, newest first.
func (c *Client) Executions(ctx context.Context, opts ListOptions) (ExecutionPage, error) {
	q := url.Values{}
	setIf := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setIf("project", opts.Project)
	setIf("loop_id", opts.LoopID)
	setIf("status", opts.Status)
	setIf("cursor", opts.Cursor)
	if opts.IncludeArchived {
		q.Set("include_archived", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "executions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ExecutionPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Next returns the next action without performing engine-internal work.
func (c *Client) Next(ctx context.Context, id string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodGet, executionPath(id, "next", 0), nil, &resp)
	return resp, err
}

// Step performs the next engine-internal action.
func (c *Client) Step(ctx context.Context, id string, expectedVersion int64) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, executionPath(id, "step", expectedVersion), nil, &resp)
	return resp, err
}

func (c *Client) StartSkill(ctx context.Context, id, skillID string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "skills/"+url.PathEscape(skillID)+"/start", expectedVersion, nil)
}

func (c *Client) CompleteSkill(ctx context.Context, id, skillID string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "skills/"+url.PathEscape(skillID)+"/complete", expectedVersion, nil)
}

func (c *Client) SkipSkill(ctx context.Context, id, skillID, reason string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "skills/"+url.PathEscape(skillID)+"/skip", expectedVersion, map[string]any{"reason": reason})
}

func (c *Client) FailSkill(ctx context.Context, id, skillID, reason string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "skills/"+url.PathEscape(skillID)+"/fail", expectedVersion, map[string]any{"reason": reason})
}

func (c *Client) CompletePhase(ctx context.Context, id string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "phase/complete", expectedVersion, nil)
}

func (c *Client) SkipPhase(ctx context.Context, id, reason string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "phase/skip", expectedVersion, map[string]any{"reason": reason})
}

func (c *Client) AdvancePhase(ctx context.Context, id string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "phase/advance", expectedVersion, nil)
}

// ApproveGate approves a pending gate, supplying deliverable references by name.
func (c *Client) ApproveGate(ctx context.Context, id, gateID string, deliverables map[string]string, feedback string, expectedVersion int64) (Execution, error) {
	body := map[string]any{"deliverables": deliverables, "feedback": feedback}
	return c.command(ctx, id, "gates/"+url.PathEscape(gateID)+"/approve", expectedVersion, body)
}

func (c *Client) RejectGate(ctx context.Context, id, gateID, feedback string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "gates/"+url.PathEscape(gateID)+"/reject", expectedVersion, map[string]any{"feedback": feedback})
}

func (c *Client) FailExecution(ctx context.Context, id, reason string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "fail", expectedVersion, map[string]any{"reason": reason})
}

func (c *Client) Archive(ctx context.Context, id string, expectedVersion int64) (Execution, error) {
	return c.command(ctx, id, "archive", expectedVersion, nil)
}

// Logs returns log entries with a sequence number greater than after.
func (c *Client) Logs(ctx context.Context, id string, after int64, limit int) (LogPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "executions/" + url.PathEscape(id) + "/logs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp LogPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) command(ctx context.Context, id, action string, expectedVersion int64, body any) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, executionPath(id, action, expectedVersion), body, &resp)
	return resp, err
}

func executionPath(id, action string, expectedVersion int64) string {
	p := "executions/" + url.PathEscape(id) + "/" + action
	if expectedVersion > 0 {
		p += "?expected_version=" + strconv.FormatInt(expectedVersion, 10)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
