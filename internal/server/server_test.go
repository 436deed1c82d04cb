package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loopline/internal/catalog"
	"loopline/internal/compose"
	"loopline/internal/db"
	"loopline/internal/definitions"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/guarantee"
	"loopline/internal/logging"
	"loopline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func writeDefinitions(t *testing.T, root string) definitions.Source {
	t.Helper()
	skills := filepath.Join(root, "skills")
	loops := filepath.Join(root, "loops")
	for _, dir := range []string{skills, loops} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	files := map[string]string{
		filepath.Join(skills, "a.md"): "---\nid: a\nguarantees:\n  - {id: spec, statement: spec exists}\n---\nwrite the spec\n",
		filepath.Join(skills, "b.md"): "---\nid: b\nguarantees:\n  - {id: tests, statement: tests exist}\n---\nwrite tests\n",
		filepath.Join(skills, "c.md"): "---\nid: c\n---\nbuild it\n",
		filepath.Join(loops, "l.yaml"): `id: L
version: "1"
phases:
  - name: INIT
    skills: [a, b]
  - name: BUILD
    skills: [{skill: c, required: false}]
gates:
  - {id: G, name: Spec review, after: INIT, type: human, deliverables: [spec.md]}
`,
		filepath.Join(loops, "broken.yaml"): "id: broken\nversion: \"1\"\nphases:\n  - name: ONLY\n    skills: [ghost]\n",
	}
	for path, doc := range files {
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return definitions.Source{SkillDirs: []string{skills}, LoopDirs: []string{loops}}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	cat := catalog.New(catalog.Options{
		Source:      writeDefinitions(t, workspace),
		Defaults:    compose.Defaults{Mode: domain.ModeGreenfield, Autonomy: domain.AutonomySupervised},
		Aggregation: guarantee.Config{},
		Logger:      logging.Discard(),
		Now:         clock,
	})
	if _, err := cat.Reload(context.Background()); err != nil {
		t.Fatalf("reload catalog: %v", err)
	}
	e := engine.New(conn, cat)
	e.Logger = logging.Discard()
	e.Now = clock
	handler, err := New(Config{
		Engine:   e,
		Catalog:  cat,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Close()
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asAlice = map[string]string{"X-Actor-Id": "alice"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func decodeExecution(t *testing.T, data []byte) domain.Execution {
	t.Helper()
	var exec domain.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	return exec
}

func createExecution(t *testing.T, srv *testServer) domain.Execution {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"loop_id": "L",
		"project": "demo",
	}, asAlice)
	expectStatus(t, res, data, http.StatusCreated)
	return decodeExecution(t, data)
}

func TestHealthIsPublicAndCommandsNeedAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/loops", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if !strings.Contains(string(data), `"code":"unauthorized"`) {
		t.Fatalf("expected error envelope, got %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/loops", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	bodies := make([]string, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			if res.StatusCode != http.StatusOK {
				t.Errorf("openapi status = %d", res.StatusCode)
			}
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	if !strings.Contains(bodies[0], `"openapi"`) {
		t.Fatalf("unexpected document: %.200s", bodies[0])
	}
	for i, b := range bodies {
		if b != bodies[0] {
			t.Fatalf("response %d differs from the first", i)
		}
	}
}

func TestBearerTokenIdentifiesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := IssueToken(testSecret, "bob")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"loop_id": "L",
		"project": "demo",
	}, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusCreated)
	exec := decodeExecution(t, data)
	if len(exec.Logs) == 0 || exec.Logs[0].ActorID != "bob" {
		t.Fatalf("expected bob on creation log, got %+v", exec.Logs)
	}
}

func TestSupervisedExecutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	exec := createExecution(t, srv)
	base := srv.URL + "/v0/executions/" + exec.ID

	for _, skill := range []string{"a", "b"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/skills/"+skill+"/complete", nil, asAlice)
		expectStatus(t, res, data, http.StatusOK)
		exec = decodeExecution(t, data)
	}
	if got := exec.Phase("INIT").Status; got != domain.PhaseCompleted {
		t.Fatalf("INIT should complete with its last skill, got %s", got)
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/next", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var next ActionResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if next.Action.Kind != engine.ActionBlockOnGate || next.Action.GateID != "G" {
		t.Fatalf("expected block on G, got %+v", next.Action)
	}
	if next.Execution.Status != domain.ExecutionBlocked {
		t.Fatalf("expected blocked, got %s", next.Execution.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/gates/G/approve", map[string]any{
		"deliverables": map[string]string{"spec.md": "docs/spec.md"},
		"feedback":     "looks good",
	}, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	exec = decodeExecution(t, data)
	if g := exec.Gate("G"); g == nil || g.Status != domain.GateApproved || g.ApprovedBy != "alice" {
		t.Fatalf("gate not approved by alice: %+v", g)
	}
	if exec.Status != domain.ExecutionActive {
		t.Fatalf("approval should unblock, got %s", exec.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/phase/advance", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	if exec = decodeExecution(t, data); exec.CurrentPhase != "BUILD" {
		t.Fatalf("expected BUILD, got %s", exec.CurrentPhase)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/skills/c/skip", map[string]any{"reason": "not needed"}, asAlice)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, base+"/step", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if next.Action.Kind != engine.ActionCompleteExecution || next.Execution.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completion, got %+v / %s", next.Action, next.Execution.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/archive", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions?project=demo", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var page ExecutionPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("archived execution should be hidden, got %d", len(page.Items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions?project=demo&include_archived=true", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected archived execution when asked, got %d", len(page.Items))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	exec := createExecution(t, srv)
	base := srv.URL + "/v0/executions/" + exec.ID

	type envelope struct {
		Error apiErrorBody `json:"error"`
	}
	decode := func(data []byte) apiErrorBody {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		return env.Error
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/phase/complete", nil, asAlice)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	body := decode(data)
	if body.Code != engine.CodeSkillsOutstanding {
		t.Fatalf("expected skills_outstanding, got %+v", body)
	}
	ids, _ := body.Details["ids"].([]any)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected outstanding ids [a b], got %v", body.Details["ids"])
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/skills/a/start?expected_version=99", nil, asAlice)
	expectStatus(t, res, data, http.StatusConflict)
	if body := decode(data); body.Code != engine.CodeStaleState {
		t.Fatalf("expected stale_state, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/skills/a/skip", map[string]any{"reason": ""}, asAlice)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	if body := decode(data); body.Code != engine.CodeReasonRequired {
		t.Fatalf("expected reason_required, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/gates/G/approve", nil, asAlice)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	if body := decode(data); body.Code != engine.CodeGateNotPending {
		t.Fatalf("expected gate_not_pending, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/missing", nil, asAlice)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"loop_id": "broken",
		"project": "demo",
	}, asAlice)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	if body := decode(data); body.Code != engine.CodeLoopUnavailable {
		t.Fatalf("expected loop_unavailable, got %+v", body)
	}
}

func TestCatalogRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/skills", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var skills SkillList
	if err := json.Unmarshal(data, &skills); err != nil {
		t.Fatalf("unmarshal skills: %v", err)
	}
	if len(skills.Items) != 3 || skills.RegistryRevision == 0 {
		t.Fatalf("unexpected skills %+v", skills)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/skills/a", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "write the spec") {
		t.Fatalf("skill content missing: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/skills/ghost", nil, asAlice)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/loops/L/guarantees", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var gm GuaranteesResponse
	if err := json.Unmarshal(data, &gm); err != nil {
		t.Fatalf("unmarshal guarantees: %v", err)
	}
	if gm.Map == nil || len(gm.Map.Guarantees) != 2 {
		t.Fatalf("expected spec and tests guarantees, got %+v", gm)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/loops/broken", nil, asAlice)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalog/problems", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var problems ProblemList
	if err := json.Unmarshal(data, &problems); err != nil {
		t.Fatalf("unmarshal problems: %v", err)
	}
	if len(problems.Items) != 1 || problems.Items[0].ID != "broken" {
		t.Fatalf("expected one problem for broken loop, got %+v", problems.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalog/reload", nil, asAlice)
	expectStatus(t, res, data, http.StatusOK)
	var reload catalog.ReloadResult
	if err := json.Unmarshal(data, &reload); err != nil {
		t.Fatalf("unmarshal reload: %v", err)
	}
	if len(reload.Published) != 0 || len(reload.Unchanged) != 1 {
		t.Fatalf("unchanged definitions should not republish, got %+v", reload)
	}
}

func TestLogStreamReplaysAndFollows(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	exec := createExecution(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/executions/"+exec.ID+"/logs/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "alice")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	waitFor := func(evtType string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %s", evtType)
				}
				if strings.HasPrefix(line, "data:") && strings.Contains(line, `"type":"`+evtType+`"`) {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %s", evtType)
			}
		}
	}

	waitFor("execution.created")
	waitFor("phase.started")

	res2, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions/"+exec.ID+"/skills/a/start", nil, asAlice)
	expectStatus(t, res2, data, http.StatusOK)
	waitFor("skill.started")
}

func TestLogStreamReadsEntriesTheFeedDropped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	exec := createExecution(t, srv)
	e := srv.engine

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backlog, err := e.Logs(ctx, exec.ID, 0, logPageSize)
	if err != nil || len(backlog) == 0 {
		t.Fatalf("backlog: %v %d", err, len(backlog))
	}

	// live stands in for a subscription that overflowed: only the last
	// entry of a burst ever reaches it.
	live := make(chan domain.LogEntry, 1)
	sent := make(chan domain.LogEntry, 64)
	done := make(chan error, 1)
	go func() {
		done <- streamLogs(ctx, e, exec.ID, 0, live, func(entry domain.LogEntry) error {
			sent <- entry
			return nil
		})
	}()

	var got []int64
	receive := func(n int) {
		t.Helper()
		for len(got) < n {
			select {
			case entry := <-sent:
				got = append(got, entry.Seq)
			case <-ctx.Done():
				t.Fatalf("timed out after %d of %d entries: %v", len(got), n, got)
			}
		}
	}
	receive(len(backlog))

	actor := engine.Ref{ExecutionID: exec.ID, ActorID: "alice"}
	if _, err := e.StartSkill(ctx, actor, "a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := e.CompleteSkill(ctx, actor, "a"); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if _, err := e.CompleteSkill(ctx, actor, "b"); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	all, err := e.Logs(ctx, exec.ID, 0, logPageSize)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(all) < len(backlog)+3 {
		t.Fatalf("expected the burst to add entries, have %d", len(all))
	}
	live <- all[len(all)-1]

	receive(len(all))
	for i, entry := range all {
		if got[i] != entry.Seq {
			t.Fatalf("stream out of order or with gaps: got %v want seq %d at %d", got, entry.Seq, i)
		}
	}
	select {
	case extra := <-sent:
		t.Fatalf("unexpected extra entry %d", extra.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		t.Fatalf("stream: %v", err)
	}
}
