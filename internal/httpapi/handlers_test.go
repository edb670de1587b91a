package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mgrt/missiond/pkg/models"
)

type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	keys     []string
	screen   string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool), screen: "$ "}
}

func (f *fakeTmux) CreateSession(ctx context.Context, name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeTmux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeTmux) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeTmux) SendKeys(ctx context.Context, name, keys string, literal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys)
	return nil
}

func (f *fakeTmux) CapturePane(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen, nil
}

func newTestServer(t *testing.T, opts ServerOptions) (*httptest.Server, *App) {
	t.Helper()
	if opts.Home == "" {
		opts.Home = filepath.Join(t.TempDir(), "home")
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	app.Sessions.Client = newFakeTmux()
	app.Sessions.Settle = time.Millisecond
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = app.Store.Close()
	})
	return srv, app
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func createMission(t *testing.T, base, title string) models.Mission {
	t.Helper()
	resp := postJSON(t, base+"/missions", map[string]string{"title": title})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create mission: status %d", resp.StatusCode)
	}
	return decode[models.Mission](t, resp)
}

func createTodo(t *testing.T, base, missionID, title string) models.Todo {
	t.Helper()
	resp := postJSON(t, base+"/missions/"+missionID+"/todos", map[string]any{"title": title})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create todo: status %d", resp.StatusCode)
	}
	return decode[models.Todo](t, resp)
}

func TestHealthAndConfig(t *testing.T) {
	t.Parallel()
	srv, app := newTestServer(t, ServerOptions{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if body["ok"] != true {
		t.Errorf("health: %v", body)
	}

	resp, err = http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	cfg := decode[models.Config](t, resp)
	if cfg.Home != app.Home {
		t.Errorf("config home: got %q, want %q", cfg.Home, app.Home)
	}
}

func TestMissionAndTodoLifecycle(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "ship auth")
	if m.Status != models.MissionPlanned {
		t.Errorf("mission status: %q", m.Status)
	}

	todo := createTodo(t, base, m.MissionID, "add login endpoint")
	if len(todo.Steps) != len(models.StepKinds) {
		t.Errorf("steps: got %d", len(todo.Steps))
	}

	// Activate the mission, then the todo.
	resp := postJSON(t, base+"/missions/"+m.MissionID+"/status", map[string]string{"status": "active"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mission status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, base+"/todos/"+todo.TodoID+"/status", map[string]string{"status": "active"})
	got := decode[models.Todo](t, resp)
	if got.Status != models.TodoActive {
		t.Errorf("todo status: %q", got.Status)
	}

	// List endpoints see the data.
	resp, err := http.Get(base + "/missions")
	if err != nil {
		t.Fatal(err)
	}
	missions := decode[[]models.Mission](t, resp)
	if len(missions) != 1 {
		t.Errorf("missions: %d", len(missions))
	}
	resp, err = http.Get(base + "/missions/" + m.MissionID + "/todos")
	if err != nil {
		t.Fatal(err)
	}
	todos := decode[[]models.Todo](t, resp)
	if len(todos) != 1 || todos[0].TodoID != todo.TodoID {
		t.Errorf("todos: %+v", todos)
	}

	// Delete, then 404 with kind not_found.
	req, _ := http.NewRequest(http.MethodDelete, base+"/missions/"+m.MissionID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/missions/" + m.MissionID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted: %d", resp.StatusCode)
	}
	errBody := decode[map[string]string](t, resp)
	if errBody["kind"] != "not_found" {
		t.Errorf("error kind: %v", errBody)
	}
}

func TestStepWebhook(t *testing.T) {
	t.Parallel()
	srv, app := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	todo := createTodo(t, base, m.MissionID, "t")

	resp := postJSON(t, base+"/webhooks/step", models.StepEvent{
		TodoID:   todo.TodoID,
		StepType: models.KindAnalysis,
		Status:   models.StepInProgress,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step webhook: %d", resp.StatusCode)
	}
	snap := decode[models.StepSnapshot](t, resp)
	if snap.Kind != models.KindAnalysis || snap.TodoStatus != models.TodoActive {
		t.Errorf("snapshot: %+v", snap)
	}

	// Re-delivery returns 200 and does not duplicate the audit record.
	resp = postJSON(t, base+"/webhooks/step", models.StepEvent{
		TodoID:   todo.TodoID,
		StepType: models.KindAnalysis,
		Status:   models.StepInProgress,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redelivery: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	recs, _ := app.Store.ListAudit(context.Background(), todo.TodoID, 0)
	if len(recs) != 1 {
		t.Errorf("audit: %d records", len(recs))
	}

	// Unknown todo maps to 404.
	resp = postJSON(t, base+"/webhooks/step", models.StepEvent{
		TodoID:   "missing",
		StepType: models.KindAnalysis,
		Status:   models.StepInProgress,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown todo: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Unknown step type maps to 400.
	resp = postJSON(t, base+"/webhooks/step", models.StepEvent{
		TodoID:   todo.TodoID,
		StepType: "bogus",
		Status:   models.StepInProgress,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown step type: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestHeartbeatAndPresence(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	n := 2
	resp := postJSON(t, base+"/webhooks/heartbeat?scope=ws-1", models.Heartbeat{
		CurrentTodoID:    "todo-1",
		CurrentTodoTitle: "wire parser",
		ActiveTodoCount:  &n,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d", resp.StatusCode)
	}
	p := decode[models.AgentPresence](t, resp)
	if p.Status != models.PresenceOnline || p.EffectiveStatus != models.PresenceOnline {
		t.Errorf("presence: %+v", p)
	}
	if p.CurrentTodoID != "todo-1" || p.ActiveTodoCount != 2 {
		t.Errorf("presence fields: %+v", p)
	}

	resp, err := http.Get(base + "/presence/ws-1")
	if err != nil {
		t.Fatal(err)
	}
	p = decode[models.AgentPresence](t, resp)
	if p.Scope != "ws-1" || p.Status != models.PresenceOnline {
		t.Errorf("get presence: %+v", p)
	}

	resp = postJSON(t, base+"/presence/ws-1/start-work", map[string]string{"todo_id": "todo-2", "title": "fix build"})
	p = decode[models.AgentPresence](t, resp)
	if p.Status != models.PresenceBusy || p.CurrentTodoID != "todo-2" {
		t.Errorf("start-work: %+v", p)
	}

	resp = postJSON(t, base+"/presence/ws-1/finish-work", nil)
	p = decode[models.AgentPresence](t, resp)
	if p.Status != models.PresenceOnline || p.CurrentTodoID != "" {
		t.Errorf("finish-work: %+v", p)
	}

	resp = postJSON(t, base+"/presence/ws-1/disconnect", nil)
	p = decode[models.AgentPresence](t, resp)
	if p.Status != models.PresenceOffline {
		t.Errorf("disconnect: %+v", p)
	}
}

func TestSessionWebhookClosesCorrelationLoop(t *testing.T) {
	t.Parallel()
	srv, app := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	todo := createTodo(t, base, m.MissionID, "t")

	resp := postJSON(t, base+"/webhooks/session", models.SessionRegistration{
		SessionID: "conv-42",
		Path:      "/work",
		Args:      fmt.Sprintf("--todo-id=%s --session-name=missiond-x", todo.TodoID),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session webhook: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	mapping, err := app.Registry.ByConversation(context.Background(), "conv-42")
	if err != nil {
		t.Fatalf("ByConversation: %v", err)
	}
	if mapping.TodoID != todo.TodoID {
		t.Errorf("mapping: %+v", mapping)
	}

	// Missing --todo-id is a 400.
	resp = postJSON(t, base+"/webhooks/session", models.SessionRegistration{SessionID: "conv-43", Args: "--session-name=x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing todo id: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestSessionStartKeysScreenStop(t *testing.T) {
	t.Parallel()
	srv, app := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	todo := createTodo(t, base, m.MissionID, "t")

	// No session yet: keys and screen fail with invalid_state (409).
	resp := postJSON(t, base+"/todos/"+todo.TodoID+"/keys", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("keys without session: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, base+"/todos/"+todo.TodoID+"/session", map[string]any{"bootstrap": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start session: %d", resp.StatusCode)
	}
	started := decode[map[string]string](t, resp)
	if !strings.HasPrefix(started["session_handle"], "missiond-") {
		t.Errorf("handle: %v", started)
	}

	resp = postJSON(t, base+"/todos/"+todo.TodoID+"/keys", map[string]string{"content": "run the tests"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("keys: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, err := http.Get(base + "/todos/" + todo.TodoID + "/screen")
	if err != nil {
		t.Fatal(err)
	}
	screen := decode[map[string]string](t, resp)
	if screen["screen"] != "$ " {
		t.Errorf("screen: %v", screen)
	}

	resp, err = http.Get(base + "/todos/" + todo.TodoID + "/session")
	if err != nil {
		t.Fatal(err)
	}
	mapping := decode[models.SessionMapping](t, resp)
	if mapping.Status != models.SessionActive {
		t.Errorf("mapping: %+v", mapping)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/todos/"+todo.TodoID+"/session", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop: %d", resp.StatusCode)
	}
	if _, ok := app.Sessions.Handle(todo.TodoID); ok {
		t.Error("session should be gone")
	}
}

func TestDependenciesEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	a := createTodo(t, base, m.MissionID, "a")
	b := createTodo(t, base, m.MissionID, "b")

	resp := postJSON(t, base+"/todos/"+b.TodoID+"/dependencies", map[string]string{"depends_on": a.TodoID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add dep: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Closing the loop is rejected with 400.
	resp = postJSON(t, base+"/todos/"+a.TodoID+"/dependencies", map[string]string{"depends_on": b.TodoID})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("cycle: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, err := http.Get(base + "/todos/" + b.TodoID + "/dependencies")
	if err != nil {
		t.Fatal(err)
	}
	deps := decode[map[string]any](t, resp)
	got, _ := deps["depends_on"].([]any)
	if len(got) != 1 || got[0] != a.TodoID {
		t.Errorf("deps: %v", deps)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{APIKey: "sekret"})
	base := srv.URL

	// Health is exempt.
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/missions")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/missions", nil)
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: %d", resp.StatusCode)
	}

	// Query param form works too.
	resp, err = http.Get(base + "/missions?api_key=sekret")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query key: %d", resp.StatusCode)
	}
}

func TestMetricsFallback(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	createTodo(t, base, m.MissionID, "t")

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `missiond_todos_total{status="pending"} 1`) {
		t.Errorf("metrics: %s", buf.String())
	}
}

func TestSessionLookupsResolveExternalIdentifiers(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	todo := createTodo(t, base, m.MissionID, "t")

	resp := postJSON(t, base+"/todos/"+todo.TodoID+"/session", map[string]any{"bootstrap": false})
	started := decode[map[string]any](t, resp)
	handle, _ := started["session_handle"].(string)
	if handle == "" {
		t.Fatalf("session start: %v", started)
	}

	// A step event's correlation token lands in the mapping's trace list.
	resp = postJSON(t, base+"/webhooks/step", models.StepEvent{
		TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepInProgress, SessionID: "tr-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step webhook: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, base+"/webhooks/session", models.SessionRegistration{
		SessionID: "conv-1",
		Args:      "--todo-id=" + todo.TodoID + " --session-name=" + handle,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session webhook: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	for _, query := range []string{
		"todo=" + todo.TodoID,
		"handle=" + handle,
		"trace=tr-1",
		"conversation=conv-1",
	} {
		resp, err := http.Get(base + "/sessions?" + query)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /sessions?%s: %d", query, resp.StatusCode)
		}
		sess := decode[models.SessionMapping](t, resp)
		if sess.TodoID != todo.TodoID {
			t.Errorf("lookup %s: resolved todo %q", query, sess.TodoID)
		}
	}

	// No selector is a bad request.
	resp2, err := http.Get(base + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("no selector: %d", resp2.StatusCode)
	}
}

func TestHeartbeatAccumulatesSessionUsage(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, ServerOptions{})
	base := srv.URL

	m := createMission(t, base, "m")
	todo := createTodo(t, base, m.MissionID, "t")

	resp := postJSON(t, base+"/todos/"+todo.TodoID+"/session", map[string]any{"bootstrap": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session start: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	for i := 0; i < 2; i++ {
		resp = postJSON(t, base+"/webhooks/heartbeat?scope=ws-1", models.Heartbeat{
			CurrentTodoID: todo.TodoID,
			InputTokens:   100,
			OutputTokens:  40,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("heartbeat %d: %d", i, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}

	resp, err := http.Get(base + "/sessions?todo=" + todo.TodoID)
	if err != nil {
		t.Fatal(err)
	}
	sess := decode[models.SessionMapping](t, resp)
	if sess.InputTokens != 200 || sess.OutputTokens != 80 {
		t.Errorf("usage: got %d/%d, want 200/80", sess.InputTokens, sess.OutputTokens)
	}

	// A heartbeat naming a todo without a session is still accepted.
	resp = postJSON(t, base+"/webhooks/heartbeat?scope=ws-1", models.Heartbeat{
		CurrentTodoID: "no-such-todo",
		InputTokens:   5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat without session: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
