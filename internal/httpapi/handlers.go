package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/otel"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// --- Webhooks ---

func (a *api) handleStepWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev models.StepEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	snap, err := a.proc.Process(r.Context(), ev)
	otel.RecordStepEvent(r.Context(), ev.StepType, ev.Status, err == nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (a *api) handleHeartbeatWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "default"
	}
	p, err := a.tracker.Heartbeat(r.Context(), scope, hb)
	if err != nil {
		writeError(w, err)
		return
	}
	// Token deltas accumulate on the current todo's session mapping. Best-effort:
	// a heartbeat before the session exists is normal.
	if hb.CurrentTodoID != "" && (hb.InputTokens > 0 || hb.OutputTokens > 0) {
		if err := a.registry.AddUsage(r.Context(), hb.CurrentTodoID, hb.InputTokens, hb.OutputTokens); err != nil && !fault.IsNotFound(err) {
			slog.Warn("heartbeat usage record failed", "todo_id", hb.CurrentTodoID, "err", err)
		}
	}
	a.hub.PublishJSON(map[string]any{"type": "presence_update", "scope": scope})
	writeJSON(w, presenceView(a.tracker, p))
}

// handleSessionWebhook closes the correlation loop: the agent's bootstrap task
// posts its own conversation id here, carrying the todo id in the args string
// it was launched with ("--todo-id=<id> --session-name=<name>").
func (a *api) handleSessionWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var reg models.SessionRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if reg.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id required")
		return
	}
	todoID := argValue(reg.Args, "--todo-id")
	if todoID == "" {
		writeJSONError(w, http.StatusBadRequest, "args must carry --todo-id")
		return
	}
	if err := a.registry.RegisterConversation(r.Context(), todoID, reg.SessionID); err != nil {
		writeError(w, err)
		return
	}
	a.hub.PublishJSON(map[string]any{"type": "session_update", "todo_id": todoID})
	writeJSON(w, map[string]any{"ok": true, "todo_id": todoID})
}

func (a *api) handleAckWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ack models.CommandAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ack.CommandID == "" {
		writeJSONError(w, http.StatusBadRequest, "commandId required")
		return
	}
	rec := store.AuditRecord{
		TodoID: ack.TodoID,
		Detail: fmt.Sprintf("command %s acknowledged: %s", ack.CommandID, ack.Status),
	}
	if err := a.st.AppendAudit(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// handleSessions resolves a session mapping by any of its external
// identifiers. Exactly one of todo, handle, conversation, or trace selects
// the record; all four resolve to the same mapping.
func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	var m store.SessionMapping
	var err error
	switch {
	case q.Get("todo") != "":
		m, err = a.registry.ByTodo(r.Context(), q.Get("todo"))
	case q.Get("handle") != "":
		m, err = a.registry.ByHandle(r.Context(), q.Get("handle"))
	case q.Get("conversation") != "":
		m, err = a.registry.ByConversation(r.Context(), q.Get("conversation"))
	case q.Get("trace") != "":
		m, err = a.registry.ByTrace(r.Context(), q.Get("trace"))
	default:
		writeJSONError(w, http.StatusBadRequest, "one of todo, handle, conversation, trace is required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sessionView(m))
}

// argValue extracts "--key=value" from a space separated args string.
func argValue(args, key string) string {
	for _, f := range strings.Fields(args) {
		if v, ok := strings.CutPrefix(f, key+"="); ok {
			return v
		}
	}
	return ""
}

// --- Missions ---

func (a *api) handleMissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		missions, err := a.st.ListMissions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, missionViews(missions))
	case http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Title == "" {
			writeJSONError(w, http.StatusBadRequest, "title required")
			return
		}
		m, err := a.st.CreateMission(r.Context(), body.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		a.hub.PublishJSON(map[string]any{"type": "mission_update", "mission_id": m.MissionID})
		writeJSON(w, missionView(m))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *api) handleMission(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/missions/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	missionID := parts[0]

	// /missions/{id}
	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			m, err := a.st.GetMission(r.Context(), missionID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, missionView(m))
		case http.MethodDelete:
			if err := a.st.DeleteMission(r.Context(), missionID); err != nil {
				writeError(w, err)
				return
			}
			a.hub.PublishJSON(map[string]any{"type": "mission_update", "mission_id": missionID})
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		m, err := a.engine.RequestMissionStatus(r.Context(), missionID, body.Status)
		if err != nil {
			writeError(w, err)
			return
		}
		a.hub.PublishJSON(map[string]any{"type": "mission_update", "mission_id": missionID, "status": m.Status})
		writeJSON(w, missionView(m))
	case "todos":
		switch r.Method {
		case http.MethodGet:
			todos, err := a.st.ListTodos(r.Context(), missionID, 0)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, todoViews(todos))
		case http.MethodPost:
			var body struct {
				Title    string `json:"title"`
				Position int    `json:"position"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.Title == "" {
				writeJSONError(w, http.StatusBadRequest, "title required")
				return
			}
			t, err := a.st.CreateTodo(r.Context(), missionID, body.Title, body.Position)
			if err != nil {
				writeError(w, err)
				return
			}
			a.hub.PublishJSON(map[string]any{"type": "todo_update", "todo_id": t.TodoID, "mission_id": missionID})
			writeJSON(w, todoView(t))
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// --- Todos ---

func (a *api) handleTodo(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/todos/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	todoID := parts[0]

	// /todos/{id}
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		t, err := a.st.GetTodo(r.Context(), todoID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, todoView(t))
		return
	}

	switch parts[1] {
	case "status":
		a.handleTodoStatus(w, r, todoID)
	case "dependencies":
		a.handleTodoDependencies(w, r, todoID)
	case "audit":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		recs, err := a.st.ListAudit(r.Context(), todoID, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, auditViews(recs))
	case "session":
		a.handleTodoSession(w, r, todoID)
	case "keys":
		a.handleTodoKeys(w, r, todoID)
	case "screen":
		a.handleTodoScreen(w, r, todoID)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *api) handleTodoStatus(w http.ResponseWriter, r *http.Request, todoID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := a.engine.RequestTodoStatus(r.Context(), todoID, body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	a.hub.PublishJSON(map[string]any{"type": "todo_update", "todo_id": todoID, "status": t.Status})
	writeJSON(w, todoView(t))
}

func (a *api) handleTodoDependencies(w http.ResponseWriter, r *http.Request, todoID string) {
	switch r.Method {
	case http.MethodGet:
		t, err := a.st.GetTodo(r.Context(), todoID)
		if err != nil {
			writeError(w, err)
			return
		}
		deps := t.DependsOn
		if deps == nil {
			deps = []string{}
		}
		writeJSON(w, map[string]any{"todo_id": todoID, "depends_on": deps})
	case http.MethodPost:
		var body struct {
			DependsOn string `json:"depends_on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.DependsOn == "" {
			writeJSONError(w, http.StatusBadRequest, "depends_on required")
			return
		}
		if err := a.engine.AttachDependency(r.Context(), todoID, body.DependsOn); err != nil {
			writeError(w, err)
			return
		}
		a.hub.PublishJSON(map[string]any{"type": "todo_update", "todo_id": todoID})
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *api) handleTodoSession(w http.ResponseWriter, r *http.Request, todoID string) {
	switch r.Method {
	case http.MethodGet:
		m, err := a.registry.ByTodo(r.Context(), todoID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sessionView(m))
	case http.MethodPost:
		var body struct {
			WorkDir   string `json:"work_dir"`
			Bootstrap *bool  `json:"bootstrap"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		bootstrap := body.Bootstrap == nil || *body.Bootstrap
		handle, err := a.sessions.Start(r.Context(), todoID, body.WorkDir, bootstrap)
		if err != nil {
			writeError(w, err)
			return
		}
		a.hub.PublishJSON(map[string]any{"type": "session_update", "todo_id": todoID, "handle": handle})
		writeJSON(w, map[string]any{"todo_id": todoID, "session_handle": handle})
	case http.MethodDelete:
		if err := a.sessions.Stop(r.Context(), todoID); err != nil {
			writeError(w, err)
			return
		}
		a.hub.PublishJSON(map[string]any{"type": "session_update", "todo_id": todoID})
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *api) handleTodoKeys(w http.ResponseWriter, r *http.Request, todoID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Content string `json:"content"`
		Submit  *bool  `json:"submit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "content required")
		return
	}
	submit := body.Submit == nil || *body.Submit
	if err := a.sessions.SendKeys(r.Context(), todoID, body.Content, submit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// handleTodoScreen returns one capture by default; with ?follow=1 it streams
// screen changes as SSE frames until the client disconnects.
func (a *api) handleTodoScreen(w http.ResponseWriter, r *http.Request, todoID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Query().Get("follow") == "" {
		screen, err := a.sessions.CaptureScreen(r.Context(), todoID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"todo_id": todoID, "screen": screen})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel, err := a.sessions.SubscribeScreen(r.Context(), todoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	for {
		select {
		case <-r.Context().Done():
			return
		case screen, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(map[string]any{"todo_id": todoID, "screen": screen})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// --- Presence ---

func (a *api) handlePresence(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/presence/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	scope := parts[0]

	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		p, err := a.tracker.Get(r.Context(), scope)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, presenceView(a.tracker, p))
		return
	}

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p store.AgentPresence
	var err error
	switch parts[1] {
	case "connect":
		p, err = a.tracker.Connect(r.Context(), scope)
	case "disconnect":
		p, err = a.tracker.Disconnect(r.Context(), scope)
	case "start-work":
		var body struct {
			TodoID string `json:"todo_id"`
			Title  string `json:"title"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		p, err = a.tracker.StartWork(r.Context(), scope, body.TodoID, body.Title)
	case "finish-work":
		p, err = a.tracker.FinishWork(r.Context(), scope)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	a.hub.PublishJSON(map[string]any{"type": "presence_update", "scope": scope})
	writeJSON(w, presenceView(a.tracker, p))
}
