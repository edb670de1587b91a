package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mgrt/missiond/internal/correlate"
	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/journal"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/workflow"
	"github.com/mgrt/missiond/pkg/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []any
}

func (n *recordingNotifier) PublishJSON(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, v)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestProcessor(t *testing.T) (*Processor, store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	n := &recordingNotifier{}
	p := &Processor{
		Store:    st,
		Engine:   &workflow.Engine{Store: st},
		Registry: &correlate.Registry{Store: st},
		Notifier: n,
	}
	return p, st, n
}

func seedTodo(t *testing.T, st store.Store) store.Todo {
	t.Helper()
	ctx := context.Background()
	m, err := st.CreateMission(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	todo, err := st.CreateTodo(ctx, m.MissionID, "t", 0)
	if err != nil {
		t.Fatal(err)
	}
	return todo
}

func TestProcess_appliesTransitionAndDerivesTodo(t *testing.T) {
	t.Parallel()
	p, st, n := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	snap, err := p.Process(ctx, models.StepEvent{
		TodoID:   todo.TodoID,
		StepType: models.KindAnalysis,
		Status:   models.StepInProgress,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if snap.Kind != models.KindAnalysis || snap.Status != models.StepInProgress {
		t.Errorf("snapshot: got %+v", snap)
	}
	if snap.TodoStatus != models.TodoActive {
		t.Errorf("todo status: got %q, want active", snap.TodoStatus)
	}

	recs, _ := st.ListAudit(ctx, todo.TodoID, 0)
	if len(recs) != 1 {
		t.Fatalf("audit: got %d records", len(recs))
	}
	if recs[0].Detail != "step analysis started" {
		t.Errorf("audit detail: got %q", recs[0].Detail)
	}
	if n.count() != 1 {
		t.Errorf("notifications: got %d", n.count())
	}
}

func TestProcess_idempotentRedelivery(t *testing.T) {
	t.Parallel()
	p, st, n := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	ev := models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepInProgress}
	if _, err := p.Process(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// The same event again: full snapshot, no second audit, no second notify.
	pct := 40
	ev.Progress = &pct
	ev.Message = "still analyzing"
	snap, err := p.Process(ctx, ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if snap.Progress == nil || *snap.Progress != 40 || snap.Message != "still analyzing" {
		t.Errorf("transient fields should echo back: %+v", snap)
	}

	recs, _ := st.ListAudit(ctx, todo.TodoID, 0)
	if len(recs) != 1 {
		t.Errorf("audit after redelivery: got %d records, want 1", len(recs))
	}
	if n.count() != 1 {
		t.Errorf("notifications after redelivery: got %d, want 1", n.count())
	}
}

func TestProcess_completingAllStepsCompletesTodo(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	var snap models.StepSnapshot
	var err error
	for _, kind := range models.StepKinds {
		if _, err = p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: kind, Status: models.StepInProgress}); err != nil {
			t.Fatalf("start %s: %v", kind, err)
		}
		snap, err = p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: kind, Status: models.StepCompleted, Output: "done " + kind})
		if err != nil {
			t.Fatalf("complete %s: %v", kind, err)
		}
	}
	if snap.TodoStatus != models.TodoDone {
		t.Errorf("todo status: got %q, want done", snap.TodoStatus)
	}

	got, _ := st.GetTodo(ctx, todo.TodoID)
	mission, _ := st.GetMission(ctx, got.MissionID)
	if mission.Progress != 100 {
		t.Errorf("mission progress: got %d", mission.Progress)
	}
}

func TestProcess_terminalTodoWritesJournal(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	p.Journal = &journal.Book{Home: t.TempDir()}
	ctx := context.Background()
	todo := seedTodo(t, st)

	for _, kind := range models.StepKinds {
		if _, err := p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: kind, Status: models.StepInProgress}); err != nil {
			t.Fatalf("start %s: %v", kind, err)
		}
		if _, err := p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: kind, Status: models.StepCompleted}); err != nil {
			t.Fatalf("complete %s: %v", kind, err)
		}
	}

	got, err := p.Journal.Read(ctx, todo.MissionID, 0)
	if err != nil {
		t.Fatalf("journal read: %v", err)
	}
	if !strings.Contains(got, todo.TodoID) || !strings.Contains(got, "**Outcome:** done") {
		t.Errorf("journal missing outcome block:\n%s", got)
	}
	if n := strings.Count(got, "\n---\n"); n != 1 {
		t.Errorf("journal blocks: got %d, want 1", n)
	}
}

func TestProcess_unknownTodoAndKind(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	_, err := p.Process(ctx, models.StepEvent{TodoID: "missing", StepType: models.KindAnalysis, Status: models.StepInProgress})
	if !fault.IsNotFound(err) {
		t.Errorf("unknown todo: got %v, want not_found", err)
	}

	_, err = p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: "bogus", Status: models.StepInProgress})
	if !fault.IsBadRequest(err) {
		t.Errorf("unknown kind: got %v, want bad_request", err)
	}

	_, err = p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: "bogus"})
	if !fault.IsBadRequest(err) {
		t.Errorf("illegal status: got %v, want bad_request", err)
	}

	_, err = p.Process(ctx, models.StepEvent{StepType: models.KindAnalysis, Status: models.StepInProgress})
	if !fault.IsBadRequest(err) {
		t.Errorf("missing todo_id: got %v, want bad_request", err)
	}
}

func TestProcess_webhookTimestampWins(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := p.Process(ctx, models.StepEvent{
		TodoID:    todo.TodoID,
		StepType:  models.KindDesign,
		Status:    models.StepInProgress,
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	step, _ := st.GetStep(ctx, todo.TodoID, models.KindDesign)
	if step.StartedAt == nil || !step.StartedAt.Equal(ts) {
		t.Errorf("StartedAt: got %v, want %v", step.StartedAt, ts)
	}
}

func TestProcess_advancesSessionCursor(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	err := st.CreateSession(ctx, store.SessionMapping{
		TodoID:        todo.TodoID,
		SessionHandle: "h",
		Status:        models.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: models.KindImplementation, Status: models.StepInProgress}); err != nil {
		t.Fatal(err)
	}
	sess, _ := st.GetSessionByTodo(ctx, todo.TodoID)
	if sess.CurrentStep != models.KindImplementation {
		t.Errorf("cursor: got %q", sess.CurrentStep)
	}

	if _, err := p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: models.KindImplementation, Status: models.StepCompleted}); err != nil {
		t.Fatal(err)
	}
	sess, _ = st.GetSessionByTodo(ctx, todo.TodoID)
	if sess.CurrentStep != "" {
		t.Errorf("cursor after completion: got %q, want empty", sess.CurrentStep)
	}
}

func TestProcess_recordsSessionTrace(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	err := st.CreateSession(ctx, store.SessionMapping{
		TodoID:        todo.TodoID,
		SessionHandle: "h",
		Status:        models.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepInProgress, SessionID: "trace-1"}
	if _, err := p.Process(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepCompleted, SessionID: "trace-2"}); err != nil {
		t.Fatal(err)
	}

	sess, err := st.GetSessionByTrace(ctx, "trace-2")
	if err != nil {
		t.Fatalf("GetSessionByTrace: %v", err)
	}
	if len(sess.TraceIDs) != 2 || sess.TraceIDs[0] != "trace-1" || sess.TraceIDs[1] != "trace-2" {
		t.Errorf("trace ids: got %v", sess.TraceIDs)
	}
}

func TestProcess_sessionIDWithoutMappingIsTolerated(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	// No session mapping exists yet; the event still applies cleanly.
	ev := models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepInProgress, SessionID: "early-trace"}
	if _, err := p.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := st.GetStep(ctx, todo.TodoID, models.KindAnalysis)
	if got.Status != models.StepInProgress {
		t.Errorf("step status: got %q", got.Status)
	}
}

func TestProcess_concurrentSameTodo(t *testing.T) {
	t.Parallel()
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()
	todo := seedTodo(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Process(ctx, models.StepEvent{TodoID: todo.TodoID, StepType: models.KindAnalysis, Status: models.StepInProgress})
		}()
	}
	wg.Wait()

	// Exactly one transition applied; the rest were idempotent re-deliveries.
	recs, _ := st.ListAudit(ctx, todo.TodoID, 0)
	if len(recs) != 1 {
		t.Errorf("audit: got %d records, want 1", len(recs))
	}
}
