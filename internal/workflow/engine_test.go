package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &Engine{Store: st}, st
}

func mustTodo(t *testing.T, st store.Store, missionID, title string) store.Todo {
	t.Helper()
	todo, err := st.CreateTodo(context.Background(), missionID, title, 0)
	if err != nil {
		t.Fatalf("CreateTodo: %v", err)
	}
	return todo
}

func saveStepStatus(t *testing.T, st store.Store, todoID, kind, status string) {
	t.Helper()
	ctx := context.Background()
	step, err := st.GetStep(ctx, todoID, kind)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	now := time.Now().UTC()
	switch status {
	case models.StepInProgress:
		StartStep(&step, now)
	case models.StepCompleted:
		CompleteStep(&step, "", now)
	case models.StepFailed:
		FailStep(&step, now)
	case models.StepSkipped:
		SkipStep(&step, now)
	}
	if err := st.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
}

func TestAfterStepChange_pendingToActive(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	todo := mustTodo(t, st, m.MissionID, "t")

	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepInProgress)
	got, err := e.AfterStepChange(ctx, todo.TodoID)
	if err != nil {
		t.Fatalf("AfterStepChange: %v", err)
	}
	if got.Status != models.TodoActive {
		t.Errorf("status: got %q, want active", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be stamped on activation")
	}

	// Another in-progress step keeps it active, no duplicate start stamp.
	started := *got.StartedAt
	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepCompleted)
	saveStepStatus(t, st, todo.TodoID, models.KindDesign, models.StepInProgress)
	got, err = e.AfterStepChange(ctx, todo.TodoID)
	if err != nil {
		t.Fatalf("AfterStepChange: %v", err)
	}
	if got.Status != models.TodoActive {
		t.Errorf("status: got %q, want active", got.Status)
	}
	reloaded, _ := st.GetTodo(ctx, todo.TodoID)
	if reloaded.StartedAt == nil || !reloaded.StartedAt.Equal(started) {
		t.Errorf("StartedAt changed: %v -> %v", started, reloaded.StartedAt)
	}
}

func TestAfterStepChange_allTerminalSuccessCompletesTodo(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	todo := mustTodo(t, st, m.MissionID, "t")

	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepInProgress)
	if _, err := e.AfterStepChange(ctx, todo.TodoID); err != nil {
		t.Fatal(err)
	}

	// Mixed completed and skipped both count toward completion.
	for i, kind := range models.StepKinds {
		status := models.StepCompleted
		if i%2 == 1 {
			status = models.StepSkipped
		}
		saveStepStatus(t, st, todo.TodoID, kind, status)
	}
	got, err := e.AfterStepChange(ctx, todo.TodoID)
	if err != nil {
		t.Fatalf("AfterStepChange: %v", err)
	}
	if got.Status != models.TodoDone {
		t.Errorf("status: got %q, want done", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be stamped")
	}

	// Single-todo mission completes with it.
	mission, _ := st.GetMission(ctx, m.MissionID)
	if mission.Progress != 100 || mission.Status != models.MissionDone {
		t.Errorf("mission: progress=%d status=%q", mission.Progress, mission.Status)
	}
	if mission.CompletedAt == nil {
		t.Error("mission CompletedAt should be stamped")
	}
}

func TestAfterStepChange_failedStepFailsActiveTodo(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	todo := mustTodo(t, st, m.MissionID, "t")
	if _, err := e.RequestMissionStatus(ctx, m.MissionID, models.MissionActive); err != nil {
		t.Fatal(err)
	}

	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepInProgress)
	if _, err := e.AfterStepChange(ctx, todo.TodoID); err != nil {
		t.Fatal(err)
	}
	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepFailed)
	got, err := e.AfterStepChange(ctx, todo.TodoID)
	if err != nil {
		t.Fatalf("AfterStepChange: %v", err)
	}
	if got.Status != models.TodoFailed {
		t.Errorf("status: got %q, want failed", got.Status)
	}

	// A failed todo does not cascade to its mission.
	mission, err := st.GetMission(ctx, m.MissionID)
	if err != nil {
		t.Fatal(err)
	}
	if mission.Status != models.MissionActive {
		t.Errorf("mission status: got %q, want active", mission.Status)
	}
}

func TestAfterStepChange_failedStepLeavesPendingTodo(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	todo := mustTodo(t, st, m.MissionID, "t")

	// A failure reported before any start leaves the todo pending.
	saveStepStatus(t, st, todo.TodoID, models.KindAnalysis, models.StepFailed)
	got, err := e.AfterStepChange(ctx, todo.TodoID)
	if err != nil {
		t.Fatalf("AfterStepChange: %v", err)
	}
	if got.Status != models.TodoPending {
		t.Errorf("status: got %q, want pending", got.Status)
	}
}

func TestRecomputeMissionProgress_partial(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	a := mustTodo(t, st, m.MissionID, "a")
	mustTodo(t, st, m.MissionID, "b")
	mustTodo(t, st, m.MissionID, "c")

	now := time.Now().UTC()
	if err := st.SetTodoStatus(ctx, a.TodoID, models.TodoDone, nil, &now, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.RecomputeMissionProgress(ctx, m.MissionID); err != nil {
		t.Fatalf("RecomputeMissionProgress: %v", err)
	}
	mission, _ := st.GetMission(ctx, m.MissionID)
	if mission.Progress != 33 {
		t.Errorf("progress: got %d, want 33", mission.Progress)
	}
	if mission.Status == models.MissionDone {
		t.Error("mission must not complete below 100")
	}
}

func TestRequestTodoStatus_gatedByDependencies(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	a := mustTodo(t, st, m.MissionID, "a")
	b := mustTodo(t, st, m.MissionID, "b")
	if err := e.AttachDependency(ctx, b.TodoID, a.TodoID); err != nil {
		t.Fatalf("AttachDependency: %v", err)
	}

	if _, err := e.RequestTodoStatus(ctx, b.TodoID, models.TodoActive); !fault.IsBadRequest(err) {
		t.Errorf("start with unmet dep: got %v, want bad_request", err)
	}

	if _, err := e.RequestTodoStatus(ctx, a.TodoID, models.TodoDone); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	got, err := e.RequestTodoStatus(ctx, b.TodoID, models.TodoActive)
	if err != nil {
		t.Fatalf("start after dep done: %v", err)
	}
	if got.Status != models.TodoActive || got.StartedAt == nil {
		t.Errorf("got %+v", got)
	}

	// Starting twice is rejected; the todo is no longer pending.
	if _, err := e.RequestTodoStatus(ctx, b.TodoID, models.TodoActive); !fault.IsBadRequest(err) {
		t.Errorf("double start: got %v, want bad_request", err)
	}
}

func TestRequestTodoStatus_unknownStatus(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	todo := mustTodo(t, st, m.MissionID, "t")

	if _, err := e.RequestTodoStatus(ctx, todo.TodoID, "bogus"); !fault.IsBadRequest(err) {
		t.Errorf("got %v, want bad_request", err)
	}
}

func TestRequestMissionStatus(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")

	got, err := e.RequestMissionStatus(ctx, m.MissionID, models.MissionActive)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != models.MissionActive || got.StartedAt == nil {
		t.Errorf("got %+v", got)
	}

	// Active -> active is rejected.
	if _, err := e.RequestMissionStatus(ctx, m.MissionID, models.MissionActive); !fault.IsBadRequest(err) {
		t.Errorf("double activate: got %v, want bad_request", err)
	}

	// Done requires 100% progress.
	if _, err := e.RequestMissionStatus(ctx, m.MissionID, models.MissionDone); !fault.IsBadRequest(err) {
		t.Errorf("premature done: got %v, want bad_request", err)
	}

	if _, err := e.RequestMissionStatus(ctx, m.MissionID, models.MissionArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
}

func TestAttachDependency_rejectsCycles(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	a := mustTodo(t, st, m.MissionID, "a")
	b := mustTodo(t, st, m.MissionID, "b")
	c := mustTodo(t, st, m.MissionID, "c")

	if err := e.AttachDependency(ctx, a.TodoID, a.TodoID); !fault.IsBadRequest(err) {
		t.Errorf("self dep: got %v, want bad_request", err)
	}

	if err := e.AttachDependency(ctx, b.TodoID, a.TodoID); err != nil {
		t.Fatal(err)
	}
	if err := e.AttachDependency(ctx, c.TodoID, b.TodoID); err != nil {
		t.Fatal(err)
	}
	// a -> b -> c exists in dependency direction; closing the loop is rejected.
	if err := e.AttachDependency(ctx, a.TodoID, c.TodoID); !fault.IsBadRequest(err) {
		t.Errorf("cycle: got %v, want bad_request", err)
	}
}

func TestReady_vanishedDependencyBlocks(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	m, _ := st.CreateMission(ctx, "m")
	m2, _ := st.CreateMission(ctx, "m2")
	dep := mustTodo(t, st, m2.MissionID, "dep")
	todo := mustTodo(t, st, m.MissionID, "t")
	if err := e.AttachDependency(ctx, todo.TodoID, dep.TodoID); err != nil {
		t.Fatal(err)
	}

	// Deleting the dependency's mission removes the dep todo.
	if err := st.DeleteMission(ctx, m2.MissionID); err != nil {
		t.Fatal(err)
	}

	reloaded, err := st.GetTodo(ctx, todo.TodoID)
	if err != nil {
		t.Fatal(err)
	}
	ready, err := e.Ready(ctx, reloaded)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if ready {
		t.Error("todo with a vanished dependency must not be ready")
	}
}
