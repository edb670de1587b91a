// Package workflow derives todo and mission state from step lifecycle events.
// The engine is invoked after every step mutation and on explicit status-change
// requests; it owns the derivation rules and the mission progress computation.
package workflow

import (
	"context"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/gate"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// Engine applies the work-item state machine over the store.
type Engine struct {
	Store store.Store
	Now   func() time.Time // nil uses time.Now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// AfterStepChange re-derives the todo's status after one of its steps changed,
// persists any todo mutation, and recomputes mission progress when the todo
// completes. Returns the todo as persisted.
func (e *Engine) AfterStepChange(ctx context.Context, todoID string) (store.Todo, error) {
	todo, err := e.Store.GetTodo(ctx, todoID)
	if err != nil {
		return store.Todo{}, err
	}

	now := e.now()

	anyInProgress := false
	anyFailed := false
	allTerminalSuccess := len(todo.Steps) > 0
	for _, st := range todo.Steps {
		switch {
		case st.Status == models.StepInProgress:
			anyInProgress = true
		case st.Status == models.StepFailed:
			anyFailed = true
		}
		if !StepTerminalSuccess(st.Status) {
			allTerminalSuccess = false
		}
	}

	switch {
	case allTerminalSuccess:
		if todo.Status != models.TodoDone {
			todo.Status = models.TodoDone
			todo.CompletedAt = &now
			if todo.StartedAt != nil {
				todo.ActualDuration = int64(now.Sub(*todo.StartedAt).Seconds())
			}
			if err := e.Store.SetTodoStatus(ctx, todo.TodoID, todo.Status, nil, todo.CompletedAt, todo.ActualDuration); err != nil {
				return store.Todo{}, err
			}
			if err := e.RecomputeMissionProgress(ctx, todo.MissionID); err != nil {
				return store.Todo{}, err
			}
		}
	case anyFailed && todo.Status == models.TodoActive:
		todo.Status = models.TodoFailed
		if err := e.Store.SetTodoStatus(ctx, todo.TodoID, todo.Status, nil, nil, 0); err != nil {
			return store.Todo{}, err
		}
	case anyInProgress && todo.Status == models.TodoPending:
		todo.Status = models.TodoActive
		todo.StartedAt = &now
		if err := e.Store.SetTodoStatus(ctx, todo.TodoID, todo.Status, todo.StartedAt, nil, 0); err != nil {
			return store.Todo{}, err
		}
	}
	return todo, nil
}

// RecomputeMissionProgress sets Mission.progress = floor(100 * done / total)
// and marks the mission done (stamping completedAt) when progress reaches 100.
// A mission with zero todos has progress 0 and is never auto-completed.
func (e *Engine) RecomputeMissionProgress(ctx context.Context, missionID string) error {
	todos, err := e.Store.ListTodos(ctx, missionID, 0)
	if err != nil {
		return err
	}
	progress := 0
	if len(todos) > 0 {
		done := 0
		for _, t := range todos {
			if t.Status == models.TodoDone {
				done++
			}
		}
		progress = 100 * done / len(todos)
	}
	if err := e.Store.SetMissionProgress(ctx, missionID, progress); err != nil {
		return err
	}
	if progress == 100 && len(todos) > 0 {
		mission, err := e.Store.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if mission.Status != models.MissionDone {
			now := e.now()
			return e.Store.SetMissionStatus(ctx, missionID, models.MissionDone, nil, &now)
		}
	}
	return nil
}

// RequestTodoStatus applies an explicit (non step-driven) todo status change.
// Transition to active is rejected unless every dependency is done.
func (e *Engine) RequestTodoStatus(ctx context.Context, todoID, status string) (store.Todo, error) {
	todo, err := e.Store.GetTodo(ctx, todoID)
	if err != nil {
		return store.Todo{}, err
	}

	now := e.now()
	switch status {
	case models.TodoActive:
		depStatuses, err := e.dependencyStatuses(ctx, todo)
		if err != nil {
			return store.Todo{}, err
		}
		if !gate.Ready(todo.Status, depStatuses) {
			if gate.Blocked(depStatuses) {
				return store.Todo{}, fault.BadRequest("todo %s has unmet dependencies", todoID)
			}
			return store.Todo{}, fault.BadRequest("todo %s cannot start from status %s", todoID, todo.Status)
		}
		todo.Status = models.TodoActive
		todo.StartedAt = &now
		err = e.Store.SetTodoStatus(ctx, todoID, todo.Status, todo.StartedAt, nil, 0)
		return todo, err
	case models.TodoDone:
		todo.Status = models.TodoDone
		todo.CompletedAt = &now
		if todo.StartedAt != nil {
			todo.ActualDuration = int64(now.Sub(*todo.StartedAt).Seconds())
		}
		if err := e.Store.SetTodoStatus(ctx, todoID, todo.Status, nil, todo.CompletedAt, todo.ActualDuration); err != nil {
			return store.Todo{}, err
		}
		return todo, e.RecomputeMissionProgress(ctx, todo.MissionID)
	case models.TodoPending, models.TodoFailed:
		todo.Status = status
		return todo, e.Store.SetTodoStatus(ctx, todoID, status, nil, nil, 0)
	default:
		return store.Todo{}, fault.BadRequest("unknown todo status: %s", status)
	}
}

// RequestMissionStatus applies an explicit mission status change. Transition to
// active is rejected unless the mission is currently planned.
func (e *Engine) RequestMissionStatus(ctx context.Context, missionID, status string) (store.Mission, error) {
	mission, err := e.Store.GetMission(ctx, missionID)
	if err != nil {
		return store.Mission{}, err
	}

	now := e.now()
	switch status {
	case models.MissionActive:
		if mission.Status != models.MissionPlanned {
			return store.Mission{}, fault.BadRequest("mission %s cannot start from status %s", missionID, mission.Status)
		}
		mission.Status = models.MissionActive
		mission.StartedAt = &now
		return mission, e.Store.SetMissionStatus(ctx, missionID, status, &now, nil)
	case models.MissionPlanned, models.MissionArchived, models.MissionDropped:
		mission.Status = status
		return mission, e.Store.SetMissionStatus(ctx, missionID, status, nil, nil)
	case models.MissionDone:
		if mission.Progress != 100 {
			return store.Mission{}, fault.BadRequest("mission %s is only %d%% complete", missionID, mission.Progress)
		}
		mission.Status = models.MissionDone
		mission.CompletedAt = &now
		return mission, e.Store.SetMissionStatus(ctx, missionID, status, nil, &now)
	default:
		return store.Mission{}, fault.BadRequest("unknown mission status: %s", status)
	}
}

// AttachDependency validates and records a dependency edge. Self-dependencies
// and edges that would create a cycle are rejected with bad_request.
func (e *Engine) AttachDependency(ctx context.Context, todoID, dependsOnID string) error {
	if todoID == dependsOnID {
		return fault.BadRequest("todo cannot depend on itself")
	}
	edges, err := e.Store.ListDependencyEdges(ctx)
	if err != nil {
		return err
	}
	if gate.WouldCreateCycle(todoID, dependsOnID, edges) {
		return fault.BadRequest("dependency %s -> %s would create a cycle", todoID, dependsOnID)
	}
	return e.Store.AddTodoDependency(ctx, todoID, dependsOnID)
}

// Ready reports whether the todo may start now (pending with all deps done).
func (e *Engine) Ready(ctx context.Context, todo store.Todo) (bool, error) {
	depStatuses, err := e.dependencyStatuses(ctx, todo)
	if err != nil {
		return false, err
	}
	return gate.Ready(todo.Status, depStatuses), nil
}

func (e *Engine) dependencyStatuses(ctx context.Context, todo store.Todo) ([]string, error) {
	statuses := make([]string, 0, len(todo.DependsOn))
	for _, depID := range todo.DependsOn {
		dep, err := e.Store.GetTodo(ctx, depID)
		if err != nil {
			if fault.IsNotFound(err) {
				// A vanished dependency can never be satisfied; treat as unmet.
				statuses = append(statuses, models.TodoFailed)
				continue
			}
			return nil, err
		}
		statuses = append(statuses, dep.Status)
	}
	return statuses, nil
}
