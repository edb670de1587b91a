// Package ingest processes externally-reported step events (webhooks). Delivery
// is at-least-once, so processing is idempotent: re-delivery of an unchanged
// status produces no second audit record and no duplicate notification.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/mgrt/missiond/internal/correlate"
	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/journal"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/workflow"
	"github.com/mgrt/missiond/pkg/models"
)

// Notifier receives one notification per applied transition. The SSE hub
// satisfies this.
type Notifier interface {
	PublishJSON(v any)
}

// Processor ingests step events, applies the step lifecycle transition, runs
// the work-item derivation, and emits audit + notification. Updates for the
// same todo are serialized by a per-todo mutex so the step mutation and the
// derivation it feeds are applied atomically with respect to each other.
type Processor struct {
	Store    store.Store
	Engine   *workflow.Engine
	Registry *correlate.Registry
	Notifier Notifier         // optional
	Journal  *journal.Book    // optional
	Now      func() time.Time // nil uses time.Now

	locks keyedMutex
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Process applies one step event and returns the canonical progress snapshot
// for the todo. Unknown todo or step kind fails with not_found and no partial
// persistence.
func (p *Processor) Process(ctx context.Context, ev models.StepEvent) (models.StepSnapshot, error) {
	if ev.TodoID == "" {
		return models.StepSnapshot{}, fault.BadRequest("todo_id required")
	}
	if !models.ValidStepKind(ev.StepType) {
		return models.StepSnapshot{}, fault.BadRequest("unknown step_type: %s", ev.StepType)
	}

	unlock := p.locks.lock(ev.TodoID)
	defer unlock()

	step, err := p.Store.GetStep(ctx, ev.TodoID, ev.StepType)
	if err != nil {
		if fault.IsNotFound(err) {
			// Distinguish unknown todo from unknown step for the caller.
			if _, terr := p.Store.GetTodo(ctx, ev.TodoID); terr != nil {
				return models.StepSnapshot{}, terr
			}
		}
		return models.StepSnapshot{}, err
	}

	if step.Status == ev.Status {
		// Idempotent re-delivery: progress and message are transient, they live
		// only in the response. No audit, no notification.
		todo, err := p.Store.GetTodo(ctx, ev.TodoID)
		if err != nil {
			return models.StepSnapshot{}, err
		}
		return snapshot(todo, ev.Progress, ev.Message), nil
	}

	at := p.eventTime(ev)
	switch ev.Status {
	case models.StepInProgress:
		workflow.StartStep(&step, at)
	case models.StepCompleted:
		workflow.CompleteStep(&step, ev.Output, at)
	case models.StepFailed:
		workflow.FailStep(&step, at)
	case models.StepSkipped:
		workflow.SkipStep(&step, at)
	default:
		return models.StepSnapshot{}, fault.BadRequest("illegal reported status: %s", ev.Status)
	}

	if err := p.Store.SaveStep(ctx, step); err != nil {
		return models.StepSnapshot{}, err
	}
	todo, err := p.Engine.AfterStepChange(ctx, ev.TodoID)
	if err != nil {
		return models.StepSnapshot{}, err
	}

	p.advanceCursor(ctx, ev, step)
	p.recordOutcome(ctx, ev, todo)

	if err := p.Store.AppendAudit(ctx, store.AuditRecord{
		TodoID:    ev.TodoID,
		StepKind:  ev.StepType,
		Detail:    "step " + ev.StepType + " " + transitionVerb(ev.Status),
		CreatedAt: p.now(),
	}); err != nil {
		return models.StepSnapshot{}, err
	}

	snap := snapshot(todo, ev.Progress, ev.Message)
	if p.Notifier != nil {
		p.Notifier.PublishJSON(map[string]any{
			"type":        "step_update",
			"todo_id":     ev.TodoID,
			"todo_status": todo.Status,
			"kind":        ev.StepType,
			"status":      ev.Status,
			"progress":    ev.Progress,
			"message":     ev.Message,
		})
	}
	return snap, nil
}

// eventTime uses the webhook-supplied epoch-ms timestamp, or server time when
// absent.
func (p *Processor) eventTime(ev models.StepEvent) time.Time {
	if ev.Timestamp > 0 {
		return time.UnixMilli(ev.Timestamp).UTC()
	}
	return p.now()
}

// advanceCursor keeps the session mapping's current-step cursor, trace list,
// and activity in sync with ingested events. Best-effort: a todo without a
// session mapping is normal before bootstrap.
func (p *Processor) advanceCursor(ctx context.Context, ev models.StepEvent, step store.Step) {
	var err error
	if ev.Status == models.StepInProgress {
		err = p.Registry.SetCurrentStep(ctx, ev.TodoID, step.Kind)
	} else {
		err = p.Registry.SetCurrentStep(ctx, ev.TodoID, "")
	}
	if err != nil && !fault.IsNotFound(err) {
		slog.Warn("session cursor update failed", "todo_id", ev.TodoID, "err", err)
	}

	// The event's correlation token joins the mapping's trace list.
	if ev.SessionID != "" {
		if _, err := p.Registry.AddTraceID(ctx, ev.TodoID, ev.SessionID); err != nil && !fault.IsNotFound(err) {
			slog.Warn("session trace record failed", "todo_id", ev.TodoID, "err", err)
		}
	}
}

// recordOutcome appends a journal block when this event is the one that moved
// the todo into a terminal status. Best-effort: journal failures do not fail
// the ingest.
func (p *Processor) recordOutcome(ctx context.Context, ev models.StepEvent, todo store.Todo) {
	if p.Journal == nil {
		return
	}
	done := todo.Status == models.TodoDone && workflow.StepTerminalSuccess(ev.Status)
	failed := todo.Status == models.TodoFailed && ev.Status == models.StepFailed
	if !done && !failed {
		return
	}
	entry := journal.Entry{
		TodoID:    todo.TodoID,
		TodoTitle: todo.Title,
		Outcome:   todo.Status,
		Duration:  time.Duration(todo.ActualDuration) * time.Second,
		CreatedAt: p.now(),
	}
	for _, st := range todo.Steps {
		if st.Status == models.StepCompleted {
			entry.Steps = append(entry.Steps, st.Kind)
		}
	}
	if err := p.Journal.Append(ctx, todo.MissionID, entry); err != nil {
		slog.Warn("journal append failed", "mission_id", todo.MissionID, "err", err)
	}
}

func transitionVerb(status string) string {
	switch status {
	case models.StepInProgress:
		return "started"
	case models.StepCompleted:
		return "completed"
	case models.StepFailed:
		return "failed"
	case models.StepSkipped:
		return "skipped"
	default:
		return status
	}
}

// snapshot picks the canonical progress step: the in-progress step if one
// exists, else the most recently completed step, else the first pending step
// in canonical order.
func snapshot(todo store.Todo, progress *int, message string) models.StepSnapshot {
	snap := models.StepSnapshot{
		TodoID:     todo.TodoID,
		TodoStatus: todo.Status,
		Progress:   progress,
		Message:    message,
	}

	var latestCompleted *store.Step
	var firstPending *store.Step
	for i := range todo.Steps {
		st := &todo.Steps[i]
		switch st.Status {
		case models.StepInProgress:
			snap.Kind = st.Kind
			snap.Status = st.Status
			return snap
		case models.StepCompleted:
			if latestCompleted == nil || completedAfter(st, latestCompleted) {
				latestCompleted = st
			}
		case models.StepPending:
			if firstPending == nil {
				firstPending = st
			}
		}
	}
	switch {
	case latestCompleted != nil:
		snap.Kind = latestCompleted.Kind
		snap.Status = latestCompleted.Status
	case firstPending != nil:
		snap.Kind = firstPending.Kind
		snap.Status = firstPending.Status
	}
	return snap
}

func completedAfter(a, b *store.Step) bool {
	if a.CompletedAt == nil {
		return false
	}
	if b.CompletedAt == nil {
		return true
	}
	return a.CompletedAt.After(*b.CompletedAt)
}
