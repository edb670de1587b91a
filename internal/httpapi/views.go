package httpapi

import (
	"github.com/mgrt/missiond/internal/presence"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

func missionView(m store.Mission) models.Mission {
	return models.Mission{
		MissionID:   m.MissionID,
		Title:       m.Title,
		Status:      m.Status,
		Progress:    m.Progress,
		TodoCount:   m.TodoCount,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

func missionViews(ms []store.Mission) []models.Mission {
	out := make([]models.Mission, 0, len(ms))
	for _, m := range ms {
		out = append(out, missionView(m))
	}
	return out
}

func todoView(t store.Todo) models.Todo {
	return models.Todo{
		TodoID:         t.TodoID,
		MissionID:      t.MissionID,
		Title:          t.Title,
		Status:         t.Status,
		Position:       t.Position,
		DependsOn:      t.DependsOn,
		Steps:          stepViews(t.Steps),
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		ActualDuration: t.ActualDuration,
	}
}

func todoViews(ts []store.Todo) []models.Todo {
	out := make([]models.Todo, 0, len(ts))
	for _, t := range ts {
		out = append(out, todoView(t))
	}
	return out
}

func stepViews(ss []store.Step) []models.Step {
	out := make([]models.Step, 0, len(ss))
	for _, s := range ss {
		out = append(out, models.Step{
			TodoID:      s.TodoID,
			Kind:        s.Kind,
			Status:      s.Status,
			Output:      s.Output,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return out
}

func sessionView(m store.SessionMapping) models.SessionMapping {
	return models.SessionMapping{
		TodoID:         m.TodoID,
		SessionHandle:  m.SessionHandle,
		TraceIDs:       m.TraceIDs,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		CurrentStep:    m.CurrentStep,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		LastActivityAt: m.LastActivityAt,
	}
}

// presenceView attaches the derived effective status so clients never have to
// reimplement the staleness rule.
func presenceView(t *presence.Tracker, p store.AgentPresence) models.AgentPresence {
	return models.AgentPresence{
		Scope:           p.Scope,
		Status:          p.Status,
		EffectiveStatus: t.Effective(p),
		LastHeartbeatAt: p.LastHeartbeatAt,
		ConnectedAt:     p.ConnectedAt,
		DisconnectedAt:  p.DisconnectedAt,
		CurrentTodoID:   p.CurrentTodoID,
		CurrentTitle:    p.CurrentTitle,
		ActiveTodoCount: p.ActiveTodoCount,
	}
}

func auditViews(rs []store.AuditRecord) []models.AuditRecord {
	out := make([]models.AuditRecord, 0, len(rs))
	for _, r := range rs {
		out = append(out, models.AuditRecord{
			AuditID:   r.AuditID,
			TodoID:    r.TodoID,
			StepKind:  r.StepKind,
			Detail:    r.Detail,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
