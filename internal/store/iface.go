package store

import (
	"context"
	"time"
)

// Store is the persistence interface for missions, todos, steps, session
// mappings, agent presence, and audit records.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Missions
	CreateMission(ctx context.Context, title string) (Mission, error)
	GetMission(ctx context.Context, missionID string) (Mission, error)
	ListMissions(ctx context.Context) ([]Mission, error)
	SetMissionStatus(ctx context.Context, missionID, status string, startedAt, completedAt *time.Time) error
	SetMissionProgress(ctx context.Context, missionID string, progress int) error
	DeleteMission(ctx context.Context, missionID string) error

	// Todos (six steps are created atomically with the todo)
	CreateTodo(ctx context.Context, missionID, title string, position int) (Todo, error)
	GetTodo(ctx context.Context, todoID string) (Todo, error)
	ListTodos(ctx context.Context, missionID string, limit int) ([]Todo, error)
	ListPendingTodos(ctx context.Context) ([]Todo, error)
	SetTodoStatus(ctx context.Context, todoID, status string, startedAt, completedAt *time.Time, actualDuration int64) error
	AddTodoDependency(ctx context.Context, todoID, dependsOnID string) error
	ListDependencyEdges(ctx context.Context) (map[string][]string, error)

	// Steps
	GetStep(ctx context.Context, todoID, kind string) (Step, error)
	ListSteps(ctx context.Context, todoID string) ([]Step, error)
	SaveStep(ctx context.Context, step Step) error

	// Session mappings
	CreateSession(ctx context.Context, m SessionMapping) error
	GetSessionByTodo(ctx context.Context, todoID string) (SessionMapping, error)
	GetSessionByHandle(ctx context.Context, handle string) (SessionMapping, error)
	GetSessionByConversation(ctx context.Context, conversationID string) (SessionMapping, error)
	GetSessionByTrace(ctx context.Context, traceID string) (SessionMapping, error)
	SetSessionStatus(ctx context.Context, todoID, status string, at time.Time) error
	SetSessionCurrentStep(ctx context.Context, todoID, kind string, at time.Time) error
	SetSessionConversation(ctx context.Context, todoID, conversationID string, at time.Time) error
	AddSessionTrace(ctx context.Context, todoID, traceID string, at time.Time) (added bool, err error)
	AddSessionUsage(ctx context.Context, todoID string, inputTokens, outputTokens int64, at time.Time) error

	// Agent presence
	GetPresence(ctx context.Context, scope string) (AgentPresence, error)
	UpsertPresence(ctx context.Context, p AgentPresence) error
	SweepPresence(ctx context.Context, staleBefore, now time.Time) (int64, error)

	// Audit
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, todoID string, limit int) ([]AuditRecord, error)

	// Lifecycle
	Close() error
}
