// Package store defines the persistence interface and shared models for missions,
// todos, steps, session mappings, agent presence, and audit records.
package store

import "time"

// Mission is a container of todos. Progress is derived and re-persisted by the
// workflow engine; it is always recomputable as floor(100 * done / total).
type Mission struct {
	MissionID   string
	Title       string
	Status      string
	Progress    int
	TodoCount   int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Todo is an atomic unit of agent-executable work within a mission.
type Todo struct {
	TodoID         string
	MissionID      string
	Title          string
	Status         string
	Position       int
	DependsOn      []string // other todo ids, same or cross-mission; never self
	Steps          []Step   // exactly one per step kind, canonical order
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ActualDuration int64 // seconds, completion - start
}

// Step is one sub-stage of a todo's execution.
type Step struct {
	TodoID      string
	Kind        string
	Status      string
	Output      string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SessionMapping is the durable correlation record between a todo and its
// external interactive agent session. TraceIDs preserves insertion order and
// holds no duplicates. Token counters only ever increase.
type SessionMapping struct {
	TodoID         string
	SessionHandle  string
	TraceIDs       []string
	ConversationID string
	Status         string
	CurrentStep    string // authoritative cursor for step completion attribution
	InputTokens    int64
	OutputTokens   int64
	LastActivityAt time.Time
}

// AgentPresence is the stored liveness record for a supervising agent process.
// The stored status is not authoritative on its own; effective status is derived
// from it plus LastHeartbeatAt at read time.
type AgentPresence struct {
	Scope           string
	Status          string
	LastHeartbeatAt *time.Time
	ConnectedAt     *time.Time
	DisconnectedAt  *time.Time
	CurrentTodoID   string
	CurrentTitle    string
	ActiveTodoCount int
}

// AuditRecord describes one applied step transition.
type AuditRecord struct {
	AuditID   string
	TodoID    string
	StepKind  string
	Detail    string
	CreatedAt time.Time
}
