// Package models provides shared types for the missiond HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Mission is a container of todos representing a larger goal. Progress is derived
// from todo completion and is always floor(100 * done / total).
type Mission struct {
	MissionID   string     `json:"mission_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	TodoCount   int        `json:"todo_count,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Todo is an atomic unit of agent-executable work within a mission.
type Todo struct {
	TodoID         string     `json:"todo_id"`
	MissionID      string     `json:"mission_id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	Position       int        `json:"position"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	Steps          []Step     `json:"steps,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ActualDuration int64      `json:"actual_duration_seconds,omitempty"`
}

// Step is one of the six fixed ordered sub-stages of a todo's execution.
type Step struct {
	TodoID      string     `json:"todo_id,omitempty"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Output      string     `json:"output,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepSnapshot is the canonical progress snapshot returned by the step webhook:
// the in-progress step if one exists, else the most recently completed step, else
// the first pending step in canonical order.
type StepSnapshot struct {
	TodoID     string `json:"todo_id"`
	TodoStatus string `json:"todo_status"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress,omitempty"`
	Message    string `json:"message,omitempty"`
}

// SessionMapping correlates a todo with its external interactive agent session,
// its trace ids, and its external conversation id.
type SessionMapping struct {
	TodoID         string    `json:"todo_id"`
	SessionHandle  string    `json:"session_handle"`
	TraceIDs       []string  `json:"trace_ids,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	CurrentStep    string    `json:"current_step,omitempty"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
}

// AgentPresence is the liveness record for a supervising agent process.
// EffectiveStatus is derived at read time from Status and LastHeartbeatAt.
type AgentPresence struct {
	Scope           string     `json:"scope"`
	Status          string     `json:"status"`
	EffectiveStatus string     `json:"effective_status,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	CurrentTodoID   string     `json:"current_todo_id,omitempty"`
	CurrentTitle    string     `json:"current_todo_title,omitempty"`
	ActiveTodoCount int        `json:"active_todo_count"`
}

// AuditRecord describes one applied step transition.
type AuditRecord struct {
	AuditID   string    `json:"audit_id"`
	TodoID    string    `json:"todo_id"`
	StepKind  string    `json:"step_kind,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StepEvent is the step webhook payload.
type StepEvent struct {
	TodoID    string `json:"todo_id"`
	StepType  string `json:"step_type"`
	Status    string `json:"status"`
	Progress  *int   `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
	Output    string `json:"output,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // epoch milliseconds; server time when absent
}

// Heartbeat is the supervising agent heartbeat payload.
type Heartbeat struct {
	CurrentTodoID    string `json:"currentTodoId,omitempty"`
	CurrentTodoTitle string `json:"currentTodoTitle,omitempty"`
	ActiveTodoCount  *int   `json:"activeTodoCount,omitempty"`
	InputTokens      int64  `json:"inputTokens,omitempty"`  // usage delta since last heartbeat
	OutputTokens     int64  `json:"outputTokens,omitempty"` // usage delta since last heartbeat
}

// SessionRegistration is posted by the agent's bootstrap task to close the
// correlation loop. Args encodes "--todo-id=<id> --session-name=<name>".
type SessionRegistration struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Model     string `json:"model,omitempty"`
	Args      string `json:"args"`
}

// CommandAck acknowledges a previously issued command.
type CommandAck struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	TodoID    string `json:"todoId,omitempty"`
}

// Config is the /config API response.
type Config struct {
	Home string `json:"home,omitempty"`
}
