package models

// Mission statuses.
const (
	MissionPlanned  = "planned"
	MissionActive   = "active"
	MissionDone     = "done"
	MissionArchived = "archived"
	MissionDropped  = "dropped"
)

// Todo statuses.
const (
	TodoPending = "pending"
	TodoActive  = "active"
	TodoDone    = "done"
	TodoFailed  = "failed"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// Step kinds in canonical order. Every todo owns exactly one step of each kind,
// created atomically with the todo.
const (
	KindAnalysis       = "analysis"
	KindDesign         = "design"
	KindImplementation = "implementation"
	KindVerification   = "verification"
	KindReview         = "review"
	KindIntegration    = "integration"
)

// StepKinds is the canonical step order.
var StepKinds = []string{
	KindAnalysis,
	KindDesign,
	KindImplementation,
	KindVerification,
	KindReview,
	KindIntegration,
}

// ValidStepKind reports whether kind is one of the six fixed step kinds.
func ValidStepKind(kind string) bool {
	for _, k := range StepKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Session mapping statuses.
const (
	SessionActive  = "active"
	SessionStopped = "stopped"
	SessionError   = "error"
)

// Agent presence stored statuses.
const (
	PresenceOffline = "offline"
	PresenceOnline  = "online"
	PresenceBusy    = "busy"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTodoListLimit       = 1000
	DefaultAuditListLimit      = 500
	DefaultSSEChannelBuffer    = 256
	DefaultMaxConcurrentStarts = 4
)
