package workflow

import (
	"time"

	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// Step transitions are unconditional setters. The single-in-progress invariant
// is not enforced here; the ingest processor's current-step cursor is the
// caller discipline that upholds it.

// StartStep moves a step to in_progress and records the start time.
func StartStep(st *store.Step, now time.Time) {
	st.Status = models.StepInProgress
	t := now.UTC()
	st.StartedAt = &t
}

// CompleteStep moves a step to completed, recording completion time and output.
func CompleteStep(st *store.Step, output string, now time.Time) {
	st.Status = models.StepCompleted
	st.Output = output
	t := now.UTC()
	st.CompletedAt = &t
}

// FailStep moves a step to failed and records the completion time.
func FailStep(st *store.Step, now time.Time) {
	st.Status = models.StepFailed
	t := now.UTC()
	st.CompletedAt = &t
}

// SkipStep moves a step to skipped and records the completion time.
func SkipStep(st *store.Step, now time.Time) {
	st.Status = models.StepSkipped
	t := now.UTC()
	st.CompletedAt = &t
}

// StepTerminalSuccess reports whether a step status counts toward todo
// completion: completed or skipped.
func StepTerminalSuccess(status string) bool {
	return status == models.StepCompleted || status == models.StepSkipped
}
