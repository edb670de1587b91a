// Package correlate is the durable session-correlation registry: one record
// per todo tying together the external session handle, the accumulated trace
// ids, and the external conversation id. All lookups resolve to the same
// record; consistency with the in-memory session registry is eventual.
package correlate

import (
	"context"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// Registry wraps the store with the correlation operations.
type Registry struct {
	Store store.Store
	Now   func() time.Time // nil uses time.Now
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// ByTodo returns the mapping for a todo.
func (r *Registry) ByTodo(ctx context.Context, todoID string) (store.SessionMapping, error) {
	return r.Store.GetSessionByTodo(ctx, todoID)
}

// ByHandle returns the mapping owning the external session handle.
func (r *Registry) ByHandle(ctx context.Context, handle string) (store.SessionMapping, error) {
	return r.Store.GetSessionByHandle(ctx, handle)
}

// ByConversation returns the mapping bound to the external conversation id.
func (r *Registry) ByConversation(ctx context.Context, conversationID string) (store.SessionMapping, error) {
	return r.Store.GetSessionByConversation(ctx, conversationID)
}

// ByTrace returns the mapping whose trace list contains traceID.
func (r *Registry) ByTrace(ctx context.Context, traceID string) (store.SessionMapping, error) {
	return r.Store.GetSessionByTrace(ctx, traceID)
}

// AddTraceID appends a trace id to the todo's mapping, de-duplicating before
// append. Returns true when the id was newly stored.
func (r *Registry) AddTraceID(ctx context.Context, todoID, traceID string) (bool, error) {
	return r.Store.AddSessionTrace(ctx, todoID, traceID, r.now())
}

// RegisterConversation binds an external conversation id to a todo. If a
// mapping exists it is updated in place (rebinding is allowed); if none
// exists one is created with a derived placeholder session handle.
func (r *Registry) RegisterConversation(ctx context.Context, todoID, conversationID string) error {
	if conversationID == "" {
		return fault.BadRequest("conversation id required")
	}
	now := r.now()
	err := r.Store.SetSessionConversation(ctx, todoID, conversationID, now)
	if err == nil {
		return nil
	}
	if !fault.IsNotFound(err) {
		return err
	}
	return r.Store.CreateSession(ctx, store.SessionMapping{
		TodoID:         todoID,
		SessionHandle:  PlaceholderHandle(todoID),
		ConversationID: conversationID,
		Status:         models.SessionActive,
		LastActivityAt: now,
	})
}

// AddUsage adds token usage to the cumulative counters and refreshes the
// last-activity timestamp. Counters never decrease.
func (r *Registry) AddUsage(ctx context.Context, todoID string, inputTokens, outputTokens int64) error {
	return r.Store.AddSessionUsage(ctx, todoID, inputTokens, outputTokens, r.now())
}

// SetCurrentStep advances the mapping's current-step cursor.
func (r *Registry) SetCurrentStep(ctx context.Context, todoID, kind string) error {
	return r.Store.SetSessionCurrentStep(ctx, todoID, kind, r.now())
}

// PlaceholderHandle derives the session handle used when a conversation is
// registered before any real session exists for the todo.
func PlaceholderHandle(todoID string) string {
	return "pending-" + todoID
}
