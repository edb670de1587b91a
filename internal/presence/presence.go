// Package presence tracks the liveness of a supervising agent process per
// scope. Stored status is event-driven (connect/heartbeat/disconnect); the
// authoritative liveness signal is the last-heartbeat timestamp, from which
// EffectiveStatus derives a read-time answer. The periodic sweep is an
// eventual-consistency convergence job, not a second source of truth.
package presence

import (
	"context"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// HeartbeatTimeout is how long after the last heartbeat a non-offline record
// still counts as alive.
const HeartbeatTimeout = 60 * time.Second

// Tracker applies presence transitions against the store.
type Tracker struct {
	Store   store.Store
	Timeout time.Duration    // zero uses HeartbeatTimeout
	Now     func() time.Time // nil uses time.Now
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Tracker) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return HeartbeatTimeout
}

func (t *Tracker) load(ctx context.Context, scope string) (store.AgentPresence, error) {
	p, err := t.Store.GetPresence(ctx, scope)
	if err != nil {
		if fault.IsNotFound(err) {
			return store.AgentPresence{Scope: scope, Status: models.PresenceOffline}, nil
		}
		return store.AgentPresence{}, err
	}
	return p, nil
}

// Connect moves the scope to online, stamping connect and heartbeat times and
// clearing the disconnect time.
func (t *Tracker) Connect(ctx context.Context, scope string) (store.AgentPresence, error) {
	p, err := t.load(ctx, scope)
	if err != nil {
		return store.AgentPresence{}, err
	}
	now := t.now()
	p.Status = models.PresenceOnline
	p.ConnectedAt = &now
	p.LastHeartbeatAt = &now
	p.DisconnectedAt = nil
	return p, t.Store.UpsertPresence(ctx, p)
}

// Heartbeat stamps the heartbeat time. A heartbeat on an offline record also
// transitions it back to online and stamps the connect time.
func (t *Tracker) Heartbeat(ctx context.Context, scope string, hb models.Heartbeat) (store.AgentPresence, error) {
	p, err := t.load(ctx, scope)
	if err != nil {
		return store.AgentPresence{}, err
	}
	now := t.now()
	p.LastHeartbeatAt = &now
	if p.Status == models.PresenceOffline {
		p.Status = models.PresenceOnline
		p.ConnectedAt = &now
		p.DisconnectedAt = nil
	}
	if hb.CurrentTodoID != "" {
		p.CurrentTodoID = hb.CurrentTodoID
		p.CurrentTitle = hb.CurrentTodoTitle
	}
	if hb.ActiveTodoCount != nil {
		p.ActiveTodoCount = *hb.ActiveTodoCount
	}
	return p, t.Store.UpsertPresence(ctx, p)
}

// StartWork marks the scope busy on the given todo.
func (t *Tracker) StartWork(ctx context.Context, scope, todoID, title string) (store.AgentPresence, error) {
	p, err := t.load(ctx, scope)
	if err != nil {
		return store.AgentPresence{}, err
	}
	now := t.now()
	p.Status = models.PresenceBusy
	p.LastHeartbeatAt = &now
	p.CurrentTodoID = todoID
	p.CurrentTitle = title
	return p, t.Store.UpsertPresence(ctx, p)
}

// FinishWork returns a busy scope to online and clears the current-item fields.
func (t *Tracker) FinishWork(ctx context.Context, scope string) (store.AgentPresence, error) {
	p, err := t.load(ctx, scope)
	if err != nil {
		return store.AgentPresence{}, err
	}
	if p.Status == models.PresenceBusy {
		p.Status = models.PresenceOnline
	}
	p.CurrentTodoID = ""
	p.CurrentTitle = ""
	return p, t.Store.UpsertPresence(ctx, p)
}

// Disconnect moves the scope offline, stamps the disconnect time, and clears
// the current-item fields and active count.
func (t *Tracker) Disconnect(ctx context.Context, scope string) (store.AgentPresence, error) {
	p, err := t.load(ctx, scope)
	if err != nil {
		return store.AgentPresence{}, err
	}
	now := t.now()
	p.Status = models.PresenceOffline
	p.DisconnectedAt = &now
	p.CurrentTodoID = ""
	p.CurrentTitle = ""
	p.ActiveTodoCount = 0
	return p, t.Store.UpsertPresence(ctx, p)
}

// Get returns the stored record for a scope.
func (t *Tracker) Get(ctx context.Context, scope string) (store.AgentPresence, error) {
	return t.Store.GetPresence(ctx, scope)
}

// Sweep bulk-corrects stored state for records whose heartbeat is older than
// the timeout: they are set offline with a stamped disconnect time. It only
// ever moves records toward offline, so concurrent sweeps are idempotent.
func (t *Tracker) Sweep(ctx context.Context) (int64, error) {
	now := t.now()
	return t.Store.SweepPresence(ctx, now.Add(-t.timeout()), now)
}

// EffectiveStatus derives the read-time status: offline stays offline; any
// other stored status degrades to offline once the heartbeat is older than
// timeout; otherwise the stored status stands.
func EffectiveStatus(p store.AgentPresence, now time.Time, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = HeartbeatTimeout
	}
	if p.Status == models.PresenceOffline {
		return models.PresenceOffline
	}
	if p.LastHeartbeatAt == nil || now.Sub(*p.LastHeartbeatAt) > timeout {
		return models.PresenceOffline
	}
	return p.Status
}

// Effective returns the effective status using the tracker's clock and timeout.
func (t *Tracker) Effective(p store.AgentPresence) string {
	return EffectiveStatus(p, t.now(), t.timeout())
}
