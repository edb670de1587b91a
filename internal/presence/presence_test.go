package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Now: func() time.Time { return clock }}
	return tr, &clock
}

func TestConnectHeartbeatDisconnect(t *testing.T) {
	t.Parallel()
	tr, clock := newTestTracker(t)
	ctx := context.Background()

	p, err := tr.Connect(ctx, "ws")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.Status != models.PresenceOnline || p.ConnectedAt == nil || p.LastHeartbeatAt == nil {
		t.Errorf("after connect: %+v", p)
	}

	*clock = clock.Add(10 * time.Second)
	n := 3
	p, err = tr.Heartbeat(ctx, "ws", models.Heartbeat{
		CurrentTodoID:    "todo-1",
		CurrentTodoTitle: "wire the parser",
		ActiveTodoCount:  &n,
	})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !p.LastHeartbeatAt.Equal(*clock) {
		t.Errorf("heartbeat time not advanced: %v", p.LastHeartbeatAt)
	}
	if p.CurrentTodoID != "todo-1" || p.ActiveTodoCount != 3 {
		t.Errorf("heartbeat fields: %+v", p)
	}

	p, err = tr.Disconnect(ctx, "ws")
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if p.Status != models.PresenceOffline || p.DisconnectedAt == nil {
		t.Errorf("after disconnect: %+v", p)
	}
	if p.CurrentTodoID != "" || p.ActiveTodoCount != 0 {
		t.Errorf("disconnect should clear work fields: %+v", p)
	}
}

func TestHeartbeat_revivesOfflineScope(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// First contact via heartbeat, no prior connect.
	p, err := tr.Heartbeat(ctx, "fresh", models.Heartbeat{})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if p.Status != models.PresenceOnline || p.ConnectedAt == nil {
		t.Errorf("first heartbeat should bring scope online: %+v", p)
	}

	if _, err := tr.Disconnect(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	p, err = tr.Heartbeat(ctx, "fresh", models.Heartbeat{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PresenceOnline || p.DisconnectedAt != nil {
		t.Errorf("heartbeat after disconnect should revive: %+v", p)
	}
}

func TestStartFinishWork(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.Connect(ctx, "ws"); err != nil {
		t.Fatal(err)
	}
	p, err := tr.StartWork(ctx, "ws", "todo-9", "fix flaky test")
	if err != nil {
		t.Fatalf("StartWork: %v", err)
	}
	if p.Status != models.PresenceBusy || p.CurrentTodoID != "todo-9" {
		t.Errorf("after start: %+v", p)
	}

	p, err = tr.FinishWork(ctx, "ws")
	if err != nil {
		t.Fatalf("FinishWork: %v", err)
	}
	if p.Status != models.PresenceOnline || p.CurrentTodoID != "" {
		t.Errorf("after finish: %+v", p)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	tr, clock := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.Connect(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(2 * time.Minute)
	if _, err := tr.Connect(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}

	n, err := tr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept: got %d, want 1", n)
	}

	p, _ := tr.Get(ctx, "stale")
	if p.Status != models.PresenceOffline || p.DisconnectedAt == nil {
		t.Errorf("stale after sweep: %+v", p)
	}
	p, _ = tr.Get(ctx, "fresh")
	if p.Status != models.PresenceOnline {
		t.Errorf("fresh after sweep: %+v", p)
	}

	// Second sweep has nothing to do.
	n, _ = tr.Sweep(ctx)
	if n != 0 {
		t.Errorf("second sweep: got %d, want 0", n)
	}
}

func TestEffectiveStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	old := now.Add(-2 * time.Minute)

	tests := []struct {
		name string
		p    store.AgentPresence
		want string
	}{
		{"offline stays offline", store.AgentPresence{Status: models.PresenceOffline, LastHeartbeatAt: &recent}, models.PresenceOffline},
		{"online with recent heartbeat", store.AgentPresence{Status: models.PresenceOnline, LastHeartbeatAt: &recent}, models.PresenceOnline},
		{"busy with recent heartbeat", store.AgentPresence{Status: models.PresenceBusy, LastHeartbeatAt: &recent}, models.PresenceBusy},
		{"online with stale heartbeat degrades", store.AgentPresence{Status: models.PresenceOnline, LastHeartbeatAt: &old}, models.PresenceOffline},
		{"busy with stale heartbeat degrades", store.AgentPresence{Status: models.PresenceBusy, LastHeartbeatAt: &old}, models.PresenceOffline},
		{"online with no heartbeat degrades", store.AgentPresence{Status: models.PresenceOnline}, models.PresenceOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveStatus(tt.p, now, HeartbeatTimeout); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet_unknownScope(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	if _, err := tr.Get(context.Background(), "nope"); !fault.IsNotFound(err) {
		t.Errorf("got %v, want not_found", err)
	}
}
