package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mgrt/missiond/internal/httpapi"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

func TestEligiblePending(t *testing.T) {
	t.Parallel()
	app, err := httpapi.NewApp(httpapi.ServerOptions{Home: filepath.Join(t.TempDir(), "home")})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Store.Close() })
	ctx := context.Background()

	active, err := app.Store.CreateMission(ctx, "active mission")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.RequestMissionStatus(ctx, active.MissionID, models.MissionActive); err != nil {
		t.Fatal(err)
	}
	planned, err := app.Store.CreateMission(ctx, "planned mission")
	if err != nil {
		t.Fatal(err)
	}

	ready, err := app.Store.CreateTodo(ctx, active.MissionID, "ready", 0)
	if err != nil {
		t.Fatal(err)
	}
	blocked, err := app.Store.CreateTodo(ctx, active.MissionID, "blocked", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Store.AddTodoDependency(ctx, blocked.TodoID, ready.TodoID); err != nil {
		t.Fatal(err)
	}
	claimed, err := app.Store.CreateTodo(ctx, active.MissionID, "claimed", 2)
	if err != nil {
		t.Fatal(err)
	}
	err = app.Store.CreateSession(ctx, store.SessionMapping{
		TodoID:        claimed.TodoID,
		SessionHandle: "h",
		Status:        models.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Store.CreateTodo(ctx, planned.MissionID, "inactive mission todo", 0); err != nil {
		t.Fatal(err)
	}

	got, err := eligiblePending(ctx, app)
	if err != nil {
		t.Fatalf("eligiblePending: %v", err)
	}
	if len(got) != 1 || got[0].TodoID != ready.TodoID {
		ids := make([]string, 0, len(got))
		for _, tt := range got {
			ids = append(ids, tt.TodoID)
		}
		t.Fatalf("eligible: got %v, want only %s", ids, ready.TodoID)
	}
}
