package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/httpapi"
	"github.com/mgrt/missiond/internal/otel"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// runScheduler periodically scans active missions for pending todos whose
// dependencies are all done and starts agent sessions for them, bounded by
// MaxConcurrent. Starting is idempotent: a todo that already has a session
// mapping is skipped, and the orchestrator dedupes concurrent starts itself.
func runScheduler(ctx context.Context, opts StartOptions, app *httpapi.App) {
	if !opts.AutoStart {
		slog.Info("scheduler disabled; sessions start via the API only")
		return
	}
	interval := time.Duration(opts.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	max := opts.MaxConcurrent
	if max <= 0 {
		max = models.DefaultMaxConcurrentStarts
	}
	sem := make(chan struct{}, max)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			todos, err := eligiblePending(ctx, app)
			if err != nil {
				slog.Error("scheduler scan failed", "err", err)
				continue
			}

			var wg sync.WaitGroup
			for _, t := range todos {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				todoID := t.TodoID
				go func() {
					defer wg.Done()
					defer func() { <-sem }()

					startAt := time.Now()
					handle, err := app.Sessions.Start(ctx, todoID, "", true)
					if err != nil {
						slog.Error("scheduler session start failed", "todo_id", todoID, "err", err)
						return
					}
					otel.RecordBootstrap(ctx, time.Since(startAt))
					app.Hub.PublishJSON(map[string]any{
						"type":    "session_update",
						"todo_id": todoID,
						"handle":  handle,
					})
				}()
			}
			wg.Wait()
		}
	}
}

// eligiblePending returns the pending todos the scheduler may start: mission
// active, dependencies met, no session mapping yet. One mission scan plus one
// pending-todo scan instead of walking every mission's todo list.
func eligiblePending(ctx context.Context, app *httpapi.App) ([]store.Todo, error) {
	missions, err := app.Store.ListMissions(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(missions))
	for _, m := range missions {
		if m.Status == models.MissionActive {
			active[m.MissionID] = true
		}
	}

	pending, err := app.Store.ListPendingTodos(ctx)
	if err != nil {
		return nil, err
	}
	var out []store.Todo
	for _, t := range pending {
		if !active[t.MissionID] {
			continue
		}
		ready, err := app.Engine.Ready(ctx, t)
		if err != nil || !ready {
			continue
		}
		// Already has a session (any status): leave it to the operator.
		if _, err := app.Registry.ByTodo(ctx, t.TodoID); !fault.IsNotFound(err) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// runSweeper periodically flips stale presence records to offline. The sweep
// query itself is idempotent so overlapping runs are harmless.
func runSweeper(ctx context.Context, opts StartOptions, app *httpapi.App) {
	interval := time.Duration(opts.SweepIntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.Tracker.Sweep(ctx)
			if err != nil {
				slog.Error("presence sweep failed", "err", err)
				continue
			}
			if n > 0 {
				otel.RecordPresenceSwept(ctx, n)
				slog.Info("presence sweep", "marked_offline", n)
				app.Hub.PublishJSON(map[string]any{"type": "presence_update", "swept": n})
			}
		}
	}
}
