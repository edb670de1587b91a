package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mgrt/missiond/internal/httpapi"
	"github.com/mgrt/missiond/internal/notify"
	"github.com/mgrt/missiond/pkg/models"
)

// runNotifier forwards terminal todo transitions from the event hub to the
// configured notification channels. It subscribes like any SSE client, so a
// slow external channel never blocks ingest.
func runNotifier(ctx context.Context, app *httpapi.App, registry *notify.Registry) {
	ch := app.Hub.Subscribe()
	defer app.Hub.Unsubscribe(ch)
	slog.Info("notifier started", "channels", registry.Names())

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			text, notable := outcomeText(raw)
			if !notable {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := registry.Broadcast(sendCtx, text); err != nil {
				slog.Warn("notification failed", "err", err)
			}
			cancel()
		}
	}
}

// outcomeText extracts a notification message from a hub event. Only events
// that carry a terminal todo status are notable.
func outcomeText(raw []byte) (string, bool) {
	var ev struct {
		Type       string `json:"type"`
		TodoID     string `json:"todo_id"`
		TodoStatus string `json:"todo_status"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "step_update" {
		return "", false
	}
	switch ev.TodoStatus {
	case models.TodoDone:
		return fmt.Sprintf("todo %s completed", ev.TodoID), true
	case models.TodoFailed:
		return fmt.Sprintf("todo %s failed", ev.TodoID), true
	}
	return "", false
}
