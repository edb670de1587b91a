// Package session owns the runtime registry of active external agent sessions
// per todo and drives the multi-stage bootstrap and teardown protocol against
// the session-control client. The registry and the durable correlation record
// are kept eventually consistent: the registry is authoritative for "is a
// session live right now", the store for correlation and history.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mgrt/missiond/internal/correlate"
	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/guard"
	"github.com/mgrt/missiond/internal/ingest"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/tmuxctl"
	"github.com/mgrt/missiond/pkg/models"
)

// DefaultSettle is the fixed settle interval between bootstrap stages. The
// staging is delay-based rather than acknowledgment-based; this is an accepted
// risk under slow external startup, kept deliberately simple.
const DefaultSettle = 2 * time.Second

// DefaultScreenPoll is how often an active screen subscription captures the
// pane.
const DefaultScreenPoll = time.Second

// Orchestrator manages active sessions. Created at daemon start, drained at
// shutdown. Safe for concurrent use.
type Orchestrator struct {
	Client       tmuxctl.Client
	Store        store.Store
	Registry     *correlate.Registry
	Processor    *ingest.Processor // marks the first step started during bootstrap
	AgentCommand string            // command that launches the external agent, e.g. "claude"
	Settle       time.Duration     // zero uses DefaultSettle
	ScreenPoll   time.Duration     // zero uses DefaultScreenPoll

	mu      sync.Mutex
	active  map[string]string     // todoID -> session handle
	screens map[string]*screenSub // todoID -> live subscription
}

type screenSub struct {
	ch     chan string
	cancel context.CancelFunc
}

// New returns an orchestrator with empty registries.
func New(client tmuxctl.Client, st store.Store, reg *correlate.Registry, proc *ingest.Processor) *Orchestrator {
	return &Orchestrator{
		Client:       client,
		Store:        st,
		Registry:     reg,
		Processor:    proc,
		AgentCommand: "claude",
		active:       make(map[string]string),
		screens:      make(map[string]*screenSub),
	}
}

func (o *Orchestrator) settle() time.Duration {
	if o.Settle > 0 {
		return o.Settle
	}
	return DefaultSettle
}

// Handle returns the active session handle for a todo, if any.
func (o *Orchestrator) Handle(todoID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.active[todoID]
	return h, ok
}

// HandleName derives the tmux session name for a todo.
func HandleName(todoID string) string {
	short := todoID
	if len(short) > 8 {
		short = short[:8]
	}
	return "missiond-" + short
}

// Start creates (or returns) the session for a todo. At most one active
// session exists per todo: a second start returns the existing handle without
// touching the external client. The registry reservation is inserted under
// lock before the external create, so two near-simultaneous starts cannot
// both create sessions.
func (o *Orchestrator) Start(ctx context.Context, todoID, workDir string, autoBootstrap bool) (string, error) {
	todo, err := o.Store.GetTodo(ctx, todoID)
	if err != nil {
		return "", err
	}

	handle := HandleName(todoID)
	o.mu.Lock()
	if existing, ok := o.active[todoID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.active[todoID] = handle
	o.mu.Unlock()

	if err := o.Client.CreateSession(ctx, handle, workDir); err != nil {
		o.mu.Lock()
		delete(o.active, todoID)
		o.mu.Unlock()
		return "", fmt.Errorf("create session for todo %s: %w", todoID, err)
	}

	if err := o.Store.CreateSession(ctx, store.SessionMapping{
		TodoID:        todoID,
		SessionHandle: handle,
		Status:        models.SessionActive,
	}); err != nil {
		slog.Error("persist session mapping failed", "todo_id", todoID, "handle", handle, "err", err)
	}

	if autoBootstrap {
		// Fire-and-forget: the bootstrap is strictly sequential and not
		// cancellable once started. A stop request mid-flight takes effect
		// only after the current stage resolves.
		go o.bootstrap(context.Background(), todo, handle, workDir)
	}

	slog.Info("session started", "todo_id", todoID, "handle", handle, "bootstrap", autoBootstrap)
	return handle, nil
}

// bootstrap runs the fixed stage sequence. Failures after session creation are
// logged and non-fatal: the session stays registered.
func (o *Orchestrator) bootstrap(ctx context.Context, todo store.Todo, handle, workDir string) {
	stages := []struct {
		name string
		run  func() error
	}{
		{"launch", func() error { return o.launchAgent(ctx, todo.TodoID, handle, workDir) }},
		{"reset", func() error { return o.resetConversation(ctx, handle) }},
		{"register", func() error { return o.requestRegistration(ctx, todo.TodoID, handle) }},
		{"first-step", func() error { return o.markFirstStep(ctx, todo.TodoID, handle) }},
		{"prompt", func() error { return o.sendPrompt(ctx, handle, BuildPrompt(todo)) }},
	}
	for i, stage := range stages {
		if err := stage.run(); err != nil {
			slog.Warn("bootstrap stage failed", "todo_id", todo.TodoID, "stage", stage.name, "err", err)
			if stage.name == "launch" {
				// Without a running agent the rest of the sequence is pointless.
				now := time.Now().UTC()
				_ = o.Store.SetSessionStatus(ctx, todo.TodoID, models.SessionError, now)
				return
			}
		}
		// Settle between stages; the last stage needs no trailing wait.
		if i < len(stages)-1 {
			time.Sleep(o.settle())
		}
	}
	slog.Info("bootstrap complete", "todo_id", todo.TodoID, "handle", handle)
}

// launchAgent injects identity environment and starts the external agent
// process inside the session.
func (o *Orchestrator) launchAgent(ctx context.Context, todoID, handle, workDir string) error {
	cmd := fmt.Sprintf("MISSIOND_TODO_ID=%s MISSIOND_SESSION=%s %s", todoID, handle, o.AgentCommand)
	if err := o.Client.SendKeys(ctx, handle, cmd, true); err != nil {
		return err
	}
	return o.Client.SendKeys(ctx, handle, "Enter", false)
}

// resetConversation clears any conversation state the agent restored from a
// previous run.
func (o *Orchestrator) resetConversation(ctx context.Context, handle string) error {
	if err := o.Client.SendKeys(ctx, handle, "/clear", true); err != nil {
		return err
	}
	return o.Client.SendKeys(ctx, handle, "Enter", false)
}

// requestRegistration instructs the agent to announce its conversation id via
// the session-registration webhook, closing the correlation loop. The webhook
// handler performs the actual registry update; see the registry for the
// placeholder path when the webhook wins the race.
func (o *Orchestrator) requestRegistration(ctx context.Context, todoID, handle string) error {
	cmd := fmt.Sprintf("/register-session --todo-id=%s --session-name=%s", todoID, handle)
	if err := o.Client.SendKeys(ctx, handle, cmd, true); err != nil {
		return err
	}
	return o.Client.SendKeys(ctx, handle, "Enter", false)
}

// markFirstStep reports the first step as started. Best-effort: a failure here
// is logged by the caller, never fatal.
func (o *Orchestrator) markFirstStep(ctx context.Context, todoID, handle string) error {
	if o.Processor == nil {
		return nil
	}
	_, err := o.Processor.Process(ctx, models.StepEvent{
		TodoID:    todoID,
		StepType:  models.KindAnalysis,
		Status:    models.StepInProgress,
		SessionID: handle,
	})
	return err
}

// sendPrompt delivers the initial task prompt as two key injections: literal
// content, then a bare submit keystroke. The interactive surface requires the
// explicit submit separate from content entry.
func (o *Orchestrator) sendPrompt(ctx context.Context, handle, prompt string) error {
	if err := o.Client.SendKeys(ctx, handle, prompt, true); err != nil {
		return err
	}
	return o.Client.SendKeys(ctx, handle, "Enter", false)
}

// BuildPrompt composes the initial task prompt for a todo.
func BuildPrompt(todo store.Todo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on todo %s: %s.", todo.TodoID, todo.Title)
	b.WriteString(" Report each step over the step webhook as you go:")
	b.WriteString(" " + strings.Join(models.StepKinds, ", ") + ".")
	return b.String()
}

// Stop tears the session down: removes the registry entry, disposes any live
// screen subscription, marks the mapping stopped, and kills the external
// session. Stopping a todo with no session is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, todoID string) error {
	o.mu.Lock()
	handle, ok := o.active[todoID]
	if ok {
		delete(o.active, todoID)
	}
	sub := o.screens[todoID]
	delete(o.screens, todoID)
	o.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
	if !ok {
		slog.Warn("stop requested for todo with no active session", "todo_id", todoID)
		return nil
	}

	if err := o.Store.SetSessionStatus(ctx, todoID, models.SessionStopped, time.Now().UTC()); err != nil && !fault.IsNotFound(err) {
		slog.Error("mark session stopped failed", "todo_id", todoID, "err", err)
	}
	if err := o.Client.KillSession(ctx, handle); err != nil {
		return fmt.Errorf("kill session %s: %w", handle, err)
	}
	slog.Info("session stopped", "todo_id", todoID, "handle", handle)
	return nil
}

// SendKeys injects content into the todo's session, optionally followed by the
// submit keystroke. Destructive shell commands are rejected with bad_request;
// no active session fails with invalid_state.
func (o *Orchestrator) SendKeys(ctx context.Context, todoID, content string, submit bool) error {
	if pattern, blocked := guard.Blocked(content); blocked {
		return fault.BadRequest("input rejected, contains %q", pattern)
	}
	handle, ok := o.Handle(todoID)
	if !ok {
		return fault.InvalidState("todo %s has no active session", todoID)
	}
	if err := o.Client.SendKeys(ctx, handle, content, true); err != nil {
		return err
	}
	if submit {
		return o.Client.SendKeys(ctx, handle, "Enter", false)
	}
	return nil
}

// CaptureScreen returns the current screen contents of the todo's session.
func (o *Orchestrator) CaptureScreen(ctx context.Context, todoID string) (string, error) {
	handle, ok := o.Handle(todoID)
	if !ok {
		return "", fault.InvalidState("todo %s has no active session", todoID)
	}
	return o.Client.CapturePane(ctx, handle)
}

// SubscribeScreen starts a polling subscription delivering screen contents on
// change. The returned cancel releases the subscription; Stop disposes it too.
func (o *Orchestrator) SubscribeScreen(ctx context.Context, todoID string) (<-chan string, context.CancelFunc, error) {
	o.mu.Lock()
	handle, ok := o.active[todoID]
	if !ok {
		o.mu.Unlock()
		return nil, nil, fault.InvalidState("todo %s has no active session", todoID)
	}
	if existing, ok := o.screens[todoID]; ok {
		o.mu.Unlock()
		return existing.ch, existing.cancel, nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &screenSub{ch: make(chan string, 4), cancel: cancel}
	o.screens[todoID] = sub
	o.mu.Unlock()

	poll := o.ScreenPoll
	if poll <= 0 {
		poll = DefaultScreenPoll
	}
	go o.pollScreen(subCtx, todoID, handle, sub, poll)
	return sub.ch, cancel, nil
}

func (o *Orchestrator) pollScreen(ctx context.Context, todoID, handle string, sub *screenSub, poll time.Duration) {
	defer func() {
		o.mu.Lock()
		if o.screens[todoID] == sub {
			delete(o.screens, todoID)
		}
		o.mu.Unlock()
		close(sub.ch)
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			screen, err := o.Client.CapturePane(ctx, handle)
			if err != nil {
				continue
			}
			if screen == last {
				continue
			}
			last = screen
			select {
			case sub.ch <- screen:
			default:
				// Drop when the subscriber lags; the next change supersedes.
			}
		}
	}
}

// Drain stops every active session. Called at daemon shutdown.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Stop(ctx, id); err != nil {
			slog.Warn("drain stop failed", "todo_id", id, "err", err)
		}
	}
}
