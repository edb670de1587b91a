// Package tmuxctl is the external session-control client. Sessions are tmux
// sessions on a dedicated socket so a crash of the daemon's tmux server cannot
// affect the user's own sessions. The Runner seam keeps the package testable
// without a tmux binary.
package tmuxctl

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SocketName is the tmux socket used for all missiond-managed sessions.
const SocketName = "missiond"

// DefaultCommandTimeout bounds every external tmux call. The underlying
// behavior has no timeout contract of its own, so one is imposed here.
const DefaultCommandTimeout = 10 * time.Second

// Client is the session-control surface the orchestrator drives.
type Client interface {
	CreateSession(ctx context.Context, name, workDir string) error
	KillSession(ctx context.Context, name string) error
	HasSession(ctx context.Context, name string) (bool, error)
	// SendKeys injects input. literal sends the content without key-name
	// interpretation; the submit keystroke is sent as a separate non-literal
	// call ("Enter").
	SendKeys(ctx context.Context, name, keys string, literal bool) error
	CapturePane(ctx context.Context, name string) (string, error)
}

// Runner executes an external command. The OS runner shells out; tests swap in
// a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Tmux is the tmux-backed Client.
type Tmux struct {
	Socket  string        // "" uses SocketName
	Timeout time.Duration // zero uses DefaultCommandTimeout
	Runner  Runner        // nil uses OSRunner
}

func (t *Tmux) socket() string {
	if t.Socket != "" {
		return t.Socket
	}
	return SocketName
}

func (t *Tmux) runner() Runner {
	if t.Runner != nil {
		return t.Runner
	}
	return OSRunner{}
}

func (t *Tmux) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	full := append([]string{"-L", t.socket()}, args...)
	out, err := t.runner().Run(runCtx, "tmux", full...)
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// CreateSession starts a detached session rooted at workDir.
func (t *Tmux) CreateSession(ctx context.Context, name, workDir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := t.run(ctx, args...)
	return err
}

// KillSession destroys the session. Killing an already-dead session is not an
// error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// HasSession reports whether the session exists.
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", name)
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") || strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SendKeys injects keys into the session. With literal set the -l flag keeps
// tmux from interpreting the content as key names.
func (t *Tmux) SendKeys(ctx context.Context, name, keys string, literal bool) error {
	args := []string{"send-keys", "-t", name}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, keys)
	_, err := t.run(ctx, args...)
	return err
}

// CapturePane captures the visible pane plus scrollback.
func (t *Tmux) CapturePane(ctx context.Context, name string) (string, error) {
	out, err := t.run(ctx, "capture-pane", "-t", name, "-p", "-S", "-")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
