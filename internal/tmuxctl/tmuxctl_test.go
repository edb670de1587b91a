package tmuxctl

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls [][]string
	out   []byte
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

func (f *fakeRunner) last() []string {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func TestCreateSession_args(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{}
	tm := &Tmux{Runner: f}

	if err := tm.CreateSession(context.Background(), "s1", "/work"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	want := []string{"tmux", "-L", SocketName, "new-session", "-d", "-s", "s1", "-c", "/work"}
	got := f.last()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args: got %v, want %v", got, want)
	}
}

func TestCreateSession_noWorkDir(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{}
	tm := &Tmux{Runner: f}

	if err := tm.CreateSession(context.Background(), "s1", ""); err != nil {
		t.Fatal(err)
	}
	for _, a := range f.last() {
		if a == "-c" {
			t.Errorf("-c should be omitted without a workDir: %v", f.last())
		}
	}
}

func TestSocketOverride(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{}
	tm := &Tmux{Runner: f, Socket: "alt"}

	_ = tm.CreateSession(context.Background(), "s", "")
	got := f.last()
	if got[1] != "-L" || got[2] != "alt" {
		t.Errorf("socket: got %v", got[:3])
	}
}

func TestSendKeys_literalFlag(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{}
	tm := &Tmux{Runner: f}

	if err := tm.SendKeys(context.Background(), "s1", "echo hi", true); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(f.last(), " ")
	if !strings.Contains(joined, "send-keys -t s1 -l echo hi") {
		t.Errorf("literal send: got %q", joined)
	}

	if err := tm.SendKeys(context.Background(), "s1", "Enter", false); err != nil {
		t.Fatal(err)
	}
	joined = strings.Join(f.last(), " ")
	if strings.Contains(joined, "-l") {
		t.Errorf("submit keystroke must not be literal: %q", joined)
	}
}

func TestKillSession_missingIsNotAnError(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{out: []byte("can't find session: s1"), err: errors.New("exit status 1")}
	tm := &Tmux{Runner: f}

	if err := tm.KillSession(context.Background(), "s1"); err != nil {
		t.Errorf("killing a dead session: got %v", err)
	}
}

func TestHasSession(t *testing.T) {
	t.Parallel()

	tm := &Tmux{Runner: &fakeRunner{}}
	ok, err := tm.HasSession(context.Background(), "s1")
	if err != nil || !ok {
		t.Errorf("existing: ok=%v err=%v", ok, err)
	}

	tm = &Tmux{Runner: &fakeRunner{out: []byte("can't find session: s1"), err: errors.New("exit status 1")}}
	ok, err = tm.HasSession(context.Background(), "s1")
	if err != nil || ok {
		t.Errorf("missing: ok=%v err=%v", ok, err)
	}
}

func TestCapturePane_args(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{out: []byte("screen contents\n")}
	tm := &Tmux{Runner: f}

	out, err := tm.CapturePane(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "screen contents\n" {
		t.Errorf("output: got %q", out)
	}
	joined := strings.Join(f.last(), " ")
	if !strings.Contains(joined, "capture-pane -t s1 -p -S -") {
		t.Errorf("args: got %q", joined)
	}
}

func TestRun_wrapsErrorWithOutput(t *testing.T) {
	t.Parallel()
	f := &fakeRunner{out: []byte("no server running\n"), err: errors.New("exit status 1")}
	tm := &Tmux{Runner: f}

	err := tm.CreateSession(context.Background(), "s1", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no server running") {
		t.Errorf("error should carry command output: %v", err)
	}
}
