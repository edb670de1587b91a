package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestRegistryBroadcast(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var mu sync.Mutex
	var got []string
	r.Register(Channel{Name: "a", Send: func(ctx context.Context, text string) error {
		mu.Lock()
		got = append(got, "a:"+text)
		mu.Unlock()
		return nil
	}})
	r.Register(Channel{Name: "b", Send: func(ctx context.Context, text string) error {
		return errors.New("unreachable")
	}})

	err := r.Broadcast(context.Background(), "todo t-1 completed")
	if err == nil || err.Error() != "b: unreachable" {
		t.Fatalf("broadcast err = %v, want b: unreachable", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a:todo t-1 completed" {
		t.Fatalf("channel a received %v", got)
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(Channel{Name: "slack", Send: func(context.Context, string) error { return errors.New("old") }})
	r.Register(Channel{Name: "slack", Send: func(context.Context, string) error { return nil }})

	if names := r.Names(); len(names) != 1 || names[0] != "slack" {
		t.Fatalf("names = %v", names)
	}
	if err := r.Broadcast(context.Background(), "x"); err != nil {
		t.Fatalf("replacement channel should win: %v", err)
	}
}

func TestSlackWebhook(t *testing.T) {
	t.Parallel()

	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
	}))
	defer srv.Close()

	ch := SlackWebhook(srv.URL)
	if err := ch.Send(context.Background(), "mission m-1 done"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if body["text"] != "mission m-1 done" {
		t.Fatalf("payload = %v", body)
	}
}

func TestSlackWebhookNon2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := SlackWebhook(srv.URL).Send(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
