// Package notify delivers mission outcome notifications to external channels.
// Channels are registered by name; the daemon broadcasts terminal todo and
// mission transitions to every registered channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Channel is one notification sink.
type Channel struct {
	Name string
	Send func(ctx context.Context, text string) error
}

// Registry holds the configured channels. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds or replaces a channel by name.
func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	r.channels[c.Name] = c
	r.mu.Unlock()
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Broadcast sends text to every channel. Failures are joined, not short-circuited.
func (r *Registry) Broadcast(ctx context.Context, text string) error {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range channels {
		if err := c.Send(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SlackWebhook builds a channel posting to a Slack incoming webhook URL.
func SlackWebhook(url string) Channel {
	return Channel{
		Name: "slack",
		Send: func(ctx context.Context, text string) error {
			payload, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}
