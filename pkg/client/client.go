// Package client provides a Go SDK for the missiond HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mgrt/missiond/pkg/models"
)

// Client calls the missiond HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:7600"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:7600").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// --- Missions ---

// ListMissions returns all missions.
func (c *Client) ListMissions(ctx context.Context) ([]models.Mission, error) {
	var out []models.Mission
	err := c.doJSON(ctx, http.MethodGet, "/missions", nil, &out)
	return out, err
}

// CreateMission creates a mission and returns it.
func (c *Client) CreateMission(ctx context.Context, title string) (*models.Mission, error) {
	var out models.Mission
	err := c.doJSON(ctx, http.MethodPost, "/missions", map[string]string{"title": title}, &out)
	return &out, err
}

// GetMission returns one mission.
func (c *Client) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	var out models.Mission
	err := c.doJSON(ctx, http.MethodGet, "/missions/"+url.PathEscape(missionID), nil, &out)
	return &out, err
}

// DeleteMission deletes a mission and its todos.
func (c *Client) DeleteMission(ctx context.Context, missionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/missions/"+url.PathEscape(missionID), nil, nil)
}

// SetMissionStatus requests a mission status change.
func (c *Client) SetMissionStatus(ctx context.Context, missionID, status string) (*models.Mission, error) {
	var out models.Mission
	err := c.doJSON(ctx, http.MethodPost, "/missions/"+url.PathEscape(missionID)+"/status",
		map[string]string{"status": status}, &out)
	return &out, err
}

// ListTodos returns the todos of a mission.
func (c *Client) ListTodos(ctx context.Context, missionID string) ([]models.Todo, error) {
	var out []models.Todo
	err := c.doJSON(ctx, http.MethodGet, "/missions/"+url.PathEscape(missionID)+"/todos", nil, &out)
	return out, err
}

// CreateTodo creates a todo (with its six steps) in a mission.
func (c *Client) CreateTodo(ctx context.Context, missionID, title string, position int) (*models.Todo, error) {
	var out models.Todo
	err := c.doJSON(ctx, http.MethodPost, "/missions/"+url.PathEscape(missionID)+"/todos",
		map[string]any{"title": title, "position": position}, &out)
	return &out, err
}

// --- Todos ---

// GetTodo returns one todo with steps and dependencies.
func (c *Client) GetTodo(ctx context.Context, todoID string) (*models.Todo, error) {
	var out models.Todo
	err := c.doJSON(ctx, http.MethodGet, "/todos/"+url.PathEscape(todoID), nil, &out)
	return &out, err
}

// SetTodoStatus requests a todo status change (active is dependency-gated).
func (c *Client) SetTodoStatus(ctx context.Context, todoID, status string) (*models.Todo, error) {
	var out models.Todo
	err := c.doJSON(ctx, http.MethodPost, "/todos/"+url.PathEscape(todoID)+"/status",
		map[string]string{"status": status}, &out)
	return &out, err
}

// AddDependency makes todoID depend on dependsOnID.
func (c *Client) AddDependency(ctx context.Context, todoID, dependsOnID string) error {
	return c.doJSON(ctx, http.MethodPost, "/todos/"+url.PathEscape(todoID)+"/dependencies",
		map[string]string{"depends_on": dependsOnID}, nil)
}

// ListDependencies returns the ids todoID depends on.
func (c *Client) ListDependencies(ctx context.Context, todoID string) ([]string, error) {
	var out struct {
		DependsOn []string `json:"depends_on"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/todos/"+url.PathEscape(todoID)+"/dependencies", nil, &out)
	return out.DependsOn, err
}

// ListAudit returns the audit trail for a todo.
func (c *Client) ListAudit(ctx context.Context, todoID string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := c.doJSON(ctx, http.MethodGet, "/todos/"+url.PathEscape(todoID)+"/audit", nil, &out)
	return out, err
}

// --- Sessions ---

// StartSession starts (or returns) the agent session for a todo.
func (c *Client) StartSession(ctx context.Context, todoID, workDir string, bootstrap bool) (handle string, err error) {
	var out struct {
		SessionHandle string `json:"session_handle"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/todos/"+url.PathEscape(todoID)+"/session",
		map[string]any{"work_dir": workDir, "bootstrap": bootstrap}, &out)
	return out.SessionHandle, err
}

// StopSession stops the agent session for a todo.
func (c *Client) StopSession(ctx context.Context, todoID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/todos/"+url.PathEscape(todoID)+"/session", nil, nil)
}

// GetSession returns the session mapping for a todo.
func (c *Client) GetSession(ctx context.Context, todoID string) (*models.SessionMapping, error) {
	var out models.SessionMapping
	err := c.doJSON(ctx, http.MethodGet, "/todos/"+url.PathEscape(todoID)+"/session", nil, &out)
	return &out, err
}

// SendKeys injects content into the todo's session; submit appends Enter.
func (c *Client) SendKeys(ctx context.Context, todoID, content string, submit bool) error {
	return c.doJSON(ctx, http.MethodPost, "/todos/"+url.PathEscape(todoID)+"/keys",
		map[string]any{"content": content, "submit": submit}, nil)
}

// CaptureScreen returns the current terminal contents of the todo's session.
func (c *Client) CaptureScreen(ctx context.Context, todoID string) (string, error) {
	var out struct {
		Screen string `json:"screen"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/todos/"+url.PathEscape(todoID)+"/screen", nil, &out)
	return out.Screen, err
}

// --- Webhooks ---

// PostStepEvent delivers a step webhook and returns the todo snapshot.
func (c *Client) PostStepEvent(ctx context.Context, ev models.StepEvent) (*models.StepSnapshot, error) {
	var out models.StepSnapshot
	err := c.doJSON(ctx, http.MethodPost, "/webhooks/step", ev, &out)
	return &out, err
}

// PostHeartbeat delivers a supervising-agent heartbeat for a scope.
func (c *Client) PostHeartbeat(ctx context.Context, scope string, hb models.Heartbeat) (*models.AgentPresence, error) {
	var out models.AgentPresence
	err := c.doJSON(ctx, http.MethodPost, "/webhooks/heartbeat?scope="+url.QueryEscape(scope), hb, &out)
	return &out, err
}

// RegisterSession posts a session registration (the agent's conversation id).
func (c *Client) RegisterSession(ctx context.Context, reg models.SessionRegistration) error {
	return c.doJSON(ctx, http.MethodPost, "/webhooks/session", reg, nil)
}

// AckCommand acknowledges a previously issued command.
func (c *Client) AckCommand(ctx context.Context, ack models.CommandAck) error {
	return c.doJSON(ctx, http.MethodPost, "/webhooks/ack", ack, nil)
}

// --- Presence ---

// GetPresence returns the presence record for a scope with effective status.
func (c *Client) GetPresence(ctx context.Context, scope string) (*models.AgentPresence, error) {
	var out models.AgentPresence
	err := c.doJSON(ctx, http.MethodGet, "/presence/"+url.PathEscape(scope), nil, &out)
	return &out, err
}

// Connect marks the scope online.
func (c *Client) Connect(ctx context.Context, scope string) (*models.AgentPresence, error) {
	var out models.AgentPresence
	err := c.doJSON(ctx, http.MethodPost, "/presence/"+url.PathEscape(scope)+"/connect", nil, &out)
	return &out, err
}

// Disconnect marks the scope offline.
func (c *Client) Disconnect(ctx context.Context, scope string) (*models.AgentPresence, error) {
	var out models.AgentPresence
	err := c.doJSON(ctx, http.MethodPost, "/presence/"+url.PathEscape(scope)+"/disconnect", nil, &out)
	return &out, err
}
