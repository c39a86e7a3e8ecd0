package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
	"github.com/mirrorsync/mirrorsync/internal/task"
)

// apiClient is a thin HTTP client for the control plane, used by the `task`
// and `status` subcommands so they can reach a already-running daemon
// without reopening its SQLite state store from a second process.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cc *CLIContext) *apiClient {
	return &apiClient{
		baseURL: "http://" + cc.Cfg.Server.ListenAddr,
		token:   config.ResolveAPIToken(&cc.Cfg.Server, cc.Env),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encoding request: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("apiclient: building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w (is the daemon running?)", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("apiclient: %s %s: %s: %s", method, path, resp.Status, string(msg))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) listTasks(ctx context.Context) ([]task.Status, error) {
	var statuses []task.Status
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &statuses)
	return statuses, err
}

func (c *apiClient) createTask(ctx context.Context, cfg config.TaskConfig) error {
	return c.do(ctx, http.MethodPost, "/tasks", cfg, nil)
}

func (c *apiClient) removeTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+id, nil, nil)
}

func (c *apiClient) startTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+id+"/start", nil, nil)
}

func (c *apiClient) stopTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+id+"/stop", nil, nil)
}

func (c *apiClient) restartTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+id+"/restart", nil, nil)
}

func (c *apiClient) syncTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+id+"/sync", nil, nil)
}

func (c *apiClient) taskStatus(ctx context.Context, id string) (task.Status, error) {
	var status task.Status
	err := c.do(ctx, http.MethodGet, "/tasks/"+id+"/status", nil, &status)
	return status, err
}

func (c *apiClient) recentLogs(ctx context.Context, taskID string, limit int) ([]syncengine.LogEntry, error) {
	path := fmt.Sprintf("/logs?task_id=%s&limit=%d", taskID, limit)

	var logs []syncengine.LogEntry
	err := c.do(ctx, http.MethodGet, path, nil, &logs)
	return logs, err
}
