// Package orchestrator implements the typed HTTP client for the ZMemory
// orchestrator. Every request carries the current auth header; transport
// retries are left to callers because accept and complete are not idempotent.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/common/logger"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

const requestTimeout = 30 * time.Second

// HeaderProvider supplies the auth headers attached to every request.
// Satisfied by *auth.TokenStore.
type HeaderProvider interface {
	AuthHeaders(ctx context.Context) map[string]string
}

// Client talks to the orchestrator's task surface.
type Client struct {
	baseURL string
	headers HeaderProvider
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates an orchestrator client.
func NewClient(baseURL string, headers HeaderProvider, log *logger.Logger) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL: baseURL,
		headers: headers,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.WithFields(zap.String("component", "orchestrator-client")),
	}
}

// do issues one JSON request with the auth header attached and returns the
// response body for 2xx statuses.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.headers != nil {
		for k, v := range c.headers.AuthHeaders(ctx) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}

// Health reports whether the orchestrator answers its health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	_, _, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		c.logger.WithError(err).Error("health check failed")
		return false
	}
	return true
}

// PendingTasks fetches the descriptors currently offered to this agent.
// Failures, including 401, surface as an empty list.
func (c *Client) PendingTasks(ctx context.Context, agentName string) []*v1.Task {
	path := "/tasks/pending?agent=" + url.QueryEscape(agentName)
	data, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if status == http.StatusUnauthorized {
			c.logger.Warn("orchestrator rejected credentials while polling")
		} else {
			c.logger.WithError(err).Error("failed to fetch pending tasks")
		}
		return nil
	}

	var payload struct {
		Tasks []*v1.Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.WithError(err).Error("failed to decode pending tasks")
		return nil
	}
	// A well-formed response without the tasks key is an empty offer list,
	// not a failed poll.
	if payload.Tasks == nil {
		return []*v1.Task{}
	}
	return payload.Tasks
}

// AcceptTask leases a task for this agent. A false return means another agent
// won the lease or the call failed.
func (c *Client) AcceptTask(ctx context.Context, taskID, agentName string) bool {
	body := map[string]string{"agent": agentName}
	_, _, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/accept", body)
	if err != nil {
		c.logger.WithError(err).WithTaskID(taskID).Warn("failed to accept task")
		return false
	}
	c.logger.WithTaskID(taskID).Info("task accepted")
	return true
}

// UpdateTaskStatus reports a non-terminal status change. Progress is a
// percentage in [0,100]; pass a negative value to omit it.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus, progress int) bool {
	body := map[string]interface{}{"status": status}
	if progress >= 0 {
		body["progress"] = progress
	}
	_, _, err := c.do(ctx, http.MethodPatch, "/tasks/"+taskID+"/status", body)
	if err != nil {
		c.logger.WithError(err).WithTaskID(taskID).Error("failed to update task status")
		return false
	}
	return true
}

// CompleteTask submits the terminal success report for a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result *v1.ExecutionResult) bool {
	body := map[string]interface{}{
		"result":       result,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	_, _, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/complete", body)
	if err != nil {
		c.logger.WithError(err).WithTaskID(taskID).Error("failed to complete task")
		return false
	}
	c.logger.WithTaskID(taskID).Info("task completed")
	return true
}

// FailTask submits the terminal failure report for a task.
func (c *Client) FailTask(ctx context.Context, taskID, errMsg string) bool {
	body := map[string]interface{}{
		"error":     errMsg,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	_, _, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/fail", body)
	if err != nil {
		c.logger.WithError(err).WithTaskID(taskID).Error("failed to report task failure")
		return false
	}
	c.logger.WithTaskID(taskID).Warn("task failed", zap.String("reason", errMsg))
	return true
}

// UploadArtifact pushes one named artifact for a task.
func (c *Client) UploadArtifact(ctx context.Context, taskID, name, content string) bool {
	body := map[string]string{"name": name, "content": content}
	_, _, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/artifacts", body)
	if err != nil {
		c.logger.WithError(err).WithTaskID(taskID).Error("failed to upload artifact",
			zap.String("artifact", name))
		return false
	}
	return true
}
