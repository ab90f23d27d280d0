// Package mcsdk is a worker-side client for the mission control lease protocol.
package mcsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one board on behalf of one worker session.
type Client struct {
	BaseURL    string
	SessionKey string
	// Assignee is the bot class polled for; empty means the server default.
	Assignee   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path,
// for example http://localhost:8080/api.
func New(baseURL, sessionKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		SessionKey: sessionKey,
		Timeout:    10 * time.Second,
	}
}

// Task is the API task model (partial).
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	ExecutionState  string     `json:"executionState"`
	Assignee        string     `json:"assignee"`
	SessionKey      *string    `json:"sessionKey"`
	SessionLockedAt *time.Time `json:"sessionLockedAt"`
	Description     string     `json:"description,omitempty"`
	Progress        []string   `json:"progress,omitempty"`
	Results         string     `json:"results,omitempty"`
}

// WorkOffer is the answer to a discovery poll. Task is nil when nothing was claimed.
type WorkOffer struct {
	Task                     *Task  `json:"task"`
	Action                   string `json:"action"`
	Instructions             string `json:"instructions,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeatIntervalSeconds,omitempty"`
	StaleAfterMinutes        int    `json:"staleAfterMinutes,omitempty"`
}

// Claimed reports whether the poll handed this session a task.
func (o WorkOffer) Claimed() bool { return o.Action == "claimed" && o.Task != nil }

// HeartbeatInterval is how often the server wants a heartbeat for the offered task.
func (o WorkOffer) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalSeconds) * time.Second
}

type Run struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"taskId"`
	SessionKey    string     `json:"sessionKey"`
	Status        string     `json:"status"`
	AttemptNumber int        `json:"attemptNumber"`
	ParentRunID   *string    `json:"parentRunId,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// ClaimedBy and LockedAt are set on lease conflicts.
	ClaimedBy string
	LockedAt  *time.Time
	Body      string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a lease held by another session.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsForbidden reports whether err means this session does not hold the lease.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// Retryable reports whether the server asked the caller to back off and retry.
func Retryable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

func hasStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == status
}

// ReadyForWork claims the oldest Ready task for this session.
func (c *Client) ReadyForWork(ctx context.Context) (WorkOffer, error) {
	var resp WorkOffer
	err := c.do(ctx, http.MethodGet, "tasks/ready-for-work?"+c.discoveryQuery(), nil, &resp)
	return resp, err
}

// Orphaned takes over an InProgress task whose worker went away.
func (c *Client) Orphaned(ctx context.Context) (WorkOffer, error) {
	var resp WorkOffer
	err := c.do(ctx, http.MethodGet, "tasks/orphaned?"+c.discoveryQuery(), nil, &resp)
	return resp, err
}

// Claim takes or re-affirms the lease on a task.
func (c *Client) Claim(ctx context.Context, taskID string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "claim"), c.session(), &resp)
	return resp.Task, err
}

func (c *Client) Release(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, c.taskPath(taskID, "release"), c.session(), nil)
}

func (c *Client) Heartbeat(ctx context.Context, taskID string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "heartbeat"), c.session(), &resp)
	return resp.Task, err
}

// KeepAlive heartbeats every interval until ctx is done. It stops early and
// returns the error when the lease is lost; transient failures are retried.
func (c *Client) KeepAlive(ctx context.Context, taskID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Heartbeat(ctx, taskID); err != nil {
				if IsForbidden(err) || IsNotFound(err) {
					return err
				}
			}
		}
	}
}

// SetExecutionState reports what the worker is doing, e.g. "waiting" or "completed".
func (c *Client) SetExecutionState(ctx context.Context, taskID, state string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "execution"), map[string]string{"executionState": state}, &resp)
	return resp.Task, err
}

// SetStatus moves the task to a workflow stage, recording the session as actor.
func (c *Client) SetStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "status"), map[string]string{"status": status, "actor": c.SessionKey}, &resp)
	return resp.Task, err
}

// ReportProgress replaces the progress notes and, when results is not empty, the results.
func (c *Client) ReportProgress(ctx context.Context, taskID string, progress []string, results string) (Task, error) {
	body := map[string]any{"progress": progress, "actor": c.SessionKey}
	if results != "" {
		body["results"] = results
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPatch, c.taskPath(taskID, ""), body, &resp)
	return resp.Task, err
}

func (c *Client) StartRun(ctx context.Context, taskID, summary string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	body := map[string]string{"sessionKey": c.SessionKey, "summary": summary}
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "runs"), body, &resp)
	return resp.Run, err
}

// FinishRun seals a run as "completed" or "failed".
func (c *Client) FinishRun(ctx context.Context, taskID, runID, status, summary string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	body := map[string]string{"status": status, "summary": summary}
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "runs/"+url.PathEscape(runID)), body, &resp)
	return resp.Run, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ClaimedBy string     `json:"claimedBy"`
		LockedAt  *time.Time `json:"lockedAt"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.ClaimedBy = env.ClaimedBy
		apiErr.LockedAt = env.LockedAt
	}
	return apiErr
}

func (c *Client) session() map[string]string {
	return map[string]string{"sessionKey": c.SessionKey}
}

func (c *Client) discoveryQuery() string {
	q := url.Values{}
	q.Set("sessionKey", c.SessionKey)
	if c.Assignee != "" {
		q.Set("assignee", c.Assignee)
	}
	return q.Encode()
}

func (c *Client) taskPath(taskID, p string) string {
	if p == "" {
		return "tasks/" + url.PathEscape(taskID)
	}
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
