package flowdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskInstance represents the API task instance model (partial).
type TaskInstance struct {
	ID              string           `json:"id"`
	InstanceID      string           `json:"instance_id"`
	TemplateTaskID  string           `json:"template_task_id"`
	Status          string           `json:"status"`
	AssignedToID    *string          `json:"assigned_to_user_id,omitempty"`
	ApproverID      *string          `json:"approver_id,omitempty"`
	DueDate         string           `json:"due_date"`
	EstimatedHours  float64          `json:"estimated_hours"`
	StartedAt       *string          `json:"started_at,omitempty"`
	SubmittedAt     *string          `json:"submitted_at,omitempty"`
	CompletedAt     *string          `json:"completed_at,omitempty"`
	ChecklistValues []ChecklistValue `json:"checklist_values,omitempty"`
	DeliverableLink *string          `json:"deliverable_link,omitempty"`
}

// ChecklistValue records a checklist item's state on submission.
type ChecklistValue struct {
	ChecklistItemID string `json:"checklistItemId"`
	Checked         bool   `json:"checked"`
	InputValue      string `json:"inputValue,omitempty"`
}

// Instance represents a workflow instance (partial).
type Instance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	ClientID         string         `json:"client_id"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	Progress         int            `json:"progress"`
	CurrentTaskIndex int            `json:"current_task_index"`
	CompletedAt      *string        `json:"completed_at,omitempty"`
	Tasks            []TaskInstance `json:"tasks,omitempty"`
}

// Assignment names who works a template task and who signs it off.
type Assignment struct {
	AssigneeID string `json:"assignee_id"`
	ApproverID string `json:"approver_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Me is the authenticated principal.
type Me struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Source string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a JWT for local testing and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"user_id": userID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// WhoAmI returns the authenticated principal.
func (c *Client) WhoAmI(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// CreateInstance instantiates a template for a client. Assignments are keyed
// by template task ID.
func (c *Client) CreateInstance(ctx context.Context, templateID, clientID, name string, assignments map[string]Assignment) (Instance, error) {
	body := map[string]any{
		"template_id": templateID,
		"client_id":   clientID,
		"name":        name,
		"assignments": assignments,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/instances", body, &resp)
	return resp, err
}

// GetInstance fetches an instance with its tasks.
func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/instances/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// MyTasks returns the caller's assigned tasks ordered by due date.
func (c *Client) MyTasks(ctx context.Context) ([]TaskInstance, error) {
	var resp []TaskInstance
	err := c.do(ctx, http.MethodGet, "v0/tasks/mine", nil, &resp)
	return resp, err
}

// PendingApprovals returns tasks waiting on the caller's sign-off.
func (c *Client) PendingApprovals(ctx context.Context) ([]TaskInstance, error) {
	var resp []TaskInstance
	err := c.do(ctx, http.MethodGet, "v0/approvals", nil, &resp)
	return resp, err
}

// StartTask moves a task to in_progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (TaskInstance, error) {
	var resp TaskInstance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/start", url.PathEscape(taskID)), struct{}{}, &resp)
	return resp, err
}

// SubmitTaskOptions carries the optional submission payload.
type SubmitTaskOptions struct {
	ChecklistValues []ChecklistValue `json:"checklist_values,omitempty"`
	Comment         string           `json:"comment,omitempty"`
	DeliverableLink string           `json:"deliverable_link,omitempty"`
	ApproverID      string           `json:"approver_id,omitempty"`
}

// SubmitTask submits a task for completion or approval.
func (c *Client) SubmitTask(ctx context.Context, taskID string, opts SubmitTaskOptions) (TaskInstance, error) {
	var resp TaskInstance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/submit", url.PathEscape(taskID)), opts, &resp)
	return resp, err
}

// ApproveTask approves a task pending approval.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (TaskInstance, error) {
	var resp TaskInstance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/approve", url.PathEscape(taskID)), struct{}{}, &resp)
	return resp, err
}

// RejectTask rejects a task with feedback for the assignee.
func (c *Client) RejectTask(ctx context.Context, taskID, feedback string) (TaskInstance, error) {
	var resp TaskInstance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/reject", url.PathEscape(taskID)), map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
