package taskdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	AssigneeID      *string    `json:"assignee_id,omitempty"`
	Priority        int        `json:"priority"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	DisplayOrder    int        `json:"display_order"`
	LabelIDs        []string   `json:"label_ids,omitempty"`
	Version         int64      `json:"version"`
}

// Delay is one DELAYED period of a task. DelayFor is planned seconds while
// open and realized seconds once Expired is set.
type Delay struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	DelayFor  int64      `json:"delay_for"`
	DelayedAt time.Time  `json:"delayed_at"`
	DelayedBy string     `json:"delayed_by"`
	Reason    *string    `json:"reason,omitempty"`
	Snoozed   *bool      `json:"snoozed,omitempty"`
	Expired   *time.Time `json:"expired,omitempty"`
}

// AuditEntry is one authorized mutation.
type AuditEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	ActorID    string    `json:"actor_id"`
	Operation  string    `json:"operation"`
	Resource   string    `json:"resource"`
	ResourceID *string   `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity is a delivered domain event.
type Activity struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Actor struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// CreateTask is the payload of CreateTask. Zero values are omitted.
type CreateTask struct {
	Title        string     `json:"title"`
	OrgID        string     `json:"org_id,omitempty"`
	Status       string     `json:"status,omitempty"`
	Priority     *int       `json:"priority,omitempty"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	LabelIDs     []string   `json:"label_ids,omitempty"`
	SkipNotify   bool       `json:"skip_notify,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the request lost a concurrent-write race.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusConflict
}

// DevLogin mints a token for userID on servers started with --dev-login and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the authenticated actor.
func (c *Client) Me(ctx context.Context) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks lists tasks of the caller's organisation, optionally by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Items, err
}

// Transition moves a task to status.
func (c *Client) Transition(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "transition"), map[string]any{"status": status}, &resp)
	return resp, err
}

// Assign gives a task to assigneeID.
func (c *Client) Assign(ctx context.Context, id, assigneeID string, notify bool) (Task, error) {
	var resp Task
	body := map[string]any{"assignee_id": assigneeID, "notify": notify}
	err := c.do(ctx, http.MethodPost, taskPath(id, "assign"), body, &resp)
	return resp, err
}

func (c *Client) Unassign(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "unassign"), nil, &resp)
	return resp, err
}

// Delay puts a task in DELAYED for d, replacing any open delay.
func (c *Client) Delay(ctx context.Context, id string, d time.Duration, reason string) (Task, Delay, error) {
	body := map[string]any{"delay_for": int64(d / time.Second)}
	if reason != "" {
		body["reason"] = reason
	}
	var resp struct {
		Task  Task  `json:"task"`
		Delay Delay `json:"delay"`
	}
	err := c.do(ctx, http.MethodPost, taskPath(id, "delay"), body, &resp)
	return resp.Task, resp.Delay, err
}

func (c *Client) EndDelay(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "end-delay"), nil, &resp)
	return resp, err
}

func (c *Client) Drop(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "drop"), nil, &resp)
	return resp, err
}

func (c *Client) SetPriority(ctx context.Context, id string, priority int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "priority"), map[string]any{"priority": priority}, &resp)
	return resp, err
}

// Delays lists every delay of a task, oldest first.
func (c *Client) Delays(ctx context.Context, id string) ([]Delay, error) {
	var resp struct {
		Items []Delay `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(id, "delays"), nil, &resp)
	return resp.Items, err
}

// Audit returns the newest audit entries, optionally for one resource kind.
func (c *Client) Audit(ctx context.Context, resource string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if resource != "" {
		q.Set("resource", resource)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp.Items, err
}

// Activity returns recent domain events of the caller's organisation.
func (c *Client) Activity(ctx context.Context, limit int) ([]Activity, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("activity", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, endpoint, err)
		}
		payload = bytes.NewReader(raw)
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	switch {
	case res.StatusCode >= 300:
		return decodeAPIError(res.StatusCode, raw)
	case out == nil || len(raw) == 0:
		return nil
	default:
		return json.Unmarshal(raw, out)
	}
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
