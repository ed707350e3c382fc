package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	State         string  `json:"state"`
	PlanID        *string `json:"plan_id,omitempty"`
	CorrelationID string  `json:"correlation_id"`
	Actor         string  `json:"actor"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Plan represents the API plan model.
type Plan struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Transition reports a committed state change.
type Transition struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FromState  string `json:"from_state"`
	NewState   string `json:"new_state"`
}

// Event represents a log entry.
type Event struct {
	ID            int64  `json:"id"`
	EventType     string `json:"event_type"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	EntityKind    string `json:"entity_kind,omitempty"`
	FromState     string `json:"from_state,omitempty"`
	ToState       string `json:"to_state"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Actor         string `json:"actor"`
	OccurredAt    string `json:"occurred_at"`
}

// Notification represents an alert or SLA breach notice.
type Notification struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	EntityID  string `json:"entity_id,omitempty"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkItem creates a work item in the initial state.
func (c *Client) CreateWorkItem(ctx context.Context, kind, planID, actor string) (WorkItem, error) {
	body := map[string]any{
		"kind":  kind,
		"actor": actor,
	}
	if planID != "" {
		body["plan_id"] = planID
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work-items", body, &resp)
	return resp, err
}

// GetWorkItem fetches a work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/work-items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreatePlan creates a draft plan.
func (c *Client) CreatePlan(ctx context.Context, name, actor string) (Plan, error) {
	body := map[string]any{"name": name, "actor": actor}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "v0/plans", body, &resp)
	return resp, err
}

// RequestTransition requests a state change for a work item or plan.
func (c *Client) RequestTransition(ctx context.Context, entityType, entityID, targetState, actor string) (Transition, error) {
	body := map[string]any{
		"entity_type":  entityType,
		"entity_id":    entityID,
		"target_state": targetState,
		"actor":        actor,
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "v0/transitions", body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications returns recent notifications, newest first.
func (c *Client) Notifications(ctx context.Context, kind string, limit int) ([]Notification, error) {
	endpoint := "v0/notifications"
	var params []string
	if kind != "" {
		params = append(params, "kind="+url.QueryEscape(kind))
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	var resp []Notification
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
