// Package sorotask is a thin Go client for the SoroTask REST API.
package sorotask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"SoroTask/internal/task"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Execute calls wait for a transaction receipt, so it is
// longer than a plain lookup would need.
const DefaultHTTPTimeout = 2 * time.Minute

// Task, Value and Record share their wire format with the daemon.
type (
	Task   = task.Task
	Value  = task.Value
	Record = task.Record
)

// Outcome reports whether an execution attempt invoked the target.
type Outcome = task.Outcome

// Client wraps the HTTP interactions with the SoroTask REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ListQuery filters ListTasks results. Zero values use server defaults.
type ListQuery struct {
	Limit       int
	Offset      int
	Target      string
	HasResolver *bool
	Descending  bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sorotask api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sorotask api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is the API's task-not-found error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == string(task.CodeTaskNotFound)
}

// NewClient instantiates a client for the SoroTask API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Register stores t under id, replacing any existing task.
func (c *Client) Register(ctx context.Context, id uint64, t *Task) error {
	if t == nil {
		return errors.New("sorotask: task is nil")
	}
	return c.send(ctx, http.MethodPut, taskPath(id), nil, t, nil)
}

// GetTask fetches a task. The boolean is false when no task is stored under id.
func (c *Client) GetTask(ctx context.Context, id uint64) (*Task, bool, error) {
	var record Record
	err := c.send(ctx, http.MethodGet, taskPath(id), nil, nil, &record)
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.Task, true, nil
}

// ListTasks returns tasks matching q.
func (c *Client) ListTasks(ctx context.Context, q ListQuery) ([]Record, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Target != "" {
		values.Set("target", q.Target)
	}
	if q.HasResolver != nil {
		values.Set("has_resolver", strconv.FormatBool(*q.HasResolver))
	}
	if q.Descending {
		values.Set("order", "desc")
	}
	var records []Record
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", values, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Execute runs one synchronous execution attempt.
func (c *Client) Execute(ctx context.Context, id uint64) (Outcome, error) {
	var resp struct {
		Outcome Outcome `json:"outcome"`
	}
	if err := c.send(ctx, http.MethodPost, taskPath(id)+"/execute", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Outcome, nil
}

// Trigger enqueues an asynchronous execution attempt.
func (c *Client) Trigger(ctx context.Context, id uint64) error {
	return c.send(ctx, http.MethodPost, taskPath(id)+"/trigger", nil, nil, nil)
}

// Monitor calls the monitor endpoint, which currently does nothing.
func (c *Client) Monitor(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/api/v1/monitor", nil, nil, nil)
}

func taskPath(id uint64) string {
	return "/api/v1/tasks/" + strconv.FormatUint(id, 10)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
