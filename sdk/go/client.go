package apssdk

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

// DefaultBasePath is where the server mounts its API unless told otherwise.
const DefaultBasePath = "/v0"

// Client is a minimal APS HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix the server was started with; empty means
	// DefaultBasePath.
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: DefaultBasePath,
		Timeout:  10 * time.Second,
	}
}

type Assignment struct {
	Timestamp int64  `json:"timestamp"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type Agent struct {
	Role         string     `json:"role"`
	SessionID    string     `json:"session_id"`
	Reason       string     `json:"reason"`
	Assignment   Assignment `json:"assignment"`
	ProcessCount int        `json:"process_count"`
	PriorState   bool       `json:"prior_state"`
}

type Process struct {
	ProcessID string `json:"process_id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type Artifact struct {
	Path   string `json:"path"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type Message struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Timestamp string     `json:"timestamp"`
	Subject   string     `json:"subject"`
	Content   string     `json:"content"`
	Artifacts []Artifact `json:"artifacts"`
}

type Handoff struct {
	ProcessID      string  `json:"process_id"`
	Key            string  `json:"key"`
	PreviousStatus string  `json:"previous_status"`
	Status         string  `json:"status"`
	Message        Message `json:"message"`
	MessageCount   int     `json:"message_count"`
}

// HandoffOptions are the optional fields of a handoff request.
type HandoffOptions struct {
	FromRole string `json:"from_role,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Content  string `json:"content,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

type ProcessDocument struct {
	Key      string `json:"key"`
	Document struct {
		Process struct {
			Name      string    `json:"name"`
			ID        string    `json:"id"`
			CreatedAt string    `json:"created_at"`
			UpdatedAt string    `json:"updated_at"`
			Status    string    `json:"status"`
			Messages  []Message `json:"messages"`
		} `json:"process"`
		Claim *struct {
			Status string `json:"status"`
		} `json:"claim,omitempty"`
	} `json:"document"`
}

type ReportEntry struct {
	Key        string `json:"key"`
	ProcessID  string `json:"process_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Source     string `json:"source"`
	ParseError string `json:"parse_error"`
}

type Report struct {
	LedgerAvailable bool          `json:"ledger_available"`
	Agents          []Assignment  `json:"agents"`
	SkippedLines    int           `json:"skipped_lines"`
	Processes       []ReportEntry `json:"processes"`
	ParseErrors     int           `json:"parse_errors"`
}

type Health struct {
	Status           string  `json:"status"`
	Timestamp        float64 `json:"timestamp"`
	OperationsLogged int64   `json:"operations_logged"`
}

// Event represents an operations log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	Actor    string         `json:"actor"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// InitializeAgent starts an agent session on the server.
func (c *Client) InitializeAgent(ctx context.Context) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", nil, &resp)
	return resp, err
}

func (c *Client) CreateProcess(ctx context.Context, name string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, "processes", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) GetProcess(ctx context.Context, processID string) (ProcessDocument, error) {
	var resp ProcessDocument
	err := c.do(ctx, http.MethodGet, "processes/"+url.PathEscape(processID), nil, &resp)
	return resp, err
}

func (c *Client) Handoff(ctx context.Context, processID, toRole string, opts HandoffOptions) (Handoff, error) {
	body := struct {
		ToRole string `json:"to_role"`
		HandoffOptions
	}{ToRole: toRole, HandoffOptions: opts}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "processes/"+url.PathEscape(processID)+"/handoff", body, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated operations listing, newest first.
func (c *Client) EventsPage(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + c.prefix() + "/" + strings.TrimLeft(endpoint, "/")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) prefix() string {
	p := c.BasePath
	if p == "" {
		p = DefaultBasePath
	}
	if p = strings.Trim(p, "/"); p == "" {
		return ""
	}
	return "/" + p
}
