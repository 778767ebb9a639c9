// Package ledgerflow is a Go client for the LedgerFlow HTTP API.
package ledgerflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout is used by clients created without a custom timeout.
const DefaultHTTPTimeout = 15 * time.Second

// Run statuses reported by the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Answers accepted by Resume.
const (
	ResumeRetry = "retry"
	ResumeSkip  = "skip"
	ResumeAbort = "abort"
)

// Client wraps the HTTP interactions with the LedgerFlow API.
type Client struct {
	http *resty.Client

	mu          sync.RWMutex
	accessToken string
}

// Suspension describes a run waiting for user input.
type Suspension struct {
	StepID      string    `json:"step_id"`
	Questions   []string  `json:"questions"`
	LastError   string    `json:"last_error"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Result is the scored outcome of a finished run. Trace and per-step details
// are kept raw so the client does not pin the server's schema.
type Result struct {
	ExecutionID          string          `json:"execution_id"`
	FlowID               string          `json:"flow_id"`
	Status               string          `json:"status"`
	Score                float64         `json:"score"`
	CompletionPercentage float64         `json:"completion_percentage"`
	Errors               []string        `json:"errors,omitempty"`
	Breakdown            json.RawMessage `json:"breakdown,omitempty"`
	Steps                json.RawMessage `json:"steps,omitempty"`
	Metrics              json.RawMessage `json:"metrics,omitempty"`
	StartedAt            time.Time       `json:"started_at"`
	FinishedAt           time.Time       `json:"finished_at"`
}

// Run mirrors the server's run record.
type Run struct {
	ID         string      `json:"id"`
	FlowID     string      `json:"flow_id"`
	Benchmark  bool        `json:"benchmark"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *Result     `json:"result,omitempty"`
	Suspension *Suspension `json:"suspension,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Settled reports whether the run needs no further polling.
func (r *Run) Settled() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// Stats aggregates runs matching a list query.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Running      int     `json:"running"`
	Suspended    int     `json:"suspended"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	AverageScore float64 `json:"average_score"`
}

// RunList is the response of ListRuns.
type RunList struct {
	Runs  []*Run `json:"runs"`
	Stats Stats  `json:"stats"`
}

// ListQuery filters ListRuns. Zero values are omitted.
type ListQuery struct {
	Statuses []string
	FlowID   string
	Query    string
	Limit    int
	Offset   int
	Since    time.Time
	Until    time.Time
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.FlowID != "" {
		v.Set("flow_id", q.FlowID)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	return v
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
		return fmt.Sprintf("ledgerflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ledgerflow api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the LedgerFlow API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New().SetTimeout(DefaultHTTPTimeout)
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	return &Client{http: rc}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call. An empty token
// disables the Authorization header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = strings.TrimSpace(token)
}

// SubmitPlan submits a plan in its YAML file format. id may be empty.
func (c *Client) SubmitPlan(ctx context.Context, id string, planYAML []byte) (*Run, error) {
	req := c.request(ctx).
		SetHeader("Content-Type", "application/yaml").
		SetBody(planYAML)
	if id != "" {
		req.SetQueryParam("id", id)
	}
	var out Run
	if err := c.do(req.SetResult(&out), http.MethodPost, "/runs"); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var out Run
	req := c.request(ctx).SetPathParam("id", id).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/runs/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns lists runs matching q.
func (c *Client) ListRuns(ctx context.Context, q ListQuery) (*RunList, error) {
	var out RunList
	req := c.request(ctx).SetQueryParamsFromValues(q.values()).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/runs"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume answers a suspended run with ResumeRetry, ResumeSkip or ResumeAbort.
func (c *Client) Resume(ctx context.Context, id, answer string) (*Run, error) {
	var out Run
	req := c.request(ctx).
		SetPathParam("id", id).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"response": answer}).
		SetResult(&out)
	if err := c.do(req, http.MethodPost, "/runs/{id}/resume"); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestResults returns the most recent persisted results.
func (c *Client) LatestResults(ctx context.Context, limit int) ([]Result, error) {
	var out []Result
	req := c.request(ctx).SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := c.do(req, http.MethodGet, "/results"); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun polls until the run succeeds, fails or suspends.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Settled() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if token := c.AccessToken(); token != "" {
		req.SetAuthToken(token)
	}
	return req
}

func (c *Client) do(req *resty.Request, method, endpoint string) error {
	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return apiErr
}
