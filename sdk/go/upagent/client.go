package upagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the UPAgent Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Metrics carries caller supplied profile metrics. When present the server
// skips the on-chain read and normalizes these values instead.
type Metrics struct {
	Followers      float64 `json:"followers"`
	Posts          float64 `json:"posts"`
	EngagementRate float64 `json:"engagement_rate"`
}

// RecommendRequest represents the payload for an action recommendation.
type RecommendRequest struct {
	Profile string   `json:"profile,omitempty"`
	Explore bool     `json:"explore,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Recommendation is the server's answer to a recommendation request. The
// normalized observation vector is echoed back for auditability.
type Recommendation struct {
	ActionID        int        `json:"action_id"`
	ActionName      string     `json:"action_name"`
	Observation     [3]float64 `json:"observation"`
	TrainedEpisodes int        `json:"trained_episodes"`
}

// ExecuteRequest represents the payload required to execute an action.
type ExecuteRequest struct {
	ActionID   int    `json:"action_id"`
	Profile    string `json:"profile,omitempty"`
	Target     string `json:"target,omitempty"`
	ContentCID string `json:"content_cid,omitempty"`
	AmountWei  string `json:"amount_wei,omitempty"`
}

// ExecutionResult contains the terminal state of a synchronous execution.
type ExecutionResult struct {
	ActionID     int       `json:"action_id"`
	ActionName   string    `json:"action_name"`
	Profile      string    `json:"profile"`
	State        string    `json:"state"`
	TxHash       string    `json:"tx_hash"`
	Attempts     int       `json:"attempts"`
	RevertReason string    `json:"revert_reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// QueuedExecution is the acknowledgement returned by the asynchronous path.
type QueuedExecution struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("upagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the UPAgent Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// RecommendAction asks the policy for the next engagement action.
func (c *Client) RecommendAction(ctx context.Context, req RecommendRequest) (Recommendation, error) {
	var rec Recommendation
	if err := c.post(ctx, "/api/v1/recommend-action", req, &rec); err != nil {
		return Recommendation{}, err
	}
	return rec, nil
}

// ExecuteAction runs an action synchronously and waits for its terminal state.
// On failure the returned result still carries attempts and any revert reason.
func (c *Client) ExecuteAction(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	payload := struct {
		ExecuteRequest
		Queued bool `json:"queued"`
	}{ExecuteRequest: req}
	var result ExecutionResult
	if err := c.post(ctx, "/api/v1/execute-action", payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// QueueAction enqueues an action for asynchronous execution and returns the
// request identifier assigned by the dispatcher.
func (c *Client) QueueAction(ctx context.Context, req ExecuteRequest) (QueuedExecution, error) {
	payload := struct {
		ExecuteRequest
		Queued bool `json:"queued"`
	}{ExecuteRequest: req, Queued: true}
	var queued QueuedExecution
	if err := c.post(ctx, "/api/v1/execute-action", payload, &queued); err != nil {
		return QueuedExecution{}, err
	}
	return queued, nil
}

// ActionLog fetches the most recent execution results, newest first. A limit
// of zero uses the server default.
func (c *Client) ActionLog(ctx context.Context, limit int) ([]ExecutionResult, error) {
	endpoint := "/api/v1/action-log"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var entries []ExecutionResult
	if err := c.get(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			// The synchronous execute path returns the terminal result
			// alongside the error status; surface it to the caller.
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
