package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voxline/callgate/common/signature"
)

type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

func NewGatewayClient(baseURL, opsToken string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		token:   opsToken,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

type DeadLetter struct {
	JobID         string     `json:"job_id"`
	EventID       string     `json:"event_id"`
	TenantID      string     `json:"tenant_id"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Job struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
}

// WebhookResult is the gateway's raw answer to a delivered webhook.
type WebhookResult struct {
	StatusCode int
	RetryAfter string
	Body       json.RawMessage
}

// APIError is a non-2xx answer from the ops API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

func (c *GatewayClient) QueueStats() (*QueueStats, error) {
	var stats QueueStats
	if err := c.ops(http.MethodGet, "/api/ops/queue", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *GatewayClient) DeadLetters(limit int, tenantID string) ([]DeadLetter, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	path := "/api/ops/dead-letters"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Entries []DeadLetter `json:"entries"`
	}
	if err := c.ops(http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *GatewayClient) Replay(jobID string) (*Job, error) {
	var job Job
	if err := c.ops(http.MethodPost, "/api/ops/dead-letters/"+url.PathEscape(jobID)+"/replay", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SignedHeaders returns the timestamp and signature headers for body.
func SignedHeaders(body []byte, secret string, at time.Time) (timestamp, sig string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	return timestamp, signature.Sign(body, timestamp, []byte(secret))
}

// SendWebhook posts body to the webhook endpoint signed with secret. Any
// HTTP status is returned as a result, not an error.
func (c *GatewayClient) SendWebhook(body []byte, secret, eventID string) (*WebhookResult, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/webhooks/vapi", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	ts, sig := SignedHeaders(body, secret, c.now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)
	if eventID != "" {
		req.Header.Set("X-Event-ID", eventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &WebhookResult{
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       data,
	}, nil
}

func (c *GatewayClient) ops(method, path string, out interface{}) error {
	if c.token == "" {
		return fmt.Errorf("no ops token; run `callgatectl token mint --save` or `callgatectl profile set --ops-token`")
	}
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
