// Package forgesdk is a small client for the Forge management API.
package forgesdk

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

// Client talks to a Forge server. Set APIKey or BearerToken.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Rule is an automation rule. Secrets in the configs come back redacted.
type Rule struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	ActionType    string         `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// RuleInput creates a rule.
type RuleInput struct {
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    string         `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

// RulePatch updates a rule. Nil fields are left unchanged.
type RulePatch struct {
	Name          *string        `json:"name,omitempty"`
	TriggerType   *string        `json:"trigger_type,omitempty"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    *string        `json:"action_type,omitempty"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

// Run is one entry of the execution ledger.
type Run struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	TriggerType    string         `json:"trigger_type"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	ActionType     string         `json:"action_type"`
	ActionPayload  map[string]any `json:"action_payload,omitempty"`
	Status         string         `json:"status"`
	DedupeKey      string         `json:"dedupe_key"`
	Error          string         `json:"error,omitempty"`
	StartedAt      string         `json:"started_at"`
	FinishedAt     string         `json:"finished_at"`
}

// RunRequest tunes RunRule. An empty DedupeKey makes the call unique.
type RunRequest struct {
	DedupeKey string         `json:"dedupe_key,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}

// RunResult is nil-Run and Skipped when the dedupe key already executed.
type RunResult struct {
	Run     *Run `json:"run,omitempty"`
	Skipped bool `json:"skipped"`
}

// Event feeds Tick.
type Event struct {
	Kind      string         `json:"kind"`
	Channel   string         `json:"channel,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Source    string         `json:"source,omitempty"`
	DedupeKey string         `json:"dedupe_key"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TickResult summarizes an evaluation pass.
type TickResult struct {
	Matched  int   `json:"matched"`
	Executed int   `json:"executed"`
	Skipped  int   `json:"skipped"`
	Failed   int   `json:"failed"`
	Runs     []Run `json:"runs"`
}

// Signal is a stored observation.
type Signal struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
	DetectedAt string         `json:"detected_at"`
	IngestedAt string         `json:"ingested_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	RuleID string
	Status string
	Since  time.Time
	Limit  int
}

// SignalFilter narrows ListSignals.
type SignalFilter struct {
	Source string
	Type   string
	Since  time.Time
	Until  time.Time
	Limit  int
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateRule(ctx context.Context, in RuleInput) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", in, &resp)
	return resp, err
}

func (c *Client) GetRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodGet, "rules/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateRule(ctx context.Context, id string, patch RulePatch) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPatch, "rules/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

// RunRule executes a rule now.
func (c *Client) RunRule(ctx context.Context, id string, req RunRequest) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "rules/"+url.PathEscape(id)+"/run", req, &resp)
	return resp, err
}

// ListRuns returns runs, newest first.
func (c *Client) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	q := url.Values{}
	setQuery(q, "rule_id", f.RuleID)
	setQuery(q, "status", f.Status)
	setTime(q, "since", f.Since)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// ListSignals returns stored signals, newest first.
func (c *Client) ListSignals(ctx context.Context, f SignalFilter) ([]Signal, error) {
	q := url.Values{}
	setQuery(q, "source", f.Source)
	setQuery(q, "type", f.Type)
	setTime(q, "since", f.Since)
	setTime(q, "until", f.Until)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("signals", q), nil, &resp)
	return resp.Items, err
}

// Tick evaluates the caller's rules against the clock and events.
func (c *Client) Tick(ctx context.Context, events []Event, dryRun bool) (TickResult, error) {
	body := struct {
		Events []Event `json:"events,omitempty"`
		DryRun bool    `json:"dry_run,omitempty"`
	}{events, dryRun}
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "tick", body, &resp)
	return resp, err
}

func setQuery(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}

func setTime(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.UTC().Format(time.RFC3339))
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
