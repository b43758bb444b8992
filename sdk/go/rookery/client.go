package rookery

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

	"github.com/google/uuid"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the Rookery server address, e.g. "http://localhost:8090".
	BaseURL string
	// APIKey is the operator key exchanged for a JWT on first use.
	APIKey string
	// HTTPClient optionally overrides the underlying HTTP client.
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil. Defaults to 30s.
	Timeout time.Duration
}

// Client is a Rookery API client. Safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a client. The API key is not validated until the
// first request.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rookery: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rookery: APIKey is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  base,
		client:   hc,
		tokenMgr: newTokenManager(base, cfg.APIKey, hc),
	}, nil
}

// SubmitTask submits a task. The response reports whether the task was
// queued or parked behind a consensus checkpoint.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*SubmitTaskResponse, error) {
	var out SubmitTaskResponse
	if err := c.post(ctx, "/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task by ID.
func (c *Client) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	var out Task
	if err := c.get(ctx, "/tasks/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasksOptions filters ListTasks. Zero values are omitted.
type ListTasksOptions struct {
	Status    string
	AgentType string
	Limit     int
	Offset    int
}

// ListTasks lists tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AgentType != "" {
		q.Set("agent_type", opts.AgentType)
	}
	setPagination(q, opts.Limit, opts.Offset)
	var out []Task
	if err := c.get(ctx, "/tasks", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask removes a task. Requires the admin role.
func (c *Client) DeleteTask(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+id.String(), nil, nil, nil)
}

// SimilarTasks returns the nearest-neighbor tasks for a task's stored
// embedding. agentType optionally restricts results to one agent type.
func (c *Client) SimilarTasks(ctx context.Context, id uuid.UUID, agentType string, limit int) ([]SimilarTask, error) {
	q := url.Values{}
	if agentType != "" {
		q.Set("agent_type", agentType)
	}
	setPagination(q, limit, 0)
	var out []SimilarTask
	if err := c.get(ctx, "/tasks/"+id.String()+"/similar", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Classify previews dispatcher routing for a task description without
// submitting a task.
func (c *Client) Classify(ctx context.Context, description string) (*DispatchInfo, error) {
	var out DispatchInfo
	if err := c.post(ctx, "/dispatch/classify", map[string]string{"description": description}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpawnAgent creates a live agent instance. A full roster surfaces as a
// 503 testable with IsCapacity.
func (c *Client) SpawnAgent(ctx context.Context, req SpawnAgentRequest) (*Agent, error) {
	var out Agent
	if err := c.post(ctx, "/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists live agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	if err := c.get(ctx, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgent fetches a live agent by ID.
func (c *Client) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var out Agent
	if err := c.get(ctx, "/agents/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopAgent stops a live agent and releases its slot.
func (c *Client) StopAgent(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+id.String(), nil, nil, nil)
}

// AgentMetrics fetches the resource counters and phase for an agent.
func (c *Client) AgentMetrics(ctx context.Context, id uuid.UUID) (*AgentMetrics, error) {
	var out AgentMetrics
	if err := c.get(ctx, "/agents/"+id.String()+"/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordUsage records one resource-consumption event for an agent and
// returns the resulting exhaustion evaluation. Metric is one of
// file_read, file_write, file_modify, api_call, subtask, tokens,
// deliverable; amount applies to tokens only.
func (c *Client) RecordUsage(ctx context.Context, id uuid.UUID, metric string, amount int64) (*Evaluation, error) {
	req := map[string]any{"metric": metric}
	if amount > 0 {
		req["amount"] = amount
	}
	var out Evaluation
	if err := c.post(ctx, "/agents/"+id.String()+"/usage", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseAgent pauses an agent. Reason is optional.
func (c *Client) PauseAgent(ctx context.Context, id uuid.UUID, reason string) error {
	var req any
	if reason != "" {
		req = map[string]string{"reason": reason}
	}
	return c.do(ctx, http.MethodPost, "/agents/"+id.String()+"/pause", nil, req, nil)
}

// ResumeAgent resumes a paused agent.
func (c *Client) ResumeAgent(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/agents/"+id.String()+"/resume", nil, nil, nil)
}

// TerminateAgent terminates an agent. Requires the admin role and a
// non-empty reason.
func (c *Client) TerminateAgent(ctx context.Context, id uuid.UUID, reason string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+id.String()+"/terminate", nil,
		map[string]string{"reason": reason}, nil)
}

// CreateIdentity registers a persistent agent identity.
func (c *Client) CreateIdentity(ctx context.Context, req CreateIdentityRequest) (*Identity, error) {
	var out Identity
	if err := c.post(ctx, "/identities", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIdentity fetches an identity by agent ID.
func (c *Client) GetIdentity(ctx context.Context, agentID uuid.UUID) (*Identity, error) {
	var out Identity
	if err := c.get(ctx, "/identities/"+agentID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIdentitiesOptions filters ListIdentities. Zero values are omitted.
type ListIdentitiesOptions struct {
	Status    string
	AgentType string
	Limit     int
	Offset    int
}

// ListIdentities lists identities.
func (c *Client) ListIdentities(ctx context.Context, opts ListIdentitiesOptions) ([]Identity, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AgentType != "" {
		q.Set("agent_type", opts.AgentType)
	}
	setPagination(q, opts.Limit, opts.Offset)
	var out []Identity
	if err := c.get(ctx, "/identities", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateIdentity applies a partial update to an identity's mutable
// fields.
func (c *Client) UpdateIdentity(ctx context.Context, agentID uuid.UUID, req UpdateIdentityRequest) (*Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodPatch, "/identities/"+agentID.String(), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateIdentity transitions an identity to active.
func (c *Client) ActivateIdentity(ctx context.Context, agentID uuid.UUID) (*Identity, error) {
	var out Identity
	if err := c.post(ctx, "/identities/"+agentID.String()+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateIdentity transitions an identity to inactive.
func (c *Client) DeactivateIdentity(ctx context.Context, agentID uuid.UUID) (*Identity, error) {
	var out Identity
	if err := c.post(ctx, "/identities/"+agentID.String()+"/deactivate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetireIdentity retires an identity permanently. Requires the admin
// role. Reason is optional.
func (c *Client) RetireIdentity(ctx context.Context, agentID uuid.UUID, reason string) (*Identity, error) {
	var req any
	if reason != "" {
		req = map[string]string{"reason": reason}
	}
	var out Identity
	if err := c.do(ctx, http.MethodPost, "/identities/"+agentID.String()+"/retire", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IdentityAudit returns the hash-chained audit trail for an identity,
// oldest first.
func (c *Client) IdentityAudit(ctx context.Context, agentID uuid.UUID) ([]AuditEntry, error) {
	var out []AuditEntry
	if err := c.get(ctx, "/identities/"+agentID.String()+"/audit", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCheckpoints lists consensus checkpoints, optionally filtered by
// status (pending, approved, rejected, expired).
func (c *Client) ListCheckpoints(ctx context.Context, status string) ([]Checkpoint, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []Checkpoint
	if err := c.get(ctx, "/checkpoints", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCheckpoint fetches a checkpoint by ID.
func (c *Client) GetCheckpoint(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	var out Checkpoint
	if err := c.get(ctx, "/checkpoints/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDecision records a reviewer verdict on a pending checkpoint.
// Approval releases the surviving subtasks into the queue.
func (c *Client) SubmitDecision(ctx context.Context, id uuid.UUID, decision Decision) (*DecisionResponse, error) {
	var out DecisionResponse
	if err := c.post(ctx, "/checkpoints/"+id.String()+"/decision", decision, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DriftEvents lists recorded drift events, optionally filtered by task
// type.
func (c *Client) DriftEvents(ctx context.Context, taskType string, limit, offset int) ([]DriftEvent, error) {
	q := url.Values{}
	if taskType != "" {
		q.Set("task_type", taskType)
	}
	setPagination(q, limit, offset)
	var out []DriftEvent
	if err := c.get(ctx, "/drift/events", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DriftStats returns aggregate drift counters.
func (c *Client) DriftStats(ctx context.Context) (*DriftStats, error) {
	var out DriftStats
	if err := c.get(ctx, "/drift/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the server's operational snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// do performs one authenticated request, retrying once on a 401 with a
// fresh token in case the cached JWT was revoked server-side.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.doOnce(ctx, method, path, query, body, out)
	if IsUnauthorized(err) {
		c.tokenMgr.Invalidate()
		err = c.doOnce(ctx, method, path, query, body, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokenMgr.Token(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func setPagination(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
}

// parseErrorResponse converts a non-2xx body into an *Error, tolerating
// bodies that are not the standard error envelope.
func parseErrorResponse(status int, raw []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		return &Error{StatusCode: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &Error{StatusCode: status, Code: "UNKNOWN", Message: strings.TrimSpace(string(raw))}
}
