package idolly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Idolly Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// LicenseTerms mirrors the license terms attached to an agent or asset.
type LicenseTerms struct {
	MintingFee      uint64 `json:"minting_fee"`
	RevSharePercent uint32 `json:"rev_share_percent"`
	Currency        string `json:"currency"`
	Transferable    bool   `json:"transferable"`
	Expiration      int64  `json:"expiration,omitempty"`
}

// Policy captures the economic bounds an agent enforces on license terms.
type Policy struct {
	MaxMintingFee      uint64 `json:"max_minting_fee"`
	MaxRevSharePercent uint32 `json:"max_rev_share_percent"`
	MinRevSharePercent uint32 `json:"min_rev_share_percent,omitempty"`
}

// Profile describes the creative persona used for content generation.
type Profile struct {
	Name        string `json:"name"`
	Personality string `json:"personality,omitempty"`
	Style       string `json:"style,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// AgentRegistration is the payload required to create an agent.
type AgentRegistration struct {
	ID        string       `json:"id,omitempty"`
	Role      string       `json:"role"`
	WalletRef string       `json:"wallet_ref,omitempty"`
	Terms     LicenseTerms `json:"terms"`
	Policy    Policy       `json:"policy"`
	Profile   Profile      `json:"profile"`
}

// Agent is the server side view of a managed agent.
type Agent struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	State       string       `json:"state"`
	WalletRef   string       `json:"wallet_ref,omitempty"`
	RootAssetID string       `json:"root_asset_id,omitempty"`
	Terms       LicenseTerms `json:"terms"`
	Policy      Policy       `json:"policy"`
	Profile     Profile      `json:"profile"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// TriggerSubmission is the payload required to start a workflow.
type TriggerSubmission struct {
	AgentID       string `json:"agent_id"`
	Type          string `json:"type"`
	BusinessKey   string `json:"business_key"`
	TargetAssetID string `json:"target_asset_id,omitempty"`
	Theme         string `json:"theme,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Workflow contains the orchestration state of a submitted trigger.
type Workflow struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	BusinessKey string         `json:"business_key"`
	Status      string         `json:"status"`
	StepIndex   int            `json:"step_index"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Terminal reports whether the workflow reached a final status.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case "succeeded", "failed", "aborted":
		return true
	default:
		return false
	}
}

// WorkflowStats aggregates workflow counts per status.
type WorkflowStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
}

// AssetRecord mirrors a registered asset on the ledger.
type AssetRecord struct {
	AssetID        string   `json:"asset_id"`
	AgentID        string   `json:"agent_id"`
	ParentAssetIDs []string `json:"parent_asset_ids,omitempty"`
	ContentRef     string   `json:"content_ref"`
	TxHash         string   `json:"tx_hash"`
	RegisteredAt   int64    `json:"registered_at"`
}

// RoyaltyClaim mirrors a completed royalty claim.
type RoyaltyClaim struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	AgentID   string `json:"agent_id"`
	Amount    uint64 `json:"amount"`
	TxHash    string `json:"tx_hash"`
	ClaimedAt int64  `json:"claimed_at"`
}

// ListWorkflowsOptions narrows a workflow listing.
type ListWorkflowsOptions struct {
	AgentID  string
	Types    []string
	Statuses []string
	Limit    int
	Offset   int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("idolly api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("idolly api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Idolly Chain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RegisterAgent creates a new agent in the Created state.
func (c *Client) RegisterAgent(ctx context.Context, registration AgentRegistration) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", registration, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// GetAgent fetches an agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ListAgents returns every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// StopAgent signals the agent to stop; in flight workflows abort at the next
// step boundary.
func (c *Client) StopAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/stop", nil, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ResumeAgent returns a suspended agent to the Active state.
func (c *Client) ResumeAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/resume", nil, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ListAgentAssets returns the assets registered on behalf of the agent.
func (c *Client) ListAgentAssets(ctx context.Context, agentID string) ([]AssetRecord, error) {
	var assets []AssetRecord
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/assets", &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// ListAgentClaims returns the most recent royalty claims for the agent.
func (c *Client) ListAgentClaims(ctx context.Context, agentID string, limit int) ([]RoyaltyClaim, error) {
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/claims"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var claims []RoyaltyClaim
	if err := c.get(ctx, endpoint, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// SubmitTrigger starts a workflow. Submitting the same trigger twice returns
// the workflow created by the first submission.
func (c *Client) SubmitTrigger(ctx context.Context, submission TriggerSubmission) (Workflow, error) {
	var record Workflow
	if err := c.post(ctx, "/api/v1/triggers", submission, &record); err != nil {
		return Workflow{}, err
	}
	return record, nil
}

// GetWorkflow fetches workflow state by identifier.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var record Workflow
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID), &record); err != nil {
		return Workflow{}, err
	}
	return record, nil
}

// ListWorkflows returns workflows matching the given filters.
func (c *Client) ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) ([]Workflow, error) {
	var records []Workflow
	if err := c.get(ctx, "/api/v1/workflows"+opts.encode(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetWorkflowStats returns aggregated workflow counts matching the filters.
func (c *Client) GetWorkflowStats(ctx context.Context, opts ListWorkflowsOptions) (WorkflowStats, error) {
	var stats WorkflowStats
	if err := c.get(ctx, "/api/v1/workflows/stats"+opts.encode(), &stats); err != nil {
		return WorkflowStats{}, err
	}
	return stats, nil
}

// WaitForWorkflow polls the workflow until it reaches a terminal status or the
// context is cancelled. A zero interval defaults to one second.
func (c *Client) WaitForWorkflow(ctx context.Context, workflowID string, interval time.Duration) (Workflow, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		record, err := c.GetWorkflow(ctx, workflowID)
		if err != nil {
			return Workflow{}, err
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o ListWorkflowsOptions) encode() string {
	query := url.Values{}
	if o.AgentID != "" {
		query.Set("agent_id", o.AgentID)
	}
	if len(o.Types) > 0 {
		query.Set("type", joinComma(o.Types))
	}
	if len(o.Statuses) > 0 {
		query.Set("status", joinComma(o.Statuses))
	}
	if o.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", o.Limit))
	}
	if o.Offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", o.Offset))
	}
	if len(query) == 0 {
		return ""
	}
	return "?" + query.Encode()
}

func joinComma(values []string) string {
	out := ""
	for i, value := range values {
		if i > 0 {
			out += ","
		}
		out += value
	}
	return out
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
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
		return nil, fmt.Errorf("invalid endpoint: %w", err)
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

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
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

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
