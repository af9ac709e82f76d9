// Package veritrustsdk is a minimal VeriTrust HTTP API client.
package veritrustsdk

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

// Client is a minimal VeriTrust HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Claim represents the API claim model.
type Claim struct {
	ID          string             `json:"id"`
	Text        string             `json:"text"`
	AuthorID    string             `json:"author_id"`
	Status      string             `json:"status"`
	Dimensions  map[string]float64 `json:"dimensions"`
	RedFlags    []string           `json:"red_flags,omitempty"`
	Ambiguities []string           `json:"ambiguities,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               string   `json:"id"`
	ClaimID          string   `json:"claim_id"`
	TemplateID       string   `json:"template_id"`
	Description      string   `json:"description"`
	Status           string   `json:"status"`
	MinValidators    int      `json:"min_validators"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	RequiredSkills   []string `json:"required_skills"`
	AssignedTo       []string `json:"assigned_to,omitempty"`
}

// Validator represents the API validator model.
type Validator struct {
	Wallet         string   `json:"wallet"`
	Reputation     int      `json:"reputation"`
	Skills         []string `json:"skills"`
	Active         bool     `json:"active"`
	TotalCompleted int      `json:"total_completed"`
}

// Consensus represents a resolved task's consensus result.
type Consensus struct {
	TaskID         string         `json:"task_id"`
	Outcome        bool           `json:"outcome"`
	Agreeing       []string       `json:"agreeing"`
	Disagreeing    []string       `json:"disagreeing"`
	Deltas         map[string]int `json:"deltas"`
	ResolvedAt     string         `json:"resolved_at"`
	LedgerRecorded bool           `json:"ledger_recorded"`
}

// SubmissionResult reports whether a verdict resolved the task.
type SubmissionResult struct {
	TaskID   string     `json:"task_id"`
	Received bool       `json:"received"`
	Resolved bool       `json:"resolved"`
	Result   *Consensus `json:"result,omitempty"`
}

// ClaimWithTasks is the submit-claim response.
type ClaimWithTasks struct {
	Claim Claim  `json:"claim"`
	Tasks []Task `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitClaim submits a claim and returns it with its generated tasks.
func (c *Client) SubmitClaim(ctx context.Context, text string) (ClaimWithTasks, error) {
	var resp ClaimWithTasks
	err := c.do(ctx, http.MethodPost, "v0/claims", map[string]any{"text": text}, &resp)
	return resp, err
}

// GetClaim fetches a claim by id.
func (c *Client) GetClaim(ctx context.Context, id string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodGet, "v0/claims/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ClaimTasks lists tasks generated for a claim.
func (c *Client) ClaimTasks(ctx context.Context, claimID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/claims/%s/tasks", url.PathEscape(claimID)), nil, &resp)
	return resp, err
}

// AssignTask requests validator matching for a pending task.
func (c *Client) AssignTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/assign", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// SubmitVerification records the caller's verdict on an assigned task.
func (c *Client) SubmitVerification(ctx context.Context, taskID string, outcome bool, evidenceRef string) (SubmissionResult, error) {
	body := map[string]any{"outcome": outcome, "evidence_ref": evidenceRef}
	var resp SubmissionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/submissions", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// CancelTask cancels a pending or assigned task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/cancel", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// GetConsensus fetches the consensus result for a resolved task.
func (c *Client) GetConsensus(ctx context.Context, taskID string) (Consensus, error) {
	var resp Consensus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s/consensus", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// RegisterValidator registers a validator wallet with skill tags.
func (c *Client) RegisterValidator(ctx context.Context, wallet string, skills []string) (Validator, error) {
	body := map[string]any{"wallet": wallet, "skills": skills}
	var resp Validator
	err := c.do(ctx, http.MethodPost, "v0/validators", body, &resp)
	return resp, err
}

// GetValidator fetches a validator by wallet.
func (c *Client) GetValidator(ctx context.Context, wallet string) (Validator, error) {
	var resp Validator
	err := c.do(ctx, http.MethodGet, "v0/validators/"+url.PathEscape(wallet), nil, &resp)
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
