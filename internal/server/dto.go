package server

import (
	"encoding/json"

	"veritrust/internal/domain"
	"veritrust/internal/ledger"
)

type SubmitClaimRequest struct {
	Text string `json:"text" example:"The service handles 1000 rps with p99 under 50ms"`
}

type ClaimResponse struct {
	ID          string             `json:"id"`
	Text        string             `json:"text"`
	AuthorID    string             `json:"author_id"`
	Status      string             `json:"status"`
	Dimensions  map[string]float64 `json:"dimensions"`
	RedFlags    []string           `json:"red_flags,omitempty"`
	Ambiguities []string           `json:"ambiguities,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

type ClaimWithTasksResponse struct {
	Claim ClaimResponse  `json:"claim"`
	Tasks []TaskResponse `json:"tasks"`
}

type TaskResponse struct {
	ID               string         `json:"id"`
	ClaimID          string         `json:"claim_id"`
	TemplateID       string         `json:"template_id"`
	Description      string         `json:"description"`
	Status           string         `json:"status"`
	MinValidators    int            `json:"min_validators"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	RequiredSkills   []string       `json:"required_skills"`
	AssignedTo       []string       `json:"assigned_to,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	ResolvedAt       *string        `json:"resolved_at,omitempty"`
}

type RegisterValidatorRequest struct {
	Wallet string   `json:"wallet" example:"0x4f2a"`
	Skills []string `json:"skills"`
}

type ValidatorResponse struct {
	Wallet         string   `json:"wallet"`
	Reputation     int      `json:"reputation"`
	Skills         []string `json:"skills"`
	Active         bool     `json:"active"`
	TotalCompleted int      `json:"total_completed"`
	RegisteredAt   string   `json:"registered_at"`
}

type SubmitVerificationRequest struct {
	Outcome     bool   `json:"outcome"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

type ConsensusResponse struct {
	TaskID         string         `json:"task_id"`
	Outcome        bool           `json:"outcome"`
	Agreeing       []string       `json:"agreeing"`
	Disagreeing    []string       `json:"disagreeing"`
	Deltas         map[string]int `json:"deltas"`
	ResolvedAt     string         `json:"resolved_at"`
	LedgerRecorded bool           `json:"ledger_recorded"`
}

type SubmissionAccepted struct {
	TaskID   string             `json:"task_id"`
	Received bool               `json:"received"`
	Resolved bool               `json:"resolved"`
	Result   *ConsensusResponse `json:"result,omitempty"`
}

type ProofResponse struct {
	TaskID       string `json:"task_id"`
	Wallet       string `json:"wallet"`
	EvidenceHash string `json:"evidence_hash,omitempty"`
	Outcome      bool   `json:"outcome"`
	Delta        int    `json:"delta"`
	Timestamp    int64  `json:"timestamp"`
}

func claimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ID:          c.ID,
		Text:        c.Text,
		AuthorID:    c.AuthorID,
		Status:      c.Status,
		Dimensions:  c.Dimensions,
		RedFlags:    c.RedFlags,
		Ambiguities: c.Ambiguities,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:               t.ID,
		ClaimID:          t.ClaimID,
		TemplateID:       t.TemplateID,
		Description:      t.Description,
		Status:           t.Status,
		MinValidators:    t.MinValidators,
		EstimatedMinutes: t.EstimatedMinutes,
		RequiredSkills:   t.RequiredSkills,
		AssignedTo:       t.AssignedTo,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ResolvedAt:       t.ResolvedAt,
	}
	if t.ParametersJSON != nil {
		var params map[string]any
		if err := json.Unmarshal([]byte(*t.ParametersJSON), &params); err == nil {
			resp.Parameters = params
		}
	}
	return resp
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func validatorResponse(v domain.Validator) ValidatorResponse {
	return ValidatorResponse{
		Wallet:         v.Wallet,
		Reputation:     v.Reputation,
		Skills:         v.Skills,
		Active:         v.Active,
		TotalCompleted: v.TotalCompleted,
		RegisteredAt:   v.RegisteredAt,
	}
}

func consensusResponse(cr domain.ConsensusResult) ConsensusResponse {
	return ConsensusResponse{
		TaskID:         cr.TaskID,
		Outcome:        cr.Outcome,
		Agreeing:       cr.Agreeing,
		Disagreeing:    cr.Disagreeing,
		Deltas:         cr.Deltas,
		ResolvedAt:     cr.ResolvedAt,
		LedgerRecorded: cr.LedgerRecorded,
	}
}

func proofResponse(p ledger.ProofRecord) ProofResponse {
	return ProofResponse{
		TaskID:       p.TaskID,
		Wallet:       p.Wallet,
		EvidenceHash: p.EvidenceHash,
		Outcome:      p.Outcome,
		Delta:        p.Delta,
		Timestamp:    p.Timestamp,
	}
}
