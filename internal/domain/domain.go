package domain

// Claim statuses.
const (
	ClaimClassified     = "classified"
	ClaimTasksGenerated = "tasks_generated"
	ClaimInProgress     = "in_progress"
	ClaimResolved       = "resolved"
)

// Task statuses. Transitions are one-directional:
// pending -> assigned -> submitting -> resolved, with canceled as an
// exit from pending or assigned only.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskSubmitting = "submitting"
	TaskResolved   = "resolved"
	TaskCanceled   = "canceled"
)

type Claim struct {
	ID          string             `json:"id"`
	Text        string             `json:"text"`
	AuthorID    string             `json:"author_id"`
	Status      string             `json:"status" enum:"classified,tasks_generated,in_progress,resolved"`
	Dimensions  map[string]float64 `json:"dimensions"`
	RedFlags    []string           `json:"red_flags,omitempty"`
	Ambiguities []string           `json:"ambiguities,omitempty"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
	UpdatedAt   string             `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID               string   `json:"id"`
	ClaimID          string   `json:"claim_id"`
	TemplateID       string   `json:"template_id"`
	Description      string   `json:"description"`
	Status           string   `json:"status" enum:"pending,assigned,submitting,resolved,canceled"`
	MinValidators    int      `json:"min_validators"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	RequiredSkills   []string `json:"required_skills"`
	AssignedTo       []string `json:"assigned_to,omitempty"`
	ParametersJSON   *string  `json:"parameters_json,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	ResolvedAt       *string  `json:"resolved_at,omitempty" format:"date-time"`
}

type Validator struct {
	Wallet         string   `json:"wallet"`
	Reputation     int      `json:"reputation"`
	Skills         []string `json:"skills"`
	Active         bool     `json:"active"`
	TotalCompleted int      `json:"total_completed"`
	RegisteredAt   string   `json:"registered_at" format:"date-time"`
}

type Submission struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Wallet      string `json:"wallet"`
	Outcome     bool   `json:"outcome"`
	EvidenceRef string `json:"evidence_ref"`
	TS          string `json:"ts" format:"date-time"`
}

// ConsensusResult is computed exactly once per task and immutable after
// creation. LedgerRecorded flips to true once the external ledger has
// durably accepted the settlement record.
type ConsensusResult struct {
	TaskID         string         `json:"task_id"`
	Outcome        bool           `json:"outcome"`
	Agreeing       []string       `json:"agreeing"`
	Disagreeing    []string       `json:"disagreeing"`
	Deltas         map[string]int `json:"deltas"`
	ResolvedAt     string         `json:"resolved_at" format:"date-time"`
	LedgerRecorded bool           `json:"ledger_recorded"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ClaimID    string `json:"claim_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Wallet    string `json:"wallet"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
