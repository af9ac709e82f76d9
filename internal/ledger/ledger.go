// Package ledger is the external reputation ledger collaborator: an
// append-only store of proof records and reputation events. The engine only
// appends and reads; nothing recorded is ever mutated or deleted.
package ledger

import (
	"errors"
	"time"
)

var (
	ErrAlreadyRegistered = errors.New("validator already registered")
	ErrNotRegistered     = errors.New("validator not registered")
	ErrValidatorInactive = errors.New("validator is not active")
)

// ProofRecord is the persisted settlement shape: one record per validator
// per task, retrievable as an ordered list per task id.
type ProofRecord struct {
	TaskID       string `json:"task_id"`
	Wallet       string `json:"wallet"`
	EvidenceHash string `json:"evidence_hash"`
	Outcome      bool   `json:"outcome"`
	Delta        int    `json:"delta"`
	Timestamp    int64  `json:"timestamp"`
}

// ValidatorInfo is the ledger's view of a validator.
type ValidatorInfo struct {
	Wallet         string `json:"wallet"`
	Reputation     int    `json:"reputation"`
	TotalCompleted int    `json:"total_completed"`
	Active         bool   `json:"active"`
}

// Event mirrors an on-chain event emission, sequenced monotonically.
type Event struct {
	Seq       uint64         `json:"seq"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Settlement is one task's batched settlement hand-off. RecordSettlement is
// idempotent keyed by task id: re-recording a settled task returns the
// stored deltas without applying anything twice.
type Settlement struct {
	TaskID  string
	Outcome bool
	Proofs  []ProofRecord
}

// Ledger is the collaborator contract the consensus engine settles into.
type Ledger interface {
	RegisterValidator(wallet string) error
	RecordSettlement(s Settlement) (map[string]int, error)
	GetValidator(wallet string) (ValidatorInfo, error)
	Proofs(taskID string) ([]ProofRecord, error)
	RecentEvents(limit int) ([]Event, error)
	Close() error
}

func nowUnix() int64 { return time.Now().UTC().Unix() }
