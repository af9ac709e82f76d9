// Package engine orchestrates the claim pipeline: classification, template
// activation, task expansion, validator assignment, concurrent submission
// handling, consensus resolution and idempotent reputation settlement.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veritrust/internal/classify"
	"veritrust/internal/config"
	"veritrust/internal/domain"
	"veritrust/internal/events"
	"veritrust/internal/expand"
	"veritrust/internal/graph"
	"veritrust/internal/ledger"
	"veritrust/internal/match"
	"veritrust/internal/repo"
)

var (
	// ErrTaskAlreadyResolved rejects submissions arriving after resolution.
	// The rejection has no side effect on the settled result.
	ErrTaskAlreadyResolved = errors.New("task already resolved")
	// ErrTaskNotCancelable rejects cancellation once validator work has begun.
	ErrTaskNotCancelable = errors.New("task not cancelable after submissions began")
	// ErrDuplicateSubmission enforces at most one verdict per (task, validator).
	ErrDuplicateSubmission = errors.New("validator already submitted for this task")
	// ErrNotAssigned rejects verdicts from wallets outside the assigned set.
	ErrNotAssigned = errors.New("validator not assigned to this task")
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Graph      *graph.Graph
	Classifier classify.Classifier
	Expander   expand.Expander
	Matcher    match.Matcher
	Ledger     ledger.Ledger
	Log        *zap.Logger
	Now        func() time.Time

	taskLocks lockTable
}

// New wires an engine from its collaborators. The template graph is loaded
// and validated here; a malformed graph aborts initialization.
func New(db *sql.DB, cfg *config.Config, led ledger.Ledger, log *zap.Logger) (*Engine, error) {
	g, err := graph.Load(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Graph:      g,
		Classifier: classify.NewKeyword(),
		Expander:   expand.New(cfg, log),
		Matcher:    match.New(cfg.Matching.ReputationRatio, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Ledger:     led,
		Log:        log,
		Now:        time.Now,
	}
	// The expander reads the clock through the engine so an injected Now
	// covers both. Wired once here; Engine fields are read-only after New.
	e.Expander.Now = e.now
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockTable hands out one mutex per task id so concurrent submissions for
// the same task serialize while different tasks proceed in parallel.
// Entries are refcounted and dropped once the last holder releases, so the
// table only ever holds in-flight task ids.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	sync.Mutex
	refs int
}

func (lt *lockTable) lock(id string) *taskLock {
	lt.mu.Lock()
	if lt.locks == nil {
		lt.locks = map[string]*taskLock{}
	}
	l, ok := lt.locks[id]
	if !ok {
		l = &taskLock{}
		lt.locks[id] = l
	}
	l.refs++
	lt.mu.Unlock()
	l.Lock()
	return l
}

func (lt *lockTable) unlock(id string, l *taskLock) {
	l.Unlock()
	lt.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(lt.locks, id)
	}
	lt.mu.Unlock()
}

func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}

// SubmitClaim validates and classifies the claim,
// activates templates, expands tasks and persists the lot. Template
// expansion failures shrink the task list instead of aborting the claim.
func (e *Engine) SubmitClaim(ctx context.Context, text, authorID string) (domain.Claim, []domain.Task, error) {
	result, err := e.Classifier.Classify(text)
	if err != nil {
		return domain.Claim{}, nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	claim := domain.Claim{
		ID:          uuid.New().String(),
		Text:        text,
		AuthorID:    authorID,
		Status:      domain.ClaimClassified,
		Dimensions:  result.Dimensions,
		RedFlags:    result.RedFlags,
		Ambiguities: result.Ambiguities,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	activated := e.Graph.Activate(claim.Dimensions)
	tasks, err := e.Expander.Expand(claim, activated)
	if err != nil {
		return domain.Claim{}, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertClaim(ctx, tx, claim); err != nil {
		return domain.Claim{}, nil, fmt.Errorf("insert claim: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "claim.classified", claim.ID, "claim", claim.ID, authorID, events.EventPayload{
		"dimensions": claim.Dimensions,
		"red_flags":  claim.RedFlags,
	}); err != nil {
		return domain.Claim{}, nil, err
	}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Claim{}, nil, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if err := e.Events.Append(ctx, tx, "task.generated", claim.ID, "task", t.ID, authorID, events.EventPayload{
			"template_id":    t.TemplateID,
			"min_validators": t.MinValidators,
		}); err != nil {
			return domain.Claim{}, nil, err
		}
	}
	claim.Status = domain.ClaimTasksGenerated
	claim.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateClaimStatus(ctx, tx, claim.ID, claim.Status, claim.UpdatedAt); err != nil {
		return domain.Claim{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, nil, err
	}
	e.Log.Info("claim expanded",
		zap.String("claim_id", claim.ID),
		zap.Int("templates_activated", len(activated)),
		zap.Int("tasks_generated", len(tasks)))
	return claim, tasks, nil
}

// AssignTask runs the validator matcher for one pending task. On
// ErrInsufficientValidators the task stays pending and can be retried once
// the pool grows.
func (e *Engine) AssignTask(ctx context.Context, taskID string) (domain.Task, error) {
	l := e.taskLocks.lock(taskID)
	defer e.taskLocks.unlock(taskID, l)

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPending {
		return t, fmt.Errorf("task %s is %s, not pending", taskID, t.Status)
	}
	claim, err := e.Repo.GetClaim(ctx, t.ClaimID)
	if err != nil {
		return t, err
	}
	pool, err := e.Repo.ListValidators(ctx)
	if err != nil {
		return t, err
	}
	selected, err := e.Matcher.Select(t, pool, claim.AuthorID)
	if err != nil {
		return t, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.AddAssignments(ctx, tx, taskID, selected, now); err != nil {
		return t, err
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskAssigned, now, nil); err != nil {
		return t, err
	}
	if claim.Status == domain.ClaimTasksGenerated {
		if err := e.Repo.UpdateClaimStatus(ctx, tx, claim.ID, domain.ClaimInProgress, now); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", t.ClaimID, "task", taskID, "matcher", events.EventPayload{
		"validators": selected,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskAssigned
	t.AssignedTo = selected
	t.UpdatedAt = now
	return t, nil
}

// SubmitVerification records one validator's verdict. The per-task mutex
// plus the write transaction guarantee that the resolution threshold is
// checked atomically against the submission count, so resolution fires
// exactly once. Returns the consensus result once resolved, nil while the
// task is still collecting verdicts.
func (e *Engine) SubmitVerification(ctx context.Context, taskID, wallet string, outcome bool, evidenceRef string) (*domain.ConsensusResult, error) {
	l := e.taskLocks.lock(taskID)
	defer e.taskLocks.unlock(taskID, l)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskResolved:
		return nil, ErrTaskAlreadyResolved
	case domain.TaskCanceled:
		return nil, fmt.Errorf("task %s is canceled", taskID)
	case domain.TaskPending:
		return nil, fmt.Errorf("task %s has no assigned validators", taskID)
	}
	if !contains(t.AssignedTo, wallet) {
		return nil, ErrNotAssigned
	}
	if dup, err := e.Repo.HasSubmission(ctx, tx, taskID, wallet); err != nil {
		return nil, err
	} else if dup {
		return nil, ErrDuplicateSubmission
	}

	now := e.now().UTC().Format(time.RFC3339)
	sub := domain.Submission{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Wallet:      wallet,
		Outcome:     outcome,
		EvidenceRef: evidenceRef,
		TS:          now,
	}
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.received", t.ClaimID, "task", taskID, wallet, events.EventPayload{
		"outcome": outcome,
	}); err != nil {
		return nil, err
	}

	subs, err := e.Repo.ListSubmissions(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	if len(subs) < t.MinValidators {
		if t.Status == domain.TaskAssigned {
			if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskSubmitting, now, nil); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	result, err := e.resolve(ctx, tx, t, subs, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Ledger hand-off happens after the local commit so a ledger outage
	// never loses the resolution; RetrySettlements re-drives it.
	e.recordSettlement(ctx, t, *result, subs)
	final, err := e.Repo.GetConsensusResult(ctx, taskID)
	if err != nil {
		return result, nil
	}
	return &final, nil
}

// resolve computes the majority outcome and applies reputation settlement
// inside the caller's transaction. Ties resolve to fail: ties do not earn
// trust.
func (e *Engine) resolve(ctx context.Context, tx *sql.Tx, t domain.Task, subs []domain.Submission, now string) (*domain.ConsensusResult, error) {
	passes := 0
	for _, s := range subs {
		if s.Outcome {
			passes++
		}
	}
	outcome := passes*2 > len(subs)

	result := domain.ConsensusResult{
		TaskID:     t.ID,
		Outcome:    outcome,
		Deltas:     map[string]int{},
		ResolvedAt: now,
	}
	for _, s := range subs {
		if s.Outcome == outcome {
			result.Agreeing = append(result.Agreeing, s.Wallet)
			result.Deltas[s.Wallet] = e.Config.Consensus.Reward
		} else {
			result.Disagreeing = append(result.Disagreeing, s.Wallet)
			result.Deltas[s.Wallet] = -e.Config.Consensus.Penalty
		}
	}
	for wallet, delta := range result.Deltas {
		if err := e.Repo.ApplyReputationDelta(ctx, tx, wallet, delta); err != nil {
			return nil, fmt.Errorf("apply delta for %s: %w", wallet, err)
		}
	}
	if err := e.Repo.InsertConsensusResult(ctx, tx, result); err != nil {
		return nil, fmt.Errorf("insert consensus result: %w", err)
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.TaskResolved, now, &now); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.resolved", t.ClaimID, "task", t.ID, "consensus", events.EventPayload{
		"outcome":     outcome,
		"agreeing":    result.Agreeing,
		"disagreeing": result.Disagreeing,
	}); err != nil {
		return nil, err
	}
	if err := e.maybeResolveClaim(ctx, tx, t.ClaimID, t.ID, now); err != nil {
		return nil, err
	}
	return &result, nil
}

// maybeResolveClaim flips the claim to resolved once no task remains open.
func (e *Engine) maybeResolveClaim(ctx context.Context, tx *sql.Tx, claimID, justResolved, now string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM tasks WHERE claim_id=?`, claimID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return err
		}
		if id == justResolved {
			continue
		}
		if status != domain.TaskResolved && status != domain.TaskCanceled {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return e.Repo.UpdateClaimStatus(ctx, tx, claimID, domain.ClaimResolved, now)
}

// recordSettlement hands the resolved task to the external ledger. The
// ledger is idempotent per task id, so retries after transient failures
// never double-apply a delta.
func (e *Engine) recordSettlement(ctx context.Context, t domain.Task, result domain.ConsensusResult, subs []domain.Submission) {
	proofs := make([]ledger.ProofRecord, 0, len(subs))
	for _, s := range subs {
		proofs = append(proofs, ledger.ProofRecord{
			TaskID:       t.ID,
			Wallet:       s.Wallet,
			EvidenceHash: s.EvidenceRef,
			Outcome:      s.Outcome,
			Delta:        result.Deltas[s.Wallet],
		})
	}
	if _, err := e.Ledger.RecordSettlement(ledger.Settlement{TaskID: t.ID, Outcome: result.Outcome, Proofs: proofs}); err != nil {
		e.Log.Error("ledger settlement failed; will retry",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if err := e.Repo.MarkLedgerRecorded(ctx, t.ID); err != nil {
		e.Log.Error("mark ledger recorded", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// RetrySettlements re-drives every resolved task whose settlement has not
// been durably recorded in the ledger. Safe to call repeatedly.
func (e *Engine) RetrySettlements(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListUnrecordedSettlements(ctx)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, id := range ids {
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return retried, err
		}
		result, err := e.Repo.GetConsensusResult(ctx, id)
		if err != nil {
			return retried, err
		}
		tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return retried, err
		}
		subs, err := e.Repo.ListSubmissions(ctx, tx, id)
		tx.Rollback()
		if err != nil {
			return retried, err
		}
		e.recordSettlement(ctx, t, result, subs)
		retried++
	}
	return retried, nil
}

// CancelTask abandons a task, allowed only while pending or assigned.
func (e *Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	l := e.taskLocks.lock(taskID)
	defer e.taskLocks.unlock(taskID, l)

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskAssigned {
		return t, ErrTaskNotCancelable
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.TaskCanceled, now, nil); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.canceled", t.ClaimID, "task", taskID, actorID, events.EventPayload{
		"from_status": t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskCanceled
	t.UpdatedAt = now
	return t, nil
}

// RegisterValidator creates the working validator record and registers the
// wallet with the external ledger.
func (e *Engine) RegisterValidator(ctx context.Context, wallet string, skills []string) (domain.Validator, error) {
	for _, s := range skills {
		if !e.Config.KnownSkill(s) {
			return domain.Validator{}, fmt.Errorf("unknown skill %q", s)
		}
	}
	v := domain.Validator{
		Wallet:       wallet,
		Reputation:   0,
		Skills:       skills,
		Active:       true,
		RegisteredAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertValidator(ctx, v); err != nil {
		return domain.Validator{}, fmt.Errorf("insert validator: %w", err)
	}
	if err := e.Ledger.RegisterValidator(wallet); err != nil && !errors.Is(err, ledger.ErrAlreadyRegistered) {
		return domain.Validator{}, fmt.Errorf("ledger register: %w", err)
	}
	return v, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
