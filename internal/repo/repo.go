package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"veritrust/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- claims ---

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	dims, err := json.Marshal(c.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimensions: %w", err)
	}
	flags, err := marshalStringSlice(c.RedFlags)
	if err != nil {
		return err
	}
	ambs, err := marshalStringSlice(c.Ambiguities)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO claims(id,text,author_id,status,dimensions_json,red_flags_json,ambiguities_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Text, c.AuthorID, c.Status, string(dims), flags, ambs, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,text,author_id,status,dimensions_json,red_flags_json,ambiguities_json,created_at,updated_at FROM claims WHERE id=?`, id)
	var c domain.Claim
	var dims string
	var flags, ambs sql.NullString
	err := row.Scan(&c.ID, &c.Text, &c.AuthorID, &c.Status, &dims, &flags, &ambs, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(dims), &c.Dimensions); err != nil {
		return c, fmt.Errorf("decode dimensions for claim %s: %w", id, err)
	}
	if c.RedFlags, err = unmarshalNullSlice(flags); err != nil {
		return c, err
	}
	if c.Ambiguities, err = unmarshalNullSlice(ambs); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) ListClaims(ctx context.Context) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM claims ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	claims := make([]domain.Claim, 0, len(ids))
	for _, id := range ids {
		c, err := r.GetClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, nil
}

func (r Repo) UpdateClaimStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	skills, err := json.Marshal(t.RequiredSkills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,claim_id,template_id,description,status,min_validators,estimated_minutes,required_skills_json,parameters_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ClaimID, t.TemplateID, t.Description, t.Status, t.MinValidators, t.EstimatedMinutes, string(skills), t.ParametersJSON, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var skills string
	var params, resolvedAt sql.NullString
	err := row.Scan(&t.ID, &t.ClaimID, &t.TemplateID, &t.Description, &t.Status, &t.MinValidators, &t.EstimatedMinutes, &skills, &params, &t.CreatedAt, &t.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(skills), &t.RequiredSkills); err != nil {
		return t, fmt.Errorf("decode skills for task %s: %w", t.ID, err)
	}
	if params.Valid {
		t.ParametersJSON = &params.String
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.String
	}
	return t, nil
}

const taskColumns = `id,claim_id,template_id,description,status,min_validators,estimated_minutes,required_skills_json,parameters_json,created_at,updated_at,resolved_at`

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.AssignedTo, err = r.ListAssignees(ctx, id)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.AssignedTo, err = listAssignees(ctx, tx, id)
	return t, err
}

func (r Repo) ListTasksByClaim(ctx context.Context, claimID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE claim_id=? ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r Repo) ListTasksByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE status=? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, resolvedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, resolved_at=COALESCE(?, resolved_at) WHERE id=?`, status, updatedAt, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- assignments ---

func (r Repo) AddAssignments(ctx context.Context, tx *sql.Tx, taskID string, wallets []string, assignedAt string) error {
	for _, w := range wallets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments(task_id,wallet,assigned_at) VALUES (?,?,?)`, taskID, w, assignedAt); err != nil {
			return fmt.Errorf("assign %s to task %s: %w", w, taskID, err)
		}
	}
	return nil
}

func (r Repo) ListAssignees(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT wallet FROM assignments WHERE task_id=? ORDER BY wallet`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func listAssignees(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT wallet FROM assignments WHERE task_id=? ORDER BY wallet`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// --- validators ---

func (r Repo) InsertValidator(ctx context.Context, v domain.Validator) error {
	skills, err := json.Marshal(v.Skills)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO validators(wallet,reputation,skills_json,active,total_completed,registered_at) VALUES (?,?,?,?,?,?)`,
		v.Wallet, v.Reputation, string(skills), boolToInt(v.Active), v.TotalCompleted, v.RegisteredAt)
	return err
}

func scanValidator(scan func(dest ...any) error) (domain.Validator, error) {
	var v domain.Validator
	var skills string
	var active int
	err := scan(&v.Wallet, &v.Reputation, &skills, &active, &v.TotalCompleted, &v.RegisteredAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Active = active != 0
	if err := json.Unmarshal([]byte(skills), &v.Skills); err != nil {
		return v, fmt.Errorf("decode skills for validator %s: %w", v.Wallet, err)
	}
	return v, nil
}

const validatorColumns = `wallet,reputation,skills_json,active,total_completed,registered_at`

func (r Repo) GetValidator(ctx context.Context, wallet string) (domain.Validator, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validatorColumns+` FROM validators WHERE wallet=?`, wallet)
	return scanValidator(row.Scan)
}

func (r Repo) ListValidators(ctx context.Context) ([]domain.Validator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+validatorColumns+` FROM validators ORDER BY wallet`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validator
	for rows.Next() {
		v, err := scanValidator(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) SetValidatorActive(ctx context.Context, wallet string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE validators SET active=? WHERE wallet=?`, boolToInt(active), wallet)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyReputationDelta adjusts reputation inside the settlement transaction,
// flooring at zero. Only the consensus settlement path calls this.
func (r Repo) ApplyReputationDelta(ctx context.Context, tx *sql.Tx, wallet string, delta int) error {
	res, err := tx.ExecContext(ctx, `UPDATE validators SET reputation=MAX(0, reputation + ?), total_completed=total_completed+1 WHERE wallet=?`, delta, wallet)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- submissions ---

var ErrDuplicate = errors.New("duplicate")

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,task_id,wallet,outcome,evidence_ref,ts) VALUES (?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Wallet, boolToInt(s.Outcome), s.EvidenceRef, s.TS)
	return err
}

func (r Repo) ListSubmissions(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Submission, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,task_id,wallet,outcome,evidence_ref,ts FROM submissions WHERE task_id=? ORDER BY ts, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		var outcome int
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Wallet, &outcome, &s.EvidenceRef, &s.TS); err != nil {
			return nil, err
		}
		s.Outcome = outcome != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) HasSubmission(ctx context.Context, tx *sql.Tx, taskID, wallet string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE task_id=? AND wallet=? LIMIT 1`, taskID, wallet).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- consensus results ---

func (r Repo) InsertConsensusResult(ctx context.Context, tx *sql.Tx, cr domain.ConsensusResult) error {
	agree, err := json.Marshal(cr.Agreeing)
	if err != nil {
		return err
	}
	disagree, err := json.Marshal(cr.Disagreeing)
	if err != nil {
		return err
	}
	deltas, err := json.Marshal(cr.Deltas)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO consensus_results(task_id,outcome,agreeing_json,disagreeing_json,deltas_json,resolved_at,ledger_recorded)
VALUES (?,?,?,?,?,?,?)`,
		cr.TaskID, boolToInt(cr.Outcome), string(agree), string(disagree), string(deltas), cr.ResolvedAt, boolToInt(cr.LedgerRecorded))
	return err
}

func (r Repo) GetConsensusResult(ctx context.Context, taskID string) (domain.ConsensusResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT task_id,outcome,agreeing_json,disagreeing_json,deltas_json,resolved_at,ledger_recorded FROM consensus_results WHERE task_id=?`, taskID)
	var cr domain.ConsensusResult
	var outcome, recorded int
	var agree, disagree, deltas string
	err := row.Scan(&cr.TaskID, &outcome, &agree, &disagree, &deltas, &cr.ResolvedAt, &recorded)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	if err != nil {
		return cr, err
	}
	cr.Outcome = outcome != 0
	cr.LedgerRecorded = recorded != 0
	if err := json.Unmarshal([]byte(agree), &cr.Agreeing); err != nil {
		return cr, err
	}
	if err := json.Unmarshal([]byte(disagree), &cr.Disagreeing); err != nil {
		return cr, err
	}
	if err := json.Unmarshal([]byte(deltas), &cr.Deltas); err != nil {
		return cr, err
	}
	return cr, nil
}

func (r Repo) MarkLedgerRecorded(ctx context.Context, taskID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE consensus_results SET ledger_recorded=1 WHERE task_id=?`, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUnrecordedSettlements(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM consensus_results WHERE ledger_recorded=0 ORDER BY resolved_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, claimID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(claim_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var clauses []string
	var args []any
	if claimID != "" {
		clauses = append(clauses, "claim_id=?")
		args = append(args, claimID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ClaimID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalNullSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
