// Package events appends pipeline events (claim.classified, task.assigned,
// submission.received, task.resolved, ...) inside the caller's transaction,
// so an event only becomes visible if its state change commits.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, claimID, entityKind, entityID, actorID string, payload EventPayload) error {
	if evtType == "" || entityKind == "" {
		return fmt.Errorf("event needs a type and entity kind (got %q, %q)", evtType, entityKind)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,claim_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(claimID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
