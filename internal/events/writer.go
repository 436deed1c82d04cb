package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"loopline/internal/domain"
)

// Writer appends rows to the events table inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event and returns it as a log entry carrying its sequence number.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, executionID, entityKind, entityID, actorID string, payload EventPayload) (domain.LogEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,execution_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(executionID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.LogEntry{}, err
	}
	return domain.LogEntry{
		Seq:        seq,
		TS:         ts,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
