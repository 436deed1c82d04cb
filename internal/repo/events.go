package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"loopline/internal/domain"
)

// ExecutionLogs returns events of one execution with seq > after in ascending order.
func (r Repo) ExecutionLogs(ctx context.Context, executionID string, after int64, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE execution_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		executionID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var (
			e        domain.LogEntry
			entityID sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.Seq, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestLogSeq returns the highest event id recorded for an execution.
func (r Repo) LatestLogSeq(ctx context.Context, executionID string) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE execution_id=?`, executionID).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
