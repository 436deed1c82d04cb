package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"loopline/internal/domain"
)

// LoopSnapshot pins the structure and guarantee map an execution was created
// against. The id is derived from content, so revision counters may restart
// without two different shapes sharing an id.
type LoopSnapshot struct {
	ID               string
	LoopID           string
	Revision         int64
	Version          string
	Loop             domain.Loop
	Guarantees       *domain.GuaranteeMap
	AggregationError string
	CreatedAt        string
}

// NewLoopSnapshot builds a snapshot record. gm is nil when aggregation failed.
func NewLoopSnapshot(loop domain.Loop, gm *domain.GuaranteeMap, aggErr error, createdAt string) (LoopSnapshot, error) {
	s := LoopSnapshot{
		LoopID:     loop.ID,
		Revision:   loop.Revision,
		Version:    loop.Version,
		Loop:       loop.Clone(),
		Guarantees: gm,
		CreatedAt:  createdAt,
	}
	if aggErr != nil {
		s.AggregationError = aggErr.Error()
		s.Guarantees = nil
	}

	shape := loop.Clone()
	shape.Revision, shape.CreatedAt, shape.UpdatedAt = 0, "", ""
	h := sha256.New()
	enc := json.NewEncoder(h)
	if err := enc.Encode(shape); err != nil {
		return LoopSnapshot{}, fmt.Errorf("hash loop %s: %w", loop.ID, err)
	}
	if s.Guarantees != nil {
		if err := enc.Encode(s.Guarantees.Guarantees); err != nil {
			return LoopSnapshot{}, fmt.Errorf("hash guarantees %s: %w", loop.ID, err)
		}
	}
	h.Write([]byte(s.AggregationError))
	s.ID = loop.ID + "@" + hex.EncodeToString(h.Sum(nil))[:16]
	return s, nil
}

// InsertSnapshot stores s unless an identical snapshot already exists.
func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s LoopSnapshot) error {
	loopJSON, err := json.Marshal(s.Loop)
	if err != nil {
		return fmt.Errorf("marshal loop: %w", err)
	}
	var gmJSON any
	if s.Guarantees != nil {
		data, err := json.Marshal(s.Guarantees)
		if err != nil {
			return fmt.Errorf("marshal guarantees: %w", err)
		}
		gmJSON = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO loop_snapshots(id,loop_id,revision,version,loop_json,guarantees_json,aggregation_error,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.LoopID, s.Revision, s.Version, string(loopJSON), gmJSON, nullable(s.AggregationError), s.CreatedAt)
	return err
}

func (r Repo) GetSnapshot(ctx context.Context, id string) (LoopSnapshot, error) {
	return getSnapshot(ctx, r.DB, id)
}

func (r Repo) GetSnapshotTx(ctx context.Context, tx *sql.Tx, id string) (LoopSnapshot, error) {
	return getSnapshot(ctx, tx, id)
}

func getSnapshot(ctx context.Context, q querier, id string) (LoopSnapshot, error) {
	var (
		s        LoopSnapshot
		loopJSON string
		gmJSON   sql.NullString
		aggErr   sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT id,loop_id,revision,version,loop_json,guarantees_json,aggregation_error,created_at FROM loop_snapshots WHERE id=?`, id).
		Scan(&s.ID, &s.LoopID, &s.Revision, &s.Version, &loopJSON, &gmJSON, &aggErr, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(loopJSON), &s.Loop); err != nil {
		return s, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if gmJSON.Valid {
		var gm domain.GuaranteeMap
		if err := json.Unmarshal([]byte(gmJSON.String), &gm); err != nil {
			return s, fmt.Errorf("decode snapshot %s guarantees: %w", id, err)
		}
		s.Guarantees = &gm
	}
	s.AggregationError = aggErr.String
	return s, nil
}
