package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"loopline/internal/domain"
)

type executionState struct {
	Phases []domain.PhaseRecord `json:"phases"`
	Gates  []domain.GateRecord  `json:"gates"`
}

const executionColumns = `id,loop_id,loop_version,loop_revision,snapshot_id,project,mode,autonomy,status,status_reason,current_phase,state_json,version,created_at,updated_at,completed_at,archived_at`

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	state, err := marshalState(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.LoopID, e.LoopVersion, e.LoopRevision, e.SnapshotID, e.Project, e.Mode, e.Autonomy, e.Status, nullable(e.StatusReason),
		e.CurrentPhase, state, e.Version, e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.CompletedAt), nullableStringPtr(e.ArchivedAt))
	return err
}

// UpdateExecution rewrites the execution row if its stored version still
// equals prevVersion. e.Version must already carry the new version.
func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, e domain.Execution, prevVersion int64) error {
	state, err := marshalState(e)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?,status_reason=?,current_phase=?,state_json=?,version=?,updated_at=?,completed_at=?,archived_at=? WHERE id=? AND version=?`,
		e.Status, nullable(e.StatusReason), e.CurrentPhase, state, e.Version, e.UpdatedAt, nullableStringPtr(e.CompletedAt), nullableStringPtr(e.ArchivedAt),
		e.ID, prevVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM executions WHERE id=?`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e                       domain.Execution
		reason                  sql.NullString
		state                   string
		completedAt, archivedAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.LoopID, &e.LoopVersion, &e.LoopRevision, &e.SnapshotID, &e.Project, &e.Mode, &e.Autonomy, &e.Status, &reason,
		&e.CurrentPhase, &state, &e.Version, &e.CreatedAt, &e.UpdatedAt, &completedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.StatusReason = reason.String
	e.CompletedAt = stringPtr(completedAt)
	e.ArchivedAt = stringPtr(archivedAt)
	var st executionState
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return e, fmt.Errorf("decode execution %s state: %w", e.ID, err)
	}
	e.Phases = st.Phases
	e.Gates = st.Gates
	if e.Gates == nil {
		e.Gates = []domain.GateRecord{}
	}
	return e, nil
}

func marshalState(e domain.Execution) (string, error) {
	gates := e.Gates
	if gates == nil {
		gates = []domain.GateRecord{}
	}
	data, err := json.Marshal(executionState{Phases: e.Phases, Gates: gates})
	if err != nil {
		return "", fmt.Errorf("marshal execution state: %w", err)
	}
	return string(data), nil
}

type ExecutionFilters struct {
	Project         string
	LoopID          string
	Status          string
	IncludeArchived bool
	Limit           int
	// Cursor pagination on (created_at, id), newest first.
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if f.LoopID != "" {
		clauses = append(clauses, "loop_id=?")
		args = append(args, f.LoopID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
