package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/markus-barta/fleethub/internal/ops"
)

const opColumns = `id, kind, scope_type, scope_id, created_by, routing, input, status, result, error, error_code, progress, created_at, updated_at`

func scanOp(row scanner) (*ops.Op, error) {
	var (
		op        ops.Op
		kind      string
		scopeType string
		createdBy sql.NullString
		routing   sql.NullString
		input     sql.NullString
		status    string
		result    sql.NullString
		errMsg    sql.NullString
		errCode   sql.NullString
		progress  sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&op.ID, &kind, &scopeType, &op.ScopeID, &createdBy, &routing, &input,
		&status, &result, &errMsg, &errCode, &progress, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	op.Kind = ops.Kind(kind)
	op.ScopeType = ops.ScopeType(scopeType)
	op.CreatedBy = createdBy.String
	op.Routing = routing.String
	op.Input = rawJSON(input)
	op.Status = ops.Status(status)
	op.Result = rawJSON(result)
	op.Error = errMsg.String
	op.ErrorCode = errCode.String
	op.CreatedAt = fromMS(createdAt)
	op.UpdatedAt = fromMS(updatedAt)
	if progress.Valid && progress.String != "" {
		op.Progress = &ops.ProgressSummary{}
		if err := json.Unmarshal([]byte(progress.String), op.Progress); err != nil {
			return nil, fmt.Errorf("decode op %s progress: %w", op.ID, err)
		}
	}
	return &op, nil
}

func encodeProgress(p *ops.ProgressSummary) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode op progress: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateOp persists a new op.
func (s *Store) CreateOp(ctx context.Context, op *ops.Op) error {
	progress, err := encodeProgress(op.Progress)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ops (`+opColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Kind), string(op.ScopeType), op.ScopeID, nullString(op.CreatedBy), nullString(op.Routing),
		nullJSON(op.Input), string(op.Status), nullJSON(op.Result), nullString(op.Error), nullString(op.ErrorCode),
		progress, ms(op.CreatedAt), ms(op.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert op: %w", err)
	}
	return nil
}

// UpdateOp writes the mutable fields of op while the stored op is still
// queued or running. Returns false if the stored op already finished.
func (s *Store) UpdateOp(ctx context.Context, op *ops.Op) (bool, error) {
	progress, err := encodeProgress(op.Progress)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ops
		SET status = ?, result = ?, error = ?, error_code = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, string(op.Status), nullJSON(op.Result), nullString(op.Error), nullString(op.ErrorCode), progress,
		ms(op.UpdatedAt), op.ID)
	if err != nil {
		return false, fmt.Errorf("update op: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetOp returns an op by ID.
func (s *Store) GetOp(ctx context.Context, id string) (*ops.Op, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM ops WHERE id = ?`, id)
	op, err := scanOp(row)
	if err != nil {
		return nil, notFound(err, "op", id)
	}
	return op, nil
}

// ListOps returns the newest ops for a scope.
func (s *Store) ListOps(ctx context.Context, scopeType ops.ScopeType, scopeID string, limit int) ([]*ops.Op, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM ops
		WHERE scope_type = ? AND scope_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, string(scopeType), scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*ops.Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, op)
	}
	return list, rows.Err()
}
