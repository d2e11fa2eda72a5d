package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const commandColumns = `id, connector_id, action, payload, state, result, error, requested_by, attempts, created_at, updated_at`

func scanCommand(row scanner) (*Command, error) {
	var (
		c           Command
		action      string
		payload     string
		state       string
		result      sql.NullString
		errMsg      sql.NullString
		requestedBy sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&c.ID, &c.ConnectorID, &action, &payload, &state, &result, &errMsg, &requestedBy, &c.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Action = Action(action)
	c.Payload = []byte(payload)
	c.State = CommandState(state)
	c.Result = rawJSON(result)
	c.Error = errMsg.String
	c.RequestedBy = requestedBy.String
	c.CreatedAt = fromMS(createdAt)
	c.UpdatedAt = fromMS(updatedAt)
	return &c, nil
}

// InsertCommand queues a command in pending state.
func (s *Store) InsertCommand(ctx context.Context, c *Command) error {
	c.State = CommandPending
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, connector_id, action, payload, state, requested_by, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, c.ID, c.ConnectorID, string(c.Action), payload, string(c.State), nullString(c.RequestedBy), ms(c.CreatedAt), ms(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommand returns a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err != nil {
		return nil, notFound(err, "command", id)
	}
	return c, nil
}

// LeaseNextCommand moves the oldest pending command of a connector to sent
// and returns it. Select and update are one statement, so two concurrent
// polls never lease the same command. Returns nil when nothing is pending.
func (s *Store) LeaseNextCommand(ctx context.Context, connectorID string, now time.Time) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE commands
		SET state = 'sent', updated_at = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM commands
			WHERE connector_id = ? AND state = 'pending'
			ORDER BY created_at, seq
			LIMIT 1
		) AND state = 'pending'
		RETURNING `+commandColumns, ms(now), connectorID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease command: %w", err)
	}
	return c, nil
}

// CompleteCommand finishes a sent command owned by connectorID. A late ack
// for a lease that was reclaimed back to pending still completes it, so a
// slow hook is not run twice. Returns nil when the command is foreign,
// unknown, never leased or already terminal.
func (s *Store) CompleteCommand(ctx context.Context, connectorID, commandID string, state CommandState, result []byte, errMsg string, now time.Time) (*Command, error) {
	if !state.IsTerminal() {
		return nil, fmt.Errorf("command state %q is not terminal", state)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE commands
		SET state = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND connector_id = ?
		  AND (state = 'sent' OR (state = 'pending' AND attempts > 0))
		RETURNING `+commandColumns,
		string(state), nullJSON(result), nullString(errMsg), ms(now), commandID, connectorID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("complete command: %w", err)
	}
	return c, nil
}

// ReclaimExpiredLeases returns sent commands whose lease started before
// cutoff to pending. An empty connectorID reclaims for every connector.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, connectorID string, cutoff, now time.Time) (int64, error) {
	query := `UPDATE commands SET state = 'pending', updated_at = ? WHERE state = 'sent' AND updated_at < ?`
	args := []any{ms(now), ms(cutoff)}
	if connectorID != "" {
		query += ` AND connector_id = ?`
		args = append(args, connectorID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	return res.RowsAffected()
}

// ListCommands returns the most recent commands of a connector.
func (s *Store) ListCommands(ctx context.Context, connectorID string, limit int) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE connector_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, connectorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}
