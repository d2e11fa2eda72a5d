package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════
// EVENT LOG
// ═══════════════════════════════════════════════════════════════════════════

// LogEvent writes an entry to the event log. Failures are logged, not
// returned: the audit trail never blocks the action it records.
func (s *Store) LogEvent(ctx context.Context, category, level, actor, hostID, action, message string, details map[string]any) {
	var detailsJSON sql.NullString
	if details != nil {
		data, err := json.Marshal(details)
		if err == nil {
			detailsJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (timestamp, category, level, actor, host_id, action, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ms(s.now()), category, level, nullString(actor), nullString(hostID), nullString(action), message, detailsJSON)
	if err != nil {
		s.log.Error().Err(err).Str("category", category).Str("action", action).Msg("failed to log event")
	}
}

// RecentEvents returns the newest events, optionally filtered by host.
func (s *Store) RecentEvents(ctx context.Context, hostID string, limit int) ([]*Event, error) {
	query := `SELECT id, timestamp, category, level, actor, host_id, action, message, details FROM event_log`
	var args []any
	if hostID != "" {
		query += ` WHERE host_id = ?`
		args = append(args, hostID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			actor   sql.NullString
			host    sql.NullString
			action  sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Level, &actor, &host, &action, &e.Message, &details); err != nil {
			return nil, err
		}
		e.Timestamp = fromMS(ts)
		e.Actor = actor.String
		e.HostID = host.String
		e.Action = action.String
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
