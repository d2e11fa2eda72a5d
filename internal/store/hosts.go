package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
)

const hostColumns = `id, name, owner, region, status, last_seen, metadata, deleted, created_at`

func scanHost(row scanner) (*Host, error) {
	var (
		h         Host
		status    string
		lastSeen  sql.NullInt64
		metadata  string
		deleted   sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Owner, &h.Region, &status, &lastSeen, &metadata, &deleted, &createdAt); err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if lastSeen.Valid {
		h.LastSeen = fromMS(lastSeen.Int64)
	}
	h.Deleted = timePtr(deleted)
	h.CreatedAt = fromMS(createdAt)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &h.Metadata); err != nil {
			return nil, fmt.Errorf("decode host %s metadata: %w", h.ID, err)
		}
	}
	return &h, nil
}

// CreateHost inserts a host record.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.Status == "" {
		h.Status = HostOff
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	if h.Metadata.Owner == "" {
		h.Metadata.Owner = h.Owner
	}
	meta, err := json.Marshal(h.Metadata)
	if err != nil {
		return fmt.Errorf("encode host metadata: %w", err)
	}
	var lastSeen sql.NullInt64
	if !h.LastSeen.IsZero() {
		lastSeen = sql.NullInt64{Int64: ms(h.LastSeen), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, name, owner, region, status, last_seen, metadata, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Name, h.Owner, h.Region, string(h.Status), lastSeen, string(meta), nullMS(h.Deleted), ms(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

// GetHost returns a host by ID, including soft-deleted ones.
// Callers decide what a deleted host means for them.
func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id)
	h, err := scanHost(row)
	if err != nil {
		return nil, notFound(err, "host", id)
	}
	return h, nil
}

// ListReachableHosts returns non-deleted hosts that are reachable at now,
// ordered by ID. Hosts in exclude are skipped.
func (s *Store) ListReachableHosts(ctx context.Context, now time.Time, ttl time.Duration, exclude ...string) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+` FROM hosts
		WHERE deleted IS NULL
		  AND status IN ('running', 'starting', 'restarting', 'error')
		  AND last_seen IS NOT NULL AND last_seen >= ?
		ORDER BY id
	`, ms(now.Add(-ttl)))
	if err != nil {
		return nil, fmt.Errorf("query reachable hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		if skip[h.ID] {
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// SetHostStatus writes status if the current status is one of from (any
// when from is empty). Returns false when the host is deleted or in a
// state outside from.
func (s *Store) SetHostStatus(ctx context.Context, id string, status HostStatus, from ...HostStatus) (bool, error) {
	query := `UPDATE hosts SET status = ? WHERE id = ? AND deleted IS NULL`
	args := []any{string(status), id}
	if len(from) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
		for _, f := range from {
			args = append(args, string(f))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set host status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchHost records a heartbeat.
func (s *Store) TouchHost(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_seen = ? WHERE id = ? AND deleted IS NULL`, ms(at), id)
	if err != nil {
		return fmt.Errorf("touch host: %w", err)
	}
	return nil
}

// SoftDeleteHost marks a host deleted. Deleting twice keeps the first
// timestamp.
func (s *Store) SoftDeleteHost(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET deleted = ?, status = 'off'
		WHERE id = ? AND deleted IS NULL
	`, ms(at), id)
	if err != nil {
		return fmt.Errorf("soft delete host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetHost(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// FindConnectorHosts returns the non-deleted hosts a connector manages:
// the host bound at pairing time, plus self-hosts whose region is the
// connector ID and whose owner matches the connector's account.
func (s *Store) FindConnectorHosts(ctx context.Context, c *Connector) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+` FROM hosts
		WHERE deleted IS NULL
		  AND (id = ? OR (region = ? AND json_extract(metadata, '$.owner') = ?))
		ORDER BY id
	`, c.HostID, c.ID, c.AccountID)
	if err != nil {
		return nil, fmt.Errorf("query connector hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════
// AUTO-START FLAG
// ═══════════════════════════════════════════════════════════════════════════

// MarkAutoStart sets the auto-start-pending flag on a self-host.
func (s *Store) MarkAutoStart(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts
		SET metadata = json_set(metadata,
			'$.self_host.auto_start_pending', json('true'),
			'$.self_host.auto_start_queued_at', ?)
		WHERE id = ? AND deleted IS NULL
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark auto start: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %s: %w", id, ops.ErrNotFound)
	}
	return nil
}

// ClaimAutoStart consumes the auto-start flag of an off host in one
// conditional update: the flag is cleared, auto_start_queued_at stamped,
// bootstrap dropped and status set to starting. Exactly one concurrent
// caller gets true.
func (s *Store) ClaimAutoStart(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts
		SET status = 'starting',
			metadata = json_remove(
				json_set(metadata,
					'$.self_host.auto_start_pending', json('false'),
					'$.self_host.auto_start_queued_at', ?),
				'$.bootstrap')
		WHERE id = ? AND deleted IS NULL AND status = 'off'
		  AND json_extract(metadata, '$.self_host.auto_start_pending') = 1
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("claim auto start: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RestoreAutoStart undoes a claim whose start command could not be queued,
// so a later poll retries. Only applies while the host is still starting.
func (s *Store) RestoreAutoStart(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hosts
		SET status = 'off',
			metadata = json_set(metadata, '$.self_host.auto_start_pending', json('true'))
		WHERE id = ? AND deleted IS NULL AND status = 'starting'
	`, id)
	if err != nil {
		return fmt.Errorf("restore auto start: %w", err)
	}
	return nil
}
