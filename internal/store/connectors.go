package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
)

const connectorColumns = `id, account_id, host_id, name, version, credential_hash, revoked, created_at, last_poll`

func scanConnector(row scanner) (*Connector, error) {
	var (
		c         Connector
		hostID    sql.NullString
		name      sql.NullString
		version   sql.NullString
		revoked   int
		createdAt int64
		lastPoll  sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.AccountID, &hostID, &name, &version, &c.CredentialHash, &revoked, &createdAt, &lastPoll); err != nil {
		return nil, err
	}
	c.HostID = hostID.String
	c.Name = name.String
	c.Version = version.String
	c.Revoked = revoked != 0
	c.CreatedAt = fromMS(createdAt)
	c.LastPoll = timePtr(lastPoll)
	return &c, nil
}

// GetConnector returns a connector by ID, revoked or not.
func (s *Store) GetConnector(ctx context.Context, id string) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectorColumns+` FROM connectors WHERE id = ?`, id)
	c, err := scanConnector(row)
	if err != nil {
		return nil, notFound(err, "connector", id)
	}
	return c, nil
}

// ConnectorForHost returns the newest non-revoked connector managing a host.
func (s *Store) ConnectorForHost(ctx context.Context, h *Host) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectorColumns+` FROM connectors
		WHERE revoked = 0
		  AND (host_id = ? OR (id = ? AND account_id = ?))
		ORDER BY created_at DESC
		LIMIT 1
	`, h.ID, h.Region, h.Metadata.Owner)
	c, err := scanConnector(row)
	if err != nil {
		return nil, notFound(err, "connector for host", h.ID)
	}
	return c, nil
}

// RevokeConnector marks a connector revoked. Revoking twice is a no-op.
func (s *Store) RevokeConnector(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE connectors SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connector %s: %w", id, ops.ErrNotFound)
	}
	return nil
}

// TouchConnector records a poll and refreshes last_seen on every host the
// connector manages.
func (s *Store) TouchConnector(ctx context.Context, c *Connector, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE connectors SET last_poll = ? WHERE id = ?`, ms(at), c.ID); err != nil {
		return fmt.Errorf("update connector poll: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE hosts SET last_seen = ?
		WHERE deleted IS NULL
		  AND (id = ? OR (region = ? AND json_extract(metadata, '$.owner') = ?))
	`, ms(at), c.HostID, c.ID, c.AccountID); err != nil {
		return fmt.Errorf("update host last_seen: %w", err)
	}
	return tx.Commit()
}

// ═══════════════════════════════════════════════════════════════════════════
// PAIRING TOKENS
// ═══════════════════════════════════════════════════════════════════════════

// CreatePairingToken stores a hashed pairing token.
func (s *Store) CreatePairingToken(ctx context.Context, t *PairingToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (token_hash, connector_id, account_id, host_id, expires, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.TokenHash, t.ConnectorID, t.AccountID, t.HostID, ms(t.Expires), ms(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert pairing token: %w", err)
	}
	return nil
}

// RedeemPairingToken marks the token redeemed and creates its connector in
// one transaction. The redeem is a conditional update, so a token pairs at
// most once even under concurrent redemption. c carries the credential
// hash and client metadata; its ID, account and host come from the token.
func (s *Store) RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, c *Connector) (*PairingToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		t         PairingToken
		expires   int64
		createdAt int64
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE pairing_tokens SET redeemed = ?
		WHERE token_hash = ? AND redeemed IS NULL AND expires > ?
		RETURNING token_hash, connector_id, account_id, host_id, expires, created_at
	`, ms(now), tokenHash, ms(now)).Scan(&t.TokenHash, &t.ConnectorID, &t.AccountID, &t.HostID, &expires, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pairing token unknown, expired or already used: %w", ops.ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("redeem pairing token: %w", err)
	}
	t.Expires = fromMS(expires)
	t.CreatedAt = fromMS(createdAt)
	redeemed := now
	t.Redeemed = &redeemed

	c.ID = t.ConnectorID
	c.AccountID = t.AccountID
	c.HostID = t.HostID
	c.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO connectors (id, account_id, host_id, name, version, credential_hash, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, c.ID, c.AccountID, nullString(c.HostID), nullString(c.Name), nullString(c.Version), c.CredentialHash, ms(now)); err != nil {
		return nil, fmt.Errorf("insert connector: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pairing: %w", err)
	}
	return &t, nil
}
