package store

import (
	"context"
	"fmt"
	"time"
)

// CreateSession stores an operator session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, admin, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.AccountID, boolInt(sess.Admin), ms(sess.CreatedAt), ms(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns an unexpired session.
func (s *Store) GetSession(ctx context.Context, id string, now time.Time) (*Session, error) {
	var (
		sess      Session
		admin     int
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, admin, created_at, expires_at
		FROM sessions WHERE id = ? AND expires_at > ?
	`, id, ms(now)).Scan(&sess.ID, &sess.AccountID, &admin, &createdAt, &expiresAt)
	if err != nil {
		return nil, notFound(err, "session", "")
	}
	sess.Admin = admin != 0
	sess.CreatedAt = fromMS(createdAt)
	sess.ExpiresAt = fromMS(expiresAt)
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}
