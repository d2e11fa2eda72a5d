package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
)

const (
	// SessionCookie carries the operator session ID.
	SessionCookie = "fleethub_session"
	// SessionHeader is accepted for API clients without cookies.
	SessionHeader = "X-Session-Token"
)

// SessionStore is the subset of the store used for sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string, now time.Time) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Sessions resolves operator sessions created by the login flow.
type Sessions struct {
	store    SessionStore
	duration time.Duration
	now      func() time.Time
}

// NewSessions creates a session resolver.
func NewSessions(st SessionStore, duration time.Duration) *Sessions {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &Sessions{store: st, duration: duration, now: time.Now}
}

// SetClock overrides the time source (tests).
func (s *Sessions) SetClock(now func() time.Time) {
	s.now = now
}

// Create issues a session for an account. The login flow itself lives
// outside the hub; this is its hand-off point.
func (s *Sessions) Create(ctx context.Context, accountID string, admin bool) (*store.Session, error) {
	id, err := GenerateSecret(32)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &store.Session{
		ID:        id,
		AccountID: accountID,
		Admin:     admin,
		CreatedAt: now,
		ExpiresAt: now.Add(s.duration),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Resolve returns the actor behind a session ID.
func (s *Sessions) Resolve(ctx context.Context, id string) (*Actor, error) {
	if id == "" {
		return nil, ops.ErrUnauthorized
	}
	sess, err := s.store.GetSession(ctx, id, s.now())
	if errors.Is(err, ops.ErrNotFound) {
		// Expired or unknown. Drop it so retention has less to do.
		_ = s.store.DeleteSession(ctx, id)
		return nil, ops.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &Actor{AccountID: sess.AccountID, Admin: sess.Admin}, nil
}

// FromRequest resolves the session carried by the cookie or header.
func (s *Sessions) FromRequest(r *http.Request) (*Actor, error) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			id = cookie.Value
		}
	}
	return s.Resolve(r.Context(), id)
}
