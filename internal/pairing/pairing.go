// Package pairing issues host-scoped pairing tokens and exchanges them for
// durable connector credentials.
package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is used when the caller does not ask for a lifetime.
	DefaultTTL = 15 * time.Minute
	// MaxTTL bounds any requested lifetime.
	MaxTTL = 24 * time.Hour
)

// Store is the subset of the store used for pairing.
type Store interface {
	GetHost(ctx context.Context, id string) (*store.Host, error)
	CreatePairingToken(ctx context.Context, t *store.PairingToken) error
	RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, c *store.Connector) (*store.PairingToken, error)
	LogEvent(ctx context.Context, category, level, actor, hostID, action, message string, details map[string]any)
}

// Token is the caller-facing result of IssueToken. The plaintext token is
// never stored.
type Token struct {
	Token       string    `json:"pairing_token"`
	Expires     time.Time `json:"expires"`
	ConnectorID string    `json:"connector_id"`
}

// ConnectorInfo is what a connector reports about itself when pairing.
type ConnectorInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Credential is handed to a connector exactly once.
type Credential struct {
	BearerCredential string `json:"bearer_credential"`
	ConnectorID      string `json:"connector_id"`
	HostID           string `json:"host_id"`
}

// Service issues and redeems pairing tokens.
type Service struct {
	log        zerolog.Logger
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService creates a pairing service. defaultTTL <= 0 selects DefaultTTL.
func NewService(log zerolog.Logger, st Store, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{
		log:        log.With().Str("component", "pairing").Logger(),
		store:      st,
		defaultTTL: min(defaultTTL, MaxTTL),
		now:        time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// IssueToken creates a single-use pairing token for a self-hosted host the
// actor manages. ttl <= 0 selects the default; longer lifetimes are clamped.
func (s *Service) IssueToken(ctx context.Context, actor auth.Actor, hostID string, ttl time.Duration) (*Token, error) {
	h, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if h.Deleted != nil {
		return nil, fmt.Errorf("host %s: %w", hostID, ops.ErrNotFound)
	}
	if !actor.CanManage(h.Owner) {
		return nil, ops.ErrNotAuthorized
	}
	if !h.IsSelfHost() {
		return nil, fmt.Errorf("host %s is not self-hosted: %w", hostID, ops.ErrInvalidRequest)
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ttl = min(ttl, MaxTTL)

	secret, err := auth.GenerateSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generate pairing token: %w", err)
	}
	now := s.now()
	pt := &store.PairingToken{
		TokenHash:   auth.HashToken(secret),
		ConnectorID: uuid.New().String(),
		AccountID:   h.Owner,
		HostID:      h.ID,
		Expires:     now.Add(ttl),
		CreatedAt:   now,
	}
	if err := s.store.CreatePairingToken(ctx, pt); err != nil {
		return nil, err
	}

	s.log.Info().Str("host", hostID).Str("connector", pt.ConnectorID).
		Dur("ttl", ttl).Msg("pairing token issued")
	return &Token{Token: secret, Expires: pt.Expires, ConnectorID: pt.ConnectorID}, nil
}

// Pair redeems a token. Unknown, expired and reused tokens all fail with
// ErrInvalidToken.
func (s *Service) Pair(ctx context.Context, token string, info ConnectorInfo) (*Credential, error) {
	if token == "" {
		return nil, fmt.Errorf("pairing token missing: %w", ops.ErrInvalidToken)
	}

	// bcrypt is slow; hash before the redeem transaction holds the writer.
	secret, err := auth.GenerateSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	c := &store.Connector{Name: info.Name, Version: info.Version, CredentialHash: hash}
	pt, err := s.store.RedeemPairingToken(ctx, auth.HashToken(token), s.now(), c)
	if err != nil {
		return nil, err
	}

	s.store.LogEvent(ctx, "audit", "info", pt.AccountID, pt.HostID, "pair",
		"connector paired: "+pt.ConnectorID, map[string]any{
			"connector_id": pt.ConnectorID,
			"name":         info.Name,
			"version":      info.Version,
		})
	s.log.Info().Str("connector", pt.ConnectorID).Str("host", pt.HostID).Msg("connector paired")

	return &Credential{
		BearerCredential: pt.ConnectorID + "." + secret,
		ConnectorID:      pt.ConnectorID,
		HostID:           pt.HostID,
	}, nil
}
