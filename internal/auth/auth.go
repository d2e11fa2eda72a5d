// Package auth resolves connector bearer credentials and operator sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Actor is an authenticated operator.
type Actor struct {
	AccountID string
	Admin     bool
}

// CanManage reports whether the actor may act on a resource owned by owner.
func (a Actor) CanManage(owner string) bool {
	return a.Admin || (a.AccountID != "" && a.AccountID == owner)
}

// Identity is an authenticated connector.
type Identity struct {
	ConnectorID string
	AccountID   string
	HostID      string
}

// ConnectorStore is the subset of the store used for credentials.
type ConnectorStore interface {
	GetConnector(ctx context.Context, id string) (*store.Connector, error)
	RevokeConnector(ctx context.Context, id string) error
	LogEvent(ctx context.Context, category, level, actor, hostID, action, message string, details map[string]any)
}

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// Verifier checks connector credentials of the form <connector_id>.<secret>.
type Verifier struct {
	log   zerolog.Logger
	store ConnectorStore
	// verified maps sha256(credential) to the connector it proved.
	verified *expirable.LRU[string, string]
}

// NewVerifier creates a verifier with a bounded cache of successful checks.
func NewVerifier(log zerolog.Logger, st ConnectorStore) *Verifier {
	return &Verifier{
		log:      log.With().Str("component", "connector_auth").Logger(),
		store:    st,
		verified: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

// Verify resolves a bearer credential to an identity. Any failure,
// including revocation, yields ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	connectorID, secret, ok := SplitCredential(credential)
	if !ok {
		return nil, ops.ErrUnauthorized
	}

	c, err := v.store.GetConnector(ctx, connectorID)
	if errors.Is(err, ops.ErrNotFound) {
		return nil, ops.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load connector: %w", err)
	}
	if c.Revoked {
		v.verified.Remove(cacheKey(credential))
		return nil, ops.ErrUnauthorized
	}

	key := cacheKey(credential)
	if id, hit := v.verified.Get(key); !hit || id != c.ID {
		if bcrypt.CompareHashAndPassword([]byte(c.CredentialHash), []byte(secret)) != nil {
			return nil, ops.ErrUnauthorized
		}
		v.verified.Add(key, c.ID)
	}

	return &Identity{ConnectorID: c.ID, AccountID: c.AccountID, HostID: c.HostID}, nil
}

// Revoke disables a connector. Only its owner or an admin may revoke.
func (v *Verifier) Revoke(ctx context.Context, actor Actor, connectorID string) error {
	c, err := v.store.GetConnector(ctx, connectorID)
	if err != nil {
		return err
	}
	if !actor.CanManage(c.AccountID) {
		return ops.ErrNotAuthorized
	}
	if err := v.store.RevokeConnector(ctx, connectorID); err != nil {
		return err
	}
	v.purge(connectorID)

	v.store.LogEvent(ctx, "audit", "warn", actor.AccountID, c.HostID, "revoke",
		"connector revoked: "+connectorID, map[string]any{"connector_id": connectorID})
	v.log.Info().Str("connector", connectorID).Str("actor", actor.AccountID).Msg("connector revoked")
	return nil
}

func (v *Verifier) purge(connectorID string) {
	for _, key := range v.verified.Keys() {
		if id, ok := v.verified.Peek(key); ok && id == connectorID {
			v.verified.Remove(key)
		}
	}
}

// SplitCredential splits <connector_id>.<secret>. The connector ID never
// contains a dot.
func SplitCredential(credential string) (connectorID, secret string, ok bool) {
	connectorID, secret, ok = strings.Cut(strings.TrimSpace(credential), ".")
	if !ok || connectorID == "" || secret == "" {
		return "", "", false
	}
	return connectorID, secret, true
}

// HashSecret bcrypt-hashes a credential secret for storage.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(h), nil
}

// GenerateSecret returns a URL-safe random string of n bytes of entropy.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of a token, used for lookup of
// single-use tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func cacheKey(credential string) string {
	return HashToken(credential)
}
