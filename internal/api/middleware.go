package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/metrics"
	"github.com/markus-barta/fleethub/internal/ops"
)

type contextKey string

const (
	actorContextKey    contextKey = "actor"
	identityContextKey contextKey = "identity"
)

// withActor adds an operator to the context.
func withActor(ctx context.Context, actor *auth.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// actorFromContext retrieves the operator from the context.
func actorFromContext(ctx context.Context) *auth.Actor {
	actor, _ := ctx.Value(actorContextKey).(*auth.Actor)
	return actor
}

// withIdentity adds a connector identity to the context.
func withIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// identityFromContext retrieves the connector identity from the context.
func identityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityContextKey).(*auth.Identity)
	return id
}

// requireSession middleware checks for a valid operator session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.Sessions.FromRequest(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// requireConnector middleware checks the bearer credential of a connector.
func (s *Server) requireConnector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Verifier.Verify(r.Context(), bearerToken(r))
		if err != nil {
			metrics.ConnectorPolls.WithLabelValues("unauthorized").Inc()
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// mustActor returns the operator set by requireSession.
func mustActor(r *http.Request) auth.Actor {
	if a := actorFromContext(r.Context()); a != nil {
		return *a
	}
	return auth.Actor{}
}

// scopeOwner returns the account owning a host or project.
func (s *Server) scopeOwner(ctx context.Context, scopeType ops.ScopeType, scopeID string) (string, error) {
	switch scopeType {
	case ops.ScopeHost:
		h, err := s.Store.GetHost(ctx, scopeID)
		if err != nil {
			return "", err
		}
		return h.Owner, nil
	case ops.ScopeProject:
		p, err := s.Store.GetProject(ctx, scopeID)
		if err != nil {
			return "", err
		}
		return p.Owner, nil
	}
	return "", ops.ErrInvalidRequest
}

// authorizeScope checks the actor may see ops of a scope.
func (s *Server) authorizeScope(ctx context.Context, actor auth.Actor, scopeType ops.ScopeType, scopeID string) error {
	if actor.Admin {
		return nil
	}
	owner, err := s.scopeOwner(ctx, scopeType, scopeID)
	if err != nil {
		return err
	}
	if !actor.CanManage(owner) {
		return ops.ErrNotAuthorized
	}
	return nil
}
