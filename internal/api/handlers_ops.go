package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/markus-barta/fleethub/internal/stream"
)

// ═══════════════════════════════════════════════════════════════════════════
// OP HANDLERS
// ═══════════════════════════════════════════════════════════════════════════

func queryInt(r *http.Request, key string, defaultValue int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// handleGetOp returns one op.
// GET /api/ops/{opID}
func (s *Server) handleGetOp(w http.ResponseWriter, r *http.Request) {
	op, err := s.Tracker.Get(r.Context(), chi.URLParam(r, "opID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := mustActor(r)
	if op.CreatedBy != actor.AccountID {
		if err := s.authorizeScope(r.Context(), actor, op.ScopeType, op.ScopeID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, op)
}

// handleListOps lists the recent ops of a scope.
// GET /api/ops?scope_type=&scope_id=
func (s *Server) handleListOps(w http.ResponseWriter, r *http.Request) {
	scopeType := ops.ScopeType(r.URL.Query().Get("scope_type"))
	scopeID := r.URL.Query().Get("scope_id")
	if scopeType == "" || scopeID == "" {
		s.writeError(w, r, fmt.Errorf("scope_type and scope_id are required: %w", ops.ErrInvalidRequest))
		return
	}
	if err := s.authorizeScope(r.Context(), mustActor(r), scopeType, scopeID); err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.Tracker.List(r.Context(), scopeType, scopeID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*ops.Op{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ops": list})
}

// handleOpStream subscribes to op messages over WebSocket.
// GET /api/ops/stream?scope_type=&scope_id=&op_id=
func (s *Server) handleOpStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := stream.Filter{
		ScopeType: ops.ScopeType(q.Get("scope_type")),
		ScopeID:   q.Get("scope_id"),
		OpID:      q.Get("op_id"),
	}
	if err := s.authorizeStream(r.Context(), "", f); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := mustActor(r)
	if err := s.Hub.Serve(w, r, actor.AccountID, f); err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
	}
}

// authorizeStream decides whether the operator in ctx may follow f.
// Only admins may follow every op.
func (s *Server) authorizeStream(ctx context.Context, _ string, f stream.Filter) error {
	actor := actorFromContext(ctx)
	if actor == nil {
		return ops.ErrUnauthorized
	}
	if actor.Admin {
		return nil
	}
	switch {
	case f.ScopeType != "" && f.ScopeID != "":
		return s.authorizeScope(ctx, *actor, f.ScopeType, f.ScopeID)
	case f.OpID != "":
		op, err := s.Tracker.Get(ctx, f.OpID)
		if err != nil {
			return err
		}
		if op.CreatedBy == actor.AccountID {
			return nil
		}
		return s.authorizeScope(ctx, *actor, op.ScopeType, op.ScopeID)
	}
	return fmt.Errorf("scope_type and scope_id, or op_id, are required: %w", ops.ErrInvalidRequest)
}

// ═══════════════════════════════════════════════════════════════════════════
// REGISTRY HANDLERS
// Hosts and projects are provisioned by external collaborators; these
// endpoints are their hand-off points.
// ═══════════════════════════════════════════════════════════════════════════

// handleCreateHost registers a host owned by the operator. Self-hosts may
// ask to start on the first poll of their connector.
// POST /api/hosts
func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"host_id,omitempty"`
		Name      string `json:"name"`
		Owner     string `json:"owner,omitempty"`
		Region    string `json:"region,omitempty"`
		SelfHost  bool   `json:"self_host"`
		Mode      string `json:"mode,omitempty"`
		AutoStart bool   `json:"auto_start,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, fmt.Errorf("name is required: %w", ops.ErrInvalidRequest))
		return
	}
	actor := mustActor(r)
	owner := actor.AccountID
	if req.Owner != "" && req.Owner != owner {
		if !actor.Admin {
			s.writeError(w, r, ops.ErrNotAuthorized)
			return
		}
		owner = req.Owner
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	h := &store.Host{ID: req.ID, Name: req.Name, Owner: owner, Region: req.Region, Status: store.HostOff}
	if req.SelfHost {
		h.Metadata.Machine.Cloud = store.CloudSelfHost
		h.Metadata.SelfHost = &store.SelfHost{Mode: req.Mode}
	}
	if err := s.Store.CreateHost(r.Context(), h); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SelfHost && req.AutoStart {
		if err := s.Store.MarkAutoStart(r.Context(), h.ID, time.Now()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	created, err := s.Store.GetHost(r.Context(), h.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleCreateProject registers a project, optionally assigned to a host.
// POST /api/projects
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"project_id,omitempty"`
		HostID string `json:"host_id,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := mustActor(r)
	if req.HostID != "" {
		if err := s.authorizeScope(r.Context(), actor, ops.ScopeHost, req.HostID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	p := &store.Project{ID: req.ID, Owner: actor.AccountID, HostID: req.HostID}
	if err := s.Store.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// POST /api/projects/{projectID}/edited
func (s *Server) handleProjectEdited(w http.ResponseWriter, r *http.Request) {
	s.stampProject(w, r, s.Store.RecordEdit)
}

// POST /api/projects/{projectID}/backed-up
func (s *Server) handleProjectBackedUp(w http.ResponseWriter, r *http.Request) {
	s.stampProject(w, r, s.Store.RecordBackup)
}

func (s *Server) stampProject(w http.ResponseWriter, r *http.Request, record func(context.Context, string, time.Time) error) {
	var req struct {
		At *time.Time `json:"at,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if err := s.authorizeScope(r.Context(), mustActor(r), ops.ScopeProject, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}
	if err := record(r.Context(), projectID, at); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleEvents returns recent audit events. Operators see their own
// hosts; admins may omit host_id.
// GET /api/events?host_id=&limit=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	hostID := r.URL.Query().Get("host_id")
	if hostID == "" && !actor.Admin {
		s.writeError(w, r, ops.ErrNotAuthorized)
		return
	}
	if hostID != "" {
		if err := s.authorizeScope(r.Context(), actor, ops.ScopeHost, hostID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	limit := min(max(queryInt(r, "limit", 100), 1), 1000)
	events, err := s.Store.RecentEvents(r.Context(), hostID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
