package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/pairing"
	"github.com/markus-barta/fleethub/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════
// CONNECTOR HANDLERS
// ═══════════════════════════════════════════════════════════════════════════

// handlePairingToken issues a pairing token for a self-host.
// POST /api/connectors/pairing-token
func (s *Server) handlePairingToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostID     string `json:"host_id"`
		TTLSeconds int    `json:"ttl_seconds,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.HostID == "" {
		s.writeError(w, r, fmt.Errorf("host_id is required: %w", ops.ErrInvalidRequest))
		return
	}

	token, err := s.Pairing.IssueToken(r.Context(), mustActor(r), req.HostID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handlePair redeems a pairing token and returns the bearer credential.
// The token comes from the body or an Authorization: Bearer header.
// POST /api/connector/pair
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.pairLimiter.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many pairing attempts", Code: "RATE_LIMITED"})
		return
	}

	var req struct {
		PairingToken string `json:"pairing_token"`
		pairing.ConnectorInfo
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token := req.PairingToken
	if token == "" {
		token = bearerToken(r)
	}

	cred, err := s.Pairing.Pair(r.Context(), token, req.ConnectorInfo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.pairLimiter.Reset(ip)
	writeJSON(w, http.StatusOK, cred)
}

// clientIP returns the request IP without its port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// nextCommand is the wire form of a leased command.
type nextCommand struct {
	ID       string          `json:"id"`
	Action   store.Action    `json:"action"`
	Payload  json.RawMessage `json:"payload"`
	IssuedAt time.Time       `json:"issued_at"`
}

// handleNext runs the auto-start check and leases the next command.
// GET /api/connector/next
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	if s.AutoStart != nil {
		s.AutoStart.OnPoll(r.Context(), id)
	}

	cmd, err := s.Queue.PollNext(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, nextCommand{
		ID:       cmd.ID,
		Action:   cmd.Action,
		Payload:  cmd.Payload,
		IssuedAt: cmd.UpdatedAt,
	})
}

// handleAck completes a leased command. Repeated or foreign acks are
// accepted and change nothing.
// POST /api/connector/ack
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" || req.Status == "" {
		s.writeError(w, r, fmt.Errorf("id and status are required: %w", ops.ErrInvalidRequest))
		return
	}

	if _, err := s.Queue.Ack(r.Context(), identityFromContext(r.Context()), req.ID, req.Status, req.Result, req.Error); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ═══════════════════════════════════════════════════════════════════════════
// OPERATOR COMMAND HANDLERS
// ═══════════════════════════════════════════════════════════════════════════

// handleEnqueue queues a raw command for a connector.
// POST /api/commands
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectorID string          `json:"connector_id"`
		Action      store.Action    `json:"action"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ConnectorID == "" {
		s.writeError(w, r, fmt.Errorf("connector_id is required: %w", ops.ErrInvalidRequest))
		return
	}

	cmd, err := s.Queue.Enqueue(r.Context(), mustActor(r), req.ConnectorID, req.Action, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "command_id": cmd.ID})
}

// handleRevoke revokes a connector credential.
// POST /api/connectors/{connectorID}/revoke
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.Verifier.Revoke(r.Context(), mustActor(r), chi.URLParam(r, "connectorID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListCommands lists the recent commands of a connector.
// GET /api/connectors/{connectorID}/commands
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	connectorID := chi.URLParam(r, "connectorID")
	c, err := s.Store.GetConnector(r.Context(), connectorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !mustActor(r).CanManage(c.AccountID) {
		s.writeError(w, r, ops.ErrNotAuthorized)
		return
	}

	cmds, err := s.Store.ListCommands(r.Context(), connectorID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}
