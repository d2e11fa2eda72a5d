package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/fleethub/internal/lifecycle"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/pquerna/otp/totp"
)

// ═══════════════════════════════════════════════════════════════════════════
// LIFECYCLE HANDLERS
// Each action answers 202 with the op handle, or with the finished op
// when the request asked to wait. Failures carry the op ID.
// ═══════════════════════════════════════════════════════════════════════════

// actionResponse is the body of a lifecycle action response.
type actionResponse struct {
	*ops.Handle
	Op          *ops.Op                      `json:"op,omitempty"`
	Deprovision *lifecycle.DeprovisionResult `json:"deprovision,omitempty"`
}

// respondAction writes the outcome of a lifecycle action. A failure after
// the op was created answers with an error status and the op ID.
func (s *Server) respondAction(w http.ResponseWriter, r *http.Request, op *ops.Op, wait bool, err error) {
	if op == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.writeOpError(w, r, err, op)
		return
	}
	if wait {
		writeJSON(w, http.StatusOK, actionResponse{Handle: op.Handle(), Op: op})
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Handle: op.Handle()})
}

// confirmDestructive checks the explicit confirmation of force drain and
// deprovision: confirm must equal the host name, plus a TOTP code when
// TOTP is configured.
func (s *Server) confirmDestructive(ctx context.Context, hostID, confirm, code string) error {
	h, err := s.Store.GetHost(ctx, hostID)
	if err != nil {
		return err
	}
	if h.Deleted != nil {
		return ops.ErrNotFound
	}
	if confirm != h.Name {
		return &ops.ValidationError{
			Code:    ops.CodeConfirmationRequired,
			Message: "type the host name " + h.Name + " into confirm to proceed",
		}
	}
	return s.checkTOTP(code)
}

func (s *Server) checkTOTP(code string) error {
	if !s.opts.HasTOTP() {
		return nil
	}
	if code == "" || !totp.Validate(code, s.opts.TOTPSecret) {
		return &ops.ValidationError{Code: ops.CodeTOTPRequired, Message: "a valid TOTP code is required"}
	}
	return nil
}

// POST /api/hosts/{hostID}/start
func (s *Server) handleHostStart(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, lifecycle.HostTarget(chi.URLParam(r, "hostID")))
}

// POST /api/projects/{projectID}/start
func (s *Server) handleProjectStart(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, lifecycle.ProjectTarget(chi.URLParam(r, "projectID")))
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, t lifecycle.Target) {
	var opts lifecycle.StartOptions
	if err := decode(r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	op, err := s.Engine.Start(r.Context(), mustActor(r), t, opts)
	s.respondAction(w, r, op, opts.Wait, err)
}

// POST /api/hosts/{hostID}/stop
func (s *Server) handleHostStop(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, lifecycle.HostTarget(chi.URLParam(r, "hostID")))
}

// POST /api/projects/{projectID}/stop
func (s *Server) handleProjectStop(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, lifecycle.ProjectTarget(chi.URLParam(r, "projectID")))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, t lifecycle.Target) {
	var opts lifecycle.StopOptions
	if err := decode(r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	op, err := s.Engine.Stop(r.Context(), mustActor(r), t, opts)
	s.respondAction(w, r, op, opts.Wait, err)
}

// maxDrainParallel caps the drain concurrency non-admins may ask for.
const maxDrainParallel = 15

// handleHostDrain drains a host. Force drain needs confirmation.
// POST /api/hosts/{hostID}/drain
func (s *Server) handleHostDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		lifecycle.DrainOptions
		Confirm string `json:"confirm,omitempty"`
		TOTP    string `json:"totp,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hostID := chi.URLParam(r, "hostID")
	actor := mustActor(r)
	if !actor.Admin && req.Parallel > maxDrainParallel {
		req.Parallel = maxDrainParallel
	}

	if req.Force {
		if err := s.authorizeScope(r.Context(), actor, ops.ScopeHost, hostID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.confirmDestructive(r.Context(), hostID, req.Confirm, req.TOTP); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	op, err := s.Engine.Drain(r.Context(), actor, hostID, req.DrainOptions)
	s.respondAction(w, r, op, req.Wait, err)
}

// handleHostDeprovision deprovisions a host after confirmation.
// POST /api/hosts/{hostID}/deprovision
func (s *Server) handleHostDeprovision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		lifecycle.DeprovisionOptions
		Confirm string `json:"confirm,omitempty"`
		TOTP    string `json:"totp,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hostID := chi.URLParam(r, "hostID")
	actor := mustActor(r)

	if err := s.authorizeScope(r.Context(), actor, ops.ScopeHost, hostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.confirmDestructive(r.Context(), hostID, req.Confirm, req.TOTP); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.Engine.Deprovision(r.Context(), actor, hostID, req.DeprovisionOptions)
	if res == nil || res.Op == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.writeOpError(w, r, err, res.Op)
		return
	}
	status := http.StatusAccepted
	body := actionResponse{Handle: res.Op.Handle(), Deprovision: res}
	if req.Wait {
		status = http.StatusOK
		body.Op = res.Op
	}
	writeJSON(w, status, body)
}

// handleProjectMove moves a project. Moving off an unreachable host with
// unsaved edits answers 409 MOVE_OFFLINE_CONFIRMATION_REQUIRED until the
// request sets allow_offline.
// POST /api/projects/{projectID}/move
func (s *Server) handleProjectMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		lifecycle.MoveOptions
		TOTP string `json:"totp,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AllowOffline {
		if err := s.checkTOTP(req.TOTP); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	op, err := s.Engine.Move(r.Context(), mustActor(r), chi.URLParam(r, "projectID"), req.MoveOptions)
	var verr *ops.ValidationError
	if errors.As(err, &verr) {
		s.writeOpError(w, r, err, op)
		return
	}
	s.respondAction(w, r, op, req.Wait, err)
}
