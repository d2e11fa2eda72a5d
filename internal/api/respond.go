package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/markus-barta/fleethub/internal/ops"
)

// maxBodySize bounds request bodies; command payloads are small.
const maxBodySize = 1 << 20

// errorResponse is the body of every error response.
type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	OpID   string `json:"op_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ops.ErrUnauthorized), errors.Is(err, ops.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ops.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ops.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ops.ErrInvalidAction), errors.Is(err, ops.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ops.ErrConfirmationRequired), errors.Is(err, ops.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// codeFor returns a stable machine-readable code for err.
func codeFor(err error) string {
	if code := ops.CodeOf(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ops.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ops.ErrInvalidToken):
		return "INVALID_TOKEN"
	case errors.Is(err, ops.ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	case errors.Is(err, ops.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ops.ErrInvalidAction):
		return "INVALID_ACTION"
	case errors.Is(err, ops.ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ops.ErrConflict):
		return "CONFLICT"
	}
	return ""
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeOpError(w, r, err, nil)
}

// writeOpError writes err and, when the action already created one, the op ID.
func (s *Server) writeOpError(w http.ResponseWriter, r *http.Request, err error, op *ops.Op) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: codeFor(err)}

	var verr *ops.ValidationError
	if errors.As(err, &verr) {
		resp.Error = ops.ErrConfirmationRequired.Error()
		resp.Detail = verr.Message
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal error"
	}
	if op != nil {
		resp.OpID = op.ID
		// The owner can read the failed op anyway.
		if op.Status == ops.StatusFailed && resp.Detail == "" {
			resp.Detail = op.Error
		}
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: body: %v", ops.ErrInvalidRequest, err)
	}
	return nil
}
