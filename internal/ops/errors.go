package ops

import "errors"

// Error taxonomy shared by every hub component. Callers match with errors.Is.
var (
	// ErrUnauthorized means the bearer credential or session is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotAuthorized means the caller is authenticated but neither owner nor admin.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound means the host, connector, command, project or op does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidToken means a pairing token is missing, expired or already redeemed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAction means a command action outside the allowed set.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidRequest means the target exists but cannot serve the request
	// (e.g. pairing a host that is not self-hosted).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConfirmationRequired is wrapped by ValidationError.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrConflict means a conditional update lost against a concurrent writer.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks best-effort failures that are logged, never propagated.
	ErrTransient = errors.New("transient failure")
	// ErrTerminal is returned when transitioning an op that already finished.
	ErrTerminal = errors.New("op already terminal")
)

// CodeMoveOfflineConfirmationRequired is returned when a project would be
// moved off an unreachable host whose latest edit is not covered by a backup.
const CodeMoveOfflineConfirmationRequired = "MOVE_OFFLINE_CONFIRMATION_REQUIRED"

// Codes for the explicit confirmation step of destructive actions.
const (
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED" // confirm must equal the host name
	CodeTOTPRequired         = "TOTP_REQUIRED"         // a valid TOTP code is required
)

// ValidationError contains details about why a guarded action was refused.
// Callers branch on Code; Message is for humans.
type ValidationError struct {
	Code    string `json:"code"`    // Machine-readable code
	Message string `json:"message"` // Human-readable explanation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap lets errors.Is(err, ErrConfirmationRequired) match.
func (e *ValidationError) Unwrap() error {
	return ErrConfirmationRequired
}

// CodeOf returns the ValidationError code carried by err, if any.
func CodeOf(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}
