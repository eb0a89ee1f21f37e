package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input. Nothing was applied.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness or referential conflict.
	ErrConflict = errors.New("conflict")
	// ErrPolicyViolation indicates a structurally valid operation forbidden by an invariant.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrForbidden indicates the principal may not perform the action.
	ErrForbidden = errors.New("action not permitted")
	// ErrUnauthenticated occurs when no principal could be resolved for the request.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// UserSafeMessage returns a message that can be shown to end users without
// leaking storage or catalog internals.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict), errors.Is(err, ErrPolicyViolation):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "resource not found"
	case errors.Is(err, ErrForbidden):
		return "action not permitted"
	case errors.Is(err, ErrUnauthenticated):
		return "authentication required"
	default:
		return "internal error"
	}
}
