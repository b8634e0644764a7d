package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without matching message
// strings.
type Kind string

const (
	InputValidation Kind = "input_validation"
	Unauthorized    Kind = "unauthorized"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	RateLimited     Kind = "rate_limited"
	Timeout         Kind = "timeout"
	Internal        Kind = "internal"
)

// Reason strings for the Unauthorized sub-cases. They are part of the API
// surface and must stay stable.
const (
	ReasonTokenMissing        = "token_missing"
	ReasonTokenInvalid        = "token_invalid"
	ReasonTokenExpired        = "token_expired"
	ReasonTokenRevoked        = "token_revoked"
	ReasonTokenUsed           = "token_used"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
)

// Error is a kind-tagged error. Reason is a stable machine-readable code;
// Message is for humans.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error with a formatted message.
func New(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error while keeping it unwrappable.
func Wrap(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or Internal for untagged errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// ReasonOf returns the stable reason code of err, empty when untagged.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
