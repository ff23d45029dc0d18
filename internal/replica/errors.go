package replica

import (
	"errors"
	"fmt"
)

// Engine-level sentinel errors. Engine implementations wrap these so the
// coordinator can classify failures without knowing the engine.
var (
	ErrClientReset          = errors.New("client reset required")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidRecoveryToken = errors.New("invalid or consumed recovery token")
	ErrClosed               = errors.New("replica closed")
)

// ErrorKind is the taxonomy every error is mapped to at the coordinator
// boundary.
type ErrorKind string

const (
	// KindOpen is a network, auth or storage failure during open.
	KindOpen ErrorKind = "OpenError"
	// KindClientReset is a server-forced divergence.
	KindClientReset ErrorKind = "ClientResetError"
	// KindAuth is an expired or invalid credential.
	KindAuth ErrorKind = "AuthError"
	// KindMerge is a failed backup replay; the backup is retained.
	KindMerge ErrorKind = "MergeError"
	// KindIO is a filesystem failure during backup or restore.
	KindIO ErrorKind = "IOError"
)

// Error is a classified error.
type Error struct {
	Kind     ErrorKind
	Op       string
	Location Location
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Location != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Location, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, op string, loc Location, err error) *Error {
	return &Error{Kind: kind, Op: op, Location: loc, Err: err}
}

// KindOf returns the kind of a classified error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a classified error of kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Classify maps err to exactly one taxonomy kind. Already classified
// errors are returned unchanged; engine sentinels select their kind;
// anything else gets fallback.
func Classify(fallback ErrorKind, op string, loc Location, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := fallback
	switch {
	case errors.Is(err, ErrClientReset), errors.Is(err, ErrInvalidRecoveryToken):
		kind = KindClientReset
	case errors.Is(err, ErrUnauthorized):
		kind = KindAuth
	}
	return NewError(kind, op, loc, err)
}
