// Package pipelineerrors declares the error-kind taxonomy shared by every
// worker in the pipeline. Kinds are sentinel values wrapped with context at
// the point of failure and unwrapped with errors.Is/errors.As by callers
// that need to decide retry vs terminal failure.
package pipelineerrors

import "errors"

// Kind identifies which of the error categories a failure belongs to.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindAuthorization
	KindTransient
	KindProtocolConsistency
	KindIntegrityViolation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindTransient:
		return "transient"
	case KindProtocolConsistency:
		return "protocol_consistency"
	case KindIntegrityViolation:
		return "integrity_violation"
	default:
		return "unknown"
	}
}

// KindError carries a Kind alongside the wrapped cause so callers can
// classify an error without string matching.
type KindError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// New wraps err with a Kind and an operation label.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// Retryable reports whether the background-execution engine should retry
// an operation that failed with err, per the §7 taxonomy: Transient and
// ProtocolConsistency are retryable, everything else is terminal at the
// job level.
func Retryable(err error) bool {
	return Is(err, KindTransient) || Is(err, KindProtocolConsistency)
}

var (
	ErrNoRefreshToken    = errors.New("storage profile has no refresh token")
	ErrMissingCredentials = errors.New("storage profile credentials are missing or malformed")
	ErrRefreshFailed     = errors.New("oauth token refresh failed")
	ErrLeaseNotOwned     = errors.New("lease is not owned by this holder")
	ErrTerminalJob       = errors.New("job is already in a terminal state")
)
