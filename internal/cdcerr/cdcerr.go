// Package cdcerr defines the error taxonomy shared by every component of
// the routing fabric (spec §7). Each kind is a sentinel that call sites
// wrap with fmt.Errorf("...: %w", err) in the teacher's style, and that
// callers downstream classify with errors.Is / errors.As.
package cdcerr

import "errors"

// Kind identifies which of the taxonomy's error classes an error belongs
// to. Sinks and source connectors report a Kind so the retry controller
// (internal/retry) can decide what to do with a failed change.
type Kind int

const (
	// KindUnknown means the error carries no classification; callers
	// should treat it the same as Transient but it is worth fixing the
	// call site that produced it.
	KindUnknown Kind = iota
	// KindInvalidChange: model invariant violation, rejected at ingress.
	KindInvalidChange
	// KindConnectFailed: a source/sink failed to connect.
	KindConnectFailed
	// KindTransient: recoverable read/write error, retry with backoff.
	KindTransient
	// KindConflict: write conflict, escalate to upsert and retry.
	KindConflict
	// KindSchemaMismatch: structural error, dead-letter immediately.
	KindSchemaMismatch
	// KindPositionLost: source cursor invalid, policy-controlled reset.
	KindPositionLost
	// KindFatal: auth/programmer error, component stops.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidChange:
		return "InvalidChange"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindTransient:
		return "Transient"
	case KindConflict:
		return "Conflict"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindPositionLost:
		return "PositionLost"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps err with the given Kind. A nil err still produces a non-nil
// *Error carrying just the Kind, which is occasionally useful for
// sentinel comparisons.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Cause: err}
}

// As extracts the Kind of err if it (or something it wraps) is a *Error.
// Unclassified errors report KindUnknown.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel errors for cases that need identity comparison rather than a
// wrapped cause (e.g. errors.Is(err, ErrUnknownSource)).
var (
	ErrDuplicateName   = errors.New("duplicate pipeline name")
	ErrUnknownSource   = errors.New("unknown source")
	ErrUnknownSink     = errors.New("unknown sink")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrUnknownClause   = errors.New("unknown filter clause")
	ErrPipelineAbort   = errors.New("pipeline aborted: fatal error, operator intervention required")
	ErrNotInitialized  = errors.New("component not initialized")
)
