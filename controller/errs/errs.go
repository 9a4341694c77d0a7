// Package errs holds the job controller's error-kind taxonomy: each
// kind maps to a specific recovery action in the job state machine,
// so callers type-switch on Kind rather than on error strings.
package errs

import "fmt"

// Kind classifies a controller error by how the state machine must
// react to it.
type Kind int

const (
	// Transport covers a failed worker RPC or a broken connection.
	Transport Kind = iota
	// WrongEpoch is an inbound event for an epoch that is not current.
	WrongEpoch
	// UnknownEntity is an event referencing an unknown task or worker id.
	UnknownEntity
	// InvariantViolation means the controller's own state machine
	// reached a condition it cannot safely continue from.
	InvariantViolation
	// StorageError is a metadata-store or state-backend failure.
	StorageError
	// WorkerTimeout means a worker's heartbeat age exceeded the
	// configured timeout.
	WorkerTimeout
	// TTLExpired means a preview job's time-to-live elapsed.
	TTLExpired
	// ChannelClosed means the job message bus closed unexpectedly.
	ChannelClosed
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case WrongEpoch:
		return "wrong_epoch"
	case UnknownEntity:
		return "unknown_entity"
	case InvariantViolation:
		return "invariant_violation"
	case StorageError:
		return "storage_error"
	case WorkerTimeout:
		return "worker_timeout"
	case TTLExpired:
		return "ttl_expired"
	case ChannelClosed:
		return "channel_closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error wraps an underlying error with the Kind that determines how
// the state machine reacts to it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces a non-nil *Error
// carrying just the kind, useful for sentinel conditions like TTLExpired
// that have no underlying cause.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or something it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Retryable reports whether kind is eligible for the short in-step
// retry window (≤10 attempts) rather than immediate upward surface.
func Retryable(kind Kind) bool {
	return kind == Transport || kind == StorageError
}
