package session

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Transports map kinds to status codes.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindConflict
	KindCapacityExceeded
	KindInvalidState
	KindInvalidArgument
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is returned by every engine operation that fails for a reason the
// caller can act on.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Message + ": " + e.err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Is matches errors by code so callers can compare against the sentinels
// below even when the message was customised.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrSessionNotFound    = newError(KindNotFound, "session_not_found", "session not found")
	ErrInvitationNotFound = newError(KindNotFound, "invitation_not_found", "invitation not found")
	ErrQueueItemNotFound  = newError(KindNotFound, "queue_item_not_found", "queue item not found")
	ErrNotMember          = newError(KindNotFound, "not_member", "user is not an active participant")

	ErrForbidden = newError(KindForbidden, "forbidden", "forbidden")

	ErrAlreadyActive    = newError(KindConflict, "already_active", "user is already an active participant")
	ErrAlreadyProcessed = newError(KindConflict, "already_processed", "invitation was already processed")

	ErrSessionFull       = newError(KindCapacityExceeded, "session_full", "session is full")
	ErrNotEnoughCapacity = newError(KindCapacityExceeded, "not_enough_capacity", "not enough free spots for this invitation batch")

	ErrSessionEnded = newError(KindInvalidState, "session_ended", "session has ended")

	ErrInvalidArgument = newError(KindInvalidArgument, "invalid_argument", "invalid argument")

	ErrUnavailable = newError(KindUnavailable, "unavailable", "service unavailable")
)

// invalidArgument returns an ErrInvalidArgument carrying a specific message.
func invalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Code: ErrInvalidArgument.Code, Message: fmt.Sprintf(format, args...)}
}

// unavailable wraps a collaborator failure.
func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Code: ErrUnavailable.Code, Message: ErrUnavailable.Message, err: err}
}

// KindOf reports the kind of err, or KindUnavailable for errors that did not
// originate in the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}
