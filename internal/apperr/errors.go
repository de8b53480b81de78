// Package apperr defines the error taxonomy shared by the market core.
//
// Every specific error (ErrJobNotOpen, ErrDuplicateBid, ...) carries a Kind.
// errors.Is matches both the specific sentinel and its kind sentinel, so a
// caller can branch on either:
//
//	if errors.Is(err, apperr.ErrJobNotOpen) { ... }
//	if errors.Is(err, apperr.InvalidState) { ... }
package apperr

import (
	"errors"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindForbidden        Kind = "forbidden"
	KindDuplicateBid     Kind = "duplicate_bid"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindPermanentFailure Kind = "permanent_failure"
	KindInvalidArgument  Kind = "invalid_argument"
)

// Error is a classified sentinel error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Is reports whether target is this error or the kind sentinel of this error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	// kind sentinels have an empty message
	return t.Msg == "" && t.Kind == e.Kind
}

func newKind(k Kind) *Error {
	return &Error{Kind: k}
}

func newError(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Kind sentinels.
var (
	NotFound         = newKind(KindNotFound)
	InvalidState     = newKind(KindInvalidState)
	Forbidden        = newKind(KindForbidden)
	DuplicateBid     = newKind(KindDuplicateBid)
	QueueUnavailable = newKind(KindQueueUnavailable)
	PermanentFailure = newKind(KindPermanentFailure)
	InvalidArgument  = newKind(KindInvalidArgument)
)

// Specific errors.
var (
	ErrJobNotFound   = newError(KindNotFound, "job not found")
	ErrBidNotFound   = newError(KindNotFound, "bid not found")
	ErrSwarmNotFound = newError(KindNotFound, "swarm not found")
	ErrAgentNotFound = newError(KindNotFound, "agent not found")
	ErrTaskNotFound  = newError(KindNotFound, "task not found")

	ErrSettlementNotFound = newError(KindNotFound, "settlement not found")

	ErrJobNotOpen          = newError(KindInvalidState, "job is not open")
	ErrSwarmInactive       = newError(KindInvalidState, "swarm is inactive")
	ErrSwarmHasNoMembers   = newError(KindInvalidState, "swarm has no contributors")
	ErrAlreadyAccepted     = newError(KindInvalidState, "bid already accepted")
	ErrInvalidTransition   = newError(KindInvalidState, "invalid job status transition")
	ErrAlreadySettled      = newError(KindInvalidState, "job already settled")
	ErrBidWrongJob         = newError(KindInvalidState, "bid does not belong to job")
	ErrTaskJobInconsistent = newError(KindInvalidState, "task does not match job assignment")
	ErrNotAwaitingRun      = newError(KindInvalidState, "job is not awaiting execution")
	ErrTaskAlreadyQueued   = newError(KindInvalidState, "job already has a queued task")

	ErrForbidden = newError(KindForbidden, "requester is not allowed to perform this operation")

	ErrDuplicateBid = newError(KindDuplicateBid, "swarm already has a bid on this job")

	ErrQueueUnavailable = newError(KindQueueUnavailable, "execution queue unavailable")

	ErrPermanentFailure = newError(KindPermanentFailure, "execution exhausted retries")

	ErrInvalidArgument = newError(KindInvalidArgument, "invalid argument")
)

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
