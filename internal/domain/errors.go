package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("conversation store unavailable")

	// Routing failures.
	ErrInvalidTransition   = errors.New("operation not allowed from current status")
	ErrRaceLost            = errors.New("conversation changed concurrently")
	ErrNoCandidates        = errors.New("no eligible candidates")
	ErrTimerStale          = errors.New("timer precondition no longer holds")
	ErrAlreadyAccepted     = fmt.Errorf("%w: already accepted", ErrInvalidTransition)
	ErrNotQueued           = fmt.Errorf("%w: not queued", ErrInvalidTransition)
	ErrArchived            = fmt.Errorf("%w: archived", ErrInvalidTransition)
	ErrNotArchived         = fmt.Errorf("%w: not archived", ErrInvalidTransition)
	ErrNotAssignedToCaller = fmt.Errorf("%w: not assigned to caller", ErrInvalidTransition)
	ErrNotQueueMember      = fmt.Errorf("%w: caller is not a queue member", ErrInvalidTransition)
	ErrAlreadyOwner        = fmt.Errorf("%w: caller already owns the conversation", ErrInvalidTransition)
	ErrNotOwned            = fmt.Errorf("%w: conversation has no owner", ErrInvalidTransition)
	ErrOpenConversation    = fmt.Errorf("%w: phone has an open conversation", ErrInvalidTransition)
	ErrAdvisorOffline      = errors.New("advisor is offline")
	ErrWindowExpired       = errors.New("messaging window expired, template required")
)

// Reason codes surfaced to advisor clients.
const (
	ReasonAlreadyAccepted     = "already_accepted"
	ReasonNotQueued           = "not_queued"
	ReasonArchived            = "archived"
	ReasonNotArchived         = "not_archived"
	ReasonNotAssignedToCaller = "not_assigned_to_caller"
	ReasonNotQueueMember      = "not_queue_member"
	ReasonAlreadyOwner        = "already_owner"
	ReasonNotOwned            = "not_owned"
	ReasonOpenConversation    = "open_conversation_exists"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonRaceLost            = "race_lost"
	ReasonNoCandidates        = "no_candidates"
	ReasonAdvisorOffline      = "advisor_offline"
	ReasonWindowExpired       = "window_expired"
	ReasonNotFound            = "not_found"
	ReasonInvalidInput        = "invalid_input"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonInternal            = "internal"
)

// ActionError is the typed failure returned by lifecycle operations.
type ActionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Fail wraps err into an ActionError for op, deriving the reason code.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	return &ActionError{Op: op, Reason: reasonFor(err), Err: err}
}

// ReasonOf returns the reason code carried by err, or "" for nil.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return reasonFor(err)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyAccepted):
		return ReasonAlreadyAccepted
	case errors.Is(err, ErrNotQueued):
		return ReasonNotQueued
	case errors.Is(err, ErrArchived):
		return ReasonArchived
	case errors.Is(err, ErrNotArchived):
		return ReasonNotArchived
	case errors.Is(err, ErrNotAssignedToCaller):
		return ReasonNotAssignedToCaller
	case errors.Is(err, ErrNotQueueMember):
		return ReasonNotQueueMember
	case errors.Is(err, ErrAlreadyOwner):
		return ReasonAlreadyOwner
	case errors.Is(err, ErrNotOwned):
		return ReasonNotOwned
	case errors.Is(err, ErrOpenConversation):
		return ReasonOpenConversation
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, ErrRaceLost):
		return ReasonRaceLost
	case errors.Is(err, ErrNoCandidates):
		return ReasonNoCandidates
	case errors.Is(err, ErrAdvisorOffline):
		return ReasonAdvisorOffline
	case errors.Is(err, ErrWindowExpired):
		return ReasonWindowExpired
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidInput):
		return ReasonInvalidInput
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonInternal
	}
}
