package domain

import "errors"

var (
	// ErrNotAuthorized is returned when the caller's identity is missing or
	// is not associated with the facility or subject being acted on.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound is returned when a referenced plan, slot, enrollment or
	// subject does not exist or is not in the expected state.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSelection is returned when selected slots violate the plan's
	// weekday constraints or reference slots the schedule does not offer.
	ErrInvalidSelection = errors.New("invalid slot selection")
	// ErrAlreadyEnrolled is returned when the member already holds an active
	// enrollment for the schedule plan.
	ErrAlreadyEnrolled = errors.New("already enrolled")
	// ErrInsufficientCapacity is returned when the plan has no vacancies left.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrTransientConflict indicates the storage layer aborted the
	// transaction due to a serialization conflict. The call may be retried by
	// the caller; the services never retry internally.
	ErrTransientConflict = errors.New("transient storage conflict")
)
