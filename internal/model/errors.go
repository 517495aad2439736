package model

import (
	"errors"
	"fmt"
)

// Every failure below is an expected, recoverable outcome of a booking or
// waitlist operation. Each aborts its transaction with zero side effects.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEventNotBookable is returned when the event is not active or
	// its start time has already passed.
	ErrEventNotBookable = errors.New("event is not open for booking")

	// ErrDuplicateReservation is returned when the actor already holds a
	// confirmed reservation for the event.
	ErrDuplicateReservation = errors.New("actor already has a confirmed reservation for this event")

	// ErrNotCancellable is returned when the reservation does not exist,
	// belongs to another actor, or is not confirmed.
	ErrNotCancellable = errors.New("reservation not found or cannot be cancelled")

	// ErrCapacityStillAvailable is returned when a waitlist join could be
	// satisfied by booking directly.
	ErrCapacityStillAvailable = errors.New("tickets are still available for this event")

	// ErrAlreadyWaitlisted is returned when the actor already has a
	// waiting entry for the event.
	ErrAlreadyWaitlisted = errors.New("actor is already on the waitlist for this event")
)

// InsufficientCapacityError is returned when a reservation asks for more
// tickets than remain. It carries the exact remaining count so callers can
// render an actionable message without re-querying.
type InsufficientCapacityError struct {
	Remaining int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("only %d tickets available", e.Remaining)
}

// CancellationWindowError is returned when a cancellation arrives inside
// the cutoff window before the event start.
type CancellationWindowError struct {
	HoursUntilStart float64
	CutoffHours     int
}

func (e *CancellationWindowError) Error() string {
	return fmt.Sprintf("cannot cancel %.1f hours before event start (cutoff is %d hours)",
		e.HoursUntilStart, e.CutoffHours)
}

// TransientError wraps an unexpected storage-layer fault (connectivity
// loss, commit failure). The operation had no effect and may be retried
// by the caller.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable storage fault.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
