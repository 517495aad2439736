// Package service implements the booking consistency engine: the
// reservation transaction protocol, the waitlist arbitration rules, and
// the read-only analytics rollups. It talks to storage through the Store
// interface so the same protocol runs against PostgreSQL in production
// and the in-memory backend in tests.
package service

import (
	"context"
	"time"

	"github.com/oakparklabs/eventledger/internal/model"
)

// EventTx is the set of reads and writes available while holding
// exclusive access to one event's consistency scope. Everything done
// through it commits atomically with the enclosing WithEvent call, or
// not at all.
type EventTx interface {
	// Event returns a snapshot of the locked event. Mutations made to
	// the returned value are persisted by UpdateEvent.
	Event() *model.Event

	// UpdateEvent persists the event's capacity, available counter,
	// status, and updated-at timestamp.
	UpdateEvent(e *model.Event) error

	// ConfirmedReservation returns the actor's confirmed reservation for
	// the locked event, or nil if there is none.
	ConfirmedReservation(actorID string) (*model.Reservation, error)

	// ReservationForUpdate loads a reservation on the locked event for
	// modification. Returns model.ErrNotFound if it does not exist.
	ReservationForUpdate(id string) (*model.Reservation, error)

	InsertReservation(r *model.Reservation) error
	UpdateReservation(r *model.Reservation) error

	// WaitingEntry returns the actor's waiting entry for the locked
	// event, or nil if there is none.
	WaitingEntry(actorID string) (*model.WaitlistEntry, error)

	InsertWaitlistEntry(w *model.WaitlistEntry) error
	UpdateWaitlistEntry(w *model.WaitlistEntry) error

	// DeleteWaitingEntry removes the actor's waiting entry and returns
	// it, or model.ErrNotFound if there is none.
	DeleteWaitingEntry(actorID string) (*model.WaitlistEntry, error)

	// NextWaitlistPriority returns the join-order priority for a new
	// entry on the locked event.
	NextWaitlistPriority() (int, error)

	// WaitingEntries returns the event's waiting entries in ascending
	// priority order.
	WaitingEntries() ([]model.WaitlistEntry, error)
}

// Store is the storage contract the engine is built against.
//
// WithEvent is the single serialization point: conflicting operations on
// the same event are totally ordered, operations on different events do
// not block each other, and all writes made inside fn commit together or
// roll back together. Infrastructure faults surface as
// *model.TransientError; fn errors abort the transaction unchanged.
type Store interface {
	WithEvent(ctx context.Context, eventID string, fn func(tx EventTx) error) error

	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error)

	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	GetReservationByReference(ctx context.Context, ref string) (*model.Reservation, error)
	ListReservationsForActor(ctx context.Context, actorID string, f model.ReservationFilter) ([]model.Reservation, error)

	ListWaitlistForActor(ctx context.Context, actorID string) ([]model.WaitlistEntry, error)
	ListWaitlistForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error)

	// EventStats and DailyStats read a consistent snapshot relative to
	// the commit boundary; they never observe a torn write.
	EventStats(ctx context.Context, eventID string) (*model.EventStats, error)
	DailyStats(ctx context.Context, since time.Time) ([]model.DailyStats, error)

	// PopularEvents ranks active events by confirmed tickets sold.
	PopularEvents(ctx context.Context, limit int) ([]model.PopularEvent, error)

	// Maintenance entry points, driven by the scheduler.
	ExpireOverdueNotifications(ctx context.Context, now time.Time) (int64, error)
	MarkCompletedEvents(ctx context.Context, now time.Time) (int64, error)
	PurgeCancelledBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertDailyAnalytics(ctx context.Context, day time.Time) error
}
