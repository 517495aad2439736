// Package model defines the core domain types for the ticket inventory
// and booking engine.
package model

import "time"

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventActive    EventStatus = "active"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

// Event represents a bookable event with a fixed ticket capacity.
//
// Available is the live, contended counter: capacity minus the sum of
// confirmed reservation quantities. It is mutated only inside the
// event-serialized reservation transaction.
type Event struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Venue       string      `json:"venue"`
	Category    string      `json:"category"`
	Capacity    int         `json:"capacity"`
	Available   int         `json:"available_tickets"`
	Price       float64     `json:"price"`
	Status      EventStatus `json:"status"`
	StartsAt    time.Time   `json:"starts_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Booked returns the number of tickets held by confirmed reservations.
func (e *Event) Booked() int {
	return e.Capacity - e.Available
}

// Bookable reports whether the event accepts reservations at the given
// instant: it must be active and its start time still in the future.
func (e *Event) Bookable(now time.Time) bool {
	return e.Status == EventActive && e.StartsAt.After(now)
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation records a confirmed ticket purchase by one actor for one
// event. Transitions to cancelled only via the cancellation transaction,
// irreversibly.
type Reservation struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	ActorID     string            `json:"actor_id"`
	Quantity    int               `json:"quantity"`
	TotalAmount float64           `json:"total_amount"`
	Reference   string            `json:"booking_reference"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
}

// WaitlistStatus is the lifecycle state of a waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting  WaitlistStatus = "waiting"
	WaitlistNotified WaitlistStatus = "notified"
	WaitlistExpired  WaitlistStatus = "expired"
)

// WaitlistEntry records an actor waiting for capacity on a sold-out
// event. A notified entry is a time-boxed invitation to book; it does
// not hold any inventory.
type WaitlistEntry struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id"`
	ActorID    string         `json:"actor_id"`
	Quantity   int            `json:"quantity"`
	Status     WaitlistStatus `json:"status"`
	Priority   int            `json:"priority"`
	JoinedAt   time.Time      `json:"joined_at"`
	NotifiedAt *time.Time     `json:"notified_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	Status        EventStatus
	Category      string
	AvailableOnly bool
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// ReservationFilter narrows ListReservationsForActor results.
type ReservationFilter struct {
	Status       ReservationStatus
	UpcomingOnly bool
}

// EventStats is the per-event analytics rollup.
type EventStats struct {
	EventID           string  `json:"event_id"`
	Name              string  `json:"name"`
	Capacity          int     `json:"capacity"`
	Available         int     `json:"available_tickets"`
	Booked            int     `json:"booked_tickets"`
	Utilization       float64 `json:"utilization"`
	TotalReservations int     `json:"total_reservations"`
	TotalRevenue      float64 `json:"total_revenue"`
	Cancellations     int     `json:"cancellations"`
	CancellationRate  float64 `json:"cancellation_rate"`
}

// PopularEvent is an event ranked by confirmed ticket sales.
type PopularEvent struct {
	Event
	TotalReservations int     `json:"total_reservations"`
	TicketsSold       int     `json:"tickets_sold"`
	TotalRevenue      float64 `json:"total_revenue"`
}

// DailyStats is one day-bucket of reservation activity.
type DailyStats struct {
	Date          time.Time `json:"date"`
	Reservations  int       `json:"reservations"`
	Revenue       float64   `json:"revenue"`
	TicketsSold   int       `json:"tickets_sold"`
	Cancellations int       `json:"cancellations"`
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Venue       string  `json:"venue"`
	Category    string  `json:"category"`
	Capacity    int     `json:"capacity"`
	Price       float64 `json:"price"`
	StartsAt    string  `json:"starts_at"`
}

// CreateReservationRequest is the payload for reserving tickets.
// The actor identity is verified by the upstream auth layer.
type CreateReservationRequest struct {
	ActorID  string `json:"actor_id"`
	EventID  string `json:"event_id"`
	Quantity int    `json:"quantity"`
}

// JoinWaitlistRequest is the payload for joining an event's waitlist.
type JoinWaitlistRequest struct {
	ActorID  string `json:"actor_id"`
	EventID  string `json:"event_id"`
	Quantity int    `json:"quantity"`
}

// UpdateEventRequest replaces an event's mutable fields. Capacity is
// subject to the booked-count guard; available is derived, never set
// directly.
type UpdateEventRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Venue       string      `json:"venue"`
	Category    string      `json:"category"`
	Capacity    int         `json:"capacity"`
	Price       float64     `json:"price"`
	StartsAt    string      `json:"starts_at"`
	Status      EventStatus `json:"status"`
}

// UpdateCapacityRequest adjusts an event's capacity.
type UpdateCapacityRequest struct {
	Capacity int `json:"capacity"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
