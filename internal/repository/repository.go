// Package repository implements the storage contract on PostgreSQL.
// It uses pgx directly (no ORM) for transparency and performance.
//
// Event-scoped serialization is pessimistic row locking: WithEvent opens
// a transaction and takes SELECT ... FOR UPDATE on the event row, so any
// concurrent transaction against the same event blocks until this one
// commits or rolls back. Transactions against different events lock
// different rows and proceed independently. The available counter is
// adjusted by an explicit UPDATE inside the same transaction as the
// reservation write — never by a trigger.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

const eventColumns = `id, name, description, venue, category, capacity,
	available_tickets, price, status, starts_at, created_at, updated_at`

const reservationColumns = `id, event_id, actor_id, quantity, total_amount,
	booking_reference, status, created_at, cancelled_at`

const waitlistColumns = `id, event_id, actor_id, quantity, status, priority,
	joined_at, notified_at, expires_at`

// Store is the PostgreSQL implementation of service.Store.
type Store struct {
	db *pgxpool.Pool
}

// New constructs a Store on a pgx connection pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func transient(op string, err error) error {
	return &model.TransientError{Op: op, Err: err}
}

// WithEvent runs fn inside a transaction that holds an exclusive row
// lock on the event. fn's writes commit together or not at all.
func (s *Store) WithEvent(ctx context.Context, eventID string, fn func(tx service.EventTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return transient("begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var e model.Event
	err = tx.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE id = $1
		 FOR UPDATE`,
		eventID,
	).Scan(&e.ID, &e.Name, &e.Description, &e.Venue, &e.Category, &e.Capacity,
		&e.Available, &e.Price, &e.Status, &e.StartsAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return transient("lock event row", err)
	}

	if err := fn(&eventTx{ctx: ctx, tx: tx, event: &e}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return transient("commit transaction", err)
	}
	committed = true
	return nil
}

// eventTx exposes reads and writes scoped to the locked event row.
type eventTx struct {
	ctx   context.Context
	tx    pgx.Tx
	event *model.Event
}

func (t *eventTx) Event() *model.Event { return t.event }

func (t *eventTx) UpdateEvent(e *model.Event) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE events
		 SET name = $1, description = $2, venue = $3, category = $4,
		     capacity = $5, available_tickets = $6, price = $7, status = $8,
		     starts_at = $9, updated_at = $10
		 WHERE id = $11`,
		e.Name, e.Description, e.Venue, e.Category,
		e.Capacity, e.Available, e.Price, e.Status,
		e.StartsAt, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return transient("update event", err)
	}
	return nil
}

func (t *eventTx) ConfirmedReservation(actorID string) (*model.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(t.ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE event_id = $1 AND actor_id = $2 AND status = 'confirmed'`,
		t.event.ID, actorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, transient("check duplicate reservation", err)
	}
	return r, nil
}

func (t *eventTx) ReservationForUpdate(id string) (*model.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(t.ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE id = $1 AND event_id = $2
		 FOR UPDATE`,
		id, t.event.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("lock reservation row", err)
	}
	return r, nil
}

func (t *eventTx) InsertReservation(r *model.Reservation) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO reservations
		   (id, event_id, actor_id, quantity, total_amount, booking_reference, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.EventID, r.ActorID, r.Quantity, r.TotalAmount, r.Reference, r.Status, r.CreatedAt,
	)
	if err != nil {
		return transient("insert reservation", err)
	}
	return nil
}

func (t *eventTx) UpdateReservation(r *model.Reservation) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE reservations
		 SET status = $1, cancelled_at = $2
		 WHERE id = $3`,
		r.Status, r.CancelledAt, r.ID,
	)
	if err != nil {
		return transient("update reservation", err)
	}
	return nil
}

func (t *eventTx) WaitingEntry(actorID string) (*model.WaitlistEntry, error) {
	w, err := scanWaitlistEntry(t.tx.QueryRow(t.ctx,
		`SELECT `+waitlistColumns+`
		 FROM waitlist
		 WHERE event_id = $1 AND actor_id = $2 AND status = 'waiting'`,
		t.event.ID, actorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, transient("check waitlist entry", err)
	}
	return w, nil
}

func (t *eventTx) InsertWaitlistEntry(w *model.WaitlistEntry) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO waitlist
		   (id, event_id, actor_id, quantity, status, priority, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.EventID, w.ActorID, w.Quantity, w.Status, w.Priority, w.JoinedAt,
	)
	if err != nil {
		return transient("insert waitlist entry", err)
	}
	return nil
}

func (t *eventTx) UpdateWaitlistEntry(w *model.WaitlistEntry) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE waitlist
		 SET status = $1, notified_at = $2, expires_at = $3
		 WHERE id = $4`,
		w.Status, w.NotifiedAt, w.ExpiresAt, w.ID,
	)
	if err != nil {
		return transient("update waitlist entry", err)
	}
	return nil
}

func (t *eventTx) DeleteWaitingEntry(actorID string) (*model.WaitlistEntry, error) {
	w, err := scanWaitlistEntry(t.tx.QueryRow(t.ctx,
		`DELETE FROM waitlist
		 WHERE event_id = $1 AND actor_id = $2 AND status = 'waiting'
		 RETURNING `+waitlistColumns,
		t.event.ID, actorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("delete waitlist entry", err)
	}
	return w, nil
}

func (t *eventTx) NextWaitlistPriority() (int, error) {
	var next int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COALESCE(MAX(priority), 0) + 1 FROM waitlist WHERE event_id = $1`,
		t.event.ID,
	).Scan(&next)
	if err != nil {
		return 0, transient("next waitlist priority", err)
	}
	return next, nil
}

func (t *eventTx) WaitingEntries() ([]model.WaitlistEntry, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+waitlistColumns+`
		 FROM waitlist
		 WHERE event_id = $1 AND status = 'waiting'
		 ORDER BY priority ASC`,
		t.event.ID,
	)
	if err != nil {
		return nil, transient("list waiting entries", err)
	}
	return collectWaitlist(rows)
}

// ─── Catalog ─────────────────────────────────────────────────────────────

// CreateEvent inserts a new event.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events
		   (id, name, description, venue, category, capacity, available_tickets,
		    price, status, starts_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Name, e.Description, e.Venue, e.Category, e.Capacity, e.Available,
		e.Price, e.Status, e.StartsAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return transient("insert event", err)
	}
	return nil
}

// GetEvent returns a single event or model.ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.Description, &e.Venue, &e.Category, &e.Capacity,
		&e.Available, &e.Price, &e.Status, &e.StartsAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("get event", err)
	}
	return &e, nil
}

// ListEvents returns events matching the filter ordered by start time.
func (s *Store) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	where := "WHERE 1=1"
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		where += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.Category != "" {
		add("category =", f.Category)
	}
	if !f.From.IsZero() {
		add("starts_at >=", f.From)
	}
	if !f.To.IsZero() {
		add("starts_at <=", f.To)
	}
	if f.AvailableOnly {
		where += " AND available_tickets > 0"
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events `+where+`
		 ORDER BY starts_at ASC
		 LIMIT $`+fmt.Sprint(n+1)+` OFFSET $`+fmt.Sprint(n+2),
		args...,
	)
	if err != nil {
		return nil, transient("list events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.Venue, &e.Category,
			&e.Capacity, &e.Available, &e.Price, &e.Status, &e.StartsAt,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, transient("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list events", err)
	}
	return events, nil
}

// ─── Reservation reads ───────────────────────────────────────────────────

// GetReservation returns a reservation by ID.
func (s *Store) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := scanReservation(s.db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("get reservation", err)
	}
	return r, nil
}

// GetReservationByReference returns a reservation by its public token.
func (s *Store) GetReservationByReference(ctx context.Context, ref string) (*model.Reservation, error) {
	r, err := scanReservation(s.db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE booking_reference = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("get reservation by reference", err)
	}
	return r, nil
}

// ListReservationsForActor returns the actor's reservations, newest
// first.
func (s *Store) ListReservationsForActor(ctx context.Context, actorID string, f model.ReservationFilter) ([]model.Reservation, error) {
	query := `SELECT r.id, r.event_id, r.actor_id, r.quantity, r.total_amount,
	                 r.booking_reference, r.status, r.created_at, r.cancelled_at
	          FROM reservations r
	          JOIN events e ON e.id = r.event_id
	          WHERE r.actor_id = $1`
	args := []any{actorID}
	if f.Status != "" {
		query += ` AND r.status = $2`
		args = append(args, f.Status)
	}
	if f.UpcomingOnly {
		query += ` AND e.starts_at > NOW()`
	}
	query += ` ORDER BY r.created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, transient("list reservations", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		if err := rows.Scan(&r.ID, &r.EventID, &r.ActorID, &r.Quantity, &r.TotalAmount,
			&r.Reference, &r.Status, &r.CreatedAt, &r.CancelledAt); err != nil {
			return nil, transient("scan reservation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list reservations", err)
	}
	return out, nil
}

// ─── Waitlist reads ──────────────────────────────────────────────────────

// ListWaitlistForActor returns the actor's waiting entries, oldest join
// first.
func (s *Store) ListWaitlistForActor(ctx context.Context, actorID string) ([]model.WaitlistEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+waitlistColumns+`
		 FROM waitlist
		 WHERE actor_id = $1 AND status = 'waiting'
		 ORDER BY joined_at ASC`,
		actorID,
	)
	if err != nil {
		return nil, transient("list waitlist for actor", err)
	}
	return collectWaitlist(rows)
}

// ListWaitlistForEvent returns an event's waiting entries in priority
// order.
func (s *Store) ListWaitlistForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+waitlistColumns+`
		 FROM waitlist
		 WHERE event_id = $1 AND status = 'waiting'
		 ORDER BY priority ASC`,
		eventID,
	)
	if err != nil {
		return nil, transient("list waitlist for event", err)
	}
	return collectWaitlist(rows)
}

// ─── Analytics ───────────────────────────────────────────────────────────

// EventStats aggregates utilization, revenue, and cancellations for one
// event in a single snapshot query.
func (s *Store) EventStats(ctx context.Context, eventID string) (*model.EventStats, error) {
	var st model.EventStats
	err := s.db.QueryRow(ctx,
		`SELECT e.id, e.name, e.capacity, e.available_tickets,
		        (e.capacity - e.available_tickets) AS booked,
		        COUNT(r.id) AS total_reservations,
		        COALESCE(SUM(CASE WHEN r.status = 'confirmed' THEN r.total_amount ELSE 0 END), 0) AS total_revenue,
		        COUNT(CASE WHEN r.status = 'cancelled' THEN 1 END) AS cancellations
		 FROM events e
		 LEFT JOIN reservations r ON r.event_id = e.id
		 WHERE e.id = $1
		 GROUP BY e.id, e.name, e.capacity, e.available_tickets`,
		eventID,
	).Scan(&st.EventID, &st.Name, &st.Capacity, &st.Available, &st.Booked,
		&st.TotalReservations, &st.TotalRevenue, &st.Cancellations)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, transient("event stats", err)
	}
	if st.Capacity > 0 {
		st.Utilization = float64(st.Booked) / float64(st.Capacity)
	}
	if st.TotalReservations > 0 {
		st.CancellationRate = float64(st.Cancellations) / float64(st.TotalReservations)
	}
	return &st, nil
}

// PopularEvents ranks active events by confirmed tickets sold,
// descending.
func (s *Store) PopularEvents(ctx context.Context, limit int) ([]model.PopularEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT e.id, e.name, e.description, e.venue, e.category, e.capacity,
		        e.available_tickets, e.price, e.status, e.starts_at, e.created_at, e.updated_at,
		        COUNT(r.id) AS total_reservations,
		        COALESCE(SUM(r.quantity), 0) AS tickets_sold,
		        COALESCE(SUM(r.total_amount), 0) AS total_revenue
		 FROM events e
		 LEFT JOIN reservations r ON r.event_id = e.id AND r.status = 'confirmed'
		 WHERE e.status = 'active'
		 GROUP BY e.id
		 ORDER BY tickets_sold DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, transient("popular events", err)
	}
	defer rows.Close()

	var out []model.PopularEvent
	for rows.Next() {
		var p model.PopularEvent
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Venue, &p.Category,
			&p.Capacity, &p.Available, &p.Price, &p.Status, &p.StartsAt,
			&p.CreatedAt, &p.UpdatedAt,
			&p.TotalReservations, &p.TicketsSold, &p.TotalRevenue); err != nil {
			return nil, transient("scan popular event", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("popular events", err)
	}
	return out, nil
}

// DailyStats buckets reservation activity by creation day since the
// given instant, newest first.
func (s *Store) DailyStats(ctx context.Context, since time.Time) ([]model.DailyStats, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DATE(created_at) AS day,
		        COUNT(*) AS reservations,
		        COALESCE(SUM(CASE WHEN status = 'confirmed' THEN total_amount ELSE 0 END), 0) AS revenue,
		        COALESCE(SUM(CASE WHEN status = 'confirmed' THEN quantity ELSE 0 END), 0) AS tickets_sold,
		        COUNT(CASE WHEN status = 'cancelled' THEN 1 END) AS cancellations
		 FROM reservations
		 WHERE created_at >= $1
		 GROUP BY DATE(created_at)
		 ORDER BY day DESC`,
		since,
	)
	if err != nil {
		return nil, transient("daily stats", err)
	}
	defer rows.Close()

	var out []model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.Reservations, &d.Revenue, &d.TicketsSold, &d.Cancellations); err != nil {
			return nil, transient("scan daily stats", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("daily stats", err)
	}
	return out, nil
}

// ─── Maintenance ─────────────────────────────────────────────────────────

// ExpireOverdueNotifications transitions notified waitlist entries past
// their deadline to expired.
func (s *Store) ExpireOverdueNotifications(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE waitlist
		 SET status = 'expired'
		 WHERE status = 'notified' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, transient("expire notifications", err)
	}
	return tag.RowsAffected(), nil
}

// MarkCompletedEvents transitions past active events to completed.
func (s *Store) MarkCompletedEvents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE events
		 SET status = 'completed', updated_at = $1
		 WHERE status = 'active' AND starts_at < $1`,
		now,
	)
	if err != nil {
		return 0, transient("mark completed events", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeCancelledBefore deletes cancelled reservations older than the
// retention cutoff.
func (s *Store) PurgeCancelledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM reservations
		 WHERE status = 'cancelled' AND cancelled_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, transient("purge cancelled reservations", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertDailyAnalytics recomputes the given day's per-event rollup rows.
func (s *Store) UpsertDailyAnalytics(ctx context.Context, day time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO daily_analytics (event_id, day, reservations, revenue, tickets_sold, cancellations)
		 SELECT e.id, $1::date,
		        COALESCE(st.reservations, 0),
		        COALESCE(st.revenue, 0),
		        COALESCE(st.tickets_sold, 0),
		        COALESCE(st.cancellations, 0)
		 FROM events e
		 LEFT JOIN (
		   SELECT event_id,
		          COUNT(*) AS reservations,
		          SUM(CASE WHEN status = 'confirmed' THEN total_amount ELSE 0 END) AS revenue,
		          SUM(CASE WHEN status = 'confirmed' THEN quantity ELSE 0 END) AS tickets_sold,
		          COUNT(CASE WHEN status = 'cancelled' THEN 1 END) AS cancellations
		   FROM reservations
		   WHERE DATE(created_at) = $1::date
		   GROUP BY event_id
		 ) st ON st.event_id = e.id
		 ON CONFLICT (event_id, day) DO UPDATE SET
		   reservations = EXCLUDED.reservations,
		   revenue = EXCLUDED.revenue,
		   tickets_sold = EXCLUDED.tickets_sold,
		   cancellations = EXCLUDED.cancellations`,
		day,
	)
	if err != nil {
		return transient("upsert daily analytics", err)
	}
	return nil
}

// ─── Row helpers ─────────────────────────────────────────────────────────

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var r model.Reservation
	err := row.Scan(&r.ID, &r.EventID, &r.ActorID, &r.Quantity, &r.TotalAmount,
		&r.Reference, &r.Status, &r.CreatedAt, &r.CancelledAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectWaitlist(rows pgx.Rows) ([]model.WaitlistEntry, error) {
	defer rows.Close()
	var out []model.WaitlistEntry
	for rows.Next() {
		var w model.WaitlistEntry
		if err := rows.Scan(&w.ID, &w.EventID, &w.ActorID, &w.Quantity, &w.Status,
			&w.Priority, &w.JoinedAt, &w.NotifiedAt, &w.ExpiresAt); err != nil {
			return nil, transient("scan waitlist entry", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("collect waitlist", err)
	}
	return out, nil
}

func scanWaitlistEntry(row pgx.Row) (*model.WaitlistEntry, error) {
	var w model.WaitlistEntry
	err := row.Scan(&w.ID, &w.EventID, &w.ActorID, &w.Quantity, &w.Status,
		&w.Priority, &w.JoinedAt, &w.NotifiedAt, &w.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
