// Package memstore provides an in-memory implementation of the storage
// contract. Event-scoped serialization uses a per-event lock manager and
// all writes inside a transaction are staged, then applied atomically at
// commit, so a failed operation leaves no partial effect.
//
// It backs the engine's property tests and runs the service without
// PostgreSQL in local development.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

// Store is an in-memory service.Store.
type Store struct {
	mu           sync.Mutex
	events       map[string]*model.Event
	reservations map[string]*model.Reservation
	waitlist     map[string]*model.WaitlistEntry
	rollups      map[string]model.DailyStats

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// Now supplies the clock for time-relative reads. Tests may replace
	// it.
	Now func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		events:       make(map[string]*model.Event),
		reservations: make(map[string]*model.Reservation),
		waitlist:     make(map[string]*model.WaitlistEntry),
		rollups:      make(map[string]model.DailyStats),
		locks:        make(map[string]*sync.Mutex),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// lockFor returns the mutex serializing one event's transactions,
// creating it on first use. Locks for different events are independent.
func (s *Store) lockFor(eventID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[eventID] = l
	}
	return l
}

// WithEvent runs fn while holding the event's lock. Writes staged by fn
// are applied only if fn returns nil.
func (s *Store) WithEvent(ctx context.Context, eventID string, fn func(tx service.EventTx) error) error {
	if err := ctx.Err(); err != nil {
		return &model.TransientError{Op: "with event", Err: err}
	}

	lock := s.lockFor(eventID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	stored, ok := s.events[eventID]
	if !ok {
		s.mu.Unlock()
		return model.ErrNotFound
	}
	snapshot := *stored
	s.mu.Unlock()

	tx := &eventTx{store: s, event: &snapshot}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// eventTx stages mutations for a single event-scoped transaction.
type eventTx struct {
	store *Store
	event *model.Event

	eventDirty     bool
	resWrites      []*model.Reservation
	waitlistWrites []*model.WaitlistEntry
	waitlistDels   []string
}

func (t *eventTx) Event() *model.Event { return t.event }

func (t *eventTx) UpdateEvent(e *model.Event) error {
	t.event = e
	t.eventDirty = true
	return nil
}

func (t *eventTx) ConfirmedReservation(actorID string) (*model.Reservation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, r := range t.store.reservations {
		if r.EventID == t.event.ID && r.ActorID == actorID && r.Status == model.ReservationConfirmed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *eventTx) ReservationForUpdate(id string) (*model.Reservation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.reservations[id]
	if !ok || r.EventID != t.event.ID {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *eventTx) InsertReservation(r *model.Reservation) error {
	cp := *r
	t.resWrites = append(t.resWrites, &cp)
	return nil
}

func (t *eventTx) UpdateReservation(r *model.Reservation) error {
	cp := *r
	t.resWrites = append(t.resWrites, &cp)
	return nil
}

func (t *eventTx) WaitingEntry(actorID string) (*model.WaitlistEntry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, w := range t.store.waitlist {
		if w.EventID == t.event.ID && w.ActorID == actorID && w.Status == model.WaitlistWaiting {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *eventTx) InsertWaitlistEntry(w *model.WaitlistEntry) error {
	cp := *w
	t.waitlistWrites = append(t.waitlistWrites, &cp)
	return nil
}

func (t *eventTx) UpdateWaitlistEntry(w *model.WaitlistEntry) error {
	cp := *w
	t.waitlistWrites = append(t.waitlistWrites, &cp)
	return nil
}

func (t *eventTx) DeleteWaitingEntry(actorID string) (*model.WaitlistEntry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, w := range t.store.waitlist {
		if w.EventID == t.event.ID && w.ActorID == actorID && w.Status == model.WaitlistWaiting {
			cp := *w
			t.waitlistDels = append(t.waitlistDels, id)
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (t *eventTx) NextWaitlistPriority() (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	max := 0
	for _, w := range t.store.waitlist {
		if w.EventID == t.event.ID && w.Priority > max {
			max = w.Priority
		}
	}
	return max + 1, nil
}

func (t *eventTx) WaitingEntries() ([]model.WaitlistEntry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var entries []model.WaitlistEntry
	for _, w := range t.store.waitlist {
		if w.EventID == t.event.ID && w.Status == model.WaitlistWaiting {
			entries = append(entries, *w)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})
	return entries, nil
}

// commit applies all staged writes under the store mutex so readers
// never observe a torn transaction.
func (t *eventTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.eventDirty {
		cp := *t.event
		t.store.events[cp.ID] = &cp
	}
	for _, r := range t.resWrites {
		cp := *r
		t.store.reservations[cp.ID] = &cp
	}
	for _, w := range t.waitlistWrites {
		cp := *w
		t.store.waitlist[cp.ID] = &cp
	}
	for _, id := range t.waitlistDels {
		delete(t.store.waitlist, id)
	}
}

// ─── Catalog reads and writes ────────────────────────────────────────────

// CreateEvent stores a new event.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[cp.ID] = &cp
	return nil
}

// PutEvent inserts or replaces an event directly, bypassing validation.
// Intended for seeding tests and local fixtures.
func (s *Store) PutEvent(e *model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[cp.ID] = &cp
}

// PutReservation inserts or replaces a reservation directly. Intended
// for seeding tests.
func (s *Store) PutReservation(r *model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reservations[cp.ID] = &cp
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// ListEvents returns events matching the filter, newest start first.
func (s *Store) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.AvailableOnly && e.Available <= 0 {
			continue
		}
		if !f.From.IsZero() && e.StartsAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.StartsAt.After(f.To) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetReservation returns a reservation by ID.
func (s *Store) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetReservationByReference returns a reservation by its public token.
func (s *Store) GetReservationByReference(ctx context.Context, ref string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.Reference == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

// ListReservationsForActor returns the actor's reservations, newest
// first.
func (s *Store) ListReservationsForActor(ctx context.Context, actorID string, f model.ReservationFilter) ([]model.Reservation, error) {
	s.mu.Lock()
	now := s.Now()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.ActorID != actorID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.UpcomingOnly {
			e, ok := s.events[r.EventID]
			if !ok || !e.StartsAt.After(now) {
				continue
			}
		}
		out = append(out, *r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListWaitlistForActor returns the actor's waiting entries, oldest join
// first.
func (s *Store) ListWaitlistForActor(ctx context.Context, actorID string) ([]model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WaitlistEntry
	for _, w := range s.waitlist {
		if w.ActorID == actorID && w.Status == model.WaitlistWaiting {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// ListWaitlistForEvent returns an event's waiting entries in priority
// order.
func (s *Store) ListWaitlistForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WaitlistEntry
	for _, w := range s.waitlist {
		if w.EventID == eventID && w.Status == model.WaitlistWaiting {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ─── Analytics reads ─────────────────────────────────────────────────────

// EventStats computes the per-event rollup from current state.
func (s *Store) EventStats(ctx context.Context, eventID string) (*model.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}
	stats := &model.EventStats{
		EventID:   e.ID,
		Name:      e.Name,
		Capacity:  e.Capacity,
		Available: e.Available,
		Booked:    e.Capacity - e.Available,
	}
	if e.Capacity > 0 {
		stats.Utilization = float64(stats.Booked) / float64(e.Capacity)
	}
	for _, r := range s.reservations {
		if r.EventID != eventID {
			continue
		}
		stats.TotalReservations++
		switch r.Status {
		case model.ReservationConfirmed:
			stats.TotalRevenue += r.TotalAmount
		case model.ReservationCancelled:
			stats.Cancellations++
		}
	}
	if stats.TotalReservations > 0 {
		stats.CancellationRate = float64(stats.Cancellations) / float64(stats.TotalReservations)
	}
	return stats, nil
}

// PopularEvents ranks active events by confirmed tickets sold,
// descending.
func (s *Store) PopularEvents(ctx context.Context, limit int) ([]model.PopularEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PopularEvent
	for _, e := range s.events {
		if e.Status != model.EventActive {
			continue
		}
		p := model.PopularEvent{Event: *e}
		for _, r := range s.reservations {
			if r.EventID == e.ID && r.Status == model.ReservationConfirmed {
				p.TotalReservations++
				p.TicketsSold += r.Quantity
				p.TotalRevenue += r.TotalAmount
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketsSold > out[j].TicketsSold })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DailyStats buckets reservation activity by creation day, newest first.
func (s *Store) DailyStats(ctx context.Context, since time.Time) ([]model.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets := make(map[time.Time]*model.DailyStats)
	for _, r := range s.reservations {
		if r.CreatedAt.Before(since) {
			continue
		}
		day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		b, ok := buckets[day]
		if !ok {
			b = &model.DailyStats{Date: day}
			buckets[day] = b
		}
		b.Reservations++
		switch r.Status {
		case model.ReservationConfirmed:
			b.Revenue += r.TotalAmount
			b.TicketsSold += r.Quantity
		case model.ReservationCancelled:
			b.Cancellations++
		}
	}
	out := make([]model.DailyStats, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// ─── Maintenance ─────────────────────────────────────────────────────────

// ExpireOverdueNotifications transitions notified entries past their
// deadline to expired.
func (s *Store) ExpireOverdueNotifications(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, w := range s.waitlist {
		if w.Status == model.WaitlistNotified && w.ExpiresAt != nil && w.ExpiresAt.Before(now) {
			w.Status = model.WaitlistExpired
			n++
		}
	}
	return n, nil
}

// MarkCompletedEvents transitions past active events to completed,
// taking each event's lock so in-flight transactions are not clobbered.
func (s *Store) MarkCompletedEvents(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	var due []string
	for id, e := range s.events {
		if e.Status == model.EventActive && e.StartsAt.Before(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	var n int64
	for _, id := range due {
		err := s.WithEvent(ctx, id, func(tx service.EventTx) error {
			e := tx.Event()
			if e.Status != model.EventActive || !e.StartsAt.Before(now) {
				return nil
			}
			e.Status = model.EventCompleted
			e.UpdatedAt = now
			n++
			return tx.UpdateEvent(e)
		})
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return n, err
		}
	}
	return n, nil
}

// PurgeCancelledBefore deletes cancelled reservations with a
// cancellation timestamp before the cutoff.
func (s *Store) PurgeCancelledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reservations {
		if r.Status == model.ReservationCancelled && r.CancelledAt != nil && r.CancelledAt.Before(cutoff) {
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}

// UpsertDailyAnalytics recomputes the given day's per-event rollups.
func (s *Store) UpsertDailyAnalytics(ctx context.Context, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := day.UTC().Truncate(24 * time.Hour)
	for eventID := range s.events {
		stats := model.DailyStats{Date: bucket}
		for _, r := range s.reservations {
			if r.EventID != eventID || !r.CreatedAt.UTC().Truncate(24*time.Hour).Equal(bucket) {
				continue
			}
			stats.Reservations++
			switch r.Status {
			case model.ReservationConfirmed:
				stats.Revenue += r.TotalAmount
				stats.TicketsSold += r.Quantity
			case model.ReservationCancelled:
				stats.Cancellations++
			}
		}
		s.rollups[eventID+"|"+bucket.Format("2006-01-02")] = stats
	}
	return nil
}
