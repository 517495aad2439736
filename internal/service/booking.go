package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/model"
)

// BookingConfig tunes the reservation transaction processor. Zero values
// fall back to sensible defaults.
type BookingConfig struct {
	// MaxTicketsPerActor caps the quantity of a single reservation.
	MaxTicketsPerActor int

	// CancellationCutoffHours is the minimum lead time before the event
	// start below which cancellation is disallowed.
	CancellationCutoffHours int

	// Now and NewReference are injectable for tests.
	Now          func() time.Time
	NewReference func() string
}

// BookingService executes the reservation create/cancel protocol against
// the ledger. All capacity mutations happen here, inside the
// event-serialized transaction; no other component writes the available
// counter.
type BookingService struct {
	store  Store
	cache  *redis.Client
	log    *zap.Logger
	maxQty int
	cutoff int
	now    func() time.Time
	newRef func() string
}

// NewBookingService constructs a BookingService. cache may be nil to
// disable stats-cache invalidation.
func NewBookingService(store Store, cache *redis.Client, log *zap.Logger, cfg BookingConfig) *BookingService {
	if cfg.MaxTicketsPerActor <= 0 {
		cfg.MaxTicketsPerActor = 10
	}
	if cfg.CancellationCutoffHours <= 0 {
		cfg.CancellationCutoffHours = 24
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewReference == nil {
		cfg.NewReference = NewBookingReference
	}
	return &BookingService{
		store:  store,
		cache:  cache,
		log:    log,
		maxQty: cfg.MaxTicketsPerActor,
		cutoff: cfg.CancellationCutoffHours,
		now:    cfg.Now,
		newRef: cfg.NewReference,
	}
}

const referenceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewBookingReference generates a human-readable reservation token of the
// form EVT-<unix-millis>-<9 base36 chars>. The timestamp prefix plus the
// store's unique index make collisions a non-issue in practice.
func NewBookingReference() string {
	var b strings.Builder
	for i := 0; i < 9; i++ {
		b.WriteByte(referenceAlphabet[rand.Intn(len(referenceAlphabet))])
	}
	return fmt.Sprintf("EVT-%d-%s", time.Now().UnixMilli(), b.String())
}

// CreateReservation reserves quantity tickets on an event for an actor.
//
// The whole protocol runs under the event's exclusive scope: bookability
// check, duplicate check, capacity check, ledger decrement, and the
// reservation insert commit as one unit. When several attempts race for
// the last tickets, scope acquisition order decides the winner; losers
// get InsufficientCapacityError with the exact remaining count.
func (s *BookingService) CreateReservation(ctx context.Context, actorID, eventID string, quantity int) (*model.Reservation, error) {
	if actorID == "" || eventID == "" {
		return nil, fmt.Errorf("actor id and event id are required")
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be a positive integer")
	}
	if quantity > s.maxQty {
		return nil, fmt.Errorf("quantity cannot exceed %d tickets per actor", s.maxQty)
	}

	var res *model.Reservation
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		event := tx.Event()
		now := s.now()

		if !event.Bookable(now) {
			return model.ErrEventNotBookable
		}

		existing, err := tx.ConfirmedReservation(actorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return model.ErrDuplicateReservation
		}

		if event.Available < quantity {
			return &model.InsufficientCapacityError{Remaining: event.Available}
		}

		event.Available -= quantity
		event.UpdatedAt = now
		if err := tx.UpdateEvent(event); err != nil {
			return err
		}

		res = &model.Reservation{
			ID:          uuid.New().String(),
			EventID:     eventID,
			ActorID:     actorID,
			Quantity:    quantity,
			TotalAmount: event.Price * float64(quantity),
			Reference:   s.newRef(),
			Status:      model.ReservationConfirmed,
			CreatedAt:   now,
		}
		return tx.InsertReservation(res)
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStats(ctx, eventID)
	s.log.Info("reservation confirmed",
		zap.String("event_id", eventID),
		zap.String("reference", res.Reference),
		zap.Int("quantity", quantity))
	return res, nil
}

// CancelReservation cancels the actor's confirmed reservation and
// releases its tickets back to the ledger, provided the event start is at
// least the configured cutoff away. A replayed cancel fails with
// ErrNotCancellable and leaves the ledger untouched.
func (s *BookingService) CancelReservation(ctx context.Context, actorID, reservationID string) (*model.Reservation, error) {
	if actorID == "" || reservationID == "" {
		return nil, fmt.Errorf("actor id and reservation id are required")
	}

	// Resolve the owning event first; ownership and status are
	// re-verified under the event's lock.
	existing, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotCancellable
		}
		return nil, err
	}

	var cancelled *model.Reservation
	err = s.store.WithEvent(ctx, existing.EventID, func(tx EventTx) error {
		r, err := tx.ReservationForUpdate(reservationID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrNotCancellable
			}
			return err
		}
		if r.ActorID != actorID || r.Status != model.ReservationConfirmed {
			return model.ErrNotCancellable
		}

		event := tx.Event()
		now := s.now()
		hoursUntil := event.StartsAt.Sub(now).Hours()
		if hoursUntil < float64(s.cutoff) {
			return &model.CancellationWindowError{
				HoursUntilStart: hoursUntil,
				CutoffHours:     s.cutoff,
			}
		}

		r.Status = model.ReservationCancelled
		r.CancelledAt = &now
		if err := tx.UpdateReservation(r); err != nil {
			return err
		}

		event.Available += r.Quantity
		event.UpdatedAt = now
		if err := tx.UpdateEvent(event); err != nil {
			return err
		}
		cancelled = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStats(ctx, existing.EventID)
	s.log.Info("reservation cancelled",
		zap.String("event_id", existing.EventID),
		zap.String("reservation_id", reservationID),
		zap.Int("released", cancelled.Quantity))
	return cancelled, nil
}

// GetReservation returns a reservation by ID, restricted to its owner.
func (s *BookingService) GetReservation(ctx context.Context, actorID, id string) (*model.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ActorID != actorID {
		return nil, model.ErrNotFound
	}
	return r, nil
}

// GetReservationByReference looks up a reservation by its public token.
func (s *BookingService) GetReservationByReference(ctx context.Context, ref string) (*model.Reservation, error) {
	if ref == "" {
		return nil, model.ErrNotFound
	}
	return s.store.GetReservationByReference(ctx, ref)
}

// ListReservations returns the actor's reservations, optionally filtered
// by status or upcoming events only.
func (s *BookingService) ListReservations(ctx context.Context, actorID string, f model.ReservationFilter) ([]model.Reservation, error) {
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}
	return s.store.ListReservationsForActor(ctx, actorID, f)
}

func (s *BookingService) invalidateStats(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, statsCacheKey(eventID)).Err(); err != nil {
		// The cache is best-effort: a stale entry expires on its own TTL.
		s.log.Warn("stats cache invalidation failed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}
