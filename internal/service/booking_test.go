package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/memstore"
	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func seedEvent(store *memstore.Store, id string, capacity, available int, startsIn time.Duration) *model.Event {
	e := &model.Event{
		ID:        id,
		Name:      "Test Event " + id,
		Capacity:  capacity,
		Available: available,
		Price:     50,
		Status:    model.EventActive,
		StartsAt:  testNow.Add(startsIn),
		CreatedAt: testNow.Add(-24 * time.Hour),
		UpdatedAt: testNow.Add(-24 * time.Hour),
	}
	store.PutEvent(e)
	return e
}

func newBookingService(store *memstore.Store) *service.BookingService {
	return service.NewBookingService(store, nil, zap.NewNop(), service.BookingConfig{
		Now: fixedNow,
	})
}

// audit checks the ledger invariant: available == capacity minus the sum
// of confirmed reservation quantities.
func audit(t *testing.T, store *memstore.Store, eventID string, actors []string) {
	t.Helper()
	ctx := context.Background()
	event, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	confirmed := 0
	for _, actor := range actors {
		rs, err := store.ListReservationsForActor(ctx, actor, model.ReservationFilter{
			Status: model.ReservationConfirmed,
		})
		require.NoError(t, err)
		for _, r := range rs {
			if r.EventID == eventID {
				confirmed += r.Quantity
			}
		}
	}
	assert.Equal(t, event.Capacity-confirmed, event.Available,
		"available must equal capacity minus confirmed quantities")
}

func TestCreateReservation_Success(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 100, 72*time.Hour)
	svc := newBookingService(store)

	res, err := svc.CreateReservation(context.Background(), "actor-a", "evt-1", 3)
	require.NoError(t, err)

	assert.Equal(t, model.ReservationConfirmed, res.Status)
	assert.Equal(t, 3, res.Quantity)
	assert.Equal(t, 150.0, res.TotalAmount)
	assert.True(t, strings.HasPrefix(res.Reference, "EVT-"), "reference %q", res.Reference)

	event, err := store.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 97, event.Available)
}

func TestCreateReservation_Duplicate(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 100, 72*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 2)
	require.NoError(t, err)

	_, err = svc.CreateReservation(ctx, "actor-a", "evt-1", 1)
	assert.ErrorIs(t, err, model.ErrDuplicateReservation)

	// The failed attempt must not touch the ledger.
	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 98, event.Available)
}

func TestCreateReservation_InsufficientCapacity(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 4, 72*time.Hour)
	svc := newBookingService(store)

	_, err := svc.CreateReservation(context.Background(), "actor-a", "evt-1", 5)
	var insufficient *model.InsufficientCapacityError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Remaining)
	assert.Contains(t, err.Error(), "only 4 tickets available")

	event, err := store.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 4, event.Available)
}

func TestCreateReservation_EventNotBookable(t *testing.T) {
	store := memstore.New()

	past := seedEvent(store, "evt-past", 10, 10, 72*time.Hour)
	past.StartsAt = testNow.Add(-time.Hour)
	store.PutEvent(past)

	draft := seedEvent(store, "evt-draft", 10, 10, 72*time.Hour)
	draft.Status = model.EventDraft
	store.PutEvent(draft)

	svc := newBookingService(store)
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, "actor-a", "evt-past", 1)
	assert.ErrorIs(t, err, model.ErrEventNotBookable)

	_, err = svc.CreateReservation(ctx, "actor-a", "evt-draft", 1)
	assert.ErrorIs(t, err, model.ErrEventNotBookable)

	_, err = svc.CreateReservation(ctx, "actor-a", "evt-missing", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateReservation_QuantityLimits(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 100, 72*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 0)
	assert.Error(t, err)

	_, err = svc.CreateReservation(ctx, "actor-a", "evt-1", -1)
	assert.Error(t, err)

	// Default per-actor maximum is 10.
	_, err = svc.CreateReservation(ctx, "actor-a", "evt-1", 11)
	assert.Error(t, err)
}

func TestCreateReservation_InvalidatesStatsCache(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 100, 72*time.Hour)

	cache, mockCache := redismock.NewClientMock()
	svc := service.NewBookingService(store, cache, zap.NewNop(), service.BookingConfig{
		Now: fixedNow,
	})
	mockCache.ExpectDel("stats:evt-1").SetVal(1)

	_, err := svc.CreateReservation(context.Background(), "actor-a", "evt-1", 1)
	require.NoError(t, err)
	assert.NoError(t, mockCache.ExpectationsWereMet())
}

func TestConcurrentCreate_NeverOverbooks(t *testing.T) {
	const capacity = 10
	const attempts = 50

	store := memstore.New()
	seedEvent(store, "evt-1", capacity, capacity, 72*time.Hour)
	svc := newBookingService(store)

	actors := make([]string, attempts)
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		actors[i] = fmt.Sprintf("actor-%d", i)
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, results[i] = svc.CreateReservation(context.Background(), actors[i], "evt-1", 1)
		}()
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var insufficient *model.InsufficientCapacityError
		require.ErrorAs(t, err, &insufficient, "losers must fail with insufficient capacity")
		losses++
	}
	assert.Equal(t, capacity, wins)
	assert.Equal(t, attempts-capacity, losses)

	event, err := store.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, event.Available)
	audit(t, store, "evt-1", actors)
}

func TestConcurrentCreate_LastSeat(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 1, 1, 72*time.Hour)
	svc := newBookingService(store)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"actor-a", "actor-b"} {
		wg.Add(1)
		i, actor := i, actor
		go func() {
			defer wg.Done()
			_, errs[i] = svc.CreateReservation(context.Background(), actor, "evt-1", 1)
		}()
	}
	wg.Wait()

	// Exactly one wins; the loser learns there are zero seats left.
	if errs[0] == nil {
		require.Error(t, errs[1])
	} else {
		require.NoError(t, errs[1])
		errs[0], errs[1] = errs[1], errs[0]
	}
	var insufficient *model.InsufficientCapacityError
	require.ErrorAs(t, errs[1], &insufficient)
	assert.Equal(t, 0, insufficient.Remaining)

	event, err := store.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, event.Available)
}

func TestConcurrentCreateAndCancel_InvariantHolds(t *testing.T) {
	const capacity = 20
	const actorCount = 30

	store := memstore.New()
	seedEvent(store, "evt-1", capacity, capacity, 100*time.Hour)
	svc := newBookingService(store)

	actors := make([]string, actorCount)
	var wg sync.WaitGroup
	for i := 0; i < actorCount; i++ {
		actors[i] = fmt.Sprintf("actor-%d", i)
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			ctx := context.Background()
			res, err := svc.CreateReservation(ctx, actors[i], "evt-1", 2)
			if err != nil {
				return
			}
			// Half the winners cancel again immediately.
			if i%2 == 0 {
				_, _ = svc.CancelReservation(ctx, actors[i], res.ID)
			}
		}()
	}
	wg.Wait()

	audit(t, store, "evt-1", actors)
}

func TestCancelReservation_Success(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 3)
	require.NoError(t, err)

	cancelled, err := svc.CancelReservation(ctx, "actor-a", res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, testNow, *cancelled.CancelledAt)

	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 10, event.Available, "cancellation must release exactly the reserved quantity")
}

func TestCancelReservation_WindowClosed(t *testing.T) {
	store := memstore.New()
	// 20 hours until start: inside the default 24 hour cutoff.
	seedEvent(store, "evt-1", 10, 10, 20*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 3)
	require.NoError(t, err)

	_, err = svc.CancelReservation(ctx, "actor-a", res.ID)
	var window *model.CancellationWindowError
	require.ErrorAs(t, err, &window)
	assert.InDelta(t, 20.0, window.HoursUntilStart, 0.01)
	assert.Equal(t, 24, window.CutoffHours)

	// No side effects: still confirmed, ledger unchanged.
	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 7, event.Available)

	kept, err := store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, kept.Status)
}

func TestCancelReservation_ReplayFails(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 2)
	require.NoError(t, err)

	_, err = svc.CancelReservation(ctx, "actor-a", res.ID)
	require.NoError(t, err)

	_, err = svc.CancelReservation(ctx, "actor-a", res.ID)
	assert.ErrorIs(t, err, model.ErrNotCancellable)

	// The replay must not release capacity twice.
	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 10, event.Available)
}

func TestCancelReservation_WrongActor(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 2)
	require.NoError(t, err)

	_, err = svc.CancelReservation(ctx, "actor-b", res.ID)
	assert.ErrorIs(t, err, model.ErrNotCancellable)

	_, err = svc.CancelReservation(ctx, "actor-a", "no-such-reservation")
	assert.ErrorIs(t, err, model.ErrNotCancellable)
}

func TestRebookAfterCancel(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 5, 5, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 5)
	require.NoError(t, err)

	// Sold out: another actor cannot book.
	_, err = svc.CreateReservation(ctx, "actor-b", "evt-1", 1)
	var insufficient *model.InsufficientCapacityError
	require.ErrorAs(t, err, &insufficient)

	_, err = svc.CancelReservation(ctx, "actor-a", res.ID)
	require.NoError(t, err)

	// Freed capacity is visible to the next transaction.
	res2, err := svc.CreateReservation(ctx, "actor-b", "evt-1", 5)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, res2.Status)
}

func TestGetReservation_OwnershipAndReference(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 1)
	require.NoError(t, err)

	got, err := svc.GetReservation(ctx, "actor-a", res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	_, err = svc.GetReservation(ctx, "actor-b", res.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Public lookup by reference needs no actor.
	byRef, err := svc.GetReservationByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, res.ID, byRef.ID)

	_, err = svc.GetReservationByReference(ctx, "EVT-0-NOPE")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNewBookingReference_Format(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ref := service.NewBookingReference()
		parts := strings.Split(ref, "-")
		require.Len(t, parts, 3)
		assert.Equal(t, "EVT", parts[0])
		assert.Len(t, parts[2], 9)
		assert.False(t, seen[ref], "references should not repeat: %s", ref)
		seen[ref] = true
	}
}

func TestListReservations_Filters(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	seedEvent(store, "evt-2", 10, 10, 48*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	r1, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 1)
	require.NoError(t, err)
	_, err = svc.CreateReservation(ctx, "actor-a", "evt-2", 1)
	require.NoError(t, err)
	_, err = svc.CancelReservation(ctx, "actor-a", r1.ID)
	require.NoError(t, err)

	all, err := svc.ListReservations(ctx, "actor-a", model.ReservationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	confirmed, err := svc.ListReservations(ctx, "actor-a", model.ReservationFilter{
		Status: model.ReservationConfirmed,
	})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "evt-2", confirmed[0].EventID)

	_, err = svc.ListReservations(ctx, "", model.ReservationFilter{})
	assert.Error(t, err)
}

func TestReservationWrites_StampEventUpdatedAt(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 72*time.Hour)
	svc := newBookingService(store)
	ctx := context.Background()

	res, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 2)
	require.NoError(t, err)

	// The injected clock, not the wall clock, drives updated_at.
	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, testNow, event.UpdatedAt)

	_, err = svc.CancelReservation(ctx, "actor-a", res.ID)
	require.NoError(t, err)
	event, err = store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, testNow, event.UpdatedAt)
}

func TestListReservations_UpcomingOnly(t *testing.T) {
	store := memstore.New()
	store.Now = fixedNow
	seedEvent(store, "evt-future", 10, 10, 72*time.Hour)
	seedEvent(store, "evt-past", 10, 9, -time.Hour)
	seedReservation(store, "r-past", "evt-past", "actor-a", 1, 50, model.ReservationConfirmed, testNow.Add(-48*time.Hour))
	svc := newBookingService(store)
	ctx := context.Background()

	_, err := svc.CreateReservation(ctx, "actor-a", "evt-future", 1)
	require.NoError(t, err)

	all, err := svc.ListReservations(ctx, "actor-a", model.ReservationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	upcoming, err := svc.ListReservations(ctx, "actor-a", model.ReservationFilter{UpcomingOnly: true})
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "evt-future", upcoming[0].EventID)
}

func TestTransientFailurePropagates(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 48*time.Hour)
	svc := newBookingService(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.CreateReservation(ctx, "actor-a", "evt-1", 1)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err), "cancelled context should surface as transient, got %v", err)
	assert.False(t, errors.Is(err, model.ErrNotFound))
}
