package service_test

import (
	"context"
	"encoding/json"
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

func newAnalyticsService(store *memstore.Store) *service.AnalyticsService {
	return service.NewAnalyticsService(store, nil, zap.NewNop(), service.AnalyticsConfig{
		Now: fixedNow,
	})
}

func seedReservation(store *memstore.Store, id, eventID, actorID string, qty int, amount float64, status model.ReservationStatus, createdAt time.Time) {
	r := &model.Reservation{
		ID:          id,
		EventID:     eventID,
		ActorID:     actorID,
		Quantity:    qty,
		TotalAmount: amount,
		Reference:   "EVT-0-" + id,
		Status:      status,
		CreatedAt:   createdAt,
	}
	if status == model.ReservationCancelled {
		cancelled := createdAt.Add(time.Hour)
		r.CancelledAt = &cancelled
	}
	store.PutReservation(r)
}

func TestGetEventStats(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 60, 72*time.Hour)
	seedReservation(store, "r1", "evt-1", "actor-a", 25, 1250, model.ReservationConfirmed, testNow)
	seedReservation(store, "r2", "evt-1", "actor-b", 15, 750, model.ReservationConfirmed, testNow)
	seedReservation(store, "r3", "evt-1", "actor-c", 5, 250, model.ReservationCancelled, testNow)

	svc := newAnalyticsService(store)
	stats, err := svc.GetEventStats(context.Background(), "evt-1")
	require.NoError(t, err)

	assert.Equal(t, 100, stats.Capacity)
	assert.Equal(t, 60, stats.Available)
	assert.Equal(t, 40, stats.Booked)
	assert.InDelta(t, 0.4, stats.Utilization, 1e-9)
	assert.Equal(t, 3, stats.TotalReservations)
	assert.InDelta(t, 2000.0, stats.TotalRevenue, 1e-9)
	assert.Equal(t, 1, stats.Cancellations)
	assert.InDelta(t, 1.0/3.0, stats.CancellationRate, 1e-9)
}

func TestGetEventStats_Unknown(t *testing.T) {
	svc := newAnalyticsService(memstore.New())
	_, err := svc.GetEventStats(context.Background(), "evt-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetEventStats_CacheHit(t *testing.T) {
	// The store is empty: a result can only come from the cache.
	store := memstore.New()
	cached := model.EventStats{EventID: "evt-1", Name: "Cached", Capacity: 10}
	raw, err := json.Marshal(&cached)
	require.NoError(t, err)

	cache, mockCache := redismock.NewClientMock()
	mockCache.ExpectGet("stats:evt-1").SetVal(string(raw))

	svc := service.NewAnalyticsService(store, cache, zap.NewNop(), service.AnalyticsConfig{Now: fixedNow})
	stats, err := svc.GetEventStats(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "Cached", stats.Name)
	assert.NoError(t, mockCache.ExpectationsWereMet())
}

func TestGetEventStats_CacheMissPopulates(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 72*time.Hour)

	fresh, err := store.EventStats(context.Background(), "evt-1")
	require.NoError(t, err)
	raw, err := json.Marshal(fresh)
	require.NoError(t, err)

	cache, mockCache := redismock.NewClientMock()
	mockCache.ExpectGet("stats:evt-1").RedisNil()
	mockCache.ExpectSet("stats:evt-1", raw, 30*time.Second).SetVal("OK")

	svc := service.NewAnalyticsService(store, cache, zap.NewNop(), service.AnalyticsConfig{Now: fixedNow})
	stats, err := svc.GetEventStats(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Capacity)
	assert.NoError(t, mockCache.ExpectationsWereMet())
}

func TestGetDailyStats_Buckets(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 100, 80, 72*time.Hour)

	today := testNow
	yesterday := testNow.AddDate(0, 0, -1)
	longAgo := testNow.AddDate(0, 0, -45)

	seedReservation(store, "r1", "evt-1", "actor-a", 4, 200, model.ReservationConfirmed, today)
	seedReservation(store, "r2", "evt-1", "actor-b", 6, 300, model.ReservationConfirmed, today)
	seedReservation(store, "r3", "evt-1", "actor-c", 2, 100, model.ReservationCancelled, yesterday)
	seedReservation(store, "r4", "evt-1", "actor-d", 3, 150, model.ReservationConfirmed, longAgo)

	svc := newAnalyticsService(store)
	stats, err := svc.GetDailyStats(context.Background(), 30)
	require.NoError(t, err)

	// 45-day-old activity is outside the window; newest day first.
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].Reservations)
	assert.InDelta(t, 500.0, stats[0].Revenue, 1e-9)
	assert.Equal(t, 10, stats[0].TicketsSold)
	assert.Equal(t, 0, stats[0].Cancellations)

	assert.Equal(t, 1, stats[1].Reservations)
	assert.InDelta(t, 0.0, stats[1].Revenue, 1e-9)
	assert.Equal(t, 1, stats[1].Cancellations)
}

func TestGetDailyStats_WindowClamped(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 10, 72*time.Hour)
	seedReservation(store, "r1", "evt-1", "actor-a", 1, 50, model.ReservationConfirmed, testNow.AddDate(0, 0, -400))

	svc := newAnalyticsService(store)

	// days > 365 clamps to a year: the 400-day-old row stays out.
	stats, err := svc.GetDailyStats(context.Background(), 1000)
	require.NoError(t, err)
	assert.Empty(t, stats)

	// days <= 0 falls back to the 30-day default.
	stats, err = svc.GetDailyStats(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestGetPopularEvents(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-quiet", 100, 98, 72*time.Hour)
	seedEvent(store, "evt-hot", 100, 60, 72*time.Hour)
	inactive := seedEvent(store, "evt-done", 100, 0, 72*time.Hour)
	inactive.Status = model.EventCompleted
	store.PutEvent(inactive)

	seedReservation(store, "r1", "evt-hot", "actor-a", 25, 1250, model.ReservationConfirmed, testNow)
	seedReservation(store, "r2", "evt-hot", "actor-b", 15, 750, model.ReservationConfirmed, testNow)
	seedReservation(store, "r3", "evt-hot", "actor-c", 5, 250, model.ReservationCancelled, testNow)
	seedReservation(store, "r4", "evt-quiet", "actor-a", 2, 100, model.ReservationConfirmed, testNow)

	svc := newAnalyticsService(store)
	popular, err := svc.GetPopularEvents(context.Background(), 0)
	require.NoError(t, err)

	// Completed events are excluded; ranking is by confirmed tickets
	// sold, and cancelled reservations do not count.
	require.Len(t, popular, 2)
	assert.Equal(t, "evt-hot", popular[0].ID)
	assert.Equal(t, 40, popular[0].TicketsSold)
	assert.Equal(t, 2, popular[0].TotalReservations)
	assert.InDelta(t, 2000.0, popular[0].TotalRevenue, 1e-9)
	assert.Equal(t, "evt-quiet", popular[1].ID)
	assert.Equal(t, 2, popular[1].TicketsSold)

	top, err := svc.GetPopularEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "evt-hot", top[0].ID)
}

func TestRecomputeDaily(t *testing.T) {
	store := memstore.New()
	seedEvent(store, "evt-1", 10, 8, 72*time.Hour)
	seedReservation(store, "r1", "evt-1", "actor-a", 2, 100, model.ReservationConfirmed, testNow)

	svc := newAnalyticsService(store)
	assert.NoError(t, svc.RecomputeDaily(context.Background()))
}
