package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakparklabs/eventledger/internal/memstore"
	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

func putEvent(store *memstore.Store, id string, available int) {
	store.PutEvent(&model.Event{
		ID:        id,
		Name:      id,
		Capacity:  100,
		Available: available,
		Status:    model.EventActive,
		StartsAt:  time.Now().UTC().Add(72 * time.Hour),
	})
}

func TestWithEvent_RollbackOnError(t *testing.T) {
	store := memstore.New()
	putEvent(store, "evt-1", 10)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error {
		e := tx.Event()
		e.Available = 0
		require.NoError(t, tx.UpdateEvent(e))
		require.NoError(t, tx.InsertReservation(&model.Reservation{
			ID:      uuid.New().String(),
			EventID: "evt-1",
			ActorID: "actor-a",
			Status:  model.ReservationConfirmed,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing staged inside the failed transaction is visible.
	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 10, event.Available)

	rs, err := store.ListReservationsForActor(ctx, "actor-a", model.ReservationFilter{})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestWithEvent_UnknownEvent(t *testing.T) {
	store := memstore.New()
	err := store.WithEvent(context.Background(), "nope", func(tx service.EventTx) error {
		t.Fatal("fn must not run for a missing event")
		return nil
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWithEvent_SerializesSameEvent(t *testing.T) {
	store := memstore.New()
	putEvent(store, "evt-1", 0)
	ctx := context.Background()

	// 100 concurrent increments through the transaction boundary must
	// all land: lost updates would mean the lock is broken.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error {
				e := tx.Event()
				e.Available++
				return tx.UpdateEvent(e)
			})
		}()
	}
	wg.Wait()

	event, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 100, event.Available)
}

func TestWithEvent_IndependentEventsDoNotBlock(t *testing.T) {
	store := memstore.New()
	putEvent(store, "evt-1", 10)
	putEvent(store, "evt-2", 10)
	ctx := context.Background()

	// Hold evt-1's scope open; evt-2 must still be reachable.
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() {
		done <- store.WithEvent(ctx, "evt-2", func(tx service.EventTx) error {
			e := tx.Event()
			e.Available--
			return tx.UpdateEvent(e)
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("operation on a different event blocked behind evt-1's lock")
	}
	close(release)
}

func TestWithEvent_CancelledContext(t *testing.T) {
	store := memstore.New()
	putEvent(store, "evt-1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error { return nil })
	assert.True(t, model.IsTransient(err))
}

func TestDeleteWaitingEntry_OnlyWaiting(t *testing.T) {
	store := memstore.New()
	putEvent(store, "evt-1", 0)
	ctx := context.Background()

	now := time.Now().UTC()
	err := store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error {
		return tx.InsertWaitlistEntry(&model.WaitlistEntry{
			ID:       uuid.New().String(),
			EventID:  "evt-1",
			ActorID:  "actor-a",
			Quantity: 1,
			Status:   model.WaitlistNotified,
			Priority: 1,
			JoinedAt: now,
		})
	})
	require.NoError(t, err)

	// A notified entry is not a waiting entry: nothing to delete.
	err = store.WithEvent(ctx, "evt-1", func(tx service.EventTx) error {
		_, err := tx.DeleteWaitingEntry("actor-a")
		return err
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
