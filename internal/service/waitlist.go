package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/model"
)

// WaitlistConfig tunes the waitlist arbitrator.
type WaitlistConfig struct {
	// NotificationTTL is how long a notified actor has to book before
	// the invitation expires.
	NotificationTTL time.Duration

	// MaxTicketsPerActor caps the quantity of a waitlist entry, matching
	// the reservation limit.
	MaxTicketsPerActor int

	Now func() time.Time
}

// WaitlistService arbitrates the oversubscription waitlist: entries may
// only be created while demand exceeds availability, and at most one
// waiting entry exists per actor per event.
//
// A notified entry places no hold on inventory. A direct booking can
// still take the tickets before the notified actor acts; whether that is
// acceptable is a product decision carried over from the upstream
// behavior, not an implementation accident.
type WaitlistService struct {
	store  Store
	log    *zap.Logger
	ttl    time.Duration
	maxQty int
	now    func() time.Time
}

// NewWaitlistService constructs a WaitlistService.
func NewWaitlistService(store Store, log *zap.Logger, cfg WaitlistConfig) *WaitlistService {
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = 24 * time.Hour
	}
	if cfg.MaxTicketsPerActor <= 0 {
		cfg.MaxTicketsPerActor = 10
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &WaitlistService{
		store:  store,
		log:    log,
		ttl:    cfg.NotificationTTL,
		maxQty: cfg.MaxTicketsPerActor,
		now:    cfg.Now,
	}
}

// Join adds the actor to an event's waitlist. Joining is rejected when
// the request could be satisfied by booking directly, so a freed-up
// event's waitlist cannot grow.
func (s *WaitlistService) Join(ctx context.Context, actorID, eventID string, quantity int) (*model.WaitlistEntry, error) {
	if actorID == "" || eventID == "" {
		return nil, fmt.Errorf("actor id and event id are required")
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be a positive integer")
	}
	if quantity > s.maxQty {
		return nil, fmt.Errorf("quantity cannot exceed %d tickets per actor", s.maxQty)
	}

	var entry *model.WaitlistEntry
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		event := tx.Event()
		if event.Status != model.EventActive {
			return model.ErrEventNotBookable
		}
		if event.Available >= quantity {
			return model.ErrCapacityStillAvailable
		}

		existing, err := tx.WaitingEntry(actorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return model.ErrAlreadyWaitlisted
		}

		priority, err := tx.NextWaitlistPriority()
		if err != nil {
			return err
		}
		entry = &model.WaitlistEntry{
			ID:       uuid.New().String(),
			EventID:  eventID,
			ActorID:  actorID,
			Quantity: quantity,
			Status:   model.WaitlistWaiting,
			Priority: priority,
			JoinedAt: s.now(),
		}
		return tx.InsertWaitlistEntry(entry)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("joined waitlist",
		zap.String("event_id", eventID),
		zap.Int("priority", entry.Priority))
	return entry, nil
}

// Leave removes the actor's waiting entry. Returns model.ErrNotFound when
// there is nothing to remove; the store is unchanged either way.
func (s *WaitlistService) Leave(ctx context.Context, actorID, eventID string) (*model.WaitlistEntry, error) {
	if actorID == "" || eventID == "" {
		return nil, fmt.Errorf("actor id and event id are required")
	}

	var removed *model.WaitlistEntry
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		entry, err := tx.DeleteWaitingEntry(actorID)
		if err != nil {
			return err
		}
		removed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// NotifyFreed promotes the earliest-priority waiting entries that fit the
// event's current availability to notified, stamping each with an expiry
// deadline. Promotion stops at the first entry that does not fit, keeping
// strict FIFO order. Invoked by the external scheduler after capacity
// frees up; end users never call it.
func (s *WaitlistService) NotifyFreed(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	var promoted []model.WaitlistEntry
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		promoted = promoted[:0]
		event := tx.Event()
		remaining := event.Available
		if remaining <= 0 {
			return nil
		}

		waiting, err := tx.WaitingEntries()
		if err != nil {
			return err
		}

		now := s.now()
		expires := now.Add(s.ttl)
		for i := range waiting {
			entry := waiting[i]
			if entry.Quantity > remaining {
				break
			}
			entry.Status = model.WaitlistNotified
			entry.NotifiedAt = &now
			entry.ExpiresAt = &expires
			if err := tx.UpdateWaitlistEntry(&entry); err != nil {
				return err
			}
			remaining -= entry.Quantity
			promoted = append(promoted, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(promoted) > 0 {
		s.log.Info("waitlist entries notified",
			zap.String("event_id", eventID),
			zap.Int("count", len(promoted)))
	}
	return promoted, nil
}

// ExpireOverdue transitions notified entries past their expiry deadline
// to expired. Returns the number of entries expired.
func (s *WaitlistService) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdueNotifications(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("waitlist notifications expired", zap.Int64("count", n))
	}
	return n, nil
}

// ListForActor returns the actor's waiting entries across events.
func (s *WaitlistService) ListForActor(ctx context.Context, actorID string) ([]model.WaitlistEntry, error) {
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}
	return s.store.ListWaitlistForActor(ctx, actorID)
}

// ListForEvent returns an event's waiting entries in priority order.
func (s *WaitlistService) ListForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.store.ListWaitlistForEvent(ctx, eventID)
}
