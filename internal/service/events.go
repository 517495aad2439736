package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/model"
)

// EventService manages the event catalog. It never touches the available
// counter outside the capacity-change transaction below; day-to-day
// mutation of availability belongs to the BookingService.
type EventService struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewEventService constructs an EventService.
func NewEventService(store Store, log *zap.Logger) *EventService {
	return &EventService{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateEvent validates the request and persists a new active event with
// available == capacity.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be a positive integer")
	}
	if req.Capacity > 100_000 {
		return nil, fmt.Errorf("capacity cannot exceed 100,000")
	}
	if req.Price < 0 {
		return nil, fmt.Errorf("price cannot be negative")
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		return nil, fmt.Errorf("starts_at must be an RFC 3339 timestamp")
	}
	now := s.now()
	if !startsAt.After(now) {
		return nil, fmt.Errorf("starts_at must be in the future")
	}

	event := &model.Event{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Venue:       req.Venue,
		Category:    req.Category,
		Capacity:    req.Capacity,
		Available:   req.Capacity,
		Price:       req.Price,
		Status:      model.EventActive,
		StartsAt:    startsAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	s.log.Info("event created",
		zap.String("event_id", event.ID),
		zap.Int("capacity", event.Capacity))
	return event, nil
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, model.ErrNotFound
	}
	return s.store.GetEvent(ctx, id)
}

// ListEvents returns events matching the filter.
func (s *EventService) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListEvents(ctx, f)
}

// UpdateCapacity changes an event's capacity, shifting the available
// counter by the same delta so confirmed reservations are preserved.
// Capacity cannot drop below the currently booked count.
func (s *EventService) UpdateCapacity(ctx context.Context, eventID string, capacity int) (*model.Event, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be a positive integer")
	}

	var updated *model.Event
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		event := tx.Event()
		booked := event.Booked()
		if capacity < booked {
			return fmt.Errorf("cannot reduce capacity below %d currently booked tickets", booked)
		}
		event.Capacity = capacity
		event.Available = capacity - booked
		event.UpdatedAt = s.now()
		if err := tx.UpdateEvent(event); err != nil {
			return err
		}
		updated = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("event capacity updated",
		zap.String("event_id", eventID),
		zap.Int("capacity", capacity))
	return updated, nil
}

// UpdateEvent replaces an event's mutable fields. The capacity guard
// from UpdateCapacity applies; the available counter is re-derived from
// the new capacity and the booked count, so confirmed reservations are
// always preserved.
func (s *EventService) UpdateEvent(ctx context.Context, eventID string, req model.UpdateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be a positive integer")
	}
	if req.Capacity > 100_000 {
		return nil, fmt.Errorf("capacity cannot exceed 100,000")
	}
	if req.Price < 0 {
		return nil, fmt.Errorf("price cannot be negative")
	}
	switch req.Status {
	case model.EventDraft, model.EventActive, model.EventCancelled, model.EventCompleted:
	default:
		return nil, fmt.Errorf("invalid event status %q", req.Status)
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		return nil, fmt.Errorf("starts_at must be an RFC 3339 timestamp")
	}

	var updated *model.Event
	err = s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		event := tx.Event()
		booked := event.Booked()
		if req.Capacity < booked {
			return fmt.Errorf("cannot reduce capacity below %d currently booked tickets", booked)
		}
		event.Name = req.Name
		event.Description = req.Description
		event.Venue = req.Venue
		event.Category = req.Category
		event.Capacity = req.Capacity
		event.Available = req.Capacity - booked
		event.Price = req.Price
		event.Status = req.Status
		event.StartsAt = startsAt.UTC()
		event.UpdatedAt = s.now()
		if err := tx.UpdateEvent(event); err != nil {
			return err
		}
		updated = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("event updated", zap.String("event_id", eventID))
	return updated, nil
}

// CancelEvent transitions a draft or active event to cancelled. An event
// with confirmed reservations cannot be cancelled; release them first.
func (s *EventService) CancelEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var cancelled *model.Event
	err := s.store.WithEvent(ctx, eventID, func(tx EventTx) error {
		event := tx.Event()
		if event.Status != model.EventDraft && event.Status != model.EventActive {
			return fmt.Errorf("%s event cannot be cancelled", event.Status)
		}
		if event.Booked() > 0 {
			return fmt.Errorf("cannot cancel event with %d confirmed tickets", event.Booked())
		}
		event.Status = model.EventCancelled
		event.UpdatedAt = s.now()
		if err := tx.UpdateEvent(event); err != nil {
			return err
		}
		cancelled = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("event cancelled", zap.String("event_id", eventID))
	return cancelled, nil
}

// MarkCompleted transitions past active events to completed. Invoked by
// the scheduler.
func (s *EventService) MarkCompleted(ctx context.Context) (int64, error) {
	n, err := s.store.MarkCompletedEvents(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("events marked completed", zap.Int64("count", n))
	}
	return n, nil
}

// PurgeCancelled deletes cancelled reservations older than the retention
// window. Invoked by the scheduler.
func (s *EventService) PurgeCancelled(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	n, err := s.store.PurgeCancelledBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old cancelled reservations purged", zap.Int64("count", n))
	}
	return n, nil
}
