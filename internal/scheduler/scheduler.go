// Package scheduler drives the engine's maintenance entry points on a
// fixed cadence: expiring overdue waitlist notifications, recomputing
// daily analytics rollups, marking past events completed, and purging
// old cancelled reservations. The engine itself never assumes any
// cadence; it only exposes the entry points.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

// Scheduler runs the maintenance sweep in a background goroutine.
type Scheduler struct {
	events    *service.EventService
	waitlist  *service.WaitlistService
	analytics *service.AnalyticsService
	log       *zap.Logger
	interval  time.Duration
	retention time.Duration
}

// New constructs a Scheduler. interval defaults to one minute and
// retention to 30 days when zero.
func New(
	events *service.EventService,
	waitlist *service.WaitlistService,
	analytics *service.AnalyticsService,
	log *zap.Logger,
	interval, retention time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Scheduler{
		events:    events,
		waitlist:  waitlist,
		analytics: analytics,
		log:       log,
		interval:  interval,
		retention: retention,
	}
}

// Run blocks until ctx is cancelled, performing one sweep per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("maintenance scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.waitlist.ExpireOverdue(ctx); err != nil {
		s.log.Error("expire waitlist notifications failed", zap.Error(err))
	}
	s.notifyFreedCapacity(ctx)
	if _, err := s.events.MarkCompleted(ctx); err != nil {
		s.log.Error("mark completed events failed", zap.Error(err))
	}
	if _, err := s.events.PurgeCancelled(ctx, s.retention); err != nil {
		s.log.Error("purge cancelled reservations failed", zap.Error(err))
	}
	if err := s.analytics.RecomputeDaily(ctx); err != nil {
		s.log.Error("recompute daily analytics failed", zap.Error(err))
	}
}

// notifyFreedCapacity promotes waiting entries on active events that
// currently have tickets available, paging through the full catalog.
func (s *Scheduler) notifyFreedCapacity(ctx context.Context) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		events, err := s.events.ListEvents(ctx, model.EventFilter{
			Status:        model.EventActive,
			AvailableOnly: true,
			Limit:         pageSize,
			Offset:        offset,
		})
		if err != nil {
			s.log.Error("list events for waitlist notify failed", zap.Error(err))
			return
		}
		for _, e := range events {
			if _, err := s.waitlist.NotifyFreed(ctx, e.ID); err != nil {
				s.log.Error("notify waitlist failed",
					zap.String("event_id", e.ID), zap.Error(err))
			}
		}
		if len(events) < pageSize {
			return
		}
	}
}
