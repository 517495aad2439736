package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/model"
)

// AnalyticsConfig tunes the read-only aggregator.
type AnalyticsConfig struct {
	// StatsCacheTTL bounds staleness of cached per-event stats. Cached
	// entries are also deleted whenever a reservation for the event is
	// created or cancelled.
	StatsCacheTTL time.Duration

	// DefaultLookbackDays is used when a daily-stats caller does not
	// specify a window.
	DefaultLookbackDays int

	Now func() time.Time
}

// AnalyticsService derives rollups from the ledger and reservation
// history. It has no write path into the ledger and does not participate
// in the write-path locking; reads are consistent snapshots that may be
// stale by at most one commit.
type AnalyticsService struct {
	store    Store
	cache    *redis.Client
	log      *zap.Logger
	ttl      time.Duration
	lookback int
	now      func() time.Time
}

// NewAnalyticsService constructs an AnalyticsService. cache may be nil to
// disable the stats cache.
func NewAnalyticsService(store Store, cache *redis.Client, log *zap.Logger, cfg AnalyticsConfig) *AnalyticsService {
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 30 * time.Second
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = 30
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &AnalyticsService{
		store:    store,
		cache:    cache,
		log:      log,
		ttl:      cfg.StatsCacheTTL,
		lookback: cfg.DefaultLookbackDays,
		now:      cfg.Now,
	}
}

func statsCacheKey(eventID string) string {
	return fmt.Sprintf("stats:%s", eventID)
}

// GetEventStats returns utilization, revenue, and cancellation figures
// for one event, read through the cache when one is configured.
func (s *AnalyticsService) GetEventStats(ctx context.Context, eventID string) (*model.EventStats, error) {
	if eventID == "" {
		return nil, model.ErrNotFound
	}

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, statsCacheKey(eventID)).Result(); err == nil {
			var stats model.EventStats
			if err := json.Unmarshal([]byte(raw), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	stats, err := s.store.EventStats(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, statsCacheKey(eventID), raw, s.ttl).Err(); err != nil {
				s.log.Warn("stats cache write failed",
					zap.String("event_id", eventID), zap.Error(err))
			}
		}
	}
	return stats, nil
}

// GetDailyStats returns day-bucketed reservation activity over the given
// lookback window. days is clamped to [1, 365]; zero means the default.
func (s *AnalyticsService) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	if days <= 0 {
		days = s.lookback
	}
	if days > 365 {
		days = 365
	}
	since := s.now().AddDate(0, 0, -days)
	return s.store.DailyStats(ctx, since)
}

// GetPopularEvents ranks active events by confirmed tickets sold.
// limit defaults to 10 and is capped at 50.
func (s *AnalyticsService) GetPopularEvents(ctx context.Context, limit int) ([]model.PopularEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	return s.store.PopularEvents(ctx, limit)
}

// RecomputeDaily upserts today's per-event analytics rollup. Invoked by
// the external scheduler; cadence is the scheduler's concern.
func (s *AnalyticsService) RecomputeDaily(ctx context.Context) error {
	if err := s.store.UpsertDailyAnalytics(ctx, s.now()); err != nil {
		return err
	}
	s.log.Info("daily analytics recomputed")
	return nil
}
