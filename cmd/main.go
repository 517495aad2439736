// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oakparklabs/eventledger/internal/database"
	"github.com/oakparklabs/eventledger/internal/handler"
	"github.com/oakparklabs/eventledger/internal/repository"
	"github.com/oakparklabs/eventledger/internal/scheduler"
	"github.com/oakparklabs/eventledger/internal/service"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// ── 1. Connect to PostgreSQL ──────────────────────────────────────────
	pool, err := database.NewPool(ctx, database.ConfigFromEnv(), log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("connected to postgres")

	// ── 2. Optional Redis stats cache ─────────────────────────────────────
	var cache *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cache = redis.NewClient(&redis.Options{Addr: addr})
		if err := cache.Ping(ctx).Err(); err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		log.Info("connected to redis", zap.String("addr", addr))
	}

	// ── 3. Wire up layers ────────────────────────────────────────────────
	store := repository.New(pool)

	eventSvc := service.NewEventService(store, log)
	bookingSvc := service.NewBookingService(store, cache, log, service.BookingConfig{
		MaxTicketsPerActor:      getEnvInt("MAX_TICKETS_PER_ACTOR", 10),
		CancellationCutoffHours: getEnvInt("CANCELLATION_CUTOFF_HOURS", 24),
	})
	waitlistSvc := service.NewWaitlistService(store, log, service.WaitlistConfig{
		NotificationTTL:    time.Duration(getEnvInt("WAITLIST_NOTIFICATION_TTL_HOURS", 24)) * time.Hour,
		MaxTicketsPerActor: getEnvInt("MAX_TICKETS_PER_ACTOR", 10),
	})
	analyticsSvc := service.NewAnalyticsService(store, cache, log, service.AnalyticsConfig{})

	api := handler.NewAPI(eventSvc, bookingSvc, waitlistSvc, analyticsSvc)

	// ── 4. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger(log))     // structured access log
	r.Use(handler.CORS)
	api.Routes(r)

	// ── 5. Maintenance scheduler ──────────────────────────────────────────
	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	sched := scheduler.New(eventSvc, waitlistSvc, analyticsSvc, log,
		time.Duration(getEnvInt("MAINTENANCE_INTERVAL_SECONDS", 60))*time.Second,
		time.Duration(getEnvInt("CANCELLED_RETENTION_DAYS", 30))*24*time.Hour,
	)
	go sched.Run(schedCtx)

	// ── 6. Start server with graceful shutdown ────────────────────────────
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	stopSched()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("graceful shutdown failed", zap.Error(err))
	}
	log.Info("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
