// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
//
// Authentication, input-shape validation, and rate limiting live
// upstream; handlers here assume the actor identity in the request has
// already been verified.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oakparklabs/eventledger/internal/model"
	"github.com/oakparklabs/eventledger/internal/service"
)

// API holds all HTTP handlers for the booking engine.
type API struct {
	events    *service.EventService
	bookings  *service.BookingService
	waitlist  *service.WaitlistService
	analytics *service.AnalyticsService
}

// NewAPI constructs the handler set.
func NewAPI(
	events *service.EventService,
	bookings *service.BookingService,
	waitlist *service.WaitlistService,
	analytics *service.AnalyticsService,
) *API {
	return &API{
		events:    events,
		bookings:  bookings,
		waitlist:  waitlist,
		analytics: analytics,
	}
}

// Routes mounts every endpoint on a chi router.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", a.CreateEvent)
		r.Get("/", a.ListEvents)
		r.Get("/analytics/popular", a.GetPopularEvents)
		r.Get("/{id}", a.GetEvent)
		r.Put("/{id}", a.UpdateEvent)
		r.Delete("/{id}", a.CancelEvent)
		r.Patch("/{id}/capacity", a.UpdateCapacity)
		r.Get("/{id}/stats", a.GetEventStats)
		r.Get("/{id}/waitlist", a.ListEventWaitlist)
	})

	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", a.CreateReservation)
		r.Get("/", a.ListReservations)
		r.Get("/{id}", a.GetReservation)
		r.Delete("/{id}", a.CancelReservation)
		r.Get("/reference/{reference}", a.GetReservationByReference)
	})

	r.Route("/waitlist", func(r chi.Router) {
		r.Post("/join", a.JoinWaitlist)
		r.Delete("/{event_id}", a.LeaveWaitlist)
		r.Get("/", a.ListActorWaitlist)
	})

	r.Get("/stats/daily", a.GetDailyStats)
}

// ─── Helper utilities ─────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps the engine's failure taxonomy onto HTTP status
// codes. Every branch forwards the error text: failures carry enough
// detail (remaining seats, cutoff hours) to be shown as-is.
func writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *model.InsufficientCapacityError
	var window *model.CancellationWindowError
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, model.ErrEventNotBookable):
		writeError(w, http.StatusNotFound, err.Error(), "EVENT_NOT_BOOKABLE")
	case errors.As(err, &insufficient):
		writeError(w, http.StatusConflict, err.Error(), "INSUFFICIENT_CAPACITY")
	case errors.Is(err, model.ErrDuplicateReservation):
		writeError(w, http.StatusConflict, err.Error(), "DUPLICATE_RESERVATION")
	case errors.Is(err, model.ErrNotCancellable):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_CANCELLABLE")
	case errors.As(err, &window):
		writeError(w, http.StatusConflict, err.Error(), "CANCELLATION_WINDOW_CLOSED")
	case errors.Is(err, model.ErrCapacityStillAvailable):
		writeError(w, http.StatusBadRequest, err.Error(), "TICKETS_STILL_AVAILABLE")
	case errors.Is(err, model.ErrAlreadyWaitlisted):
		writeError(w, http.StatusConflict, err.Error(), "ALREADY_ON_WAITLIST")
	case model.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, please retry", "TRANSIENT_STORAGE_FAILURE")
	default:
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	}
}

// actorID pulls the verified actor identity from the request. The auth
// middleware upstream sets the header after token verification.
func actorID(r *http.Request) string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("actor_id")
}

// ─── Events ──────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (a *API) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
		return
	}
	event, err := a.events.CreateEvent(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.EventFilter{
		Status:        model.EventStatus(q.Get("status")),
		Category:      q.Get("category"),
		AvailableOnly: q.Get("available_only") == "true",
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	events, err := a.events.ListEvents(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (a *API) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := a.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent handles PUT /events/{id}
func (a *API) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
		return
	}
	event, err := a.events.UpdateEvent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// CancelEvent handles DELETE /events/{id}
func (a *API) CancelEvent(w http.ResponseWriter, r *http.Request) {
	event, err := a.events.CancelEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateCapacity handles PATCH /events/{id}/capacity
func (a *API) UpdateCapacity(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCapacityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
		return
	}
	event, err := a.events.UpdateCapacity(r.Context(), chi.URLParam(r, "id"), req.Capacity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// GetEventStats handles GET /events/{id}/stats
func (a *API) GetEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.analytics.GetEventStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListEventWaitlist handles GET /events/{id}/waitlist
func (a *API) ListEventWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.waitlist.ListForEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ─── Reservations ────────────────────────────────────────────────────────

// CreateReservation handles POST /reservations
func (a *API) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req model.CreateReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
		return
	}
	res, err := a.bookings.CreateReservation(r.Context(), req.ActorID, req.EventID, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListReservations handles GET /reservations
func (a *API) ListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ReservationFilter{
		Status:       model.ReservationStatus(q.Get("status")),
		UpcomingOnly: q.Get("upcoming_only") == "true",
	}
	out, err := a.bookings.ListReservations(r.Context(), actorID(r), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if out == nil {
		out = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetReservation handles GET /reservations/{id}
func (a *API) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := a.bookings.GetReservation(r.Context(), actorID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetReservationByReference handles GET /reservations/reference/{reference}
// Public lookup by booking token; no actor check.
func (a *API) GetReservationByReference(w http.ResponseWriter, r *http.Request) {
	res, err := a.bookings.GetReservationByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelReservation handles DELETE /reservations/{id}
func (a *API) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := a.bookings.CancelReservation(r.Context(), actorID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Waitlist ────────────────────────────────────────────────────────────

// JoinWaitlist handles POST /waitlist/join
func (a *API) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req model.JoinWaitlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
		return
	}
	entry, err := a.waitlist.Join(r.Context(), req.ActorID, req.EventID, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// LeaveWaitlist handles DELETE /waitlist/{event_id}
func (a *API) LeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	entry, err := a.waitlist.Leave(r.Context(), actorID(r), chi.URLParam(r, "event_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListActorWaitlist handles GET /waitlist
func (a *API) ListActorWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.waitlist.ListForActor(r.Context(), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ─── Analytics ───────────────────────────────────────────────────────────

// GetPopularEvents handles GET /events/analytics/popular?limit=N
func (a *API) GetPopularEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.analytics.GetPopularEvents(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.PopularEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetDailyStats handles GET /stats/daily?days=N
func (a *API) GetDailyStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	stats, err := a.analytics.GetDailyStats(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if stats == nil {
		stats = []model.DailyStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Health check ─────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
