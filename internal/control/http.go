package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/session"
)

// Core is what the control surface drives.
type Core interface {
	Login(ctx context.Context, email, password string) (session.Info, error)
	Resume(ctx context.Context, token string) (session.Info, error)
	Logout(ctx context.Context) error
	Session() session.Info

	Ride() (domain.Ride, bool)
	PendingAction() string
	RequestRide(ctx context.Context) (domain.Ride, error)
	Accept(ctx context.Context) (domain.Ride, error)
	Start(ctx context.Context) (domain.Ride, error)
	Complete(ctx context.Context) (domain.Ride, error)
	Clear(ctx context.Context) error

	Position() (domain.GeoPoint, bool)
	SetEndpoints(ctx context.Context, pickup, dropoff domain.GeoPoint) (domain.Route, error)
	Route() (domain.Route, bool)
	Fare() (int64, bool)
	RoutePending() bool
	ETA() (int, bool)
	Preview() (domain.GeoPoint, bool)

	SetAvailable(ctx context.Context, available bool) error
	History(ctx context.Context) ([]domain.Ride, error)
}

// Options configures optional middleware.
type Options struct {
	Limiter     *RateLimiter
	Idempotency IdempotencyStore
}

// HTTP exposes the core to an out-of-process renderer.
type HTTP struct {
	core    Core
	logger  *zap.Logger
	limiter *RateLimiter
	idem    IdempotencyStore
}

// New creates the handler.
func New(core Core, logger *zap.Logger, opts Options) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewMemoryIdempotency()
	}
	return &HTTP{core: core, logger: logger, limiter: opts.Limiter, idem: opts.Idempotency}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Get("/v1/session", h.getSession)
	r.Post("/v1/session", h.resume)
	r.Post("/v1/session/login", h.login)
	r.Delete("/v1/session", h.logout)

	r.Get("/v1/ride", h.getRide)
	r.Post("/v1/ride", h.requestRide)
	r.Delete("/v1/ride", h.clearRide)
	r.Post("/v1/ride/{action}", h.rideAction)

	r.Get("/v1/position", h.getPosition)
	r.Get("/v1/route", h.getRoute)
	r.Post("/v1/route", h.setRoute)

	r.Post("/v1/availability", h.setAvailability)
	r.Get("/v1/rides", h.history)
	return r
}

func (h *HTTP) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Session())
}

func (h *HTTP) resume(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		token = payload.Token
	}
	if token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	info, err := h.core.Resume(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := h.core.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *HTTP) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Logout(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideView struct {
	Ride          domain.Ride `json:"ride"`
	PendingAction string      `json:"pending_action,omitempty"`
}

func (h *HTTP) getRide(w http.ResponseWriter, _ *http.Request) {
	ride, ok := h.core.Ride()
	if !ok {
		http.Error(w, "no ride", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rideView{Ride: ride, PendingAction: h.core.PendingAction()})
}

func (h *HTTP) requestRide(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if cached, ok, err := h.idem.GetResponse(r.Context(), key); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(cached)
			return
		}
	}
	ride, err := h.core.RequestRide(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := encode(ride)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if key != "" {
		if err := h.idem.PutResponse(r.Context(), key, body); err != nil {
			h.logger.Warn("store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *HTTP) clearRide(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Clear(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) rideAction(w http.ResponseWriter, r *http.Request) {
	var action func(context.Context) (domain.Ride, error)
	switch chi.URLParam(r, "action") {
	case "accept":
		action = h.core.Accept
	case "start":
		action = h.core.Start
	case "complete":
		action = h.core.Complete
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	ride, err := action(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) getPosition(w http.ResponseWriter, _ *http.Request) {
	pos, ok := h.core.Position()
	if !ok {
		http.Error(w, "no position", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type routeView struct {
	Geometry    []domain.GeoPoint `json:"geometry"`
	DistanceKM  float64           `json:"distance_km"`
	DurationSec float64           `json:"duration_sec"`
	Fare        *int64            `json:"fare,omitempty"`
	FarePending bool              `json:"fare_pending"`
	ETAMinutes  *int              `json:"eta_min,omitempty"`
	Preview     *domain.GeoPoint  `json:"preview,omitempty"`
}

func (h *HTTP) routeView() (routeView, bool) {
	route, ok := h.core.Route()
	view := routeView{FarePending: h.core.RoutePending()}
	if !ok && !view.FarePending {
		return view, false
	}
	view.Geometry = route.Geometry
	view.DistanceKM = route.DistanceKM()
	view.DurationSec = route.Duration.Seconds()
	if fare, ok := h.core.Fare(); ok {
		view.Fare = &fare
	}
	if minutes, ok := h.core.ETA(); ok {
		view.ETAMinutes = &minutes
	}
	if marker, ok := h.core.Preview(); ok {
		view.Preview = &marker
	}
	return view, true
}

func (h *HTTP) getRoute(w http.ResponseWriter, _ *http.Request) {
	view, ok := h.routeView()
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type setRouteRequest struct {
	Pickup  domain.GeoPoint `json:"pickup"`
	Dropoff domain.GeoPoint `json:"dropoff"`
}

func (h *HTTP) setRoute(w http.ResponseWriter, r *http.Request) {
	var payload setRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.core.SetEndpoints(r.Context(), payload.Pickup, payload.Dropoff); err != nil {
		h.fail(w, r, err)
		return
	}
	view, _ := h.routeView()
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) setAvailability(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Available *bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Available == nil {
		http.Error(w, "available required", http.StatusBadRequest)
		return
	}
	if err := h.core.SetAvailable(r.Context(), *payload.Available); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": *payload.Available})
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	rides, err := h.core.History(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rides == nil {
		rides = []domain.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "count": len(rides)})
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("control request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	msg := err.Error()
	var actionErr *domain.ActionError
	if errors.As(err, &actionErr) && actionErr.Message != "" {
		msg = actionErr.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrCredentialExpired):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoActiveRide),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrActionInFlight),
		errors.Is(err, domain.ErrSuperseded),
		errors.Is(err, domain.ErrFarePending),
		errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRouteUnavailable),
		errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
