// Package engine assembles the ride core: session, ride state machine, room
// coordination, position track and route calculator, all driven from one
// executor.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/bus"
	"github.com/example/ridesync/internal/eta"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/ride/api"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/machine"
	"github.com/example/ridesync/internal/ride/rooms"
	"github.com/example/ridesync/internal/schedule"
	"github.com/example/ridesync/internal/session"
)

const changeTopic = "change"

// Backend is the HTTP side of the ride service.
type Backend interface {
	domain.ActionAPI
	Login(ctx context.Context, email, password string) (api.LoginResult, error)
	MyRides(ctx context.Context, cred domain.Credential) ([]domain.Ride, error)
	SetAvailability(ctx context.Context, cred domain.Credential, available bool) error
}

// Deps are the collaborators of the engine.
type Deps struct {
	Runtime   schedule.Runtime
	Transport session.Transport
	Backend   Backend
	Router    domain.Router
}

// Config holds engine tunables.
type Config struct {
	Endpoint      string
	EmitTimeout   time.Duration
	FrameInterval time.Duration
	Track         location.TrackConfig
	ETA           eta.Config
}

// Engine is the single entry point renderers and the control surface use.
// Accessors are safe from any goroutine; mutators block until the executor
// has applied them.
type Engine struct {
	rt      schedule.Runtime
	backend Backend
	logger  *zap.Logger
	cfg     Config

	session *session.Manager
	machine *machine.Machine
	rooms   *rooms.Coordinator
	track   *location.Track
	calc    *eta.Calculator
	changes *bus.Bus[domain.Change]

	subs   []*bus.Subscription
	frames schedule.Timer
}

// New wires the core together. Nothing is dialled until Login or Resume.
func New(deps Deps, logger *zap.Logger, cfg Config) *Engine {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		rt:      deps.Runtime,
		backend: deps.Backend,
		logger:  logger,
		cfg:     cfg,
		changes: bus.New[domain.Change](),
	}
	notifier := domain.NotifierFunc(e.notify)

	e.session = session.NewManager(deps.Transport, deps.Runtime, logger.Named("session"), session.Config{
		Endpoint:    cfg.Endpoint,
		EmitTimeout: cfg.EmitTimeout,
	})
	e.track = location.NewTrack(deps.Runtime, logger.Named("track"), cfg.Track)
	e.machine = machine.New(deps.Runtime, deps.Backend, e.session, e.track, notifier, logger.Named("machine"))
	e.rooms = rooms.New(e.session, logger.Named("rooms"))
	e.calc = eta.New(deps.Router, deps.Runtime, notifier, logger.Named("eta"), cfg.ETA)

	e.subs = []*bus.Subscription{
		e.session.Subscribe(domain.EventRideUpdated, e.machine.HandleRideUpdated),
		e.session.Subscribe(domain.EventDriverLocation, e.onDriverLocation),
		e.session.Subscribe(domain.EventSessionOpened, e.onSessionOpened),
		e.session.Subscribe(domain.EventSessionDropped, e.onSessionDropped),
		e.machine.OnTransition(e.rooms.Apply),
		e.machine.OnTransition(e.onTransition),
	}
	return e
}

// Subscribe registers fn for every state change. fn runs on the executor and
// must not block.
func (e *Engine) Subscribe(fn func(domain.Change)) *bus.Subscription {
	return e.changes.Subscribe(changeTopic, fn)
}

func (e *Engine) notify(change domain.Change) {
	changesTotal.WithLabelValues(string(change.Kind)).Inc()
	e.changes.Publish(changeTopic, change)
}

// Login authenticates with email and password and opens the session.
func (e *Engine) Login(ctx context.Context, email, password string) (session.Info, error) {
	result, err := e.backend.Login(ctx, email, password)
	if err != nil {
		return session.Info{}, fmt.Errorf("login: %w", err)
	}
	claims, err := auth.Inspect(result.Credential)
	if err != nil {
		e.logger.Debug("login token carries no readable claims", zap.Error(err))
	}
	return e.open(ctx, claims, auth.Identity(claims, result.UserID, result.Name), result.Credential)
}

// Resume opens the session with a previously issued token.
func (e *Engine) Resume(ctx context.Context, token string) (session.Info, error) {
	cred := domain.Credential{Token: token}
	claims, err := auth.Inspect(cred)
	if err != nil {
		return session.Info{}, fmt.Errorf("resume: %w", err)
	}
	return e.open(ctx, claims, auth.Identity(claims, "", ""), cred)
}

func (e *Engine) open(ctx context.Context, claims *auth.Claims, identity domain.Identity, cred domain.Credential) (session.Info, error) {
	if identity.ID == "" {
		return session.Info{}, fmt.Errorf("open session: no user id: %w", auth.ErrMalformedToken)
	}
	if err := auth.CheckExpiry(claims, e.rt.Now()); err != nil {
		return session.Info{}, fmt.Errorf("open session: %w", err)
	}
	info, err := e.session.Connect(ctx, identity, cred)
	if err != nil {
		return session.Info{}, err
	}
	e.logger.Info("signed in", zap.String("user_id", identity.ID), zap.String("name", identity.Name))
	return info, nil
}

// Logout clears the ride, cancels every timer, leaves all rooms and closes
// the transport.
func (e *Engine) Logout(ctx context.Context) error {
	err := e.rt.Do(ctx, func() {
		e.machine.Clear()
		e.calc.Reset()
		e.stopFrames()
	})
	if err != nil && !errors.Is(err, schedule.ErrStopped) {
		return fmt.Errorf("logout: %w", err)
	}
	if err := e.session.Disconnect(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close logs out and detaches every internal subscription. The engine is
// unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Logout(ctx)
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.subs = nil
	return err
}

// SetEndpoints recomputes route, fare and ETA for a new pickup or dropoff.
func (e *Engine) SetEndpoints(ctx context.Context, pickup, dropoff domain.GeoPoint) (domain.Route, error) {
	return e.calc.Compute(ctx, pickup, dropoff)
}

// RequestRide requests a ride between the endpoints of the current route at
// that route's fare. It refuses while the fare is pending or unknown.
func (e *Engine) RequestRide(ctx context.Context) (domain.Ride, error) {
	pickup, dropoff, fare, ok := e.calc.Quote()
	if !ok {
		return domain.Ride{}, fmt.Errorf("request: %w", domain.ErrFarePending)
	}
	return e.machine.RequestRide(ctx, domain.RideRequest{
		Pickup:    pickup,
		Dropoff:   dropoff,
		FareCents: fare * 100,
	})
}

func (e *Engine) Accept(ctx context.Context) (domain.Ride, error) {
	return e.machine.Accept(ctx)
}

func (e *Engine) Start(ctx context.Context) (domain.Ride, error) {
	return e.machine.Start(ctx)
}

func (e *Engine) Complete(ctx context.Context) (domain.Ride, error) {
	return e.machine.Complete(ctx)
}

// Clear drops the current ride.
func (e *Engine) Clear(ctx context.Context) error {
	return e.rt.Do(ctx, e.machine.Clear)
}

// SetAvailable toggles whether the signed-in driver receives ride offers.
func (e *Engine) SetAvailable(ctx context.Context, available bool) error {
	cred := e.session.Credential()
	if cred.Empty() {
		return fmt.Errorf("set availability: %w", domain.ErrNotConnected)
	}
	return e.backend.SetAvailability(ctx, cred, available)
}

// History lists the rides of the signed-in user.
func (e *Engine) History(ctx context.Context) ([]domain.Ride, error) {
	cred := e.session.Credential()
	if cred.Empty() {
		return nil, fmt.Errorf("history: %w", domain.ErrNotConnected)
	}
	return e.backend.MyRides(ctx, cred)
}

// Send emits an outbound event on the session; it is dropped while disconnected.
func (e *Engine) Send(ctx context.Context, event string, payload any) {
	e.session.Send(ctx, event, payload)
}

// ActiveRideID returns the id of the current ride while it is not terminal.
func (e *Engine) ActiveRideID() (string, bool) {
	ride, ok := e.machine.Current()
	if !ok || !ride.Status.Active() {
		return "", false
	}
	return ride.ID, true
}

func (e *Engine) Session() session.Info { return e.session.Info() }

func (e *Engine) Ride() (domain.Ride, bool) { return e.machine.Current() }

// PendingAction names the ride action in flight, if any.
func (e *Engine) PendingAction() string { return e.machine.Pending() }

// Position is the interpolated vehicle position of the current ride.
func (e *Engine) Position() (domain.GeoPoint, bool) { return e.track.Position() }

func (e *Engine) Route() (domain.Route, bool) { return e.calc.Route() }

// Fare is hidden while a route computation is pending.
func (e *Engine) Fare() (int64, bool) { return e.calc.Fare() }

func (e *Engine) RoutePending() bool { return e.calc.Pending() }

func (e *Engine) ETA() (int, bool) { return e.calc.ETA() }

func (e *Engine) Preview() (domain.GeoPoint, bool) { return e.calc.Preview() }

// Endpoints returns the pickup and dropoff of the current route.
func (e *Engine) Endpoints() (pickup, dropoff domain.GeoPoint, ok bool) {
	return e.calc.Endpoints()
}

func (e *Engine) onDriverLocation(raw json.RawMessage) {
	if !e.track.HandleDriverLocation(raw) {
		return
	}
	if e.frames == nil {
		e.frames = e.rt.Every(e.cfg.FrameInterval, e.frame)
	}
	e.notify(domain.Change{Kind: domain.ChangePosition, RideID: e.track.RideID()})
}

func (e *Engine) frame() {
	e.notify(domain.Change{Kind: domain.ChangePosition, RideID: e.track.RideID()})
	if !e.track.Animating(e.rt.Now()) {
		e.stopFrames()
	}
}

func (e *Engine) stopFrames() {
	if e.frames != nil {
		e.frames.Stop()
		e.frames = nil
	}
}

func (e *Engine) onTransition(t domain.Transition) {
	if t.Next.ID == "" || t.Next.Status.Terminal() {
		e.stopFrames()
	}
}

func (e *Engine) onSessionOpened(json.RawMessage) {
	if ride, ok := e.machine.Current(); ok {
		e.rooms.Sync(ride)
	}
	e.notify(domain.Change{Kind: domain.ChangeSession})
}

func (e *Engine) onSessionDropped(raw json.RawMessage) {
	var drop struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &drop); err != nil {
		e.logger.Debug("malformed session drop notice", zap.Error(err))
	}
	e.notify(domain.Change{Kind: domain.ChangeSession})
	if drop.Reason == "transport" {
		e.notify(domain.Change{Kind: domain.ChangeNotice, Notice: &domain.Notice{
			Level:   domain.NoticeError,
			Message: "Connection lost, sign in again to resume",
		}})
	}
}
