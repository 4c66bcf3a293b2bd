package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/bus"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/schedule"
)

const transitionTopic = "transition"

// Self exposes the local identity and its credential.
type Self interface {
	Identity() (domain.Identity, bool)
	Credential() domain.Credential
}

// Track is the position buffer bound to the current ride.
type Track interface {
	Follow(rideID string)
	Reset(rideID string)
}

// Machine holds the canonical ride record. Every mutation runs on the
// executor; reads are safe from any goroutine.
type Machine struct {
	exec        schedule.Executor
	api         domain.ActionAPI
	self        Self
	track       Track
	notifier    domain.Notifier
	logger      *zap.Logger
	transitions *bus.Bus[domain.Transition]

	mu      sync.RWMutex
	ride    domain.Ride
	pending string
}

// New constructs a Machine with no current ride.
func New(exec schedule.Executor, api domain.ActionAPI, self Self, track Track, notifier domain.Notifier, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = domain.NotifierFunc(nil)
	}
	return &Machine{
		exec:        exec,
		api:         api,
		self:        self,
		track:       track,
		notifier:    notifier,
		logger:      logger,
		transitions: bus.New[domain.Transition](),
	}
}

// OnTransition registers fn for every ride replacement. fn runs on the executor.
func (m *Machine) OnTransition(fn func(domain.Transition)) *bus.Subscription {
	return m.transitions.Subscribe(transitionTopic, fn)
}

// Current returns a copy of the current ride.
func (m *Machine) Current() (domain.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ride.ID == "" {
		return domain.Ride{}, false
	}
	return m.ride.Clone(), true
}

// Pending names the action in flight, if any.
func (m *Machine) Pending() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// HandleRideUpdated decodes a rideUpdated push and applies it. Must run on the executor.
func (m *Machine) HandleRideUpdated(raw json.RawMessage) {
	var ride domain.Ride
	if err := json.Unmarshal(raw, &ride); err != nil {
		snapshotsTotal.WithLabelValues("malformed").Inc()
		m.logger.Warn("malformed ride snapshot", zap.Error(err))
		return
	}
	if err := m.ApplySnapshot(ride); err != nil {
		m.logger.Debug("ride snapshot discarded", zap.String("ride_id", ride.ID), zap.Error(err))
	}
}

// ApplySnapshot replaces the current ride with a pushed snapshot when it
// belongs to the tracked ride or qualifies as a new one. Must run on the executor.
func (m *Machine) ApplySnapshot(ride domain.Ride) error {
	if ride.ID == "" {
		snapshotsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("snapshot without id: %w", domain.ErrStaleEvent)
	}
	m.mu.RLock()
	cur := m.ride
	m.mu.RUnlock()
	if !m.accepts(cur, ride) {
		snapshotsTotal.WithLabelValues("stale").Inc()
		return fmt.Errorf("snapshot %s while tracking %s: %w", ride.ID, cur.ID, domain.ErrStaleEvent)
	}
	m.replace(ride)
	snapshotsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (m *Machine) accepts(cur, next domain.Ride) bool {
	if cur.ID == "" || !cur.Status.Active() || cur.ID == next.ID {
		return true
	}
	me, ok := m.self.Identity()
	return ok && next.DriverID != "" && next.DriverID == me.ID
}

// replace installs next as the current ride. Must run on the executor.
func (m *Machine) replace(next domain.Ride) {
	next = next.Clone()
	m.mu.Lock()
	prev := m.ride
	m.ride = next
	m.mu.Unlock()

	if prev.ID == next.ID && prev.Status != next.Status && !prev.Status.CanTransitionTo(next.Status) {
		m.logger.Warn("out of sequence ride status",
			zap.String("ride_id", next.ID),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(next.Status)))
	}
	if prev.ID != "" && prev.ID != next.ID {
		m.track.Reset(prev.ID)
	}
	if next.Status.Terminal() {
		m.track.Reset(next.ID)
	} else {
		m.track.Follow(next.ID)
	}

	m.transitions.Publish(transitionTopic, domain.Transition{Prev: prev, Next: next.Clone()})
	m.notifier.Notify(domain.Change{Kind: domain.ChangeRide, RideID: next.ID})
	if prev.ID != next.ID || prev.Status != next.Status {
		m.notifier.Notify(domain.Change{Kind: domain.ChangeNotice, RideID: next.ID, Notice: &domain.Notice{
			Level:   domain.NoticeInfo,
			Message: "Ride status: " + string(next.Status),
		}})
	}
}

// Clear drops the current ride, whatever its status. Must run on the executor.
func (m *Machine) Clear() {
	m.mu.Lock()
	prev := m.ride
	m.ride = domain.Ride{}
	m.mu.Unlock()
	if prev.ID == "" {
		return
	}
	m.track.Reset(prev.ID)
	m.transitions.Publish(transitionTopic, domain.Transition{Prev: prev})
	m.notifier.Notify(domain.Change{Kind: domain.ChangeRide, RideID: prev.ID})
}

// RequestRide asks the backend for a new ride. Only allowed without an active ride.
func (m *Machine) RequestRide(ctx context.Context, req domain.RideRequest) (domain.Ride, error) {
	const op = "request"
	var err error
	if doErr := m.exec.Do(ctx, func() {
		err = m.beginRequest()
	}); doErr != nil {
		return domain.Ride{}, doErr
	}
	if err != nil {
		return domain.Ride{}, err
	}
	ride, callErr := m.api.RequestRide(ctx, m.self.Credential(), req)
	return m.settle(op, "", ride, callErr)
}

// Accept asks the backend to assign the current ride to the local driver.
func (m *Machine) Accept(ctx context.Context) (domain.Ride, error) {
	return m.act(ctx, "accept", domain.StatusAccepted, m.api.AcceptRide)
}

// Start marks the current ride as picked up.
func (m *Machine) Start(ctx context.Context) (domain.Ride, error) {
	return m.act(ctx, "start", domain.StatusInProgress, m.api.StartRide)
}

// Complete finishes the current ride. Allowed from accepted or in_progress.
func (m *Machine) Complete(ctx context.Context) (domain.Ride, error) {
	return m.act(ctx, "complete", domain.StatusCompleted, m.api.CompleteRide)
}

type actionCall func(ctx context.Context, cred domain.Credential, rideID string) (domain.Ride, error)

func (m *Machine) act(ctx context.Context, op string, target domain.RideStatus, call actionCall) (domain.Ride, error) {
	var (
		rideID string
		err    error
	)
	if doErr := m.exec.Do(ctx, func() {
		rideID, err = m.begin(op, target)
	}); doErr != nil {
		return domain.Ride{}, doErr
	}
	if err != nil {
		return domain.Ride{}, err
	}
	ride, callErr := call(ctx, m.self.Credential(), rideID)
	return m.settle(op, rideID, ride, callErr)
}

func (m *Machine) begin(op string, target domain.RideStatus) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != "" {
		return "", fmt.Errorf("%s while %s: %w", op, m.pending, domain.ErrActionInFlight)
	}
	cur := m.ride
	if cur.ID == "" || !cur.Status.Active() {
		return "", fmt.Errorf("%s: %w", op, domain.ErrNoActiveRide)
	}
	if cur.Status == target || !cur.Status.CanTransitionTo(target) {
		return "", fmt.Errorf("%s from %s: %w", op, cur.Status, domain.ErrInvalidTransition)
	}
	m.pending = op
	return cur.ID, nil
}

func (m *Machine) beginRequest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != "" {
		return fmt.Errorf("request while %s: %w", m.pending, domain.ErrActionInFlight)
	}
	if m.ride.Status.Active() {
		return fmt.Errorf("request while %s is %s: %w", m.ride.ID, m.ride.Status, domain.ErrInvalidTransition)
	}
	m.pending = "request"
	return nil
}

// settle applies an action result on the executor. rideID is empty for a
// new ride request.
func (m *Machine) settle(op, rideID string, ride domain.Ride, callErr error) (domain.Ride, error) {
	var (
		out domain.Ride
		err error
	)
	if doErr := m.exec.Do(context.Background(), func() {
		out, err = m.finish(op, rideID, ride, callErr)
	}); doErr != nil {
		return domain.Ride{}, doErr
	}
	return out, err
}

func (m *Machine) finish(op, rideID string, ride domain.Ride, callErr error) (domain.Ride, error) {
	m.mu.Lock()
	m.pending = ""
	cur := m.ride
	m.mu.Unlock()

	if callErr != nil {
		actionsTotal.WithLabelValues(op, "failed").Inc()
		m.logger.Warn("ride action failed", zap.String("op", op), zap.String("ride_id", rideID), zap.Error(callErr))
		m.notifier.Notify(domain.Change{Kind: domain.ChangeNotice, RideID: rideID, Notice: &domain.Notice{
			Level:   domain.NoticeError,
			Message: userMessage(op, callErr),
		}})
		return domain.Ride{}, callErr
	}
	if ride.ID == "" {
		actionsTotal.WithLabelValues(op, "failed").Inc()
		return domain.Ride{}, &domain.ActionError{Op: op, Message: "response carried no ride id"}
	}

	if rideID == "" {
		if cur.Status.Active() && cur.ID != ride.ID {
			return m.superseded(op, ride.ID, cur)
		}
	} else {
		if ride.ID != rideID || cur.ID != rideID {
			return m.superseded(op, rideID, cur)
		}
		if cur.Status.Terminal() {
			if cur.Status == ride.Status {
				actionsTotal.WithLabelValues(op, "ok").Inc()
				return cur.Clone(), nil
			}
			return m.superseded(op, rideID, cur)
		}
	}
	m.replace(ride)
	actionsTotal.WithLabelValues(op, "ok").Inc()
	return ride.Clone(), nil
}

func (m *Machine) superseded(op, rideID string, cur domain.Ride) (domain.Ride, error) {
	actionsTotal.WithLabelValues(op, "superseded").Inc()
	m.logger.Info("ride action result discarded",
		zap.String("op", op),
		zap.String("ride_id", rideID),
		zap.String("current_ride_id", cur.ID),
		zap.String("current_status", string(cur.Status)))
	return domain.Ride{}, fmt.Errorf("%s %s: %w", op, rideID, domain.ErrSuperseded)
}

func userMessage(op string, err error) string {
	var actionErr *domain.ActionError
	if errors.As(err, &actionErr) && actionErr.Message != "" {
		return actionErr.Message
	}
	return "Failed to " + op + " ride: " + strings.TrimPrefix(err.Error(), op+": ")
}
