package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/bus"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/schedule"
)

// State is the lifecycle state of the session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// ErrNoCredential is returned when Connect is called without a token.
var ErrNoCredential = errors.New("credential required")

// Config holds Manager tunables.
type Config struct {
	Endpoint    string
	EmitTimeout time.Duration
}

// Info is a read-only view of the session.
type Info struct {
	SessionID uuid.UUID       `json:"session_id"`
	State     State           `json:"state"`
	Identity  domain.Identity `json:"identity"`
	Rooms     []string        `json:"rooms"`
}

// Manager owns the single transport connection of the logged-in identity and
// the rooms it is joined to. Inbound events are delivered on the executor.
type Manager struct {
	transport Transport
	exec      schedule.Executor
	logger    *zap.Logger
	cfg       Config
	events    *bus.Bus[json.RawMessage]

	mu        sync.RWMutex
	state     State
	sessionID uuid.UUID
	identity  domain.Identity
	cred      domain.Credential
	conn      Conn
	rooms     map[domain.Room]struct{}
	wired     map[string]bool
	slots     map[string]*bus.Subscription
}

// NewManager constructs a disconnected Manager.
func NewManager(transport Transport, exec schedule.Executor, logger *zap.Logger, cfg Config) *Manager {
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport: transport,
		exec:      exec,
		logger:    logger,
		cfg:       cfg,
		events:    bus.New[json.RawMessage](),
		state:     StateDisconnected,
		rooms:     make(map[domain.Room]struct{}),
		wired:     make(map[string]bool),
		slots:     make(map[string]*bus.Subscription),
	}
}

// Connect opens the session for identity. Calling it again for the same
// identity while connected returns the existing session.
func (m *Manager) Connect(ctx context.Context, identity domain.Identity, cred domain.Credential) (Info, error) {
	if cred.Empty() {
		return Info{}, ErrNoCredential
	}
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		if m.identity.ID == identity.ID {
			info := m.infoLocked()
			m.mu.Unlock()
			return info, nil
		}
		m.mu.Unlock()
		return Info{}, fmt.Errorf("connect %s: %w", identity.ID, domain.ErrSessionBusy)
	case StateConnecting, StateClosing:
		m.mu.Unlock()
		return Info{}, fmt.Errorf("connect %s: %w", identity.ID, domain.ErrSessionBusy)
	}
	m.state = StateConnecting
	m.identity = identity
	m.cred = cred
	m.mu.Unlock()

	conn, err := m.transport.Connect(ctx, m.cfg.Endpoint, cred)
	if err != nil {
		connectAttempts.WithLabelValues("error").Inc()
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		m.logger.Warn("session connect failed", zap.String("user_id", identity.ID), zap.Error(err))
		return Info{}, fmt.Errorf("connect %s: %w: %w", m.cfg.Endpoint, domain.ErrTransport, err)
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		m.resetLocked()
		m.mu.Unlock()
		_ = conn.Close()
		connectAttempts.WithLabelValues("aborted").Inc()
		return Info{}, fmt.Errorf("connect %s: %w: aborted", m.cfg.Endpoint, domain.ErrTransport)
	}
	m.state = StateConnected
	m.conn = conn
	m.sessionID = uuid.New()
	m.wired = make(map[string]bool)
	sessionID := m.sessionID
	topics := m.events.Topics()
	for _, topic := range topics {
		m.wired[topic] = true
	}
	m.mu.Unlock()

	for _, topic := range topics {
		conn.On(topic, m.dispatch(topic))
	}
	go m.watch(conn, sessionID)
	connectAttempts.WithLabelValues("ok").Inc()
	m.logger.Info("session connected", zap.String("user_id", identity.ID), zap.String("session_id", sessionID.String()))

	m.Join(domain.PersonalRoom(identity.ID))
	m.publishLocal(domain.EventSessionOpened, identity)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infoLocked(), nil
}

// Disconnect leaves every held room, then releases the transport. While a
// dial is in flight it marks the session Closing so Connect discards the
// connection once the dial returns.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.state = StateClosing
		m.mu.Unlock()
		m.logger.Info("session connect aborted by disconnect")
		return nil
	}
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	conn := m.conn
	rooms := sortedRooms(m.rooms)
	identity := m.identity
	m.mu.Unlock()

	for _, room := range rooms {
		event, payload := leaveEvent(room)
		if err := m.emit(ctx, conn, event, payload); err != nil {
			m.logger.Warn("leave on disconnect failed", zap.String("room", room.String()), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	heldRooms.Set(0)

	err := conn.Close()
	m.logger.Info("session closed", zap.String("user_id", identity.ID))
	m.publishLocal(domain.EventSessionDropped, dropNotice{Reason: "closed"})
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// Send emits an event on the live connection. It never fails: when the
// session is not connected, the event is dropped and logged.
func (m *Manager) Send(ctx context.Context, event string, payload any) {
	m.mu.RLock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.RUnlock()
	if !connected || conn == nil {
		droppedSends.WithLabelValues("disconnected").Inc()
		m.logger.Debug("send dropped, session not connected", zap.String("event", event))
		return
	}
	if err := m.emit(ctx, conn, event, payload); err != nil {
		droppedSends.WithLabelValues("emit").Inc()
		m.logger.Warn("send failed", zap.String("event", event), zap.Error(err))
	}
}

// Join subscribes the session to room. It reports whether a join was issued;
// joining a held room or joining while disconnected is a no-op.
func (m *Manager) Join(room domain.Room) bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.rooms[room]; ok {
		m.mu.Unlock()
		return false
	}
	m.rooms[room] = struct{}{}
	heldRooms.Set(float64(len(m.rooms)))
	conn := m.conn
	m.mu.Unlock()

	event, payload := joinEvent(room)
	if err := m.emit(context.Background(), conn, event, payload); err != nil {
		m.mu.Lock()
		delete(m.rooms, room)
		heldRooms.Set(float64(len(m.rooms)))
		m.mu.Unlock()
		m.logger.Warn("join failed", zap.String("room", room.String()), zap.Error(err))
		return false
	}
	m.logger.Debug("joined room", zap.String("room", room.String()))
	return true
}

// Leave unsubscribes the session from room. Leaving a room that is not held
// is a no-op.
func (m *Manager) Leave(room domain.Room) bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.rooms[room]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, room)
	heldRooms.Set(float64(len(m.rooms)))
	conn := m.conn
	m.mu.Unlock()

	event, payload := leaveEvent(room)
	if err := m.emit(context.Background(), conn, event, payload); err != nil {
		m.logger.Warn("leave failed", zap.String("room", room.String()), zap.Error(err))
	}
	m.logger.Debug("left room", zap.String("room", room.String()))
	return true
}

// Member reports whether room is currently held.
func (m *Manager) Member(room domain.Room) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room]
	return ok
}

// Rooms lists held rooms in a stable order.
func (m *Manager) Rooms() []domain.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRooms(m.rooms)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Identity returns the bound identity while a session exists.
func (m *Manager) Identity() (domain.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity, m.state != StateDisconnected
}

// Credential returns the credential the session was opened with.
func (m *Manager) Credential() domain.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infoLocked()
}

// Subscribe adds a handler for an inbound event without displacing others.
func (m *Manager) Subscribe(event string, fn func(json.RawMessage)) *bus.Subscription {
	sub := m.events.Subscribe(event, fn)
	m.mu.Lock()
	conn := m.conn
	need := conn != nil && !m.wired[event]
	if need {
		m.wired[event] = true
	}
	m.mu.Unlock()
	if need {
		conn.On(event, m.dispatch(event))
	}
	return sub
}

// OnEvent binds the single slot handler for event, replacing the previous
// slot handler. Handlers added with Subscribe are unaffected.
func (m *Manager) OnEvent(event string, fn func(json.RawMessage)) {
	sub := m.Subscribe(event, fn)
	m.mu.Lock()
	prev := m.slots[event]
	m.slots[event] = sub
	m.mu.Unlock()
	prev.Unsubscribe()
}

func (m *Manager) dispatch(event string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		inboundEvents.WithLabelValues(event).Inc()
		m.exec.Post(func() { m.events.Publish(event, raw) })
	}
}

func (m *Manager) watch(conn Conn, sessionID uuid.UUID) {
	<-conn.Done()
	m.mu.Lock()
	if m.conn != conn || m.sessionID != sessionID || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	identity := m.identity
	m.resetLocked()
	m.mu.Unlock()
	heldRooms.Set(0)
	m.logger.Warn("session dropped by transport", zap.String("user_id", identity.ID), zap.String("session_id", sessionID.String()))
	m.publishLocal(domain.EventSessionDropped, dropNotice{Reason: "transport"})
}

type dropNotice struct {
	Reason string `json:"reason"`
}

func (m *Manager) publishLocal(event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = json.RawMessage("null")
	}
	m.exec.Post(func() { m.events.Publish(event, raw) })
}

func (m *Manager) emit(ctx context.Context, conn Conn, event string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EmitTimeout)
	defer cancel()
	return conn.Emit(ctx, event, payload)
}

func (m *Manager) resetLocked() {
	m.state = StateDisconnected
	m.conn = nil
	m.identity = domain.Identity{}
	m.cred = domain.Credential{}
	m.sessionID = uuid.Nil
	m.rooms = make(map[domain.Room]struct{})
	m.wired = make(map[string]bool)
}

func (m *Manager) infoLocked() Info {
	rooms := sortedRooms(m.rooms)
	names := make([]string, 0, len(rooms))
	for _, room := range rooms {
		names = append(names, room.String())
	}
	return Info{SessionID: m.sessionID, State: m.state, Identity: m.identity, Rooms: names}
}

func sortedRooms(set map[domain.Room]struct{}) []domain.Room {
	out := make([]domain.Room, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func joinEvent(room domain.Room) (string, any) {
	if room.Kind == domain.RoomPersonal {
		return domain.EventJoinRoom, domain.UserRoomPayload{UserID: room.Key}
	}
	return domain.EventJoinRideRoom, domain.RideRoomPayload{RideID: room.Key}
}

func leaveEvent(room domain.Room) (string, any) {
	if room.Kind == domain.RoomPersonal {
		return domain.EventLeaveRoom, domain.UserRoomPayload{UserID: room.Key}
	}
	return domain.EventLeaveRideRoom, domain.RideRoomPayload{RideID: room.Key}
}
