package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/session"
)

const eventHeader = "x-event-type"

// ErrClosed is returned by Emit after the connection has gone away.
var ErrClosed = errors.New("nats connection closed")

// Unsubscriber is the part of *nats.Subscription the transport needs.
type Unsubscriber interface {
	Unsubscribe() error
}

// Client is the part of *nats.Conn the transport needs.
type Client interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (Unsubscriber, error)
	Close()
}

// Dialer opens a Client. closed must be invoked once the client is gone for good.
type Dialer func(url, token string, closed func()) (Client, error)

// Config holds subject layout and publish tunables.
type Config struct {
	Prefix   string
	Name     string
	RetryMax int
	Backoff  time.Duration
}

// Transport carries session traffic over NATS: rooms become subject
// subscriptions and client emits are published under the client prefix.
type Transport struct {
	dial   Dialer
	logger *zap.Logger
	cfg    Config
	tracer trace.Tracer
}

// New builds a Transport that dials real NATS servers.
func New(logger *zap.Logger, cfg Config) *Transport {
	t := NewWithDialer(nil, logger, cfg)
	t.dial = t.natsDial
	return t
}

// NewWithDialer builds a Transport on top of a custom dialer.
func NewWithDialer(dial Dialer, logger *zap.Logger, cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = "ride"
	}
	if cfg.Name == "" {
		cfg.Name = "ridesync"
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{dial: dial, logger: logger, cfg: cfg, tracer: otel.Tracer("ridesync.transport.nats")}
}

func (t *Transport) natsDial(url, token string, closed func()) (Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(t.cfg.Name),
		nats.Token(token),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { closed() }),
	)
	if err != nil {
		return nil, err
	}
	return natsClient{conn}, nil
}

type natsClient struct{ *nats.Conn }

func (c natsClient) Subscribe(subject string, cb nats.MsgHandler) (Unsubscriber, error) {
	return c.Conn.Subscribe(subject, cb)
}

// Connect satisfies session.Transport.
func (t *Transport) Connect(_ context.Context, endpoint string, cred domain.Credential) (session.Conn, error) {
	c := &Conn{
		t:        t,
		handlers: make(map[string]func(json.RawMessage)),
		subs:     make(map[string]Unsubscriber),
		done:     make(chan struct{}),
	}
	client, err := t.dial(endpoint, cred.Token, c.markDone)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", endpoint, err)
	}
	c.client = client
	return c, nil
}

// Subject returns the subject a room is delivered on.
func (t *Transport) Subject(room domain.Room) string {
	if room.Kind == domain.RoomPersonal {
		return t.cfg.Prefix + ".rooms.user." + room.Key
	}
	return t.cfg.Prefix + ".rooms.ride." + room.Key
}

// Conn is one NATS-backed session connection.
type Conn struct {
	t      *Transport
	client Client

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	subs     map[string]Unsubscriber

	done chan struct{}
	once sync.Once
}

type roomKeys struct {
	UserID string `json:"userId"`
	RideID string `json:"rideId"`
}

func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	var keys roomKeys
	_ = json.Unmarshal(data, &keys)

	switch event {
	case domain.EventJoinRoom:
		err = c.subscribe(domain.PersonalRoom(keys.UserID))
	case domain.EventJoinRideRoom:
		err = c.subscribe(domain.RideRoom(keys.RideID))
	case domain.EventLeaveRoom:
		c.unsubscribe(domain.PersonalRoom(keys.UserID))
	case domain.EventLeaveRideRoom:
		c.unsubscribe(domain.RideRoom(keys.RideID))
	}
	if err != nil {
		return err
	}
	return c.publish(ctx, event, data)
}

func (c *Conn) subscribe(room domain.Room) error {
	subject := c.t.Subject(room)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}
	sub, err := c.client.Subscribe(subject, c.deliver)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

func (c *Conn) unsubscribe(room domain.Room) {
	subject := c.t.Subject(room)
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			c.t.logger.Debug("unsubscribe failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (c *Conn) deliver(msg *nats.Msg) {
	event := msg.Header.Get(eventHeader)
	if event == "" {
		return
	}
	c.mu.Lock()
	fn := c.handlers[event]
	c.mu.Unlock()
	if fn != nil {
		fn(json.RawMessage(msg.Data))
	}
}

func (c *Conn) publish(ctx context.Context, event string, data []byte) error {
	ctx, span := c.t.tracer.Start(ctx, "nats.publish")
	defer span.End()
	msg := nats.NewMsg(c.t.cfg.Prefix + ".client." + event)
	msg.Data = data
	msg.Header.Set(eventHeader, event)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := c.client.PublishMsg(msg)
		if err == nil {
			return nil
		}
		c.t.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.String("event", event))
		if attempt >= c.t.cfg.RetryMax {
			return fmt.Errorf("publish %s: %w", event, err)
		}
		backoff := time.Duration(attempt*attempt) * c.t.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

func (c *Conn) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close drops every room subscription and closes the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]Unsubscriber)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.client.Close()
	c.markDone()
	return nil
}

// Subscriptions reports how many room subjects are subscribed.
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Conn) markDone() {
	c.once.Do(func() { close(c.done) })
}
