// Package sessiontest provides an in-memory Transport for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/session"
)

// Emitted is one outbound event captured by Conn.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Transport hands out Conns and records how it was dialled. When Hold is set
// it is called at the start of every dial, outside the lock.
type Transport struct {
	mu       sync.Mutex
	Err      error
	Hold     func()
	conns    []*Conn
	endpoint string
	cred     domain.Credential
}

func (t *Transport) Connect(_ context.Context, endpoint string, cred domain.Credential) (session.Conn, error) {
	if t.Hold != nil {
		t.Hold()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	t.endpoint = endpoint
	t.cred = cred
	conn := NewConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

// Last returns the most recently dialled connection.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Dials reports how many connections were opened.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) Credential() domain.Credential {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cred
}

// Conn records emits and lets tests push inbound events.
type Conn struct {
	mu       sync.Mutex
	EmitErr  error
	emitted  []Emitted
	handlers map[string]func(json.RawMessage)
	done     chan struct{}
	once     sync.Once
	closed   bool
}

func NewConn() *Conn {
	return &Conn{handlers: make(map[string]func(json.RawMessage)), done: make(chan struct{})}
}

func (c *Conn) Emit(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: raw})
	return nil
}

func (c *Conn) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Drop simulates the server closing the connection.
func (c *Conn) Drop() {
	c.once.Do(func() { close(c.done) })
}

// Push delivers an inbound event and reports whether a handler was bound.
func (c *Conn) Push(event string, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	c.mu.Lock()
	fn := c.handlers[event]
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(raw)
	return true
}

func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Events lists emitted event names in order.
func (c *Conn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.emitted))
	for _, e := range c.emitted {
		out = append(out, e.Event)
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
