package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8 * 1024
)

// ErrClosed is returned by Emit after the connection has gone away.
var ErrClosed = errors.New("websocket closed")

// Config holds dialer tunables.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
}

// Transport dials the backend socket with a bearer credential.
type Transport struct {
	dialer *websocket.Dialer
	logger *zap.Logger
	cfg    Config
}

// New constructs a websocket Transport.
func New(logger *zap.Logger, cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = pongWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger,
		cfg:    cfg,
	}
}

// Connect satisfies session.Transport.
func (t *Transport) Connect(ctx context.Context, endpoint string, cred domain.Credential) (session.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	ws, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c := &Conn{
		ws:       ws,
		logger:   t.logger,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop(t.cfg.PongWait)
	go c.pingLoop(t.cfg.PingInterval)
	return c, nil
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is a websocket connection speaking the {"event","data"} envelope.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]func(json.RawMessage)

	done chan struct{}
	once sync.Once
}

func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := c.ws.WriteJSON(envelope{Event: event, Data: data}); err != nil {
		c.shutdown()
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Conn) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(wait time.Duration) {
	defer c.shutdown()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Debug("ignoring malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		c.mu.RLock()
		fn := c.handlers[env.Event]
		c.mu.RUnlock()
		if fn != nil {
			fn(env.Data)
		}
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}
