package session

import (
	"context"
	"encoding/json"

	"github.com/example/ridesync/internal/ride/domain"
)

// Conn is one live transport connection.
type Conn interface {
	// Emit sends a named event. Delivery is at-most-once.
	Emit(ctx context.Context, event string, payload any) error
	// On binds the callback for inbound events with the given name.
	On(event string, fn func(json.RawMessage))
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	Close() error
}

// Transport dials connections authenticated with a credential.
type Transport interface {
	Connect(ctx context.Context, endpoint string, cred domain.Credential) (Conn, error)
}
