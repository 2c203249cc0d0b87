package transport

import (
	"context"
	"errors"
	"net"

	"github.com/sirosfoundation/go-socket-server/internal/session"
)

var (
	ErrNoPort             = errors.New("no port configured")
	ErrMissingTLSMaterial = errors.New("missing TLS certificate or key")
	ErrNotListening       = errors.New("listener is not bound")
)

// AcceptFunc takes ownership of an accepted connection. It runs on the
// connection's own goroutine and may block for the connection's lifetime.
type AcceptFunc func(t session.Transport)

// Listener is a bound transport endpoint.
type Listener interface {
	Kind() session.Kind
	// Listen binds the address. Configuration problems surface here.
	Listen() error
	// Addr returns the bound address, or nil before Listen.
	Addr() net.Addr
	// Serve accepts connections until ctx is done or Close is called.
	Serve(ctx context.Context) error
	Close() error
}
