package session

import (
	"context"
	"errors"
	"net"
)

// Kind names the transport a session arrived on.
type Kind string

const (
	KindRawTCP Kind = "raw-tcp"
	KindWS     Kind = "ws"
	KindWSS    Kind = "wss"
)

var (
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is the connected stream handed to a session by a listener.
type Transport interface {
	// Receive blocks until the next chunk arrives. A clean close by the peer
	// is reported as ErrTransportClosed (or io.EOF).
	Receive(ctx context.Context) ([]byte, error)
	// Send writes one already framed message. Implementations honor ctx's
	// deadline.
	Send(ctx context.Context, data []byte) error
	RemoteAddr() string
	Kind() Kind
	Close() error
}

// PolicyProvider produces the cross-domain policy document served to
// raw-socket clients.
type PolicyProvider interface {
	PolicyFile(port int) []byte
}

func isLoopback(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
