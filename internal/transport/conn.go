// Package transport binds network listeners to sessions: a raw TCP
// XMLSocket listener, a WebSocket listener for ws and wss, and the adapters
// that expose their connections as session.Transport.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sirosfoundation/go-socket-server/internal/session"
)

const readBufferSize = 4096

// closeGrace bounds the WebSocket close handshake write.
const closeGrace = time.Second

// TCPConn adapts a net.Conn to session.Transport.
type TCPConn struct {
	conn net.Conn
	kind session.Kind
	buf  []byte
}

// NewTCPConn wraps conn as a raw-socket transport.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{
		conn: conn,
		kind: session.KindRawTCP,
		buf:  make([]byte, readBufferSize),
	}
}

// Receive reads the next chunk. Cancelling ctx unblocks a pending read.
func (c *TCPConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := c.conn.Read(c.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	}
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil, session.ErrTransportClosed
	}
	return nil, err
}

// Send writes data, honoring ctx's deadline.
func (c *TCPConn) Send(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *TCPConn) Kind() session.Kind { return c.kind }
func (c *TCPConn) Close() error       { return c.conn.Close() }

// WSConn adapts a gorilla WebSocket connection to session.Transport. Each
// inbound message is one chunk; outbound frames go out as binary messages.
type WSConn struct {
	conn   *websocket.Conn
	kind   session.Kind
	remote string
}

// NewWSConn wraps conn. remote is the client address as seen by the HTTP
// server; it falls back to the socket peer address when empty.
func NewWSConn(conn *websocket.Conn, kind session.Kind, remote string) *WSConn {
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}
	return &WSConn{conn: conn, kind: kind, remote: remote}
}

func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	_, msg, err := c.conn.ReadMessage()
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil, session.ErrTransportClosed
	}
	return nil, err
}

func (c *WSConn) Send(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) RemoteAddr() string { return c.remote }
func (c *WSConn) Kind() session.Kind { return c.kind }

// Close sends a normal close frame and closes the connection.
func (c *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.conn.Close()
}
