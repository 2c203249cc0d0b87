package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/session"
)

// XMLSocketListener accepts raw TCP connections speaking the NUL framed
// protocol.
type XMLSocketListener struct {
	addr   string
	accept AcceptFunc
	logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewXMLSocketListener creates a listener for addr. Nothing is bound until
// Listen is called.
func NewXMLSocketListener(addr string, accept AcceptFunc, logger *zap.Logger) *XMLSocketListener {
	return &XMLSocketListener{
		addr:   addr,
		accept: accept,
		logger: logger.Named("xmls"),
	}
}

func (l *XMLSocketListener) Kind() session.Kind { return session.KindRawTCP }

func (l *XMLSocketListener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

func (l *XMLSocketListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *XMLSocketListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	l.logger.Info("XMLSocket server listening", zap.String("address", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				l.logger.Info("XMLSocket server closed")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				l.logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		l.logger.Debug("Client connected", zap.String("remote", conn.RemoteAddr().String()))
		go l.accept(NewTCPConn(conn))
	}
}

func (l *XMLSocketListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.ln == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return l.ln.Close()
}

func (l *XMLSocketListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
