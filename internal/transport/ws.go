package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/session"
)

// WebSocketOptions configures a WebSocketListener.
type WebSocketOptions struct {
	// Kind is session.KindWS or session.KindWSS.
	Kind session.Kind
	Addr string
	// Path is the upgrade route. Defaults to "/".
	Path string
	// CertFile and KeyFile are required for wss.
	CertFile string
	KeyFile  string
	// ReadLimit caps a single inbound message. Zero means no limit.
	ReadLimit int64
}

// WebSocketListener serves WebSocket upgrades over plain HTTP (ws) or
// TLS (wss).
type WebSocketListener struct {
	opts     WebSocketOptions
	accept   AcceptFunc
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	closed bool
}

// NewWebSocketListener creates a listener. Nothing is bound until Listen.
func NewWebSocketListener(opts WebSocketOptions, accept AcceptFunc, logger *zap.Logger) *WebSocketListener {
	if opts.Kind == "" {
		opts.Kind = session.KindWS
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	l := &WebSocketListener{
		opts:   opts,
		accept: accept,
		logger: logger.Named(string(opts.Kind)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(opts.Path, l.handleUpgrade)
	l.router = router
	return l
}

func (l *WebSocketListener) Kind() session.Kind { return l.opts.Kind }

// Handler returns the HTTP handler serving the upgrade route.
func (l *WebSocketListener) Handler() http.Handler { return l.router }

func (l *WebSocketListener) handleUpgrade(c *gin.Context) {
	conn, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	if l.opts.ReadLimit > 0 {
		conn.SetReadLimit(l.opts.ReadLimit)
	}

	l.logger.Debug("WebSocket client connected", zap.String("remote", c.Request.RemoteAddr))
	l.accept(NewWSConn(conn, l.opts.Kind, c.Request.RemoteAddr))
}

// Listen binds the address. For wss it also loads the key pair and fails
// with ErrMissingTLSMaterial when either file is absent or unusable.
func (l *WebSocketListener) Listen() error {
	srv := &http.Server{
		Handler:           l.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if l.opts.Kind == session.KindWSS {
		cfg, err := loadTLS(l.opts.CertFile, l.opts.KeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = cfg
	}

	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.srv = srv
	l.mu.Unlock()
	return nil
}

func loadTLS(certFile, keyFile string) (*tls.Config, error) {
	for _, f := range []string{certFile, keyFile} {
		if f == "" {
			return nil, ErrMissingTLSMaterial
		}
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTLSMaterial, f)
		}
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingTLSMaterial, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (l *WebSocketListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *WebSocketListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln, srv := l.ln, l.srv
	l.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	l.logger.Info("WebSocket server listening",
		zap.String("address", ln.Addr().String()),
		zap.String("path", l.opts.Path))

	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		l.logger.Info("WebSocket server closed")
		return nil
	}
	return err
}

// Close stops accepting upgrades. Upgraded connections belong to their
// sessions and are not touched.
func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	if l.srv != nil {
		err = l.srv.Close()
	}
	if l.ln != nil {
		_ = l.ln.Close()
	}
	return err
}
