package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/api"
	"github.com/sirosfoundation/go-socket-server/internal/events"
	"github.com/sirosfoundation/go-socket-server/internal/metrics"
	"github.com/sirosfoundation/go-socket-server/internal/protocol"
	"github.com/sirosfoundation/go-socket-server/internal/session"
	"github.com/sirosfoundation/go-socket-server/internal/transport"
	"github.com/sirosfoundation/go-socket-server/pkg/config"
	"github.com/sirosfoundation/go-socket-server/pkg/middleware"
)

// Server owns the listeners, the session registry and the event bus.
type Server struct {
	cfg      *config.Config
	base     *zap.Logger
	logger   *zap.Logger
	bus      *events.Bus
	registry *session.Registry
	metrics  *metrics.Metrics
	policy   *transport.Policy

	commandsMu sync.RWMutex
	commands   map[string]protocol.CommandHandler

	mu        sync.Mutex
	listeners []transport.Listener
	adminSrv  *http.Server
	adminLn   net.Listener
	stopping  bool

	// ctx is handed to every session; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	sessions sync.WaitGroup
	serving  sync.WaitGroup
}

// New creates a server from cfg. Nothing is bound until Start.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	timeout := cfg.Limits.ListenerTimeoutDuration()
	if timeout <= 0 {
		timeout = events.DefaultListenerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		base:     logger,
		logger:   logger.Named("server"),
		bus:      events.NewBus(timeout, logger),
		registry: session.NewRegistry(),
		metrics:  metrics.New(),
		policy:   transport.NewPolicy(cfg.Policy.Domain),
		commands: make(map[string]protocol.CommandHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// On subscribes listener to kind on the shared event bus.
func (s *Server) On(kind events.Kind, listener events.Listener) (events.Subscription, error) {
	return s.bus.Subscribe(kind, listener)
}

// Off removes a subscription made with On.
func (s *Server) Off(sub events.Subscription) {
	s.bus.Unsubscribe(sub)
}

// RegisterCommand installs a custom command handler on every current and
// future session. Custom handlers take precedence over builtin commands.
func (s *Server) RegisterCommand(token string, h protocol.CommandHandler) {
	s.commandsMu.Lock()
	s.commands[token] = h
	s.commandsMu.Unlock()

	for _, sess := range s.registry.All() {
		sess.RegisterCommand(token, h)
	}
}

// commandTable copies the custom commands. Callers hold commandsMu.
func (s *Server) commandTable() map[string]protocol.CommandHandler {
	out := make(map[string]protocol.CommandHandler, len(s.commands))
	for k, v := range s.commands {
		out[k] = v
	}
	return out
}

// Session returns a live session by identifier.
func (s *Server) Session(id string) (*session.Session, error) {
	return s.registry.Get(id)
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*session.Session {
	return s.registry.All()
}

func (s *Server) Bus() *events.Bus            { return s.bus }
func (s *Server) Registry() *session.Registry { return s.registry }
func (s *Server) Metrics() *metrics.Metrics   { return s.metrics }

// Listeners returns the transports that are currently bound.
func (s *Server) Listeners() []transport.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Listener(nil), s.listeners...)
}

// AdminAddr returns the bound admin API address, or nil.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Accept runs a session for t until it closes. Listeners call it on the
// connection's goroutine.
func (s *Server) Accept(t session.Transport) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	// The table is copied and the session registered under one read lock,
	// so a concurrent RegisterCommand either lands in the copy or finds the
	// session in the registry.
	s.commandsMu.RLock()
	sess, err := session.New(t, s.bus, s.registry, s.sessionOptions(t.Kind()), s.base)
	s.commandsMu.RUnlock()
	if err != nil {
		s.logger.Error("Failed to create session", zap.Error(err), zap.String("transport", string(t.Kind())))
		_ = t.Close()
		return
	}
	sess.Run(s.ctx)
}

func (s *Server) transportConfig(kind session.Kind) config.TransportConfig {
	switch kind {
	case session.KindRawTCP:
		return s.cfg.XMLS
	case session.KindWSS:
		return s.cfg.WSS
	default:
		return s.cfg.WS
	}
}

func (s *Server) sessionOptions(kind session.Kind) session.Options {
	tc := s.transportConfig(kind)
	return session.Options{
		PingInterval:  tc.PingInterval(),
		PingTimeout:   tc.PingTimeoutDuration(),
		MaxFrameBytes: s.cfg.Limits.MaxFrameBytes,
		FrameRate:     s.cfg.Limits.FramesPerSecond,
		FrameBurst:    s.cfg.Limits.FrameBurst,
		Port:          tc.Port,
		Policy:        s.policy,
		Commands:      s.commandTable(),
		Metrics:       s.metrics,
	}
}

func (s *Server) buildListeners() []transport.Listener {
	var out []transport.Listener

	if s.cfg.XMLS.Enabled() {
		out = append(out, transport.NewXMLSocketListener(s.cfg.XMLS.Address(), s.Accept, s.base))
	} else {
		s.logger.Warn("XMLSocket transport disabled", zap.Error(transport.ErrNoPort))
	}

	for _, kind := range []session.Kind{session.KindWS, session.KindWSS} {
		tc := s.transportConfig(kind)
		if !tc.Enabled() {
			s.logger.Warn("WebSocket transport disabled", zap.String("transport", string(kind)), zap.Error(transport.ErrNoPort))
			continue
		}
		out = append(out, transport.NewWebSocketListener(transport.WebSocketOptions{
			Kind:      kind,
			Addr:      tc.Address(),
			Path:      tc.Path,
			CertFile:  tc.Cert,
			KeyFile:   tc.Key,
			ReadLimit: int64(s.cfg.Limits.MaxFrameBytes),
		}, s.Accept, s.base))
	}

	return out
}

// Start binds every enabled transport and the admin API. A transport that
// fails to bind is logged and skipped; the others keep running. Only an
// admin API failure is returned.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	for _, l := range s.buildListeners() {
		if err := l.Listen(); err != nil {
			s.logger.Error("Transport failed to start",
				zap.String("transport", string(l.Kind())),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()

		s.serving.Add(1)
		go func(l transport.Listener) {
			defer s.serving.Done()
			if err := l.Serve(ctx); err != nil {
				s.logger.Error("Transport stopped unexpectedly",
					zap.String("transport", string(l.Kind())),
					zap.Error(err))
			}
		}(l)
	}

	if len(s.Listeners()) == 0 {
		s.logger.Warn("No transport is listening")
	}

	return s.startAdmin()
}

func (s *Server) startAdmin() error {
	if s.cfg.Admin.Port == 0 {
		return nil
	}

	token := s.cfg.Admin.Token
	if token == "" {
		var err error
		token, err = middleware.GenerateAdminToken()
		if err != nil {
			return fmt.Errorf("failed to generate admin token: %w", err)
		}
		s.logger.Info("Generated admin API token (set SOCKET_ADMIN_TOKEN to use a fixed token)",
			zap.String("token", token))
	}

	handlers := api.NewAdminHandlers(s, s.cfg.Name, s.base)
	router := api.NewAdminRouter(handlers, api.RouterConfig{
		Token:       token,
		CORSOrigins: s.cfg.Admin.CORSOrigins,
		RateLimiter: middleware.NewRateLimiter(s.cfg.Admin.RateLimit, s.base),
		Gatherer:    s.metrics.Registry(),
	}, s.base)

	ln, err := net.Listen("tcp", s.cfg.Admin.Address())
	if err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.adminSrv = srv
	s.adminLn = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Admin server listening", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the listeners, then stops every live session, which sends
// each connected peer a closing status. It waits for sessions to finish
// until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	listeners := append([]transport.Listener(nil), s.listeners...)
	adminSrv := s.adminSrv
	s.mu.Unlock()

	s.logger.Info("Shutting down server...", zap.Int("sessions", s.registry.Len()))

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.logger.Warn("Failed to close listener", zap.String("transport", string(l.Kind())), zap.Error(err))
		}
	}

	s.registry.StopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.serving.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	s.logger.Info("Server exited")
	return nil
}
