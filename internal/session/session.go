// Package session drives the per-connection lifecycle: it owns the frame
// buffer, the protocol engine and the transport of one connection, runs the
// receive loop and the liveness probe, and publishes lifecycle events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-socket-server/internal/events"
	"github.com/sirosfoundation/go-socket-server/internal/framing"
	"github.com/sirosfoundation/go-socket-server/internal/idgen"
	"github.com/sirosfoundation/go-socket-server/internal/metrics"
	"github.com/sirosfoundation/go-socket-server/internal/protocol"
	"github.com/sirosfoundation/go-socket-server/pkg/logging"
)

// Default liveness settings, used when a transport configures none.
const (
	DefaultPingInterval = 60 * time.Second
	DefaultPingTimeout  = 30 * time.Second
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrRateLimited   = errors.New("inbound frame rate exceeded")
	ErrHandlerPanic  = errors.New("command handler panicked")
)

// State is a session lifecycle state.
type State int

const (
	StateCreated State = iota
	StateAwaitingConnect
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a session.
type Options struct {
	// PingInterval is the probe period. Zero disables the probe.
	PingInterval time.Duration
	// PingTimeout bounds each write to the transport.
	PingTimeout time.Duration
	// MaxFrameBytes caps an unterminated frame. Zero disables the cap.
	MaxFrameBytes int
	// FrameRate limits inbound frames per second. Zero disables the limit.
	FrameRate  float64
	FrameBurst int
	// Port is the listener port, reported in policy files.
	Port int
	// Policy serves policy-file requests. Only raw-socket sessions use it.
	Policy PolicyProvider
	// Commands are installed on the session's engine at creation.
	Commands map[string]protocol.CommandHandler
	Metrics  *metrics.Metrics
}

// Session is one client connection.
type Session struct {
	id       string
	kind     Kind
	remote   string
	opts     Options
	bus      *events.Bus
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics

	engine  *protocol.Engine
	buffer  *framing.Buffer
	limiter *rate.Limiter

	mu          sync.Mutex
	state       State
	transport   Transport
	connectedAt time.Time
	cancelPing  context.CancelFunc
	stopReason  error

	// sendMu serializes writes; it is never held while stopping.
	sendMu sync.Mutex
	done   chan struct{}
}

// New creates a session for t and inserts it into registry.
func New(t Transport, bus *events.Bus, registry *Registry, opts Options, logger *zap.Logger) (*Session, error) {
	s := &Session{
		kind:      t.Kind(),
		remote:    t.RemoteAddr(),
		opts:      opts,
		bus:       bus,
		registry:  registry,
		metrics:   opts.Metrics,
		buffer:    framing.NewBuffer(opts.MaxFrameBytes),
		state:     StateCreated,
		transport: t,
		done:      make(chan struct{}),
	}
	s.engine = protocol.NewEngine(&host{s: s})
	for token, h := range opts.Commands {
		s.engine.RegisterCommand(token, h)
	}
	if opts.FrameRate > 0 {
		burst := opts.FrameBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), burst)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		s.id = idgen.NewID()
		s.logger = logging.ForSession(logger, s.id, string(s.kind), s.remote)
		if err = registry.Add(s); !errors.Is(err, ErrSessionExists) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	s.metrics.SessionOpened(string(s.kind))
	return s, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Kind() Kind         { return s.kind }
func (s *Session) RemoteAddr() string { return s.remote }

// IsLocal reports whether the peer connected over loopback.
func (s *Session) IsLocal() bool { return isLoopback(s.remote) }

// PingInterval returns the configured probe period.
func (s *Session) PingInterval() time.Duration { return s.opts.PingInterval }

// PingTimeout returns the configured write timeout.
func (s *Session) PingTimeout() time.Duration { return s.opts.PingTimeout }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedAt returns when the connect command was accepted, or the zero time.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Err returns why the session stopped, if it stopped because of an error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// RegisterCommand installs a custom command handler on this session.
func (s *Session) RegisterCommand(token string, h protocol.CommandHandler) {
	s.engine.RegisterCommand(token, h)
}

// Call sends [command, args...] to the peer.
func (s *Session) Call(command string, args ...any) error {
	return s.engine.Call(command, args...)
}

// CallXML sends a legacy XML reply.
func (s *Session) CallXML(data, uid string) error {
	return s.engine.CallXML(data, uid)
}

// Status sends an onStatus command.
func (s *Session) Status(code, description string, errorCode any) error {
	return s.engine.Status(code, description, errorCode)
}

// RespondCmd sends a correlated _B reply.
func (s *Session) RespondCmd(data any, callbackUID any) error {
	return s.engine.RespondCmd(data, callbackUID)
}

// AcceptConnection confirms a connect to the peer.
func (s *Session) AcceptConnection() error {
	return s.engine.Status(protocol.StatusConnectSuccess, "Connection succeeded.", nil)
}

// RejectConnection refuses a connect and stops the session.
func (s *Session) RejectConnection(errorCode any) error {
	err := s.engine.Status(protocol.StatusConnectRejected, "Connection rejected.", errorCode)
	s.logger.Info("[socket reject]")
	s.Stop()
	return err
}

// Disconnect asks the peer to drop the connection, then stops the session.
func (s *Session) Disconnect() {
	s.engine.Disconnect(nil)
}

// Stop ends the session gracefully. It is safe to call repeatedly and from
// any goroutine.
func (s *Session) Stop() {
	s.stop(false, nil)
}

// Run executes the receive loop until the transport fails or the session
// stops. It returns once the session is closed.
func (s *Session) Run(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateAwaitingConnect
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	defer s.Stop()

	for {
		chunk, err := t.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.stop(false, ctx.Err())
			case errors.Is(err, ErrTransportClosed), errors.Is(err, io.EOF):
				s.logger.Debug("Peer closed connection")
				s.stop(true, nil)
			default:
				s.logger.Error("Socket error", zap.Error(err))
				s.stop(true, err)
			}
			return
		}
		if !s.feed(chunk) {
			return
		}
	}
}

// feed pushes a chunk through the buffer and dispatches every complete frame.
// It returns false once the session is no longer open.
func (s *Session) feed(chunk []byte) bool {
	if err := s.buffer.Append(chunk); err != nil {
		s.fail(err)
		return false
	}

	for frame := range s.buffer.Drain() {
		if s.limiter != nil && !s.limiter.Allow() {
			s.fail(ErrRateLimited)
			return false
		}
		s.metrics.FrameReceived(string(s.kind))

		err := s.handleFrame(frame)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrNoData):
			s.logger.Debug("Empty frame received")
		case errors.Is(err, protocol.ErrDisconnected):
			s.stop(false, nil)
			return false
		default:
			s.fail(err)
			return false
		}

		if !s.open() {
			return false
		}
	}
	return s.open()
}

func (s *Session) handleFrame(frame string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.engine.HandleFrame(frame)
}

func (s *Session) fail(err error) {
	s.logger.Error("Parser data error", zap.Error(err))
	s.metrics.FrameRejected(rejectReason(err))
	s.stop(false, err)
}

func rejectReason(err error) string {
	for _, known := range []error{
		protocol.ErrMessageParse,
		protocol.ErrXMLParse,
		protocol.ErrUnexpectedXML,
		protocol.ErrUnimplementedCommand,
		framing.ErrFrameTooLarge,
		ErrRateLimited,
		ErrHandlerPanic,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "handler error"
}

func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.state < StateClosing
}

func (s *Session) connect(msg protocol.Message) error {
	s.publish(events.PreConnect, msg.Args, nil, nil)

	s.mu.Lock()
	if s.transport == nil || s.state >= StateClosing {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateActive {
		s.mu.Unlock()
		s.logger.Warn("Duplicate connect ignored")
		return nil
	}
	s.state = StateActive
	s.connectedAt = time.Now()
	if s.opts.PingInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelPing = cancel
		go s.pingLoop(ctx)
	}
	s.mu.Unlock()

	if s.opts.PingInterval <= 0 {
		s.logger.Warn("Ping time is not set, liveness probe disabled")
	}
	s.logger.Info("[socket connect]", zap.Int("args", len(msg.Args)))
	s.publish(events.PostConnect, msg.Args, nil, nil)
	return nil
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.SendPing(); err != nil {
				if errors.Is(err, protocol.ErrLivenessTimeout) {
					s.logger.Info("Liveness probe unanswered")
				}
				return
			}
			s.metrics.PingSent()
		}
	}
}

func (s *Session) policy() error {
	if s.kind != KindRawTCP || s.opts.Policy == nil {
		return fmt.Errorf("%w: policy files are served on the raw socket only", protocol.ErrUnexpectedXML)
	}
	if err := s.write(s.opts.Policy.PolicyFile(s.opts.Port)); err != nil {
		return err
	}
	s.stop(true, nil)
	return nil
}

func (s *Session) write(payload []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrSessionClosed
	}

	ctx := context.Background()
	if s.opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PingTimeout)
		defer cancel()
	}

	s.sendMu.Lock()
	err := t.Send(ctx, framing.Encode(payload))
	s.sendMu.Unlock()

	if err != nil {
		s.logger.Error("Send buffer error", zap.Error(err))
		s.stop(true, err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Session) publish(kind events.Kind, args []json.RawMessage, reply events.ReplyFunc, reason error) {
	s.bus.Publish(events.Event{
		Kind:      kind,
		SessionID: s.id,
		Session:   s,
		Args:      args,
		Reply:     reply,
		Reason:    reason,
	})
}

// stop moves the session through Closing to Closed. peerClosed skips the
// closing status when the peer is already gone.
func (s *Session) stop(peerClosed bool, reason error) {
	s.mu.Lock()
	if s.transport == nil || s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.stopReason = reason
	cancel := s.cancelPing
	s.cancelPing = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.logger.Info("[socket disconnect]", zap.Bool("peer_closed", peerClosed), zap.NamedError("reason", reason))
	s.publish(events.DoneConnect, nil, nil, reason)

	if !peerClosed {
		_ = s.engine.Status(protocol.StatusConnectClosed, "Connection closed.", nil)
	}

	s.registry.Remove(s)

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.state = StateClosed
	s.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debug("Transport close error", zap.Error(err))
		}
	}
	s.metrics.SessionClosed(string(s.kind))
	close(s.done)
}

// host adapts Session to protocol.Host without widening its public API.
type host struct {
	s *Session
}

func (h *host) OnConnect(msg protocol.Message) error { return h.s.connect(msg) }
func (h *host) OnOutput(payload []byte) error        { return h.s.write(payload) }
func (h *host) OnStop(reason error)                  { h.s.stop(false, reason) }
func (h *host) OnPolicy() error                      { return h.s.policy() }

func (h *host) OnEvent(kind events.Kind, msg protocol.Message, reply events.ReplyFunc) {
	h.s.publish(kind, msg.Args, reply, nil)
}
