package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirosfoundation/go-socket-server/internal/events"
)

// Host is implemented once per transport binding and receives the engine's
// side effects.
type Host interface {
	// OnConnect handles a dispatched connect command.
	OnConnect(msg Message) error
	// OnOutput writes one encoded message. Framing is the host's concern.
	OnOutput(payload []byte) error
	// OnStop terminates the session. reason may be nil.
	OnStop(reason error)
	// OnEvent publishes a command event. reply is nil when no response is expected.
	OnEvent(kind events.Kind, msg Message, reply events.ReplyFunc)
	// OnPolicy answers a cross-domain policy request. Hosts that do not serve
	// policy files return ErrUnexpectedXML.
	OnPolicy() error
}

// CommandHandler handles a custom command token.
type CommandHandler interface {
	HandleCommand(e *Engine, msg Message) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(e *Engine, msg Message) error

// HandleCommand calls f(e, msg).
func (f CommandHandlerFunc) HandleCommand(e *Engine, msg Message) error {
	return f(e, msg)
}

type replyShape int

const (
	replyNone replyShape = iota
	// [token, result]
	replyCall
	// _B correlated reply
	replyCorrelated
)

type builtin struct {
	kind  events.Kind
	reply replyShape
}

var builtins = map[string]builtin{
	"_SOO":      {events.SOO, replyNone},
	"__resolve": {events.Resolve, replyNone},
	"_P":        {events.P, replyNone},
	"_LS":       {events.LS, replyCall},
	"_LG":       {events.LG, replyCorrelated},
	"_S":        {events.S, replyNone},
	"_SS":       {events.SS, replyNone},
	"_SCA":      {events.SCA, replyCorrelated},
	"_NSF":      {events.NSF, replyNone},
	"$":         {events.Sigil, replyCorrelated},
	"_SCD":      {events.SCD, replyCorrelated},
	"_RCD":      {events.RCD, replyCorrelated},
	"_SCT":      {events.SCT, replyCorrelated},
	"_G":        {events.G, replyCall},
}

// IsBuiltin reports whether token is handled without registration.
func IsBuiltin(token string) bool {
	if token == CmdConnect {
		return true
	}
	_, ok := builtins[token]
	return ok
}

// Engine decodes and dispatches frames for one session and encodes its
// outbound traffic. Outbound methods are safe for concurrent use.
type Engine struct {
	host Host

	commandsMu sync.RWMutex
	commands   map[string]CommandHandler

	pingMu       sync.Mutex
	awaitingPong bool
}

// NewEngine creates an engine bound to host.
func NewEngine(host Host) *Engine {
	return &Engine{
		host:     host,
		commands: make(map[string]CommandHandler),
	}
}

// RegisterCommand installs a handler for token. Custom handlers take
// precedence over builtin commands.
func (e *Engine) RegisterCommand(token string, h CommandHandler) {
	e.commandsMu.Lock()
	defer e.commandsMu.Unlock()
	e.commands[token] = h
}

// UnregisterCommand removes a custom handler.
func (e *Engine) UnregisterCommand(token string) {
	e.commandsMu.Lock()
	defer e.commandsMu.Unlock()
	delete(e.commands, token)
}

// HandleFrame decodes one frame and dispatches it. ErrNoData is returned for
// an empty frame and is not fatal; any other error terminates the session.
func (e *Engine) HandleFrame(frame string) error {
	if frame == "" {
		return ErrNoData
	}
	if !utf8.ValidString(frame) {
		return fmt.Errorf("%w: frame is not valid UTF-8", ErrMessageParse)
	}
	if strings.HasPrefix(frame, "<") {
		return e.handleXML(frame)
	}

	msg, err := DecodeCommand(frame)
	if err != nil {
		return err
	}
	return e.Dispatch(msg)
}

func (e *Engine) handleXML(frame string) error {
	root, err := ParseXMLRoot(frame)
	if err != nil {
		return err
	}
	if root != PolicyRequestTag {
		return fmt.Errorf("%w: <%s>", ErrUnexpectedXML, root)
	}
	return e.host.OnPolicy()
}

// Dispatch routes a decoded message to a custom handler, a builtin, or
// fails with ErrUnimplementedCommand.
func (e *Engine) Dispatch(msg Message) error {
	// A probe answer clears the outstanding flag even when a custom
	// handler owns the token.
	if msg.Token == CmdPing {
		e.Ack()
	}

	e.commandsMu.RLock()
	h, ok := e.commands[msg.Token]
	e.commandsMu.RUnlock()
	if ok {
		return h.HandleCommand(e, msg)
	}

	if msg.Token == CmdConnect {
		return e.host.OnConnect(msg)
	}

	b, ok := builtins[msg.Token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnimplementedCommand, msg.Token)
	}

	e.host.OnEvent(b.kind, msg, e.replyFor(msg.Token, b.reply))

	if msg.Token == CmdDisconnect {
		return ErrDisconnected
	}
	return nil
}

func (e *Engine) replyFor(token string, shape replyShape) events.ReplyFunc {
	switch shape {
	case replyCall:
		return func(data any, _ any) error {
			return e.Call(token, data)
		}
	case replyCorrelated:
		return e.RespondCmd
	default:
		return nil
	}
}

// Call encodes [command, args...] and writes it.
func (e *Engine) Call(command string, args ...any) error {
	payload, err := EncodeCommand(command, args...)
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	return e.host.OnOutput(payload)
}

// CallXML writes a legacy XML reply.
func (e *Engine) CallXML(data, uid string) error {
	return e.host.OnOutput(EncodeXMLResponse(data, uid))
}

// Status sends an onStatus command. errorCode is omitted when nil.
func (e *Engine) Status(code, description string, errorCode any) error {
	return e.Call(CmdStatus, StatusResponse{
		Code:        code,
		Description: description,
		ErrorCode:   errorCode,
	})
}

// RespondCmd sends data as a _B reply correlated by callbackUID.
func (e *Engine) RespondCmd(data any, callbackUID any) error {
	return e.Call(CmdReply, NewCorrelatedReply(data, callbackUID))
}

// SendPing emits a liveness probe. If the previous probe is still
// unanswered the session is disconnected instead and ErrLivenessTimeout
// is returned.
func (e *Engine) SendPing() error {
	e.pingMu.Lock()
	if e.awaitingPong {
		e.pingMu.Unlock()
		e.Disconnect(ErrLivenessTimeout)
		return ErrLivenessTimeout
	}
	e.awaitingPong = true
	e.pingMu.Unlock()

	return e.Call(CmdPing)
}

// Ack records an answer to the outstanding probe.
func (e *Engine) Ack() {
	e.pingMu.Lock()
	e.awaitingPong = false
	e.pingMu.Unlock()
}

// AwaitingPong reports whether a probe is outstanding.
func (e *Engine) AwaitingPong() bool {
	e.pingMu.Lock()
	defer e.pingMu.Unlock()
	return e.awaitingPong
}

// Disconnect tells the peer to drop the connection and stops the session.
func (e *Engine) Disconnect(reason error) {
	// The peer may already be gone; the stop below must happen regardless.
	_ = e.Call(CmdDisconnect)
	e.host.OnStop(reason)
}

// IsFatal reports whether err returned by HandleFrame ends the session.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNoData)
}
