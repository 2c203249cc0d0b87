// Package events carries session lifecycle and command events from the
// protocol core to application listeners.
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies an event.
type Kind string

// Lifecycle events
const (
	PreConnect  Kind = "preConnect"
	PostConnect Kind = "postConnect"
	DoneConnect Kind = "doneConnect"
)

// Command events, named after the inbound command token
const (
	SOO     Kind = "_SOO"
	Resolve Kind = "__resolve"
	P       Kind = "_P"
	LS      Kind = "_LS"
	LG      Kind = "_LG"
	S       Kind = "_S"
	SS      Kind = "_SS"
	SCA     Kind = "_SCA"
	NSF     Kind = "_NSF"
	Sigil   Kind = "$"
	SCD     Kind = "_SCD"
	RCD     Kind = "_RCD"
	SCT     Kind = "_SCT"
	G       Kind = "_G"
)

// Kinds lists every event kind the core publishes.
var Kinds = []Kind{
	PreConnect, PostConnect, DoneConnect,
	SOO, Resolve, P, LS, LG, S, SS, SCA, NSF, Sigil, SCD, RCD, SCT, G,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ReplyFunc writes a reply back to the session an event came from.
//
// For _LS and _G the reply is sent as [token, data] and callbackUID is ignored.
// For every other replying command the reply is a correlated _B message
// carrying callbackUID.
type ReplyFunc func(data any, callbackUID any) error

// Session is the view of a session that listeners receive.
type Session interface {
	ID() string
	RemoteAddr() string
	Call(command string, args ...any) error
	Status(code, description string, errorCode any) error
}

// Event is one published occurrence.
type Event struct {
	Kind      Kind
	SessionID string
	Session   Session
	// Args holds the raw command arguments following the token.
	Args []json.RawMessage
	// Reply is nil for commands that expect no response.
	Reply ReplyFunc
	// Reason is set on DoneConnect when the session ended because of an error.
	Reason    error
	Timestamp time.Time
}

// Arg decodes argument i into v.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return ErrNoArgument
	}
	return json.Unmarshal(e.Args[i], v)
}
