// Package protocol implements the command protocol spoken over a session:
// decoding frames into command messages, dispatching them, and encoding
// outbound commands, status objects and correlated replies.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Builtin command tokens
const (
	CmdConnect    = "connect"
	CmdStatus     = "onStatus"
	CmdReply      = "_B"
	CmdPing       = "_NSF"
	CmdDisconnect = "_RCD"
)

// Status codes sent with onStatus
const (
	StatusConnectSuccess  = "NetConnection.Connect.Success"
	StatusConnectRejected = "NetConnection.Connect.Rejected"
	StatusConnectClosed   = "NetConnection.Connect.Closed"
)

var (
	ErrNoData               = errors.New("no data received")
	ErrMessageParse         = errors.New("message parsing error")
	ErrXMLParse             = errors.New("XML parsing error")
	ErrUnexpectedXML        = errors.New("unexpected XML message")
	ErrUnimplementedCommand = errors.New("unimplemented command")
	ErrLivenessTimeout      = errors.New("liveness probe unanswered")
	ErrDisconnected         = errors.New("disconnect requested")
)

// Message is a decoded command: a non-empty token followed by raw JSON arguments.
type Message struct {
	Token string
	Args  []json.RawMessage
}

// Arg decodes argument i into v.
func (m Message) Arg(i int, v any) error {
	if i < 0 || i >= len(m.Args) {
		return fmt.Errorf("%w: argument %d of %s missing", ErrMessageParse, i, m.Token)
	}
	return json.Unmarshal(m.Args[i], v)
}

// DecodeCommand parses a JSON frame of the form [token, args...].
func DecodeCommand(text string) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(text), &parts); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMessageParse, err)
	}
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("%w: empty command", ErrMessageParse)
	}

	var token string
	if err := json.Unmarshal(parts[0], &token); err != nil {
		return Message{}, fmt.Errorf("%w: command token is not a string", ErrMessageParse)
	}
	if token == "" {
		return Message{}, fmt.Errorf("%w: empty command token", ErrMessageParse)
	}

	return Message{Token: token, Args: parts[1:]}, nil
}

// EncodeCommand serializes [command, args...] without HTML escaping.
func EncodeCommand(command string, args ...any) ([]byte, error) {
	msg := make([]any, 0, len(args)+1)
	msg = append(msg, command)
	msg = append(msg, args...)
	return marshal(msg)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// StatusResponse is the payload of an onStatus command.
type StatusResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	ErrorCode   any    `json:"error_code,omitempty"`
}

// CorrelatedReply is the payload of a _B command. It encodes as
// {"0": v0, ..., "n-1": vn-1, "length": n, "callback_uid": uid}.
type CorrelatedReply struct {
	Values      []any
	CallbackUID any
}

// NewCorrelatedReply wraps data, normalizing scalars to a one-element sequence.
func NewCorrelatedReply(data any, callbackUID any) CorrelatedReply {
	return CorrelatedReply{Values: normalize(data), CallbackUID: callbackUID}
}

// MarshalJSON keeps the numeric keys in order ahead of length and callback_uid.
func (r CorrelatedReply) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range r.Values {
		b, err := marshal(v)
		if err != nil {
			return nil, err
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(i)))
		buf.WriteByte(':')
		buf.Write(b)
		buf.WriteByte(',')
	}
	uid, err := marshal(r.CallbackUID)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"length":`)
	buf.WriteString(strconv.Itoa(len(r.Values)))
	buf.WriteString(`,"callback_uid":`)
	buf.Write(uid)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func normalize(data any) []any {
	switch v := data.(type) {
	case []any:
		return v
	case json.RawMessage:
		var parts []json.RawMessage
		if !bytes.HasPrefix(bytes.TrimSpace(v), []byte("[")) {
			return []any{v}
		}
		if err := json.Unmarshal(v, &parts); err == nil {
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out
		}
		return []any{v}
	case []byte, string, nil:
		return []any{v}
	}

	rv := reflect.ValueOf(data)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{data}
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

// EscapeXML replaces the five XML-reserved characters with named entities.
func EscapeXML(s string) string {
	return xmlReplacer.Replace(s)
}

// EncodeXMLResponse builds a legacy one-shot XML reply.
func EncodeXMLResponse(data, uid string) []byte {
	return []byte(`<root uid="` + uid + `" res="` + EscapeXML(data) + `" />`)
}
