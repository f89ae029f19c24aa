// Package frame encodes and decodes the STOMP-style text frames exchanged
// with the chat broker.
package frame

import "fmt"

// Command identifies a frame.
type Command string

const (
	Connect   Command = "CONNECT"
	Connected Command = "CONNECTED"
	Subscribe Command = "SUBSCRIBE"
	Send      Command = "SEND"
	Message   Command = "MESSAGE"
	Error     Command = "ERROR"
)

// Valid reports whether c is a command this client understands.
func (c Command) Valid() bool {
	switch c {
	case Connect, Connected, Subscribe, Send, Message, Error:
		return true
	default:
		return false
	}
}

// Well-known header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderAuthorization = "Authorization"
	HeaderID            = "id"
	HeaderDestination   = "destination"
	HeaderAck           = "ack"
	HeaderContentType   = "content-type"
	HeaderMessageID     = "message-id"
	HeaderSubscription  = "subscription"
	HeaderVersion       = "version"
)

// Header is a single frame header.
type Header struct {
	Key   string
	Value string
}

// Frame is one protocol unit: command, ordered headers and a text body.
type Frame struct {
	Command Command
	Headers []Header
	Body    string
}

// New creates a frame with headers given as alternating key/value pairs.
func New(cmd Command, kv ...string) Frame {
	f := Frame{Command: cmd}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value for key.
func (f Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Set replaces the first header named key or appends a new one.
func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

func (f Frame) String() string {
	return fmt.Sprintf("%s (%d headers, %d body bytes)", f.Command, len(f.Headers), len(f.Body))
}

// EncodingError reports an outbound frame that cannot be represented on the
// wire.
type EncodingError struct {
	Command Command
	Reason  string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s frame: %s", e.Command, e.Reason)
}

// MalformedFrameError reports an inbound frame that could not be parsed.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}
