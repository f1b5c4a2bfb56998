// Package endpoint implements the transport variants used to carry
// broker traffic: a plain websocket, a flash-polyfill websocket, and a
// long-lived HTTP stream.  All three speak the same JSON event wire
// format and report their health through a shared counter set.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// Endpoint kind names, also used as counter prefixes.
const (
	KindWebSocket   = "socket"
	KindFlashSocket = "flash"
	KindStream      = "stream"
)

// HeartbeatFrame is the exact heartbeat payload expected by the broker.
const HeartbeatFrame = `{ "cmd": "heartbeat" }`

// ErrNotConnected is returned by writes and heartbeats attempted while
// the endpoint has no live transport underneath it.
var ErrNotConnected = errors.New("endpoint not connected")

// Command is the endpoint-facing view of an outbound request.  The
// socket endpoints only need the framed message; the stream endpoint
// issues discrete HTTP calls and needs the method, path and encoded
// parameter forms as well.
type Command interface {
	// WireMessage returns the JSON frame sent over socket transports.
	WireMessage() ([]byte, error)

	// Action returns the HTTP method, GET or POST.
	Action() string

	// CommandPath returns the full request path including the API root.
	CommandPath() string

	// EncodedParams returns the url-escaped JSON parameter payload.
	EncodedParams() (string, error)

	// EventKey returns the correlation key assigned at registration.
	EventKey() string
}

// Event is one inbound wire event.
type Event struct {
	Type string          `json:"eventType"`
	Key  EventKey        `json:"eventKey"`
	Msg  json.RawMessage `json:"msg"`
}

// EventKey normalizes the correlation key, which the broker emits
// either as a JSON number or as a string depending on the event source.
type EventKey string

// UnmarshalJSON accepts both string and numeric keys.
func (k *EventKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*k = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = EventKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*k = EventKey(n.String())
	return nil
}

// MarshalJSON emits the key in string form.
func (k EventKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// String returns the normalized key value.
func (k EventKey) String() string {
	return string(k)
}

// FromInt builds a key from a numeric correlation counter.
func FromInt(n int64) EventKey {
	return EventKey(strconv.FormatInt(n, 10))
}

// DecodeEvent parses one inbound wire object into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// IsHeartbeatAck reports whether an event is the broker's answer to an
// outbound heartbeat: a zero event key with message body {"message":"hb"}.
func IsHeartbeatAck(ev Event) bool {
	if ev.Key != "" && ev.Key != "0" {
		return false
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ev.Msg, &body); err != nil {
		return false
	}
	return body.Message == "hb"
}

// EventHandler receives decoded inbound events.
type EventHandler func(Event)

// CloseHandler is notified at most once per established connection when
// the transport goes away without a deliberate Disconnect.  err is nil
// for a clean remote close.
type CloseHandler func(err error)

// Endpoint is a single transport attempt against one broker URL.  An
// endpoint carries its own counters so the connection layer can judge
// its stability after a failure.
type Endpoint interface {
	// Name returns the endpoint kind: socket, flash or stream.
	Name() string

	// Connect establishes the transport.  It blocks until the endpoint
	// is usable or failed.  A previously closed endpoint may be
	// reconnected with another Connect call.
	Connect(ctx context.Context) error

	// Disconnect deliberately tears the transport down.  No close
	// handler fires for a deliberate disconnect.
	Disconnect(ctx context.Context) error

	// Write sends one command.
	Write(cmd Command) error

	// Heartbeat sends the heartbeat frame and bumps heartbeat_out.
	Heartbeat() error

	// IsOpen reports whether the transport is currently usable.
	IsOpen() bool

	// IsClosed reports whether the transport is gone.
	IsClosed() bool

	// Metrics exposes the endpoint counter set.
	Metrics() *Metrics

	// SetEventHandler installs the inbound event sink.
	SetEventHandler(h EventHandler)

	// SetCloseHandler installs the unexpected-close notification.
	SetCloseHandler(h CloseHandler)
}

// ScriptLoader loads a browser-style support library by path.  The
// flash endpoint requires two of them before it can open a socket.
type ScriptLoader func(path string) error

// Capabilities describes which transport tiers the runtime environment
// supports.  The zero value allows everything and loads nothing, which
// suits native websocket environments.
type Capabilities struct {
	// ForceWebSocketOff disables the websocket tier.
	ForceWebSocketOff bool

	// ForceFlashSocketOff disables the flash tier.
	ForceFlashSocketOff bool

	// ForceStreamingOff disables the HTTP stream tier.
	ForceStreamingOff bool

	// LoadScript loads polyfill support libraries for the flash tier.
	// When nil the flash endpoint skips the load steps entirely.
	LoadScript ScriptLoader
}

// WebSocketUsable reports whether the websocket tier may be attempted.
func (c *Capabilities) WebSocketUsable() bool {
	return c == nil || !c.ForceWebSocketOff
}

// FlashSocketUsable reports whether the flash tier may be attempted.
func (c *Capabilities) FlashSocketUsable() bool {
	return c == nil || !c.ForceFlashSocketOff
}

// StreamingUsable reports whether the HTTP stream tier may be attempted.
func (c *Capabilities) StreamingUsable() bool {
	return c == nil || !c.ForceStreamingOff
}
